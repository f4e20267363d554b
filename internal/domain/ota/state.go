package ota

// State is a step of the update orchestrator state machine.
type State string

const (
	// StateIdle is the only state in which a new cycle may start.
	StateIdle State = "IDLE"
	// StateChecking queries the backend for candidates.
	StateChecking State = "CHECKING"
	// StateDownloading fetches every file of the chosen package.
	StateDownloading State = "DOWNLOADING"
	// StatePreFlight checks disk space and version compatibility.
	StatePreFlight State = "PRE_FLIGHT"
	// StateStoppingServices stops services mapped to changed components.
	StateStoppingServices State = "STOPPING_SERVICES"
	// StateBackingUp snapshots the active version.
	StateBackingUp State = "BACKING_UP"
	// StateInstalling stages the new release directory.
	StateInstalling State = "INSTALLING"
	// StateMigrating runs the optional migration hook of the new release.
	StateMigrating State = "MIGRATING"
	// StateSwitching flips the current pointer.
	StateSwitching State = "SWITCHING"
	// StateStartingServices starts services on the new release.
	StateStartingServices State = "STARTING_SERVICES"
	// StateHealthChecking polls service liveness and canaries.
	StateHealthChecking State = "HEALTH_CHECKING"
	// StateCommitted persists the new release in the manifest.
	StateCommitted State = "COMMITTED"
	// StateRollingBack restores the previous release.
	StateRollingBack State = "ROLLING_BACK"
)

// Cancellable reports whether a cycle in this state may still be cancelled.
// Once services are touched the cycle always runs to an abort or rollback.
func (s State) Cancellable() bool {
	switch s {
	case StateIdle, StateChecking, StateDownloading, StatePreFlight:
		return true
	default:
		return false
	}
}

// AtRisk reports whether the pointer may reference an unverified release.
func (s State) AtRisk() bool {
	switch s {
	case StateSwitching, StateStartingServices, StateHealthChecking, StateRollingBack:
		return true
	default:
		return false
	}
}
