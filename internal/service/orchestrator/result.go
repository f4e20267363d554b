package orchestrator

import (
	"github.com/oshokin/ota-agent/internal/domain/ota"
)

// Exit codes of the operations surface.
const (
	// ExitSuccess is returned when the operation succeeded.
	ExitSuccess = 0
	// ExitFailure is returned for failed and rolled back attempts.
	ExitFailure = 1
	// ExitNoUpdate is returned when there was nothing to install.
	ExitNoUpdate = 2
	// ExitBusy is returned when another attempt is in progress.
	ExitBusy = 3
	// ExitDegraded is returned when manual intervention is required.
	ExitDegraded = 4
)

// Result is the machine-readable outcome of an operation.
type Result struct {
	// Action is the operation that produced the result.
	Action string `json:"action"`
	// Status is the outcome.
	Status ota.AttemptStatus `json:"status"`
	// AttemptID identifies the recorded attempt, if any.
	AttemptID string `json:"attempt_id,omitempty"`
	// UpdateID is the package the attempt installed.
	UpdateID string `json:"update_id,omitempty"`
	// FromVersion is the version current before the operation.
	FromVersion string `json:"from_version,omitempty"`
	// ToVersion is the version the operation targeted.
	ToVersion string `json:"to_version,omitempty"`
	// CurrentVersion is the version current after the operation.
	CurrentVersion string `json:"current_version,omitempty"`
	// ErrorKind classifies a failure.
	ErrorKind ota.ErrorKind `json:"error_kind,omitempty"`
	// Error is the failure detail.
	Error string `json:"error,omitempty"`
	// FailedState is the step where the attempt failed.
	FailedState ota.State `json:"failed_state,omitempty"`
	// Duration is the attempt wall time.
	Duration string `json:"duration,omitempty"`
	// Updates lists candidate packages found by check.
	Updates []*ota.UpdatePackage `json:"updates,omitempty"`
	// Components maps component names to their verification result.
	Components map[string]bool `json:"components,omitempty"`
	// Removed lists pruned releases and backups.
	Removed []string `json:"removed,omitempty"`
	// Firmware is the installed firmware state reported by the status action.
	Firmware *FirmwareStatus `json:"firmware,omitempty"`
}

// FirmwareStatus is the local state reported by the status operation.
type FirmwareStatus struct {
	// CommittedVersion is the health-checked version recorded in the manifest.
	CommittedVersion string `json:"committed_version"`
	// PointerVersion is the release the current pointer designates.
	PointerVersion string `json:"pointer_version"`
	// State is the state machine step of this process.
	State ota.State `json:"state"`
	// InProgress is set when any process holds the update lock.
	InProgress bool `json:"in_progress"`
	// Releases are the installed versions, ascending.
	Releases []string `json:"releases"`
	// Components are the committed component records.
	Components map[string]*ota.ComponentRecord `json:"components"`
	// LastAttempt is the most recent attempt.
	LastAttempt *ota.UpdateAttempt `json:"last_attempt,omitempty"`
	// Reconstructed is set when the manifest had to be rebuilt.
	Reconstructed bool `json:"reconstructed,omitempty"`
}

// ExitCode maps the result status to the process exit code.
func (r *Result) ExitCode() int {
	switch r.Status {
	case ota.StatusSuccess:
		return ExitSuccess
	case ota.StatusNoUpdate:
		return ExitNoUpdate
	case ota.StatusBusy:
		return ExitBusy
	case ota.StatusDegraded:
		return ExitDegraded
	default:
		return ExitFailure
	}
}

func resultFromAttempt(attempt *ota.UpdateAttempt, current string) *Result {
	return &Result{
		Action:         attempt.Action,
		Status:         attempt.Status,
		AttemptID:      attempt.ID,
		UpdateID:       attempt.UpdateID,
		FromVersion:    attempt.FromVersion,
		ToVersion:      attempt.ToVersion,
		CurrentVersion: current,
		ErrorKind:      attempt.ErrorKind,
		Error:          attempt.Error,
		FailedState:    attempt.FailedState,
		Duration:       attempt.Duration.String(),
	}
}

func busyResult(action string) *Result {
	return &Result{
		Action: action,
		Status: ota.StatusBusy,
		Error:  errBusy.Error(),
	}
}

func failedResult(action string, err error) *Result {
	return &Result{
		Action:    action,
		Status:    ota.StatusFailed,
		ErrorKind: ota.KindOf(err),
		Error:     err.Error(),
	}
}
