package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/logger"
)

// errVerification is returned when installed components differ from the manifest.
var errVerification = errors.New("components failed verification")

// Check asks the backend for updates without installing anything.
func (o *Orchestrator) Check(ctx context.Context) *Result {
	ctx = logger.WithName(ctx, "orchestrator")

	if err := o.begin(); err != nil {
		if errors.Is(err, errBusy) {
			return busyResult(ActionCheck)
		}

		return failedResult(ActionCheck, err)
	}

	defer o.end(ctx)

	current, _, err := o.prepare(ctx)
	if err != nil {
		return failedResult(ActionCheck, classify(err))
	}

	packages, err := o.backend.Discover(ctx, current)
	if err != nil {
		return failedResult(ActionCheck, classify(err))
	}

	result := &Result{
		Action:         ActionCheck,
		Status:         ota.StatusNoUpdate,
		FromVersion:    current,
		CurrentVersion: current,
		Updates:        packages,
	}

	if pkg := selectCandidate(ctx, current, packages); pkg != nil {
		result.Status = ota.StatusSuccess
		result.UpdateID = pkg.ID
		result.ToVersion = pkg.TargetVersion
	}

	logger.InfoKV(ctx, "Update check finished", "current_version", current,
		"candidates", len(packages), "selected", result.ToVersion)

	return result
}

// Status reports the local firmware state. It takes no lock and changes
// nothing on disk, even when the manifest has to be reconstructed.
func (o *Orchestrator) Status(ctx context.Context) *Result {
	ctx = logger.WithName(ctx, "orchestrator")

	m := o.store.Peek(ctx)

	pointer, _ := o.layout.CurrentVersion()

	versions, err := o.layout.Versions()
	if err != nil {
		logger.WarnKV(ctx, "Failed to list releases", "error", err)
	}

	firmware := &FirmwareStatus{
		CommittedVersion: m.FirmwareVersion,
		PointerVersion:   pointer,
		State:            o.State(),
		InProgress:       o.State() != ota.StateIdle || o.lockHeld(),
		Releases:         versions,
		Components:       m.Components,
		Reconstructed:    m.Reconstructed,
	}

	if last, ok := m.LastAttempt(); ok {
		firmware.LastAttempt = &last
	}

	return &Result{
		Action:         ActionStatus,
		Status:         ota.StatusSuccess,
		CurrentVersion: pointer,
		Firmware:       firmware,
	}
}

// lockHeld tries the update lock with a separate handle.
func (o *Orchestrator) lockHeld() bool {
	other := fsutil.NewFileLock(o.lock.Path())

	if err := other.TryLock(); err != nil {
		return errors.Is(err, fsutil.ErrLocked)
	}

	_ = other.Unlock()

	return false
}

// Verify recomputes the checksums of the committed components of the active release.
func (o *Orchestrator) Verify(ctx context.Context) *Result {
	ctx = logger.WithName(ctx, "orchestrator")

	components, err := o.store.VerifyIntegrity(ctx)
	if err != nil {
		return failedResult(ActionVerify, err)
	}

	current, _ := o.layout.CurrentVersion()

	result := &Result{
		Action:         ActionVerify,
		Status:         ota.StatusSuccess,
		CurrentVersion: current,
		Components:     components,
	}

	var failed []string

	for name, ok := range components {
		if !ok {
			failed = append(failed, name)
		}
	}

	if len(failed) > 0 {
		slices.Sort(failed)

		err = ota.Integrity(fmt.Errorf("%w: %v", errVerification, failed))
		result.Status = ota.StatusFailed
		result.ErrorKind = ota.KindOf(err)
		result.Error = err.Error()
	}

	logger.InfoKV(ctx, "Verification finished", "components", len(components), "failed", len(failed))

	return result
}

// Prune applies the retention policy to releases and backups.
func (o *Orchestrator) Prune(ctx context.Context) *Result {
	ctx = logger.WithName(ctx, "orchestrator")

	if err := o.begin(); err != nil {
		if errors.Is(err, errBusy) {
			return busyResult(ActionPrune)
		}

		return failedResult(ActionPrune, err)
	}

	defer o.end(ctx)

	current, m, err := o.prepare(ctx)
	if err != nil {
		return failedResult(ActionPrune, classify(err))
	}

	removed := o.applyRetention(ctx, current, m.FirmwareVersion)
	o.syncReleases(ctx)

	logger.InfoKV(ctx, "Retention applied", "removed", removed)

	return &Result{
		Action:         ActionPrune,
		Status:         ota.StatusSuccess,
		CurrentVersion: current,
		Removed:        removed,
	}
}
