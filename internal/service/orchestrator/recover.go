package orchestrator

import (
	"context"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/logger"
)

// recoverInterrupted closes attempts left in progress by a crashed or killed
// agent. When the pointer no longer names the committed release, the
// committed release is restored first. It reports whether anything changed.
func (o *Orchestrator) recoverInterrupted(ctx context.Context, current string, m *ota.Manifest) bool {
	var stale []ota.UpdateAttempt

	for _, attempt := range m.UpdateHistory {
		if attempt.Status == ota.StatusInProgress {
			stale = append(stale, attempt)
		}
	}

	if len(stale) == 0 {
		return false
	}

	ctx = logger.WithName(ctx, "recovery")

	status := ota.StatusFailed
	cause := ota.Transient(errInterrupted)

	committed := m.FirmwareVersion
	if committed != "" && !ota.SameVersion(committed, current) && o.layout.Complete(committed) == nil {
		logger.WarnKV(ctx, "Pointer does not match the committed release, restoring it",
			"pointer", current, "committed", committed)

		if err := o.layout.RollbackTo(ctx, committed); err != nil {
			logger.ErrorKV(ctx, "Failed to restore committed release", "error", err)

			status = ota.StatusDegraded
			cause = ota.Fatal(err)
		} else {
			status = ota.StatusRolledBack
			cause = ota.PostSwitch(errInterrupted)

			for _, name := range o.cfg.ServiceNames() {
				if err = o.ctrl.Restart(ctx, name); err != nil {
					logger.WarnKV(ctx, "Failed to restart service after recovery", "service", name, "error", err)
				}
			}

			o.discardInterrupted(ctx, current, stale)
		}
	}

	for i := range stale {
		attempt := &stale[i]
		attempt.Status = status
		attempt.ErrorKind = ota.KindOf(cause)
		attempt.Error = cause.Error()
		attempt.Duration = o.now().UTC().Sub(attempt.StartedAt)

		o.persistAttempt(ctx, attempt)
		o.report(ctx, attempt, committed)

		logger.WarnKV(ctx, "Closed interrupted attempt",
			"attempt_id", attempt.ID,
			"status", attempt.Status,
			"to_version", attempt.ToVersion)
	}

	return true
}

// discardInterrupted removes the release an interrupted apply was installing.
// Releases that were targets of a manual rollback are kept.
func (o *Orchestrator) discardInterrupted(ctx context.Context, version string, stale []ota.UpdateAttempt) {
	for _, attempt := range stale {
		if attempt.Action != ActionApply || !ota.SameVersion(attempt.ToVersion, version) {
			continue
		}

		if err := o.layout.Discard(ctx, version); err != nil {
			logger.WarnKV(ctx, "Failed to discard interrupted release", "version", version, "error", err)
		}

		return
	}
}
