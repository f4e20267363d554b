package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/integrity"
	"github.com/oshokin/ota-agent/internal/logger"
	"github.com/oshokin/ota-agent/internal/repository/backup"
)

// errCannotRepair is returned when a rollback target is damaged and no backup can fix it.
var errCannotRepair = errors.New("rollback target is damaged and no matching backup exists")

// Rollback switches to an installed earlier release. An empty version
// selects the newest release older than the current one.
func (o *Orchestrator) Rollback(ctx context.Context, version string) *Result {
	ctx = logger.WithName(ctx, "orchestrator")

	if err := o.begin(); err != nil {
		if errors.Is(err, errBusy) {
			return busyResult(ActionRollback)
		}

		return failedResult(ActionRollback, err)
	}

	defer o.end(ctx)

	if o.metrics != nil {
		o.metrics.AttemptStarted()
	}

	current, before, err := o.prepare(ctx)
	attempt := o.newAttempt(ActionRollback, current)

	if err != nil {
		return o.finish(ctx, attempt, ota.StatusFailed, ota.StateChecking, classify(err), true)
	}

	ctx = logger.WithKV(ctx, "attempt_id", attempt.ID)

	target := version
	if target == "" {
		if target, err = o.layout.Previous(current); err != nil {
			return o.finish(ctx, attempt, ota.StatusFailed, ota.StatePreFlight, ota.Precondition(err), true)
		}
	}

	if ota.SameVersion(target, current) {
		logger.InfoKV(ctx, "Requested release is already current", "version", current)

		return o.finish(ctx, attempt, ota.StatusNoUpdate, "", nil, false)
	}

	attempt.ToVersion = target
	o.persistAttempt(ctx, attempt)

	o.enter(ctx, ota.StatePreFlight)

	if err = o.layout.Complete(target); err != nil {
		return o.finish(ctx, attempt, ota.StatusFailed, ota.StatePreFlight, ota.Precondition(err), true)
	}

	meta, err := o.layout.Metadata(target)
	if err != nil {
		return o.finish(ctx, attempt, ota.StatusFailed, ota.StatePreFlight, ota.Precondition(err), true)
	}

	if err = o.repairTarget(ctx, target, meta); err != nil {
		return o.finish(ctx, attempt, ota.StatusFailed, ota.StatePreFlight, ota.Precondition(err), true)
	}

	ctx = context.WithoutCancel(ctx)

	_, fromDir, err := o.layout.Current()
	if err != nil {
		return o.finish(ctx, attempt, ota.StatusFailed, ota.StatePreFlight, ota.Precondition(err), true)
	}

	t := &transition{
		from:     current,
		fromDir:  fromDir,
		to:       target,
		services: o.cfg.ServiceNames(),
		meta:     meta,
		before:   before,
	}

	logger.InfoKV(ctx, "Rolling back on request", "from_version", current, "to_version", target)

	err = guard(ctx, func() error {
		o.stopServices(ctx, t)

		if err := o.switchAndVerify(ctx, t); err != nil {
			return err
		}

		if err := o.commit(ctx, t); err != nil {
			return ota.PostSwitch(err)
		}

		return nil
	})
	if err != nil {
		failedState := o.State()

		if !t.switched {
			o.restartStopped(ctx, t)

			return o.finish(ctx, attempt, ota.StatusFailed, failedState, classify(err), true)
		}

		status, cause := o.rollback(ctx, t, err)

		return o.finish(ctx, attempt, status, failedState, cause, true)
	}

	return o.finish(ctx, attempt, ota.StatusSuccess, "", nil, true)
}

// repairTarget restores tracked files of the target release that no longer
// match its recorded checksums. Only a backup taken of that release can be used.
func (o *Orchestrator) repairTarget(ctx context.Context, target string, meta *ota.ReleaseVersion) error {
	dir := o.layout.ReleaseDir(target)

	var damaged []backup.RestoreTarget

	for name, sum := range meta.ComponentChecksums {
		rel, ok := o.cfg.Components[name]
		if !ok {
			continue
		}

		dest := filepath.Join(dir, filepath.FromSlash(rel))
		if integrity.Verify(dest, sum) == nil {
			continue
		}

		damaged = append(damaged, backup.RestoreTarget{Name: name, Dest: dest, Checksum: sum})
	}

	if len(damaged) == 0 {
		return nil
	}

	entry, err := o.backups.Latest()
	if err != nil {
		return fmt.Errorf("%w: %w", errCannotRepair, err)
	}

	if !ota.SameVersion(entry.TargetID, target) {
		return fmt.Errorf("%w: backup holds %s", errCannotRepair, entry.TargetID)
	}

	logger.WarnKV(ctx, "Repairing rollback target from backup", "version", target, "count", len(damaged))

	if err = o.backups.Restore(ctx, damaged); err != nil {
		return fmt.Errorf("%w: %w", errCannotRepair, err)
	}

	return nil
}
