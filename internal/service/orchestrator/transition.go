package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/hashicorp/go-multierror"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/integrity"
	"github.com/oshokin/ota-agent/internal/logger"
	"github.com/oshokin/ota-agent/internal/repository/backup"
)

var (
	// errRollbackFailed marks a rollback that could not restore a healthy release.
	errRollbackFailed = errors.New("rollback failed, manual intervention required")
	// errReleaseModified is returned when a switched release no longer matches its staged checksums.
	errReleaseModified = errors.New("release files changed after staging")
)

// transition moves the current pointer from a known-good release to a target release.
type transition struct {
	// from is the version current when the attempt started.
	from string
	// fromDir is the release directory of from.
	fromDir string
	// to is the target version.
	to string
	// services are the services affected by the change.
	services []string
	// stopped are services this transition stopped.
	stopped []string
	// stopFailed are services that were running and did not stop.
	stopFailed []string
	// staged is set when the target release was built by this attempt.
	staged bool
	// switched is set once the pointer was moved to the target.
	switched bool
	// meta describes the target release.
	meta *ota.ReleaseVersion
	// backup is the snapshot taken before installing.
	backup *ota.BackupEntry
	// before is the manifest at the start of the attempt.
	before *ota.Manifest
}

// stopServices stops the running affected services. Failures are logged and
// never block the transition.
func (o *Orchestrator) stopServices(ctx context.Context, t *transition) {
	o.enter(ctx, ota.StateStoppingServices)

	var result *multierror.Error

	for _, name := range t.services {
		active, err := o.ctrl.Status(ctx, name)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("status %s: %w", name, err))
		} else if !active {
			continue
		}

		if err = o.ctrl.Stop(ctx, name); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop %s: %w", name, err))
			t.stopFailed = append(t.stopFailed, name)

			continue
		}

		t.stopped = append(t.stopped, name)
	}

	if err := result.ErrorOrNil(); err != nil {
		logger.WarnKV(ctx, "Some services did not stop, proceeding", "error", err)
	}

	logger.InfoKV(ctx, "Services stopped", "services", t.stopped)
}

// restartStopped brings back the services stopped by an aborted transition.
func (o *Orchestrator) restartStopped(ctx context.Context, t *transition) {
	var result *multierror.Error

	for _, name := range t.stopped {
		if err := o.ctrl.Start(ctx, name); err != nil {
			result = multierror.Append(result, fmt.Errorf("start %s: %w", name, err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		logger.ErrorKV(ctx, "Failed to restart services after abort", "error", err)

		return
	}

	logger.InfoKV(ctx, "Services restarted on the unchanged release", "services", t.stopped)
}

// startServices starts every affected service on the current release.
// Services that never stopped are restarted instead.
func (o *Orchestrator) startServices(ctx context.Context, t *transition) error {
	var result *multierror.Error

	for _, name := range t.services {
		start := o.ctrl.Start
		if slices.Contains(t.stopFailed, name) {
			start = o.ctrl.Restart
		}

		if err := start(ctx, name); err != nil {
			result = multierror.Append(result, fmt.Errorf("start %s: %w", name, err))
		}
	}

	return result.ErrorOrNil()
}

// switchAndVerify flips the pointer, starts the services and health-checks
// them. Every failure is a post-switch failure.
func (o *Orchestrator) switchAndVerify(ctx context.Context, t *transition) error {
	o.enter(ctx, ota.StateSwitching)

	if err := o.layout.SwitchTo(ctx, t.to); err != nil {
		return ota.PostSwitch(fmt.Errorf("switch to %s: %w", t.to, err))
	}

	t.switched = true

	o.enter(ctx, ota.StateStartingServices)

	if err := o.startServices(ctx, t); err != nil {
		return ota.PostSwitch(fmt.Errorf("start services: %w", err))
	}

	o.enter(ctx, ota.StateHealthChecking)

	if err := o.health.Check(ctx, t.services); err != nil {
		return ota.PostSwitch(fmt.Errorf("health check: %w", err))
	}

	if err := o.verifyTarget(t); err != nil {
		return ota.PostSwitch(err)
	}

	logger.InfoKV(ctx, "Services healthy on new release", "services", t.services)

	return nil
}

// verifyTarget compares the switched release with the checksums recorded when it was staged.
func (o *Orchestrator) verifyTarget(t *transition) error {
	if t.meta == nil {
		return nil
	}

	if err := o.verifyRelease(t.to, t.meta); err != nil {
		return fmt.Errorf("%w: %w", errReleaseModified, err)
	}

	return nil
}

// verifyRelease checks the tracked files of a release against its recorded checksums.
func (o *Orchestrator) verifyRelease(version string, meta *ota.ReleaseVersion) error {
	dir := o.layout.ReleaseDir(version)

	var result *multierror.Error

	for name, sum := range meta.ComponentChecksums {
		rel, ok := o.cfg.Components[name]
		if !ok {
			continue
		}

		if err := integrity.Verify(filepath.Join(dir, filepath.FromSlash(rel)), sum); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}

	return result.ErrorOrNil()
}

// rollback returns to t.from after a post-switch failure. It runs exactly
// once; any failure inside it is terminal and reported as degraded.
func (o *Orchestrator) rollback(ctx context.Context, t *transition, cause error) (ota.AttemptStatus, error) {
	o.enter(ctx, ota.StateRollingBack)

	logger.WarnKV(ctx, "Rolling back", "to_version", t.from, "cause", cause)

	err := guard(ctx, func() error {
		for _, name := range t.services {
			if err := o.ctrl.Stop(ctx, name); err != nil {
				logger.DebugKV(ctx, "Stop during rollback failed", "service", name, "error", err)
			}
		}

		if current, _ := o.layout.CurrentVersion(); current != t.from {
			if err := o.layout.RollbackTo(ctx, t.from); err != nil {
				return fmt.Errorf("restore pointer: %w", err)
			}
		}

		if err := o.restoreComponents(ctx, t); err != nil {
			return err
		}

		if err := o.startServices(ctx, t); err != nil {
			return fmt.Errorf("start services: %w", err)
		}

		if err := o.health.Check(ctx, t.services); err != nil {
			return fmt.Errorf("health check after rollback: %w", err)
		}

		return nil
	})
	if err != nil {
		return ota.StatusDegraded, ota.Fatal(fmt.Errorf("%w: %w (after: %w)", errRollbackFailed, err, cause))
	}

	if t.staged {
		if discardErr := o.layout.Discard(ctx, t.to); discardErr != nil {
			logger.WarnKV(ctx, "Failed to discard rolled back release", "version", t.to, "error", discardErr)
		}
	}

	logger.InfoKV(ctx, "Rollback completed", "version", t.from)

	return ota.StatusRolledBack, cause
}

// restoreComponents puts back tracked files of the previous release that no
// longer match the snapshot taken before the attempt.
func (o *Orchestrator) restoreComponents(ctx context.Context, t *transition) error {
	if t.backup == nil {
		return nil
	}

	var targets []backup.RestoreTarget

	for name, snapshotSum := range t.backup.Checksums {
		rel, ok := o.cfg.Components[name]
		if !ok {
			continue
		}

		dest := filepath.Join(t.fromDir, filepath.FromSlash(rel))
		if integrity.Verify(dest, snapshotSum) == nil {
			continue
		}

		target := backup.RestoreTarget{Name: name, Dest: dest}
		if t.before != nil {
			if record, ok := t.before.Components[name]; ok {
				target.Checksum = record.Checksum
			}
		}

		targets = append(targets, target)
	}

	if len(targets) == 0 {
		return nil
	}

	logger.WarnKV(ctx, "Restoring modified components from backup", "count", len(targets))

	if err := o.backups.Restore(ctx, targets); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	return nil
}

// commit records the target release as the committed firmware.
func (o *Orchestrator) commit(ctx context.Context, t *transition) error {
	o.enter(ctx, ota.StateCommitted)

	records := o.store.Snapshot(o.layout.ReleaseDir(t.to), t.to)

	var backupHolds map[string]string
	if entry, err := o.backups.Latest(); err == nil {
		backupHolds = entry.Checksums
	}

	_, err := o.store.Update(ctx, func(m *ota.Manifest) error {
		for name, record := range records {
			if previous, ok := m.Components[name]; ok && integrity.Equal(previous.Checksum, record.Checksum) {
				record.Version = previous.Version
				record.UpdatedAt = previous.UpdatedAt
			}

			if _, ok := backupHolds[name]; ok {
				record.BackupPath = filepath.Join(o.backups.QuickPath(), name)
			}
		}

		m.Components = records
		m.FirmwareVersion = t.to

		if t.meta != nil {
			m.Releases[t.to] = t.meta.Clone()
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}

	logger.InfoKV(ctx, "Release committed", "version", t.to)

	return nil
}

// applyRetention prunes releases and archives. Failures are logged only.
func (o *Orchestrator) applyRetention(ctx context.Context, protect ...string) []string {
	removed, err := o.layout.Prune(ctx, o.cfg.Retention.Releases, protect...)
	if err != nil {
		logger.WarnKV(ctx, "Failed to prune releases", "error", err)
	}

	archives, err := o.backups.Prune(ctx, o.cfg.Retention.Backups)
	if err != nil {
		logger.WarnKV(ctx, "Failed to prune backups", "error", err)
	}

	for _, name := range archives {
		removed = append(removed, filepath.Join(BackupsDir, "archive", name))
	}

	return removed
}
