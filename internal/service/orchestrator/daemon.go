package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/logger"
	"github.com/oshokin/ota-agent/internal/service/server"
)

// errWatcherClosed is returned when the trigger watcher stops on its own.
var errWatcherClosed = errors.New("trigger watcher closed unexpectedly")

// Daemon runs update cycles on the check interval and whenever the trigger
// file is created. Cycles never overlap; requests arriving during a cycle
// collapse into one follow-up cycle. It returns when ctx is cancelled.
func (o *Orchestrator) Daemon(ctx context.Context) error {
	ctx = logger.WithName(ctx, "daemon")

	watchDir := o.workPath()
	if err := os.MkdirAll(watchDir, fsutil.DirPermissions); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create trigger watcher: %w", err)
	}

	defer func() {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.WarnKV(ctx, "Failed to close trigger watcher", "error", closeErr)
		}
	}()

	if err = watcher.Add(watchDir); err != nil {
		return fmt.Errorf("watch %s: %w", watchDir, err)
	}

	requests := make(chan struct{}, 1)
	request := func(reason string) {
		select {
		case requests <- struct{}{}:
			logger.DebugKV(ctx, "Update cycle requested", "reason", reason)
		default:
		}
	}

	logger.InfoKV(ctx, "Daemon started", "interval", o.cfg.CheckInterval, "trigger", filepath.Join(watchDir, TriggerName))

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return o.watchTrigger(groupCtx, watcher, request)
	})

	group.Go(func() error {
		ticker := time.NewTicker(o.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				request("interval")
			}
		}
	})

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-requests:
				o.cycle(groupCtx)
			}
		}
	})

	if o.cfg.StatusAddress != "" {
		group.Go(func() error {
			return server.Run(groupCtx, &server.Options{
				ListenAddress: o.cfg.StatusAddress,
				Healthy: func(ctx context.Context) bool {
					return !o.degraded(ctx)
				},
			})
		})
	}

	request("startup")

	err = group.Wait()

	logger.Info(ctx, "Daemon stopped")

	return err
}

// watchTrigger turns creations of the trigger file into cycle requests.
func (o *Orchestrator) watchTrigger(ctx context.Context, watcher *fsnotify.Watcher, request func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errWatcherClosed
			}

			if filepath.Base(event.Name) != TriggerName {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				request("trigger")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errWatcherClosed
			}

			logger.WarnKV(ctx, "Trigger watcher error", "error", err)
		}
	}
}

// cycle consumes a pending trigger and runs one update cycle unless the
// device waits for manual intervention.
func (o *Orchestrator) cycle(ctx context.Context) {
	trigger := o.workPath(TriggerName)
	if err := os.Remove(trigger); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Failed to consume trigger file", "error", err)
	}

	if o.degraded(ctx) {
		logger.Error(ctx, "Device is degraded, automatic updates are paused until a manual apply or rollback")

		return
	}

	result := o.Apply(ctx)

	logger.DebugKV(ctx, "Update cycle finished", "status", result.Status, "exit_code", result.ExitCode())
}

// degraded reports whether the last recorded attempt left the device degraded.
func (o *Orchestrator) degraded(ctx context.Context) bool {
	m, err := o.store.Load(ctx)
	if err != nil {
		return false
	}

	last, ok := m.LastAttempt()

	return ok && last.Status == ota.StatusDegraded
}
