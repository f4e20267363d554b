package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/ota-agent/internal/config"
	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/logger"
	"github.com/oshokin/ota-agent/internal/metrics"
	"github.com/oshokin/ota-agent/internal/repository/backup"
	"github.com/oshokin/ota-agent/internal/repository/manifest"
	"github.com/oshokin/ota-agent/internal/repository/release"
	"github.com/oshokin/ota-agent/internal/service/backend"
	"github.com/oshokin/ota-agent/internal/service/controller"
	"github.com/oshokin/ota-agent/internal/service/downloader"
	"github.com/oshokin/ota-agent/internal/service/power"
)

const (
	// ActionApply is the attempt action of an update cycle.
	ActionApply = "apply"
	// ActionRollback is the attempt action of a manual rollback.
	ActionRollback = "rollback"
	// ActionCheck only queries the backend.
	ActionCheck = "check"
	// ActionStatus reports local state.
	ActionStatus = "status"
	// ActionVerify checks installed components.
	ActionVerify = "verify"
	// ActionPrune applies the retention policy.
	ActionPrune = "prune"

	// WorkDir holds agent bookkeeping under the device root.
	WorkDir = "ota"
	// DownloadsDir holds per-package download directories under WorkDir.
	DownloadsDir = "downloads"
	// TriggerName is the file whose creation requests an immediate daemon cycle.
	TriggerName = "trigger"
	// ManifestName is the manifest file under the device root.
	ManifestName = "manifest.json"
	// BackupsDir holds the quick backup and archives under the device root.
	BackupsDir = "backups"

	lockName = "ota.lock"
)

var (
	// errBusy is returned when another attempt is in progress.
	errBusy = errors.New("another update attempt is in progress")
	// errPanic is wrapped around values recovered from a panicking phase.
	errPanic = errors.New("update phase panicked")
	// errInterrupted marks attempts found in progress when the agent starts.
	errInterrupted = errors.New("attempt was interrupted")
)

// Discoverer lists candidate packages.
type Discoverer interface {
	Discover(ctx context.Context, currentVersion string) ([]*ota.UpdatePackage, error)
}

// Reporter receives the outcome of every cycle.
type Reporter interface {
	Report(ctx context.Context, report backend.Report) error
}

// Backend is the update API.
type Backend interface {
	Discoverer
	Reporter
}

// Fetcher downloads and verifies one file.
type Fetcher interface {
	Fetch(ctx context.Context, req downloader.Request) (*downloader.Result, error)
}

// HealthChecker decides whether services are healthy.
type HealthChecker interface {
	Check(ctx context.Context, names []string) error
}

// ManifestStore persists the manifest and snapshots component records.
type ManifestStore interface {
	manifest.Repository
	Snapshot(dir, version string) map[string]*ota.ComponentRecord
	Peek(ctx context.Context) *ota.Manifest
}

// DiskFreeFunc returns the free bytes of the filesystem holding path.
type DiskFreeFunc func(path string) (uint64, error)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	// Config holds the validated agent settings.
	Config *config.Config
	// Layout manages releases and the current pointer.
	Layout *release.Layout
	// Manifest persists the committed state.
	Manifest ManifestStore
	// Backups holds pre-update snapshots.
	Backups *backup.Store
	// Backend discovers packages and receives reports.
	Backend Backend
	// Fetcher downloads package files.
	Fetcher Fetcher
	// Controller manages services; it should already be bounded.
	Controller controller.Controller
	// Health runs post-switch health checks.
	Health HealthChecker
	// Metrics is optional.
	Metrics *metrics.Metrics
	// DiskFree defaults to the root filesystem usage.
	DiskFree DiskFreeFunc
	// Reboot defaults to power.ScheduleReboot.
	Reboot power.Rebooter
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the update state machine of one device.
type Orchestrator struct {
	cfg      *config.Config
	layout   *release.Layout
	store    ManifestStore
	backups  *backup.Store
	backend  Backend
	fetcher  Fetcher
	ctrl     controller.Controller
	health   HealthChecker
	metrics  *metrics.Metrics
	diskFree DiskFreeFunc
	reboot   power.Rebooter
	now      func() time.Time

	// lock extends single-flight across processes.
	lock *fsutil.FileLock
	// mu guards state.
	mu sync.Mutex
	// state is the current state machine step, StateIdle between cycles.
	state ota.State
}

// New creates an orchestrator from its collaborators.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:      deps.Config,
		layout:   deps.Layout,
		store:    deps.Manifest,
		backups:  deps.Backups,
		backend:  deps.Backend,
		fetcher:  deps.Fetcher,
		ctrl:     deps.Controller,
		health:   deps.Health,
		metrics:  deps.Metrics,
		diskFree: deps.DiskFree,
		reboot:   deps.Reboot,
		now:      deps.Now,
		lock:     fsutil.NewFileLock(filepath.Join(deps.Config.RootDir, lockName)),
		state:    ota.StateIdle,
	}

	if o.diskFree == nil {
		o.diskFree = diskFree
	}

	if o.reboot == nil {
		o.reboot = power.ScheduleReboot
	}

	if o.now == nil {
		o.now = time.Now
	}

	return o
}

// State returns the current state machine step.
func (o *Orchestrator) State() ota.State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// begin moves IDLE to CHECKING and takes the cross-process lock.
// It fails with errBusy when either is already held.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != ota.StateIdle {
		return errBusy
	}

	if err := os.MkdirAll(o.cfg.RootDir, fsutil.DirPermissions); err != nil {
		return ota.Precondition(fmt.Errorf("create root dir: %w", err))
	}

	if err := o.lock.TryLock(); err != nil {
		if errors.Is(err, fsutil.ErrLocked) {
			return errBusy
		}

		return ota.Transient(fmt.Errorf("acquire update lock: %w", err))
	}

	o.state = ota.StateChecking

	return nil
}

// end returns to IDLE and releases the cross-process lock.
func (o *Orchestrator) end(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state = ota.StateIdle

	if err := o.lock.Unlock(); err != nil {
		logger.WarnKV(ctx, "Failed to release update lock", "error", err)
	}
}

// enter records a state transition.
func (o *Orchestrator) enter(ctx context.Context, state ota.State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()

	logger.DebugKV(ctx, "State changed", "state", state)
}

// guard runs fn and turns a panic into a fatal error so cleanup still runs.
func guard(ctx context.Context, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorKV(ctx, "Recovered from panic", "panic", r, "stack", string(debug.Stack()))

			err = ota.Fatal(fmt.Errorf("%w: %v", errPanic, r))
		}
	}()

	return fn()
}

// newAttempt starts the audit record of a cycle.
func (o *Orchestrator) newAttempt(action, from string) *ota.UpdateAttempt {
	return &ota.UpdateAttempt{
		ID:          uuid.NewString(),
		Action:      action,
		FromVersion: from,
		StartedAt:   o.now().UTC(),
		Status:      ota.StatusInProgress,
	}
}

// persistAttempt writes the attempt into the manifest history.
func (o *Orchestrator) persistAttempt(ctx context.Context, attempt *ota.UpdateAttempt) {
	_, err := o.store.Update(ctx, func(m *ota.Manifest) error {
		m.RecordAttempt(*attempt)

		return nil
	})
	if err != nil {
		logger.WarnKV(ctx, "Failed to record attempt", "attempt_id", attempt.ID, "error", err)
	}
}

// finish closes an attempt: it fills the outcome, records it, publishes
// metrics and reports it to the backend. It never fails.
func (o *Orchestrator) finish(ctx context.Context, attempt *ota.UpdateAttempt, status ota.AttemptStatus,
	failedState ota.State, cause error, record bool,
) *Result {
	// Bookkeeping must survive a cancelled caller.
	ctx = context.WithoutCancel(ctx)

	attempt.Status = status
	attempt.Duration = o.now().UTC().Sub(attempt.StartedAt)

	if cause != nil {
		attempt.ErrorKind = ota.KindOf(cause)
		attempt.Error = cause.Error()
		attempt.FailedState = failedState
	}

	current, _ := o.layout.CurrentVersion()

	if record {
		o.persistAttempt(ctx, attempt)
		o.syncReleases(ctx)
	}

	if o.metrics != nil {
		o.metrics.AttemptFinished(*attempt)

		if current != "" {
			o.metrics.SetFirmware(current)
		}

		if err := o.metrics.WriteTextfile(o.cfg.MetricsFile); err != nil {
			logger.WarnKV(ctx, "Failed to write metrics", "error", err)
		}
	}

	logFields := []any{
		"attempt_id", attempt.ID,
		"status", status,
		"from_version", attempt.FromVersion,
		"to_version", attempt.ToVersion,
		"duration", attempt.Duration,
	}

	switch status {
	case ota.StatusSuccess, ota.StatusNoUpdate:
		logger.InfoKV(ctx, "Attempt finished", logFields...)
	case ota.StatusDegraded:
		logger.ErrorKV(ctx, "Attempt finished, manual intervention required",
			append(logFields, "error_kind", attempt.ErrorKind, "error", attempt.Error)...)
	default:
		logger.WarnKV(ctx, "Attempt finished",
			append(logFields, "error_kind", attempt.ErrorKind, "failed_state", failedState, "error", attempt.Error)...)
	}

	if record {
		o.report(ctx, attempt, current)
	}

	return resultFromAttempt(attempt, current)
}

// report posts the outcome; failures are logged only.
func (o *Orchestrator) report(ctx context.Context, attempt *ota.UpdateAttempt, current string) {
	if o.backend == nil {
		return
	}

	err := o.backend.Report(ctx, backend.Report{
		Version:   current,
		UpdateID:  attempt.UpdateID,
		Status:    attempt.Status,
		ErrorKind: attempt.ErrorKind,
		Error:     attempt.Error,
	})
	if err != nil {
		logger.WarnKV(ctx, "Failed to report attempt status", "attempt_id", attempt.ID, "error", err)
	}
}

// syncReleases drops manifest release records whose directories are gone.
func (o *Orchestrator) syncReleases(ctx context.Context) {
	versions, err := o.layout.Versions()
	if err != nil {
		return
	}

	installed := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		installed[v] = struct{}{}
	}

	_, err = o.store.Update(ctx, func(m *ota.Manifest) error {
		for v := range m.Releases {
			if _, ok := installed[v]; !ok {
				delete(m.Releases, v)
			}
		}

		return nil
	})
	if err != nil {
		logger.WarnKV(ctx, "Failed to sync release records", "error", err)
	}
}

// prepare adopts an unmanaged device and removes leftovers of interrupted runs.
// It returns the current version and the loaded manifest.
func (o *Orchestrator) prepare(ctx context.Context) (string, *ota.Manifest, error) {
	m, err := o.store.Load(ctx)
	if err != nil {
		return "", nil, err
	}

	if m.Reconstructed {
		logger.WarnKV(ctx, "Manifest was missing or corrupt and has been rebuilt",
			"firmware_version", m.FirmwareVersion)
	}

	current, err := o.layout.Init(ctx, m.FirmwareVersion)
	if err != nil {
		return "", nil, ota.Precondition(fmt.Errorf("initialise release layout: %w", err))
	}

	o.layout.CleanupStaging(ctx)

	if !o.recoverInterrupted(ctx, current, m) {
		return current, m, nil
	}

	if current, err = o.layout.CurrentVersion(); err != nil {
		return "", nil, ota.Precondition(err)
	}

	if m, err = o.store.Load(ctx); err != nil {
		return "", nil, err
	}

	return current, m, nil
}

func (o *Orchestrator) workPath(elem ...string) string {
	return filepath.Join(append([]string{o.cfg.RootDir, WorkDir}, elem...)...)
}
