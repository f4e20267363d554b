package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-agent/internal/config"
	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/integrity"
	"github.com/oshokin/ota-agent/internal/metrics"
	"github.com/oshokin/ota-agent/internal/repository/backup"
	"github.com/oshokin/ota-agent/internal/repository/manifest"
	"github.com/oshokin/ota-agent/internal/repository/release"
	"github.com/oshokin/ota-agent/internal/service/backend"
	"github.com/oshokin/ota-agent/internal/service/controller"
	"github.com/oshokin/ota-agent/internal/service/controller/controllertest"
	"github.com/oshokin/ota-agent/internal/service/downloader"
)

const (
	appComponent = "app"
	appPath      = "apps/app"
)

type fakeBackend struct {
	mu       sync.Mutex
	packages []*ota.UpdatePackage
	err      error
	reports  []backend.Report
}

func (b *fakeBackend) Discover(_ context.Context, _ string) ([]*ota.UpdatePackage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.packages, b.err
}

func (b *fakeBackend) Report(_ context.Context, report backend.Report) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reports = append(b.reports, report)

	return nil
}

func (b *fakeBackend) offer(packages ...*ota.UpdatePackage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.packages = packages
}

func (b *fakeBackend) lastReport() backend.Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.reports) == 0 {
		return backend.Report{}
	}

	return b.reports[len(b.reports)-1]
}

// fileFetcher serves package URLs from local files.
type fileFetcher struct {
	sources map[string]string
}

func (f *fileFetcher) Fetch(_ context.Context, req downloader.Request) (*downloader.Result, error) {
	source, ok := f.sources[req.URL]
	if !ok {
		return nil, ota.Transient(os.ErrNotExist)
	}

	if err := fsutil.CopyFile(source, req.Dest); err != nil {
		return nil, err
	}

	if err := integrity.Verify(req.Dest, req.Checksum); err != nil {
		_ = os.Remove(req.Dest)

		return nil, ota.Integrity(err)
	}

	info, err := os.Stat(req.Dest)
	if err != nil {
		return nil, err
	}

	return &downloader.Result{Path: req.Dest, Size: info.Size(), Attempts: 1}, nil
}

type harness struct {
	root     string
	cfg      *config.Config
	layout   *release.Layout
	store    *manifest.FileStore
	backend  *fakeBackend
	fetcher  *fileFetcher
	ctrl     *controllertest.Fake
	free     uint64
	reboots  int
	orch     *Orchestrator
	filesDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()

	cfg := &config.Config{
		DeviceID:   "dev-1",
		RootDir:    root,
		Backend:    config.Backend{BaseURL: "http://127.0.0.1:1"},
		Services:   []config.Service{{Name: appComponent, Components: []string{appComponent}}},
		Components: map[string]string{appComponent: appPath},
	}
	require.NoError(t, config.Validate(cfg))

	layout, err := release.NewLayout(root, cfg.Pointer)
	require.NoError(t, err)

	_, err = layout.Init(context.Background(), "1.0.0")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(layout.ReleaseDir("1.0.0"), appPath), []byte("v1"), 0o755))

	h := &harness{
		root:     root,
		cfg:      cfg,
		layout:   layout,
		store:    manifest.NewFileStore(filepath.Join(root, ManifestName), cfg.DeviceID, cfg.Components, layout),
		backend:  &fakeBackend{},
		fetcher:  &fileFetcher{sources: make(map[string]string)},
		ctrl:     controllertest.New(appComponent),
		free:     1 << 40,
		filesDir: t.TempDir(),
	}

	h.orch = New(Deps{
		Config:     cfg,
		Layout:     layout,
		Manifest:   h.store,
		Backups:    backup.NewStore(filepath.Join(root, BackupsDir)),
		Backend:    h.backend,
		Fetcher:    h.fetcher,
		Controller: h.ctrl,
		Health:     controller.NewHealthChecker(h.ctrl, controller.HealthOptions{Retries: 1}, nil),
		Metrics:    metrics.New(),
		DiskFree: func(string) (uint64, error) {
			return h.free, nil
		},
		Reboot: func(context.Context) error {
			h.reboots++

			return nil
		},
	})

	return h
}

// component publishes a single-file package for version with the given app contents.
func (h *harness) component(t *testing.T, version, contents string) *ota.UpdatePackage {
	t.Helper()

	source := filepath.Join(h.filesDir, version+"-app")
	require.NoError(t, os.WriteFile(source, []byte(contents), 0o644))

	sum, err := integrity.FileSHA256(source)
	require.NoError(t, err)

	url := "file://" + source
	h.fetcher.sources[url] = source

	return &ota.UpdatePackage{
		ID:            "dep-" + version,
		TargetVersion: version,
		Priority:      ota.PriorityNormal,
		Source:        ota.SourceManual,
		Files:         []ota.PackageFile{{Name: appComponent, URL: url, Checksum: sum, Size: int64(len(contents))}},
	}
}

// bundle publishes a package made of one archive with the given raw contents.
func (h *harness) bundle(t *testing.T, version string, data []byte) *ota.UpdatePackage {
	t.Helper()

	source := filepath.Join(h.filesDir, version+"-release.tar.gz")
	require.NoError(t, os.WriteFile(source, data, 0o644))

	sum, err := integrity.FileSHA256(source)
	require.NoError(t, err)

	url := "file://" + source
	h.fetcher.sources[url] = source

	return &ota.UpdatePackage{
		ID:            "dep-" + version,
		TargetVersion: version,
		Priority:      ota.PriorityNormal,
		Source:        ota.SourceManual,
		Files:         []ota.PackageFile{{Name: "release.tar.gz", URL: url, Checksum: sum, Size: int64(len(data))}},
	}
}

// tarGz packs executable files into a gzip compressed tar stream.
func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(contents)),
			Typeflag: tar.TypeReg,
		}))

		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

// requireUntouched checks that an aborted attempt left the device as it was.
func (h *harness) requireUntouched(t *testing.T, version string) {
	t.Helper()

	require.Equal(t, "1.0.0", h.current(t))
	require.Equal(t, "v1", h.installed(t, "1.0.0"))
	require.False(t, h.layout.Installed(version))
	require.True(t, h.ctrl.Active(appComponent))
	require.Equal(t, ota.StateIdle, h.orch.State())

	entries, err := os.ReadDir(h.layout.ReleasesPath())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "1.0.0", entries[0].Name())

	m := h.manifest(t)
	require.Equal(t, "1.0.0", m.FirmwareVersion)
	require.NotContains(t, m.Releases, version)

	report := h.backend.lastReport()
	require.Equal(t, ota.StatusFailed, report.Status)
	require.Equal(t, "1.0.0", report.Version)
}

func (h *harness) current(t *testing.T) string {
	t.Helper()

	version, err := h.layout.CurrentVersion()
	require.NoError(t, err)

	return version
}

func (h *harness) installed(t *testing.T, version string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(h.layout.ReleaseDir(version), appPath))
	require.NoError(t, err)

	return string(data)
}

func (h *harness) manifest(t *testing.T) *ota.Manifest {
	t.Helper()

	m, err := h.store.Load(context.Background())
	require.NoError(t, err)

	return m
}

// TestApply_CommitsHealthyRelease walks the whole state machine to COMMITTED.
func TestApply_CommitsHealthyRelease(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.offer(h.component(t, "1.1.0", "v2"))

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusSuccess, result.Status, result.Error)
	require.Equal(t, ExitSuccess, result.ExitCode())
	require.Equal(t, "1.0.0", result.FromVersion)
	require.Equal(t, "1.1.0", result.ToVersion)
	require.Equal(t, "1.1.0", result.CurrentVersion)
	require.Equal(t, "1.1.0", h.current(t))
	require.Equal(t, "v2", h.installed(t, "1.1.0"))
	require.Equal(t, "v1", h.installed(t, "1.0.0"))
	require.Equal(t, ota.StateIdle, h.orch.State())

	require.Equal(t, 1, h.ctrl.Stops(appComponent))
	require.Equal(t, 1, h.ctrl.Starts(appComponent))
	require.True(t, h.ctrl.Active(appComponent))

	m := h.manifest(t)
	require.Equal(t, "1.1.0", m.FirmwareVersion)
	require.Contains(t, m.Releases, "1.1.0")
	require.NoError(t, integrity.Verify(filepath.Join(h.layout.ReleaseDir("1.1.0"), appPath), m.Components[appComponent].Checksum))
	require.NotEmpty(t, m.Components[appComponent].BackupPath)

	last, ok := m.LastAttempt()
	require.True(t, ok)
	require.Equal(t, ota.StatusSuccess, last.Status)
	require.Equal(t, "dep-1.1.0", last.UpdateID)

	report := h.backend.lastReport()
	require.Equal(t, ota.StatusSuccess, report.Status)
	require.Equal(t, "1.1.0", report.Version)

	entries, err := os.ReadDir(filepath.Join(h.root, WorkDir, DownloadsDir))
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Zero(t, h.reboots)
}

// TestApply_NoUpdate leaves everything untouched and records nothing.
func TestApply_NoUpdate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	current := h.component(t, "1.0.0", "v1")
	incompatible := h.component(t, "2.0.0", "v2")
	incompatible.MinVersion = "1.5.0"
	h.backend.offer(current, incompatible)

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusNoUpdate, result.Status)
	require.Equal(t, ExitNoUpdate, result.ExitCode())
	require.Equal(t, "1.0.0", h.current(t))
	require.Empty(t, h.ctrl.Calls())
	require.Empty(t, h.manifest(t).UpdateHistory)
	require.Empty(t, h.backend.reports)
}

// TestApply_RollsBackUnhealthyRelease restores the previous release when health checks fail.
func TestApply_RollsBackUnhealthyRelease(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.offer(h.component(t, "1.1.0", "broken"))
	h.ctrl.SetHealthy(func(string) bool {
		version, _ := h.layout.CurrentVersion()

		return version != "1.1.0"
	})

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusRolledBack, result.Status)
	require.Equal(t, ExitFailure, result.ExitCode())
	require.Equal(t, ota.KindPostSwitch, result.ErrorKind)
	require.Equal(t, ota.StateHealthChecking, result.FailedState)
	require.Equal(t, "1.0.0", h.current(t))
	require.Equal(t, "v1", h.installed(t, "1.0.0"))
	require.False(t, h.layout.Installed("1.1.0"))
	require.True(t, h.ctrl.Active(appComponent))

	m := h.manifest(t)
	require.Equal(t, "1.0.0", m.FirmwareVersion)
	require.NotContains(t, m.Releases, "1.1.0")

	report := h.backend.lastReport()
	require.Equal(t, ota.StatusRolledBack, report.Status)
	require.Equal(t, ota.KindPostSwitch, report.ErrorKind)
	require.Equal(t, "1.0.0", report.Version)
}

// TestApply_DegradedWhenRollbackFails reports manual intervention when nothing starts.
func TestApply_DegradedWhenRollbackFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.offer(h.component(t, "1.1.0", "v2"))
	h.ctrl.SetHealthy(func(string) bool { return false })

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusDegraded, result.Status)
	require.Equal(t, ExitDegraded, result.ExitCode())
	require.Equal(t, ota.KindFatal, result.ErrorKind)
	require.True(t, h.orch.degraded(context.Background()))
}

// TestApply_PreflightFailureTouchesNothing aborts on low disk space before stopping services.
func TestApply_PreflightFailureTouchesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.offer(h.component(t, "1.1.0", "v2"))
	h.free = 1

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusFailed, result.Status)
	require.Equal(t, ota.KindPrecondition, result.ErrorKind)
	require.Equal(t, ota.StatePreFlight, result.FailedState)
	require.Zero(t, h.ctrl.Stops(appComponent))
	require.Zero(t, h.ctrl.Starts(appComponent))
	require.Equal(t, "1.0.0", h.current(t))
	require.False(t, h.layout.Installed("1.1.0"))
}

// TestApply_MigrationFailureAborts discards the staged release and restarts
// services without moving the pointer.
func TestApply_MigrationFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.offer(h.bundle(t, "1.1.0", tarGz(t, map[string]string{
		appPath:   "v2",
		"migrate": "#!/bin/sh\nexit 4\n",
	})))

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusFailed, result.Status)
	require.Equal(t, ota.StateMigrating, result.FailedState)
	require.Equal(t, ExitFailure, result.ExitCode())
	require.Equal(t, 1, h.ctrl.Stops(appComponent))
	require.Equal(t, 1, h.ctrl.Starts(appComponent))
	h.requireUntouched(t, "1.1.0")
}

// TestApply_StageFailureAborts treats a bundle that cannot be extracted as an
// install failure before the switch.
func TestApply_StageFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.offer(h.bundle(t, "1.1.0", []byte("not a gzip stream")))

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusFailed, result.Status)
	require.Equal(t, ota.StateInstalling, result.FailedState)
	require.Equal(t, 1, h.ctrl.Stops(appComponent))
	require.Equal(t, 1, h.ctrl.Starts(appComponent))
	h.requireUntouched(t, "1.1.0")
}

// TestApply_BackupFailureRestartsServices blocks the install when the
// snapshot cannot be written and brings services straight back.
func TestApply_BackupFailureRestartsServices(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.offer(h.component(t, "1.1.0", "v2"))

	// A plain file where the backup tree belongs makes every snapshot fail.
	require.NoError(t, os.WriteFile(filepath.Join(h.root, BackupsDir), []byte("in the way"), 0o644))

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusFailed, result.Status)
	require.Equal(t, ota.KindPrecondition, result.ErrorKind)
	require.Equal(t, ota.StateBackingUp, result.FailedState)
	require.Equal(t, 1, h.ctrl.Stops(appComponent))
	require.Equal(t, 1, h.ctrl.Starts(appComponent))
	h.requireUntouched(t, "1.1.0")
	require.Equal(t, ota.KindPrecondition, h.backend.lastReport().ErrorKind)
}

// TestApply_BackupWithoutTrackedComponents still records a backup entry when
// the current release holds none of the configured components.
func TestApply_BackupWithoutTrackedComponents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, os.Remove(filepath.Join(h.layout.ReleaseDir("1.0.0"), appPath)))
	h.backend.offer(h.component(t, "1.1.0", "v2"))

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusSuccess, result.Status, result.Error)
	require.Equal(t, "v2", h.installed(t, "1.1.0"))

	entry, err := backup.NewStore(filepath.Join(h.root, BackupsDir)).Latest()
	require.NoError(t, err)
	require.Equal(t, "1.0.0", entry.TargetID)
	require.Contains(t, entry.Checksums, release.VersionFile)
}

// TestApply_ChecksumMismatch fails at DOWNLOADING with an integrity error.
func TestApply_ChecksumMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	pkg := h.component(t, "1.1.0", "v2")
	pkg.Files[0].Checksum = "sha256:" + "00000000000000000000000000000000000000000000000000000000000000ff"
	h.backend.offer(pkg)

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusFailed, result.Status)
	require.Equal(t, ota.KindIntegrity, result.ErrorKind)
	require.Equal(t, ota.StateDownloading, result.FailedState)
	require.Empty(t, h.ctrl.Calls())
	require.Equal(t, "integrity_error", h.backend.lastReport().ErrorKind.ReportCode())
}

// TestApply_MissingChecksumIsRejected refuses files that cannot be verified.
func TestApply_MissingChecksumIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	pkg := h.component(t, "1.1.0", "v2")
	pkg.Files[0].Checksum = ""
	h.backend.offer(pkg)

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusFailed, result.Status)
	require.Equal(t, ota.KindIntegrity, result.ErrorKind)
}

// TestApply_DiscoveryFailureIsRecorded keeps the device unchanged when the backend is down.
func TestApply_DiscoveryFailureIsRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.err = ota.Transient(os.ErrDeadlineExceeded)

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusFailed, result.Status)
	require.Equal(t, ota.KindTransient, result.ErrorKind)
	require.Equal(t, ota.StateChecking, result.FailedState)

	last, ok := h.manifest(t).LastAttempt()
	require.True(t, ok)
	require.Equal(t, ota.StatusFailed, last.Status)
}

// TestApply_Busy refuses to run while another process holds the update lock.
func TestApply_Busy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.offer(h.component(t, "1.1.0", "v2"))

	lock := fsutil.NewFileLock(filepath.Join(h.root, lockName))
	require.NoError(t, lock.TryLock())

	t.Cleanup(func() {
		_ = lock.Unlock()
	})

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusBusy, result.Status)
	require.Equal(t, ExitBusy, result.ExitCode())
	require.Equal(t, "1.0.0", h.current(t))
	require.True(t, h.orch.Status(context.Background()).Firmware.InProgress)
}

// TestApply_SchedulesReboot asks for a reboot only after a commit.
func TestApply_SchedulesReboot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	pkg := h.component(t, "1.1.0", "v2")
	pkg.RequiresReboot = true
	h.backend.offer(pkg)

	result := h.orch.Apply(context.Background())

	require.Equal(t, ota.StatusSuccess, result.Status)
	require.Equal(t, 1, h.reboots)
}

// TestApply_KeepsRetention prunes releases beyond the retention count.
func TestApply_KeepsRetention(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	for i, version := range []string{"1.1.0", "1.2.0", "1.3.0"} {
		h.backend.offer(h.component(t, version, "v"+version))

		result := h.orch.Apply(context.Background())
		require.Equal(t, ota.StatusSuccess, result.Status, "cycle %d: %s", i, result.Error)
	}

	versions, err := h.layout.Versions()
	require.NoError(t, err)
	require.Len(t, versions, h.cfg.Retention.Releases)
	require.Equal(t, "1.3.0", versions[len(versions)-1])
}

// TestRollback_SwitchesToPreviousRelease commits the previous release on request.
func TestRollback_SwitchesToPreviousRelease(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.offer(h.component(t, "1.1.0", "v2"))
	require.Equal(t, ota.StatusSuccess, h.orch.Apply(context.Background()).Status)

	result := h.orch.Rollback(context.Background(), "")

	require.Equal(t, ota.StatusSuccess, result.Status, result.Error)
	require.Equal(t, ActionRollback, result.Action)
	require.Equal(t, "1.0.0", result.ToVersion)
	require.Equal(t, "1.0.0", h.current(t))
	require.Equal(t, "1.0.0", h.manifest(t).FirmwareVersion)
	require.True(t, h.ctrl.Active(appComponent))

	again := h.orch.Rollback(context.Background(), "1.0.0")
	require.Equal(t, ota.StatusNoUpdate, again.Status)
}

// TestRollback_UnknownVersion is a precondition failure.
func TestRollback_UnknownVersion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	result := h.orch.Rollback(context.Background(), "0.9.0")

	require.Equal(t, ota.StatusFailed, result.Status)
	require.Equal(t, ota.KindPrecondition, result.ErrorKind)
	require.Equal(t, "1.0.0", h.current(t))
	require.Empty(t, h.ctrl.Calls())
}

// TestRecover_InterruptedAttempt restores the committed release after a crash mid-switch.
func TestRecover_InterruptedAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	_, err := h.store.Update(ctx, func(m *ota.Manifest) error {
		m.RecordAttempt(ota.UpdateAttempt{
			ID:          "crashed",
			Action:      ActionApply,
			FromVersion: "1.0.0",
			ToVersion:   "1.1.0",
			StartedAt:   time.Now().UTC(),
			Status:      ota.StatusInProgress,
		})

		return nil
	})
	require.NoError(t, err)

	_, err = h.layout.Stage(ctx, release.StageRequest{
		Version:  "1.1.0",
		SeedFrom: h.layout.ReleaseDir("1.0.0"),
	})
	require.NoError(t, err)
	require.NoError(t, h.layout.SwitchTo(ctx, "1.1.0"))

	result := h.orch.Check(ctx)

	require.Equal(t, ota.StatusNoUpdate, result.Status)
	require.Equal(t, "1.0.0", result.CurrentVersion)
	require.Equal(t, "1.0.0", h.current(t))
	require.False(t, h.layout.Installed("1.1.0"))

	last, ok := h.manifest(t).LastAttempt()
	require.True(t, ok)
	require.Equal(t, "crashed", last.ID)
	require.Equal(t, ota.StatusRolledBack, last.Status)
	require.Equal(t, 1, h.ctrl.Starts(appComponent))
}

// TestCheck_ReportsCandidate lists packages and names the one apply would pick.
func TestCheck_ReportsCandidate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.offer(h.component(t, "1.1.0", "v2"))

	result := h.orch.Check(context.Background())

	require.Equal(t, ota.StatusSuccess, result.Status)
	require.Equal(t, "1.1.0", result.ToVersion)
	require.Len(t, result.Updates, 1)
	require.Equal(t, "1.0.0", h.current(t))
	require.Empty(t, h.ctrl.Calls())
}

// TestStatusAndVerify report local state and detect tampering.
func TestStatusAndVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	status := h.orch.Status(ctx)
	require.Equal(t, ota.StatusSuccess, status.Status)
	require.Equal(t, "1.0.0", status.Firmware.CommittedVersion)
	require.Equal(t, "1.0.0", status.Firmware.PointerVersion)
	require.Equal(t, []string{"1.0.0"}, status.Firmware.Releases)
	require.False(t, status.Firmware.InProgress)

	// A missing manifest is rebuilt for the report but left unwritten.
	require.True(t, status.Firmware.Reconstructed)
	require.NoFileExists(t, filepath.Join(h.root, ManifestName))

	verified := h.orch.Verify(ctx)
	require.Equal(t, ota.StatusSuccess, verified.Status)
	require.Equal(t, map[string]bool{appComponent: true}, verified.Components)

	require.NoError(t, os.WriteFile(filepath.Join(h.layout.ReleaseDir("1.0.0"), appPath), []byte("tampered"), 0o755))

	verified = h.orch.Verify(ctx)
	require.Equal(t, ota.StatusFailed, verified.Status)
	require.Equal(t, ota.KindIntegrity, verified.ErrorKind)
	require.False(t, verified.Components[appComponent])
}

// TestPrune_ProtectsCurrentRelease never removes the active release.
func TestPrune_ProtectsCurrentRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	for _, version := range []string{"0.7.0", "0.8.0", "0.9.0"} {
		_, err := h.layout.Stage(ctx, release.StageRequest{Version: version, SeedFrom: h.layout.ReleaseDir("1.0.0")})
		require.NoError(t, err)
	}

	result := h.orch.Prune(ctx)

	require.Equal(t, ota.StatusSuccess, result.Status)
	require.Contains(t, result.Removed, "0.7.0")
	require.True(t, h.layout.Installed("1.0.0"))
	require.Equal(t, "1.0.0", h.current(t))
}

// TestDaemon_RunsOnStartupAndTrigger applies updates at startup and when the trigger file appears.
func TestDaemon_RunsOnStartupAndTrigger(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cfg.CheckInterval = time.Hour
	h.backend.offer(h.component(t, "1.1.0", "v2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- h.orch.Daemon(ctx)
	}()

	require.Eventually(t, func() bool {
		version, _ := h.layout.CurrentVersion()

		return version == "1.1.0"
	}, 10*time.Second, 20*time.Millisecond)

	h.backend.offer(h.component(t, "1.2.0", "v3"))
	require.NoError(t, os.WriteFile(filepath.Join(h.root, WorkDir, TriggerName), nil, 0o644))

	require.Eventually(t, func() bool {
		version, _ := h.layout.CurrentVersion()

		return version == "1.2.0"
	}, 10*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

// TestDo_UnknownAction rejects actions the agent does not implement.
func TestDo_UnknownAction(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.orch.Do(context.Background(), "format", "")
	require.ErrorIs(t, err, errUnknownAction)
}
