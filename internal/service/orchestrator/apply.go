package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/logger"
	"github.com/oshokin/ota-agent/internal/repository/backup"
	"github.com/oshokin/ota-agent/internal/repository/release"
	"github.com/oshokin/ota-agent/internal/service/downloader"
)

// spaceFactor is how many times the package size must be free before installing.
const spaceFactor = 2

var (
	// errNoChecksum is returned for package files without an expected checksum.
	errNoChecksum = errors.New("package file has no checksum")
	// errNoPlacement is returned for single files with no known destination.
	errNoPlacement = errors.New("no destination configured for component")
	// errInsufficientSpace is returned when the device cannot hold the new release.
	errInsufficientSpace = errors.New("insufficient disk space")
	// errEmptyPackage is returned for packages without files.
	errEmptyPackage = errors.New("package has no files")
)

// download is one verified package file on local disk.
type download struct {
	file ota.PackageFile
	path string
	size int64
}

// Apply runs one full update cycle. It always returns a result; the status
// tells whether anything changed.
func (o *Orchestrator) Apply(ctx context.Context) *Result {
	ctx = logger.WithName(ctx, "orchestrator")

	if err := o.begin(); err != nil {
		if errors.Is(err, errBusy) {
			logger.Warn(ctx, "Update attempt skipped, another one is in progress")

			return busyResult(ActionApply)
		}

		return failedResult(ActionApply, err)
	}

	defer o.end(ctx)

	if o.metrics != nil {
		o.metrics.AttemptStarted()
	}

	current, before, err := o.prepare(ctx)
	attempt := o.newAttempt(ActionApply, current)

	if err != nil {
		return o.finish(ctx, attempt, ota.StatusFailed, ota.StateChecking, classify(err), true)
	}

	ctx = logger.WithKV(ctx, "attempt_id", attempt.ID)

	packages, err := o.backend.Discover(ctx, current)
	if err != nil {
		return o.finish(ctx, attempt, ota.StatusFailed, ota.StateChecking, classify(err), true)
	}

	pkg := selectCandidate(ctx, current, packages)
	if pkg == nil {
		o.removeDownloads(ctx, "")

		return o.finish(ctx, attempt, ota.StatusNoUpdate, "", nil, false)
	}

	attempt.UpdateID = pkg.ID
	attempt.ToVersion = pkg.TargetVersion
	o.persistAttempt(ctx, attempt)

	ctx = logger.WithKV(ctx, "update_id", pkg.ID, "to_version", pkg.TargetVersion)

	logger.InfoKV(ctx, "Update selected", "source", pkg.Source, "priority", pkg.Priority, "files", len(pkg.Files))

	o.removeDownloads(ctx, pkg.ID)

	o.enter(ctx, ota.StateDownloading)

	downloads, err := o.download(ctx, pkg)
	if err != nil {
		return o.abortEarly(ctx, attempt, pkg, ota.StateDownloading, err)
	}

	o.enter(ctx, ota.StatePreFlight)

	files, err := o.preflight(ctx, pkg, current, downloads)
	if err != nil {
		return o.abortEarly(ctx, attempt, pkg, ota.StatePreFlight, err)
	}

	// Services are about to be touched: run to the end regardless of the caller.
	ctx = context.WithoutCancel(ctx)

	_, fromDir, err := o.layout.Current()
	if err != nil {
		return o.abortEarly(ctx, attempt, pkg, ota.StatePreFlight, ota.Precondition(err))
	}

	t := &transition{
		from:     current,
		fromDir:  fromDir,
		to:       pkg.TargetVersion,
		services: o.cfg.ServicesFor(pkg.Components(), pkg.HasBundle()),
		before:   before,
	}

	var bundles []string

	for _, d := range downloads {
		if d.file.IsBundle() {
			bundles = append(bundles, d.path)
		}
	}

	err = guard(ctx, func() error {
		return o.install(ctx, t, pkg, bundles, files)
	})
	if err != nil {
		failedState := o.State()

		o.removeDownloads(ctx, "")

		if !t.switched {
			return o.abort(ctx, attempt, t, failedState, err)
		}

		status, cause := o.rollback(ctx, t, err)

		return o.finish(ctx, attempt, status, failedState, cause, true)
	}

	o.removeDownloads(ctx, "")
	o.applyRetention(ctx, t.to, t.from)

	result := o.finish(ctx, attempt, ota.StatusSuccess, "", nil, true)

	if pkg.RequiresReboot {
		logger.Info(ctx, "Package requires a reboot, scheduling it")

		if err = o.reboot(ctx); err != nil {
			logger.ErrorKV(ctx, "Failed to schedule reboot", "error", err)
		}
	}

	return result
}

// install performs every step from stopping services to commit.
func (o *Orchestrator) install(ctx context.Context, t *transition, pkg *ota.UpdatePackage,
	bundles []string, files []release.StagedFile,
) error {
	o.stopServices(ctx, t)

	o.enter(ctx, ota.StateBackingUp)

	if err := o.snapshot(ctx, t); err != nil {
		return ota.Precondition(fmt.Errorf("backup: %w", err))
	}

	o.enter(ctx, ota.StateInstalling)

	meta, err := o.layout.Stage(ctx, release.StageRequest{
		Version:     t.to,
		UpdateID:    pkg.ID,
		SeedFrom:    t.fromDir,
		SeedExclude: []string{o.cfg.Migration.Script},
		Bundles:     bundles,
		Files:       files,
		Tracked:     o.cfg.Components,
	})
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}

	t.staged = true
	t.meta = meta

	o.enter(ctx, ota.StateMigrating)

	ran, err := o.layout.RunMigration(ctx, release.Migration{
		Script:      o.cfg.Migration.Script,
		FromVersion: t.from,
		ToVersion:   t.to,
		Timeout:     o.cfg.Migration.Timeout,
	})
	if err != nil {
		return err
	}

	if ran {
		logger.Info(ctx, "Migration hook completed")
	}

	if err = o.switchAndVerify(ctx, t); err != nil {
		return err
	}

	if err = o.commit(ctx, t); err != nil {
		return ota.PostSwitch(err)
	}

	return nil
}

// snapshot backs up the tracked components of the current release. It fails
// closed: the install never starts without a backup entry.
func (o *Orchestrator) snapshot(ctx context.Context, t *transition) error {
	items := make([]backup.Item, 0, len(o.cfg.Components))

	for name, rel := range o.cfg.Components {
		source := filepath.Join(t.fromDir, filepath.FromSlash(rel))
		if !fsutil.Exists(source) {
			continue
		}

		items = append(items, backup.Item{Name: name, Source: source})
	}

	// Without tracked components the version file still anchors a backup
	// entry for the release being replaced.
	if len(items) == 0 {
		logger.Debug(ctx, "No tracked components present, backing up the version file")

		items = append(items, backup.Item{
			Name:   release.VersionFile,
			Source: filepath.Join(t.fromDir, release.VersionFile),
		})
	}

	entry, err := o.backups.Snapshot(ctx, t.from, items)
	if err != nil {
		return err
	}

	t.backup = entry

	return nil
}

// selectCandidate returns the first package that changes the version and
// accepts the current one. Packages arrive in precedence order.
func selectCandidate(ctx context.Context, current string, packages []*ota.UpdatePackage) *ota.UpdatePackage {
	for _, pkg := range packages {
		if ota.SameVersion(pkg.TargetVersion, current) {
			logger.DebugKV(ctx, "Skipping package for the installed version", "update_id", pkg.ID)

			continue
		}

		if err := ota.CheckCompatibility(current, pkg.MinVersion, pkg.MaxVersion); err != nil {
			logger.InfoKV(ctx, "Skipping incompatible package", "update_id", pkg.ID, "reason", err)

			continue
		}

		return pkg
	}

	return nil
}

// download fetches every file of pkg into its own download directory.
func (o *Orchestrator) download(ctx context.Context, pkg *ota.UpdatePackage) ([]download, error) {
	if len(pkg.Files) == 0 {
		return nil, ota.Precondition(errEmptyPackage)
	}

	if o.cfg.Download.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, o.cfg.Download.Timeout)
		defer cancel()
	}

	dir := o.workPath(DownloadsDir, dirName(pkg.ID))
	if err := os.MkdirAll(dir, fsutil.DirPermissions); err != nil {
		return nil, ota.Transient(fmt.Errorf("create download dir: %w", err))
	}

	downloads := make([]download, 0, len(pkg.Files))

	for i, file := range pkg.Files {
		if strings.TrimSpace(file.Checksum) == "" {
			return nil, ota.Integrity(fmt.Errorf("%w: %s", errNoChecksum, file.Name))
		}

		dest := filepath.Join(dir, fmt.Sprintf("%02d-%s", i, dirName(filepath.Base(file.Name))))

		res, err := o.fetcher.Fetch(ctx, downloader.Request{
			URL:      file.URL,
			Dest:     dest,
			Checksum: file.Checksum,
			Resume:   true,
		})
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", file.Name, err)
		}

		if o.metrics != nil {
			o.metrics.Downloaded(res.Size)
		}

		logger.InfoKV(ctx, "File downloaded", "file", file.Name, "size", res.Size,
			"resumed", res.Resumed, "attempts", res.Attempts)

		downloads = append(downloads, download{file: file, path: res.Path, size: res.Size})
	}

	return downloads, nil
}

// preflight checks compatibility and disk space and resolves where each
// single-file component goes. It changes nothing on disk.
func (o *Orchestrator) preflight(ctx context.Context, pkg *ota.UpdatePackage, current string,
	downloads []download,
) ([]release.StagedFile, error) {
	if err := ota.CheckCompatibility(current, pkg.MinVersion, pkg.MaxVersion); err != nil {
		return nil, ota.Precondition(err)
	}

	if _, err := ota.ParseVersion(pkg.TargetVersion); err != nil {
		return nil, ota.Precondition(err)
	}

	var downloaded int64
	for _, d := range downloads {
		downloaded += d.size
	}

	need := uint64(max(pkg.Size(), downloaded)) * spaceFactor //nolint:gosec // Sizes are non-negative.

	free, err := o.diskFree(o.cfg.RootDir)
	if err != nil {
		return nil, ota.Precondition(fmt.Errorf("query free space: %w", err))
	}

	if free < need {
		return nil, ota.Precondition(fmt.Errorf("%w: need %d bytes, %d free", errInsufficientSpace, need, free))
	}

	verified, err := o.store.VerifyIntegrity(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Could not verify installed components", "error", err)
	}

	for name, ok := range verified {
		if !ok {
			logger.WarnKV(ctx, "Installed component differs from the manifest", "component", name)
		}
	}

	files := make([]release.StagedFile, 0, len(downloads))

	for _, d := range downloads {
		if d.file.IsBundle() {
			continue
		}

		rel, err := o.placement(d.file)
		if err != nil {
			return nil, ota.Precondition(err)
		}

		files = append(files, release.StagedFile{Source: d.path, RelPath: rel, Checksum: d.file.Checksum})
	}

	logger.InfoKV(ctx, "Pre-flight checks passed", "free_bytes", free, "required_bytes", need)

	return files, nil
}

// placement returns the release-relative destination of a single-file
// component. Local configuration wins over the backend suggestion.
func (o *Orchestrator) placement(file ota.PackageFile) (string, error) {
	rel, ok := o.cfg.Components[file.Component()]
	if !ok {
		rel = file.RelPath
	}

	if rel == "" {
		return "", fmt.Errorf("%w: %s", errNoPlacement, file.Component())
	}

	if _, err := release.SafeJoin(o.cfg.RootDir, rel); err != nil {
		return "", err
	}

	return rel, nil
}

// abortEarly ends a cycle that failed before any service was touched.
func (o *Orchestrator) abortEarly(ctx context.Context, attempt *ota.UpdateAttempt, pkg *ota.UpdatePackage,
	state ota.State, err error,
) *Result {
	err = classify(err)

	// Transient failures keep partial downloads so the next cycle resumes them.
	if ota.KindOf(err) != ota.KindTransient {
		o.removeDownloads(ctx, "")
	} else {
		logger.DebugKV(ctx, "Keeping partial downloads for resume", "update_id", pkg.ID)
	}

	return o.finish(ctx, attempt, ota.StatusFailed, state, err, true)
}

// abort ends a cycle that failed after services were stopped but before the
// pointer moved. The current release is untouched.
func (o *Orchestrator) abort(ctx context.Context, attempt *ota.UpdateAttempt, t *transition,
	state ota.State, err error,
) *Result {
	if t.staged {
		if discardErr := o.layout.Discard(ctx, t.to); discardErr != nil {
			logger.WarnKV(ctx, "Failed to discard staged release", "version", t.to, "error", discardErr)
		}
	}

	o.restartStopped(ctx, t)

	return o.finish(ctx, attempt, ota.StatusFailed, state, classify(err), true)
}

// removeDownloads deletes download directories except the one of keepID.
func (o *Orchestrator) removeDownloads(ctx context.Context, keepID string) {
	root := o.workPath(DownloadsDir)

	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}

	keep := ""
	if keepID != "" {
		keep = dirName(keepID)
	}

	for _, entry := range entries {
		if entry.Name() == keep {
			continue
		}

		if err = os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			logger.WarnKV(ctx, "Failed to remove download directory", "name", entry.Name(), "error", err)
		}
	}
}

// classify gives cancellations a kind; everything else keeps its own.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var kindErr *ota.KindError
	if errors.As(err, &kindErr) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ota.Transient(err)
	}

	return err
}

// dirName maps an identifier to a safe single path element.
func dirName(id string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)

	if cleaned == "" || strings.Trim(cleaned, ".") == "" {
		return "_"
	}

	return cleaned
}
