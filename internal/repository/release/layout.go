package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/logger"
)

const (
	// ReleasesDir is the directory holding one subdirectory per version.
	ReleasesDir = "releases"
	// CurrentName is the pointer name under the root.
	CurrentName = "current"
	// AppsDir is the mandatory application directory of a release.
	AppsDir = "apps"
	// LibsDir is the shared library directory of a release.
	LibsDir = "libs"
	// VersionFile is written last when a release is staged.
	VersionFile = "version.json"

	// PointerSymlink keeps the pointer as a symbolic link.
	PointerSymlink = "symlink"
	// PointerFile keeps the pointer as a text file naming the release directory.
	PointerFile = "file"

	pointerTempSuffix = ".tmp"
	stagingPrefix     = ".staging-"
	retiredPrefix     = ".retired-"
	lockName          = ".layout.lock"
)

var (
	// ErrNoCurrent is returned when the current pointer does not exist or is dangling.
	ErrNoCurrent = errors.New("no current release")
	// ErrMissingRelease is returned when switching to a version that is not installed.
	ErrMissingRelease = errors.New("release is not installed")
	// ErrIncomplete is returned when a release directory lacks its mandatory structure.
	ErrIncomplete = errors.New("release is structurally incomplete")
	// ErrNoPrevious is returned when no installed version precedes the current one.
	ErrNoPrevious = errors.New("no previous release installed")
	// errStageCurrent is returned when staging would overwrite the active release.
	errStageCurrent = errors.New("refusing to restage the current release")
	// errInvalidVersion is returned for versions that are not usable as directory names.
	errInvalidVersion = errors.New("invalid release version")
	// errUnknownPointer is returned for unsupported pointer flavours.
	errUnknownPointer = errors.New("unknown pointer kind")
)

// Layout manages root/releases and root/current.
type Layout struct {
	// root is the device root directory.
	root string
	// pointer is the pointer flavour.
	pointer string
	// lock serialises mutations across processes.
	lock *fsutil.FileLock
	// mu protects lock within this process.
	mu sync.Mutex
	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewLayout creates a layout manager rooted at root.
func NewLayout(root, pointer string) (*Layout, error) {
	switch pointer {
	case "":
		pointer = PointerSymlink
	case PointerSymlink, PointerFile:
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownPointer, pointer)
	}

	root = filepath.Clean(root)

	return &Layout{
		root:    root,
		pointer: pointer,
		lock:    fsutil.NewFileLock(filepath.Join(root, lockName)),
		now:     time.Now,
	}, nil
}

// Root returns the device root directory.
func (l *Layout) Root() string {
	return l.root
}

// ReleasesPath returns the releases root.
func (l *Layout) ReleasesPath() string {
	return filepath.Join(l.root, ReleasesDir)
}

// CurrentPath returns the pointer path.
func (l *Layout) CurrentPath() string {
	return filepath.Join(l.root, CurrentName)
}

// ReleaseDir returns the directory of a version, installed or not.
func (l *Layout) ReleaseDir(version string) string {
	return filepath.Join(l.ReleasesPath(), version)
}

// Current resolves the pointer to the active version and its directory.
func (l *Layout) Current() (string, string, error) {
	target, err := l.readPointer()
	if err != nil {
		return "", "", err
	}

	version := filepath.Base(target)
	dir := l.ReleaseDir(version)

	if filepath.Clean(filepath.Join(l.root, target)) != dir {
		return "", "", fmt.Errorf("%w: pointer targets %s outside releases", ErrNoCurrent, target)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", "", fmt.Errorf("%w: dangling pointer to %s", ErrNoCurrent, version)
	}

	return version, dir, nil
}

// CurrentVersion returns the active version.
func (l *Layout) CurrentVersion() (string, error) {
	version, _, err := l.Current()

	return version, err
}

// Installed reports whether the version directory exists.
func (l *Layout) Installed(version string) bool {
	info, err := os.Stat(l.ReleaseDir(version))

	return err == nil && info.IsDir()
}

// Complete checks the structural completeness of an installed release:
// an apps directory and a version file naming the same version.
func (l *Layout) Complete(version string) error {
	dir := l.ReleaseDir(version)

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingRelease, version)
		}

		return fmt.Errorf("stat release %s: %w", version, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrIncomplete, version)
	}

	if apps, err := os.Stat(filepath.Join(dir, AppsDir)); err != nil || !apps.IsDir() {
		return fmt.Errorf("%w: %s has no %s", ErrIncomplete, version, AppsDir)
	}

	meta, err := l.Metadata(version)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIncomplete, err)
	}

	if meta.Version != version {
		return fmt.Errorf("%w: %s declares version %s", ErrIncomplete, version, meta.Version)
	}

	return nil
}

// Metadata reads the version file of an installed release.
func (l *Layout) Metadata(version string) (*ota.ReleaseVersion, error) {
	var meta ota.ReleaseVersion
	if err := fsutil.ReadJSON(filepath.Join(l.ReleaseDir(version), VersionFile), &meta); err != nil {
		return nil, err
	}

	meta.Dir = l.ReleaseDir(version)

	return &meta, nil
}

// Versions lists installed versions in ascending version order.
// Staging and retired directories are skipped.
func (l *Layout) Versions() ([]string, error) {
	entries, err := os.ReadDir(l.ReleasesPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("list releases: %w", err)
	}

	versions := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		versions = append(versions, entry.Name())
	}

	slices.SortFunc(versions, ota.CompareVersions)

	return versions, nil
}

// Previous returns the highest complete installed version below current.
func (l *Layout) Previous(current string) (string, error) {
	versions, err := l.Versions()
	if err != nil {
		return "", err
	}

	for _, candidate := range slices.Backward(versions) {
		if ota.CompareVersions(candidate, current) >= 0 {
			continue
		}

		if l.Complete(candidate) == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w below %s", ErrNoPrevious, current)
}

// Init adopts an unmanaged device: when no pointer exists, it creates an
// empty release for seed and points current at it. An existing pointer is left alone.
func (l *Layout) Init(ctx context.Context, seed string) (string, error) {
	if version, _, err := l.Current(); err == nil {
		return version, nil
	}

	if err := validateVersion(seed); err != nil {
		return "", err
	}

	ctx = logger.WithName(ctx, "release")

	if l.Complete(seed) != nil {
		if err := l.withLock(ctx, func() error { return l.createEmpty(seed) }); err != nil {
			return "", err
		}
	}

	if err := l.SwitchTo(ctx, seed); err != nil {
		return "", err
	}

	logger.InfoKV(ctx, "Adopted device into release layout", "version", seed)

	return seed, nil
}

// SwitchTo atomically points current at an installed, complete release.
// The previous target stays on disk.
func (l *Layout) SwitchTo(ctx context.Context, version string) error {
	if err := validateVersion(version); err != nil {
		return err
	}

	if err := l.Complete(version); err != nil {
		return ota.Precondition(err)
	}

	return l.withLock(ctx, func() error {
		if err := l.writePointer(version); err != nil {
			return fmt.Errorf("switch to %s: %w", version, err)
		}

		logger.InfoKV(logger.WithName(ctx, "release"), "Current pointer switched", "version", version)

		return nil
	})
}

// RollbackTo restores the pointer to an earlier release. It is the same
// operation as SwitchTo and exists to name the intent at call sites.
func (l *Layout) RollbackTo(ctx context.Context, version string) error {
	return l.SwitchTo(ctx, version)
}

// Discard removes a non-current release directory.
func (l *Layout) Discard(ctx context.Context, version string) error {
	if err := validateVersion(version); err != nil {
		return err
	}

	if current, _ := l.CurrentVersion(); current == version {
		return fmt.Errorf("%w: %s", errStageCurrent, version)
	}

	return l.withLock(ctx, func() error {
		return l.retire(l.ReleaseDir(version))
	})
}

// Prune removes non-current releases beyond keep, oldest first. Versions in
// protect are never removed.
func (l *Layout) Prune(ctx context.Context, keep int, protect ...string) ([]string, error) {
	versions, err := l.Versions()
	if err != nil {
		return nil, err
	}

	current, _ := l.CurrentVersion()
	protected := make(map[string]struct{}, len(protect)+1)

	for _, version := range append(slices.Clone(protect), current) {
		protected[version] = struct{}{}
	}

	excess := len(versions) - max(keep, 1)
	if excess <= 0 {
		return nil, nil
	}

	var (
		removed []string
		result  *multierror.Error
	)

	err = l.withLock(ctx, func() error {
		for _, version := range versions {
			if excess == 0 {
				break
			}

			if _, ok := protected[version]; ok {
				continue
			}

			if err := l.retire(l.ReleaseDir(version)); err != nil {
				result = multierror.Append(result, fmt.Errorf("remove release %s: %w", version, err))

				continue
			}

			removed = append(removed, version)
			excess--
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(removed) > 0 {
		logger.InfoKV(logger.WithName(ctx, "release"), "Pruned releases", "removed", removed, "kept", keep)
	}

	return removed, result.ErrorOrNil()
}

// CleanupStaging removes leftovers of interrupted stage and retire operations.
func (l *Layout) CleanupStaging(ctx context.Context) {
	for _, pattern := range []string{stagingPrefix + "*", retiredPrefix + "*"} {
		leftovers, _ := filepath.Glob(filepath.Join(l.ReleasesPath(), pattern))
		for _, leftover := range leftovers {
			if err := os.RemoveAll(leftover); err != nil {
				logger.WarnKV(ctx, "Failed to remove staging leftover", "path", leftover, "error", err)
			}
		}
	}

	_ = os.Remove(l.CurrentPath() + pointerTempSuffix)
}

func (l *Layout) createEmpty(version string) error {
	dir := l.ReleaseDir(version)

	for _, sub := range []string{AppsDir, LibsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), fsutil.DirPermissions); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}

	meta := &ota.ReleaseVersion{
		Version:   version,
		CreatedAt: l.now().UTC(),
	}

	return fsutil.WriteJSONAtomic(filepath.Join(dir, VersionFile), meta)
}

// readPointer returns the pointer target relative to the root.
func (l *Layout) readPointer() (string, error) {
	switch l.pointer {
	case PointerFile:
		data, err := os.ReadFile(l.CurrentPath())
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrNoCurrent, err)
		}

		target := strings.TrimSpace(string(data))
		if target == "" {
			return "", fmt.Errorf("%w: empty pointer file", ErrNoCurrent)
		}

		return filepath.FromSlash(target), nil
	default:
		target, err := os.Readlink(l.CurrentPath())
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrNoCurrent, err)
		}

		if filepath.IsAbs(target) {
			rel, err := filepath.Rel(l.root, target)
			if err != nil {
				return "", fmt.Errorf("%w: %w", ErrNoCurrent, err)
			}

			target = rel
		}

		return target, nil
	}
}

// writePointer builds a fresh pointer next to the live one and renames it over it.
func (l *Layout) writePointer(version string) error {
	target := filepath.Join(ReleasesDir, version)
	current := l.CurrentPath()
	tmp := current + pointerTempSuffix

	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale pointer: %w", err)
	}

	switch l.pointer {
	case PointerFile:
		return fsutil.WriteFileAtomic(current, []byte(filepath.ToSlash(target)+"\n"), fsutil.FilePermissions)
	default:
		if err := os.Symlink(target, tmp); err != nil {
			return fmt.Errorf("create pointer: %w", err)
		}

		if err := os.Rename(tmp, current); err != nil {
			_ = os.Remove(tmp)

			return fmt.Errorf("replace pointer: %w", err)
		}

		fsutil.SyncDir(l.root)

		return nil
	}
}

// retire renames a directory out of the listing before deleting it, so an
// interrupted removal never leaves a half-deleted release that looks installed.
func (l *Layout) retire(dir string) error {
	if !fsutil.Exists(dir) {
		return nil
	}

	retired := filepath.Join(filepath.Dir(dir), retiredPrefix+filepath.Base(dir)+"-"+l.now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(dir, retired); err != nil {
		return fmt.Errorf("retire %s: %w", dir, err)
	}

	return os.RemoveAll(retired)
}

func (l *Layout) withLock(ctx context.Context, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.ReleasesPath(), fsutil.DirPermissions); err != nil {
		return fmt.Errorf("create releases dir: %w", err)
	}

	// Mutations run to completion once started; cancellation only bounds the wait.
	if err := l.lock.Lock(ctx); err != nil {
		return ota.Transient(err)
	}

	defer func() {
		if err := l.lock.Unlock(); err != nil {
			logger.WarnKV(ctx, "Failed to release layout lock", "error", err)
		}
	}()

	return fn()
}

func validateVersion(version string) error {
	if version == "" || version == "." || version == ".." ||
		strings.HasPrefix(version, ".") || strings.ContainsAny(version, `/\`) {
		return fmt.Errorf("%w: %q", errInvalidVersion, version)
	}

	return nil
}
