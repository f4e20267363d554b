package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/integrity"
	"github.com/oshokin/ota-agent/internal/logger"
)

// DefaultFileMode is used for component files placed without a previous version.
const DefaultFileMode os.FileMode = 0o755

var (
	// errUnsafePath is returned for destinations escaping the release directory.
	errUnsafePath = errors.New("path escapes the release directory")
	// errEmptyStage is returned when a stage request carries nothing to install.
	errEmptyStage = errors.New("nothing to stage")
)

// StagedFile is a verified download placed at a fixed path inside the release.
type StagedFile struct {
	// Source is the downloaded file.
	Source string
	// RelPath is the slash separated destination inside the release.
	RelPath string
	// Checksum is the expected checksum of Source.
	Checksum string
}

// StageRequest describes a release to build.
type StageRequest struct {
	// Version is the release version and directory name.
	Version string
	// UpdateID is recorded in the version file.
	UpdateID string
	// SeedFrom is an existing release directory copied first when the request
	// carries no bundles. Bundles always start from an empty directory.
	SeedFrom string
	// SeedExclude lists release-relative paths removed from the seed after the copy.
	SeedExclude []string
	// Bundles are archives extracted in order.
	Bundles []string
	// Files are single components placed after the bundles.
	Files []StagedFile
	// Tracked maps component names to release-relative paths to checksum.
	Tracked map[string]string
}

// Stage builds a release directory in a hidden staging location and renames
// it into place. Any failure removes the staging directory wholesale. The
// pointer is never touched. Staging a version that is installed but not
// current replaces it.
func (l *Layout) Stage(ctx context.Context, req StageRequest) (*ota.ReleaseVersion, error) {
	if err := validateVersion(req.Version); err != nil {
		return nil, err
	}

	if len(req.Bundles) == 0 && len(req.Files) == 0 && req.SeedFrom == "" {
		return nil, errEmptyStage
	}

	if current, _ := l.CurrentVersion(); current == req.Version {
		return nil, fmt.Errorf("%w: %s", errStageCurrent, req.Version)
	}

	ctx = logger.WithKV(logger.WithName(ctx, "release"), "version", req.Version)

	if err := os.MkdirAll(l.ReleasesPath(), fsutil.DirPermissions); err != nil {
		return nil, fmt.Errorf("create releases dir: %w", err)
	}

	staging := filepath.Join(l.ReleasesPath(), stagingPrefix+req.Version)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("clear staging: %w", err)
	}

	meta, err := l.build(ctx, staging, req)
	if err != nil {
		if removeErr := os.RemoveAll(staging); removeErr != nil {
			logger.WarnKV(ctx, "Failed to discard staging directory", "path", staging, "error", removeErr)
		}

		return nil, err
	}

	err = l.withLock(ctx, func() error {
		final := l.ReleaseDir(req.Version)
		if err := l.retire(final); err != nil {
			return err
		}

		if err := os.Rename(staging, final); err != nil {
			return fmt.Errorf("publish release: %w", err)
		}

		fsutil.SyncDir(l.ReleasesPath())

		return nil
	})
	if err != nil {
		_ = os.RemoveAll(staging)

		return nil, err
	}

	meta.Dir = l.ReleaseDir(req.Version)

	logger.InfoKV(ctx, "Release staged", "dir", meta.Dir, "bundles", len(req.Bundles), "files", len(req.Files))

	return meta, nil
}

func (l *Layout) build(ctx context.Context, staging string, req StageRequest) (*ota.ReleaseVersion, error) {
	if req.SeedFrom != "" && len(req.Bundles) == 0 {
		if err := seed(staging, req.SeedFrom, req.SeedExclude); err != nil {
			return nil, err
		}
	}

	for _, sub := range []string{AppsDir, LibsDir} {
		if err := os.MkdirAll(filepath.Join(staging, sub), fsutil.DirPermissions); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}

	for i, bundle := range req.Bundles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		scratch := filepath.Join(staging, fmt.Sprintf(".bundle-%d", i))
		if err := Extract(bundle, scratch); err != nil {
			return nil, fmt.Errorf("extract %s: %w", filepath.Base(bundle), err)
		}

		if err := mergeBundle(scratch, staging); err != nil {
			return nil, fmt.Errorf("merge %s: %w", filepath.Base(bundle), err)
		}

		if err := os.RemoveAll(scratch); err != nil {
			return nil, fmt.Errorf("remove scratch: %w", err)
		}
	}

	for _, file := range req.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := placeFile(staging, file); err != nil {
			return nil, fmt.Errorf("place %s: %w", file.RelPath, err)
		}

		logger.DebugKV(ctx, "Component placed", "path", file.RelPath)
	}

	meta := &ota.ReleaseVersion{
		Version:            req.Version,
		CreatedAt:          l.now().UTC(),
		UpdateID:           req.UpdateID,
		ComponentChecksums: make(map[string]string, len(req.Tracked)),
	}

	for name, rel := range req.Tracked {
		sum, err := integrity.FileSHA256(filepath.Join(staging, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}

		meta.ComponentChecksums[name] = sum
	}

	// Written last: its presence marks the release as complete.
	if err := fsutil.WriteJSONAtomic(filepath.Join(staging, VersionFile), meta); err != nil {
		return nil, fmt.Errorf("write version file: %w", err)
	}

	return meta, nil
}

// seed copies an existing release into staging and drops what belongs to
// that release only: its version file and the excluded paths.
func seed(staging, from string, exclude []string) error {
	if err := fsutil.CopyDir(from, staging); err != nil {
		return fmt.Errorf("seed from current release: %w", err)
	}

	for _, rel := range append([]string{VersionFile}, exclude...) {
		if rel == "" {
			continue
		}

		target, err := SafeJoin(staging, rel)
		if err != nil {
			return err
		}

		if err = os.RemoveAll(target); err != nil {
			return fmt.Errorf("drop %s from seed: %w", rel, err)
		}
	}

	return nil
}

// placeFile installs one verified component with go-update, which checks
// the checksum again while writing and swaps the file in with a rename.
func placeFile(releaseDir string, file StagedFile) error {
	dest, err := SafeJoin(releaseDir, file.RelPath)
	if err != nil {
		return err
	}

	sum, err := integrity.Parse(file.Checksum)
	if err != nil {
		return ota.Integrity(err)
	}

	digest, err := sum.Sum()
	if err != nil {
		return ota.Integrity(err)
	}

	mode := DefaultFileMode
	if info, statErr := os.Stat(dest); statErr == nil {
		mode = info.Mode().Perm()
	} else {
		if err := os.MkdirAll(filepath.Dir(dest), fsutil.DirPermissions); err != nil {
			return fmt.Errorf("create dir: %w", err)
		}

		// go-update renames the previous file aside, so one must exist.
		if err := os.WriteFile(dest, nil, mode); err != nil {
			return fmt.Errorf("create placeholder: %w", err)
		}
	}

	source, err := os.Open(filepath.Clean(file.Source))
	if err != nil {
		return fmt.Errorf("open download: %w", err)
	}

	defer source.Close() //nolint:errcheck // Read-only handle.

	options := goupdate.Options{
		TargetPath: dest,
		TargetMode: mode,
		Checksum:   digest,
		Hash:       sum.Algorithm.Hash(),
	}

	if err := goupdate.Apply(source, options); err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	_ = os.Remove(filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".old"))

	return nil
}

// SafeJoin joins a slash separated relative path to root, rejecting escapes.
func SafeJoin(root, rel string) (string, error) {
	slashed := filepath.ToSlash(rel)
	if slashed == "" || path.IsAbs(slashed) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %q", errUnsafePath, rel)
	}

	cleaned := path.Clean(slashed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", errUnsafePath, rel)
	}

	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}
