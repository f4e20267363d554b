package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/integrity"
	"github.com/oshokin/ota-agent/internal/logger"
)

// Repository defines persistence operations for the manifest.
type Repository interface {
	Load(ctx context.Context) (*ota.Manifest, error)
	Save(ctx context.Context, manifest *ota.Manifest) error
	Update(ctx context.Context, fn func(*ota.Manifest) error) (*ota.Manifest, error)
	VerifyIntegrity(ctx context.Context) (map[string]bool, error)
}

// CurrentRelease resolves the active release.
type CurrentRelease interface {
	Current() (version, dir string, err error)
}

// FileStore persists the manifest to a JSON file on disk.
type FileStore struct {
	// path is the manifest file location.
	path string
	// deviceID is stamped into every saved manifest.
	deviceID string
	// tracked maps component names to release-relative paths.
	tracked map[string]string
	// current resolves the release the tracked paths are relative to.
	current CurrentRelease
	// lock serialises writers across processes.
	lock *fsutil.FileLock
	// mu protects lock and the file within this process.
	mu sync.Mutex
	// now is the clock, replaceable in tests.
	now func() time.Time
}

// errNoCurrentRelease is returned by VerifyIntegrity when no release is active.
var errNoCurrentRelease = errors.New("no current release to verify")

// NewFileStore creates a store at path tracking the given components.
func NewFileStore(path, deviceID string, tracked map[string]string, current CurrentRelease) *FileStore {
	path = filepath.Clean(path)

	return &FileStore{
		path:     path,
		deviceID: deviceID,
		tracked:  tracked,
		current:  current,
		lock:     fsutil.NewFileLock(path + ".lock"),
		now:      time.Now,
	}
}

// Path returns the manifest file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the manifest. A missing or corrupt file is rebuilt from the
// active release and persisted; only lock acquisition failures are returned.
func (s *FileStore) Load(ctx context.Context) (*ota.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(ctx); err != nil {
		return nil, ota.Transient(err)
	}

	defer s.unlock(ctx)

	return s.loadLocked(ctx), nil
}

// Peek reads the manifest without taking the lock and never writes. Saves
// replace the file with a rename, so a reader sees either the old or the new
// manifest. A missing or corrupt file is reconstructed in memory only.
func (s *FileStore) Peek(ctx context.Context) *ota.Manifest {
	manifest, ok := s.read(ctx)
	if ok {
		return manifest
	}

	rebuilt := s.reconstruct(ctx)
	rebuilt.Reconstructed = true

	return rebuilt
}

// Save writes the manifest atomically.
func (s *FileStore) Save(ctx context.Context, manifest *ota.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(ctx); err != nil {
		return ota.Transient(err)
	}

	defer s.unlock(ctx)

	return s.saveLocked(manifest)
}

// Update loads the manifest, applies fn and saves the result as one locked step.
// Nothing is written when fn fails.
func (s *FileStore) Update(ctx context.Context, fn func(*ota.Manifest) error) (*ota.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(ctx); err != nil {
		return nil, ota.Transient(err)
	}

	defer s.unlock(ctx)

	manifest := s.loadLocked(ctx)
	if err := fn(manifest); err != nil {
		return nil, err
	}

	if err := s.saveLocked(manifest); err != nil {
		return nil, err
	}

	return manifest.Clone(), nil
}

// VerifyIntegrity recomputes the checksum of every recorded component under
// the active release and reports which ones still match. Mismatches are
// reported, never corrected.
func (s *FileStore) VerifyIntegrity(ctx context.Context) (map[string]bool, error) {
	manifest, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	_, dir, err := s.current.Current()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errNoCurrentRelease, err)
	}

	return VerifyComponents(ctx, dir, manifest.Components), nil
}

// VerifyComponents checks each record against the file it points to under dir.
func VerifyComponents(ctx context.Context, dir string, components map[string]*ota.ComponentRecord) map[string]bool {
	result := make(map[string]bool, len(components))

	for name, record := range components {
		path := filepath.Join(dir, filepath.FromSlash(record.InstalledPath))

		err := integrity.Verify(path, record.Checksum)
		if err != nil {
			logger.WarnKV(ctx, "Component failed verification", "component", name, "error", err)
		}

		result[name] = err == nil
	}

	return result
}

// Snapshot computes the records of every tracked component present under dir.
// Missing files are skipped.
func (s *FileStore) Snapshot(dir, version string) map[string]*ota.ComponentRecord {
	now := s.now().UTC()
	records := make(map[string]*ota.ComponentRecord, len(s.tracked))

	for name, rel := range s.tracked {
		sum, err := integrity.FileSHA256(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}

		records[name] = &ota.ComponentRecord{
			Name:          name,
			Version:       version,
			Checksum:      sum,
			InstalledPath: rel,
			UpdatedAt:     now,
		}
	}

	return records
}

// Tracked returns the release-relative path of a tracked component.
func (s *FileStore) Tracked(name string) (string, bool) {
	rel, ok := s.tracked[name]

	return rel, ok
}

func (s *FileStore) loadLocked(ctx context.Context) *ota.Manifest {
	if manifest, ok := s.read(ctx); ok {
		return manifest
	}

	rebuilt := s.reconstruct(ctx)
	if saveErr := s.saveLocked(rebuilt); saveErr != nil {
		logger.WarnKV(ctx, "Failed to persist reconstructed manifest", "error", saveErr)
	}

	rebuilt.Reconstructed = true

	return rebuilt
}

// read parses the manifest file and reports whether it was usable.
func (s *FileStore) read(ctx context.Context) (*ota.Manifest, bool) {
	var manifest ota.Manifest

	err := fsutil.ReadJSON(s.path, &manifest)
	if err == nil && manifest.FirmwareVersion != "" {
		manifest.Normalize()

		return &manifest, true
	}

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Manifest is unreadable, reconstructing", "path", s.path, "error", err)
	}

	return nil, false
}

func (s *FileStore) reconstruct(ctx context.Context) *ota.Manifest {
	manifest := ota.NewManifest(ota.DefaultVersion)
	manifest.DeviceID = s.deviceID

	if s.current == nil {
		return manifest
	}

	version, dir, err := s.current.Current()
	if err != nil {
		logger.InfoKV(ctx, "No active release, seeding empty manifest", "version", manifest.FirmwareVersion)

		return manifest
	}

	if version != "" {
		manifest.FirmwareVersion = version
	}

	// Components are seeded at the default version: their true history is unknown.
	manifest.Components = s.Snapshot(dir, ota.DefaultVersion)
	manifest.Releases[manifest.FirmwareVersion] = &ota.ReleaseVersion{
		Version:            manifest.FirmwareVersion,
		Dir:                dir,
		CreatedAt:          s.now().UTC(),
		ComponentChecksums: manifest.Checksums(),
	}

	logger.InfoKV(ctx, "Reconstructed manifest from active release",
		"version", manifest.FirmwareVersion,
		"components", len(manifest.Components))

	return manifest
}

func (s *FileStore) saveLocked(manifest *ota.Manifest) error {
	manifest.Normalize()
	manifest.UpdatedAt = s.now().UTC()

	if manifest.DeviceID == "" {
		manifest.DeviceID = s.deviceID
	}

	if err := fsutil.WriteJSONAtomic(s.path, manifest); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}

	return nil
}

func (s *FileStore) unlock(ctx context.Context) {
	if err := s.lock.Unlock(); err != nil {
		logger.WarnKV(ctx, "Failed to release manifest lock", "error", err)
	}
}
