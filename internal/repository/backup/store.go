package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/integrity"
	"github.com/oshokin/ota-agent/internal/logger"
)

const (
	quickDir      = "current"
	archiveDir    = "archive"
	stagingExt    = ".new"
	retiredExt    = ".old"
	partialExt    = ".partial"
	markerFile    = ".complete"
	stampLayout   = "20060102T150405.000000000Z"
	maxStampTries = 100
)

var (
	// ErrNoBackup is returned when no complete quick backup exists.
	ErrNoBackup = errors.New("no complete backup")
	// ErrRestoreVerification is returned when a restored file does not match its expected checksum.
	ErrRestoreVerification = errors.New("restored file failed verification")
	// errInvalidName is returned for component names that are not plain file names.
	errInvalidName = errors.New("invalid component name")
	// errNotInBackup is returned when a component is requested that the backup does not hold.
	errNotInBackup = errors.New("component is not in the backup")
)

// Item is one file to snapshot.
type Item struct {
	// Name is the component name, used as the backup file name.
	Name string
	// Source is the absolute path of the live file.
	Source string
}

// RestoreTarget is one file to restore from the quick backup.
type RestoreTarget struct {
	// Name is the component name.
	Name string
	// Dest is the absolute path to restore to.
	Dest string
	// Checksum is the expected checksum; empty falls back to the one recorded at snapshot time.
	Checksum string
}

// Store manages root/backups.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates a store rooted at dir (normally root/backups).
func NewStore(dir string) *Store {
	return &Store{
		dir: filepath.Clean(dir),
		now: time.Now,
	}
}

// QuickPath returns the quick backup directory.
func (s *Store) QuickPath() string {
	return filepath.Join(s.dir, quickDir)
}

// ArchivePath returns the archive root directory.
func (s *Store) ArchivePath() string {
	return filepath.Join(s.dir, archiveDir)
}

// Snapshot copies every item into a new quick backup and a new archive.
// Either both complete or neither is changed.
func (s *Store) Snapshot(ctx context.Context, targetID string, items []Item) (*ota.BackupEntry, error) {
	ctx = logger.WithName(ctx, "backup")

	for _, item := range items {
		if err := validateName(item.Name); err != nil {
			return nil, err
		}
	}

	s.cleanupLeftovers(ctx)

	createdAt := s.now().UTC()

	archiveFinal, err := s.nextArchiveDir(createdAt)
	if err != nil {
		return nil, err
	}

	quickStage := s.QuickPath() + stagingExt
	archiveStage := archiveFinal + partialExt

	discard := func() {
		_ = os.RemoveAll(quickStage)
		_ = os.RemoveAll(archiveStage)
	}

	checksums, err := copyItems(ctx, quickStage, items)
	if err != nil {
		discard()

		return nil, fmt.Errorf("quick backup: %w", err)
	}

	if _, err := copyItems(ctx, archiveStage, items); err != nil {
		discard()

		return nil, fmt.Errorf("archive backup: %w", err)
	}

	entry := &ota.BackupEntry{
		TargetID:    targetID,
		CreatedAt:   createdAt,
		StoragePath: s.QuickPath(),
		Kind:        ota.BackupQuick,
		Checksums:   checksums,
	}

	archived := entry.Clone()
	archived.Kind = ota.BackupArchive
	archived.StoragePath = archiveFinal

	if err := fsutil.WriteJSONAtomic(filepath.Join(quickStage, markerFile), entry); err != nil {
		discard()

		return nil, fmt.Errorf("mark quick backup: %w", err)
	}

	if err := fsutil.WriteJSONAtomic(filepath.Join(archiveStage, markerFile), archived); err != nil {
		discard()

		return nil, fmt.Errorf("mark archive backup: %w", err)
	}

	if err := os.Rename(archiveStage, archiveFinal); err != nil {
		discard()

		return nil, fmt.Errorf("commit archive backup: %w", err)
	}

	if err := s.swapQuick(quickStage); err != nil {
		_ = os.RemoveAll(quickStage)
		_ = os.RemoveAll(archiveFinal)

		return nil, fmt.Errorf("commit quick backup: %w", err)
	}

	logger.InfoKV(ctx, "Snapshot completed",
		"target", targetID,
		"components", len(items),
		"archive", archiveFinal)

	return entry, nil
}

// Latest returns the quick backup entry.
func (s *Store) Latest() (*ota.BackupEntry, error) {
	return readEntry(s.QuickPath())
}

// Restore copies components back from the quick backup, verifying each restored file.
// Every file is placed with an atomic rename so a failed restore never leaves a torn file.
func (s *Store) Restore(ctx context.Context, targets []RestoreTarget) error {
	ctx = logger.WithName(ctx, "backup")

	entry, err := s.Latest()
	if err != nil {
		return err
	}

	var result *multierror.Error

	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.restoreOne(entry, target); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", target.Name, err))

			continue
		}

		logger.DebugKV(ctx, "Component restored", "component", target.Name, "dest", target.Dest)
	}

	return result.ErrorOrNil()
}

// Archives returns archived entries, oldest first.
func (s *Store) Archives() ([]*ota.BackupEntry, error) {
	names, err := s.archiveNames()
	if err != nil {
		return nil, err
	}

	entries := make([]*ota.BackupEntry, 0, len(names))

	for _, name := range names {
		entry, err := readEntry(filepath.Join(s.ArchivePath(), name))
		if err != nil {
			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// Prune deletes the oldest archives beyond keep. The quick backup is never touched.
func (s *Store) Prune(ctx context.Context, keep int) ([]string, error) {
	names, err := s.archiveNames()
	if err != nil {
		return nil, err
	}

	if keep < 0 {
		keep = 0
	}

	if len(names) <= keep {
		return nil, nil
	}

	var (
		removed []string
		result  *multierror.Error
	)

	for _, name := range names[:len(names)-keep] {
		path := filepath.Join(s.ArchivePath(), name)
		if err := os.RemoveAll(path); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove archive %s: %w", name, err))

			continue
		}

		removed = append(removed, path)
	}

	if len(removed) > 0 {
		logger.InfoKV(logger.WithName(ctx, "backup"), "Pruned archives", "removed", len(removed), "kept", keep)
	}

	return removed, result.ErrorOrNil()
}

func (s *Store) restoreOne(entry *ota.BackupEntry, target RestoreTarget) error {
	if err := validateName(target.Name); err != nil {
		return err
	}

	recorded, ok := entry.Checksums[target.Name]
	if !ok {
		return errNotInBackup
	}

	expected := target.Checksum
	if expected == "" {
		expected = recorded
	}

	tmp := target.Dest + ".restore"
	if err := fsutil.CopyFile(filepath.Join(s.QuickPath(), target.Name), tmp); err != nil {
		_ = os.Remove(tmp)

		return err
	}

	if err := integrity.Verify(tmp, expected); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("%w: %w", ErrRestoreVerification, err)
	}

	if err := os.Rename(tmp, target.Dest); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("place restored file: %w", err)
	}

	return nil
}

// swapQuick replaces the quick backup with the staged one.
func (s *Store) swapQuick(stage string) error {
	quick := s.QuickPath()
	retired := quick + retiredExt

	if fsutil.Exists(quick) {
		if err := os.Rename(quick, retired); err != nil {
			return err
		}
	}

	if err := os.Rename(stage, quick); err != nil {
		// Put the previous backup back so a failed swap is a no-op.
		_ = os.Rename(retired, quick)

		return err
	}

	fsutil.SyncDir(s.dir)

	return os.RemoveAll(retired)
}

// cleanupLeftovers removes staging directories of interrupted snapshots and
// finishes an interrupted quick swap.
func (s *Store) cleanupLeftovers(ctx context.Context) {
	quick := s.QuickPath()
	retired := quick + retiredExt

	if !fsutil.Exists(quick) && fsutil.Exists(retired) {
		if err := os.Rename(retired, quick); err == nil {
			logger.WarnKV(ctx, "Recovered quick backup from interrupted swap", "path", quick)
		}
	}

	_ = os.RemoveAll(retired)
	_ = os.RemoveAll(quick + stagingExt)

	partials, _ := filepath.Glob(filepath.Join(s.ArchivePath(), "*"+partialExt))
	for _, partial := range partials {
		_ = os.RemoveAll(partial)
	}
}

func (s *Store) nextArchiveDir(createdAt time.Time) (string, error) {
	if err := os.MkdirAll(s.ArchivePath(), fsutil.DirPermissions); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	base := createdAt.Format(stampLayout)

	for i := range maxStampTries {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%02d", base, i)
		}

		path := filepath.Join(s.ArchivePath(), name)
		if !fsutil.Exists(path) && !fsutil.Exists(path+partialExt) {
			return path, nil
		}
	}

	return "", fmt.Errorf("no free archive name for %s", base)
}

// archiveNames returns complete archive directory names, oldest first.
func (s *Store) archiveNames() ([]string, error) {
	entries, err := os.ReadDir(s.ArchivePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("list archives: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasSuffix(entry.Name(), partialExt) {
			continue
		}

		names = append(names, entry.Name())
	}

	slices.Sort(names)

	return names, nil
}

func copyItems(ctx context.Context, dir string, items []Item) (map[string]string, error) {
	if err := os.MkdirAll(dir, fsutil.DirPermissions); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	checksums := make(map[string]string, len(items))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		source, err := integrity.FileSHA256(item.Source)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", item.Name, err)
		}

		dest := filepath.Join(dir, item.Name)
		if err := fsutil.CopyFile(item.Source, dest); err != nil {
			return nil, fmt.Errorf("copy %s: %w", item.Name, err)
		}

		if err := integrity.Verify(dest, source); err != nil {
			return nil, fmt.Errorf("verify copy of %s: %w", item.Name, err)
		}

		checksums[item.Name] = source
	}

	return checksums, nil
}

func readEntry(dir string) (*ota.BackupEntry, error) {
	var entry ota.BackupEntry
	if err := fsutil.ReadJSON(filepath.Join(dir, markerFile), &entry); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoBackup
		}

		return nil, fmt.Errorf("%w: %w", ErrNoBackup, err)
	}

	return &entry, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || name == markerFile {
		return fmt.Errorf("%w: %q", errInvalidName, name)
	}

	return nil
}
