package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/integrity"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()

	root := t.TempDir()
	store := NewStore(filepath.Join(root, "backups"))

	tick := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time {
		tick = tick.Add(time.Second)

		return tick
	}

	live := filepath.Join(root, "live")
	require.NoError(t, os.MkdirAll(live, 0o755))

	return store, live
}

func writeLive(t *testing.T, dir, name, contents string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	return path
}

// TestSnapshotRestoreRoundtrip checks that restore brings back the pre-snapshot checksum.
func TestSnapshotRestoreRoundtrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, live := newStore(t)

	api := writeLive(t, live, "api.py", "v1 api")
	lib := writeLive(t, live, "libx.so", "v1 lib")

	before, err := integrity.FileSHA256(api)
	require.NoError(t, err)

	entry, err := store.Snapshot(ctx, "1.2.0", []Item{
		{Name: "api.py", Source: api},
		{Name: "libx.so", Source: lib},
	})
	require.NoError(t, err)
	require.Equal(t, ota.BackupQuick, entry.Kind)
	require.Equal(t, before, entry.Checksums["api.py"])

	// Damage the live file, then restore it.
	require.NoError(t, os.WriteFile(api, []byte("broken"), 0o644))
	require.NoError(t, store.Restore(ctx, []RestoreTarget{{Name: "api.py", Dest: api, Checksum: before}}))

	after, err := integrity.FileSHA256(api)
	require.NoError(t, err)
	require.Equal(t, before, after)

	archives, err := store.Archives()
	require.NoError(t, err)
	require.Len(t, archives, 1)
	require.Equal(t, ota.BackupArchive, archives[0].Kind)
}

// TestRestoreVerifiesAgainstExpected refuses a backup that does not match the manifest value.
func TestRestoreVerifiesAgainstExpected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, live := newStore(t)
	api := writeLive(t, live, "api.py", "v1 api")

	_, err := store.Snapshot(ctx, "1.2.0", []Item{{Name: "api.py", Source: api}})
	require.NoError(t, err)

	err = store.Restore(ctx, []RestoreTarget{{
		Name:     "api.py",
		Dest:     api,
		Checksum: "sha256:" + "00000000000000000000000000000000000000000000000000000000000000aa",
	}})
	require.ErrorIs(t, err, ErrRestoreVerification)

	err = store.Restore(ctx, []RestoreTarget{{Name: "unknown", Dest: api}})
	require.ErrorIs(t, err, errNotInBackup)
}

// TestSnapshotFailClosed leaves the previous quick backup intact when a source is missing.
func TestSnapshotFailClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, live := newStore(t)
	api := writeLive(t, live, "api.py", "v1 api")

	first, err := store.Snapshot(ctx, "1.2.0", []Item{{Name: "api.py", Source: api}})
	require.NoError(t, err)

	_, err = store.Snapshot(ctx, "1.3.0", []Item{
		{Name: "api.py", Source: api},
		{Name: "gone", Source: filepath.Join(live, "gone")},
	})
	require.Error(t, err)

	latest, err := store.Latest()
	require.NoError(t, err)
	require.Equal(t, first.TargetID, latest.TargetID)

	archives, err := store.Archives()
	require.NoError(t, err)
	require.Len(t, archives, 1)

	_, err = os.Stat(store.QuickPath() + stagingExt)
	require.True(t, os.IsNotExist(err))
}

// TestPruneKeepsNewestArchives deletes only the oldest archives.
func TestPruneKeepsNewestArchives(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, live := newStore(t)
	api := writeLive(t, live, "api.py", "v1 api")

	for _, version := range []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0"} {
		_, err := store.Snapshot(ctx, version, []Item{{Name: "api.py", Source: api}})
		require.NoError(t, err)
	}

	removed, err := store.Prune(ctx, 2)
	require.NoError(t, err)
	require.Len(t, removed, 2)

	archives, err := store.Archives()
	require.NoError(t, err)
	require.Len(t, archives, 2)
	require.Equal(t, "1.2.0", archives[0].TargetID)
	require.Equal(t, "1.3.0", archives[1].TargetID)

	latest, err := store.Latest()
	require.NoError(t, err)
	require.Equal(t, "1.3.0", latest.TargetID)
}

// TestLatestWithoutBackup reports ErrNoBackup.
func TestLatestWithoutBackup(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	_, err := store.Latest()
	require.ErrorIs(t, err, ErrNoBackup)
}
