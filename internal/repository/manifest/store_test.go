package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-agent/internal/domain/ota"
)

type fakeCurrent struct {
	version string
	dir     string
	err     error
}

func (f fakeCurrent) Current() (string, string, error) {
	return f.version, f.dir, f.err
}

func newReleaseDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "apps"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apps", "api.py"), []byte("print('v1')"), 0o644))

	return dir
}

// TestFileStore_ReconstructsMissingManifest checks that a missing manifest is rebuilt from disk.
func TestFileStore_ReconstructsMissingManifest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	releaseDir := newReleaseDir(t)
	path := filepath.Join(t.TempDir(), "manifest.json")

	store := NewFileStore(path, "dev-1", map[string]string{
		"api.py":  "apps/api.py",
		"missing": "apps/missing.bin",
	}, fakeCurrent{version: "1.2.0", dir: releaseDir})

	manifest, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, manifest.Reconstructed)
	require.Equal(t, "1.2.0", manifest.FirmwareVersion)
	require.Equal(t, "dev-1", manifest.DeviceID)
	require.Contains(t, manifest.Components, "api.py")
	require.NotContains(t, manifest.Components, "missing")
	require.Equal(t, ota.DefaultVersion, manifest.Components["api.py"].Version)

	// Persisted: a second load reads the file.
	again, err := store.Load(ctx)
	require.NoError(t, err)
	require.False(t, again.Reconstructed)
	require.Equal(t, manifest.Components["api.py"].Checksum, again.Components["api.py"].Checksum)
}

// TestFileStore_PeekNeverWrites reads without persisting a reconstruction.
func TestFileStore_PeekNeverWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	releaseDir := newReleaseDir(t)
	path := filepath.Join(t.TempDir(), "manifest.json")

	store := NewFileStore(path, "dev-1", map[string]string{"api.py": "apps/api.py"},
		fakeCurrent{version: "1.2.0", dir: releaseDir})

	peeked := store.Peek(ctx)
	require.True(t, peeked.Reconstructed)
	require.Equal(t, "1.2.0", peeked.FirmwareVersion)
	require.Contains(t, peeked.Components, "api.py")
	require.NoFileExists(t, path)
	require.NoFileExists(t, path+".lock")

	// Once a manifest is saved, Peek returns it as stored.
	_, err := store.Update(ctx, func(m *ota.Manifest) error {
		m.FirmwareVersion = "1.3.0"

		return nil
	})
	require.NoError(t, err)

	peeked = store.Peek(ctx)
	require.False(t, peeked.Reconstructed)
	require.Equal(t, "1.3.0", peeked.FirmwareVersion)
}

// TestFileStore_CorruptManifest checks that garbage on disk never fails Load.
func TestFileStore_CorruptManifest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewFileStore(path, "dev-1", nil, fakeCurrent{err: errors.New("no pointer")})

	manifest, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, manifest.Reconstructed)
	require.Equal(t, ota.DefaultVersion, manifest.FirmwareVersion)
}

// TestFileStore_UpdateAndVerify covers the locked update path and integrity checks.
func TestFileStore_UpdateAndVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	releaseDir := newReleaseDir(t)
	store := NewFileStore(filepath.Join(t.TempDir(), "manifest.json"), "dev-1",
		map[string]string{"api.py": "apps/api.py"},
		fakeCurrent{version: "1.2.0", dir: releaseDir})

	updated, err := store.Update(ctx, func(m *ota.Manifest) error {
		m.AppendAttempt(ota.UpdateAttempt{ID: "a1", Status: ota.StatusSuccess})

		return nil
	})
	require.NoError(t, err)
	require.Len(t, updated.UpdateHistory, 1)

	result, err := store.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"api.py": true}, result)

	// A failing update leaves the file untouched.
	_, err = store.Update(ctx, func(m *ota.Manifest) error {
		m.FirmwareVersion = "9.9.9"

		return errors.New("abort")
	})
	require.Error(t, err)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "1.2.0", loaded.FirmwareVersion)

	// Tampering is reported, not corrected.
	require.NoError(t, os.WriteFile(filepath.Join(releaseDir, "apps", "api.py"), []byte("tampered"), 0o644))

	result, err = store.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"api.py": false}, result)

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, updated.Components["api.py"].Checksum, loaded.Components["api.py"].Checksum)
}
