package release

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
)

// errUnsupportedArchive is returned for bundle formats the agent cannot unpack.
var errUnsupportedArchive = errors.New("unsupported bundle format")

// Extract unpacks a .tar.gz, .tgz or .zip bundle into dest.
// Entries escaping dest and absolute symlinks are rejected.
func Extract(archive, dest string) error {
	if err := os.MkdirAll(dest, fsutil.DirPermissions); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	name := strings.ToLower(archive)

	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return extractTarGz(archive, dest)
	case strings.HasSuffix(name, ".zip"):
		return extractZip(archive, dest)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedArchive, filepath.Base(archive))
	}
}

func extractTarGz(archive, dest string) error {
	file, err := os.Open(filepath.Clean(archive))
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}

	defer file.Close() //nolint:errcheck // Read-only handle.

	gz, err := gzip.NewReader(file)
	if err != nil {
		return ota.Integrity(fmt.Errorf("open gzip stream: %w", err))
	}

	defer gz.Close() //nolint:errcheck // Errors surface through reads.

	reader := tar.NewReader(gz)

	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return ota.Integrity(fmt.Errorf("read tar entry: %w", err))
		}

		target, err := SafeJoin(dest, header.Name)
		if err != nil {
			if path.Clean(filepath.ToSlash(header.Name)) == "." {
				continue
			}

			return ota.Integrity(err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fsutil.DirPermissions); err != nil {
				return fmt.Errorf("create dir %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, reader, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(dest, target, header.Linkname); err != nil {
				return err
			}
		default:
			// Hard links, devices and fifos are not part of a release tree.
		}
	}
}

func extractZip(archive, dest string) error {
	reader, err := zip.OpenReader(filepath.Clean(archive))
	if err != nil {
		return ota.Integrity(fmt.Errorf("open zip: %w", err))
	}

	defer reader.Close() //nolint:errcheck // Read-only handle.

	for _, entry := range reader.File {
		if path.Clean(entry.Name) == "." {
			continue
		}

		target, err := SafeJoin(dest, entry.Name)
		if err != nil {
			return ota.Integrity(err)
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, fsutil.DirPermissions); err != nil {
				return fmt.Errorf("create dir %s: %w", entry.Name, err)
			}

			continue
		}

		if !entry.Mode().IsRegular() {
			continue
		}

		if err := extractZipEntry(entry, target); err != nil {
			return err
		}
	}

	return nil
}

func extractZipEntry(entry *zip.File, target string) error {
	rc, err := entry.Open()
	if err != nil {
		return ota.Integrity(fmt.Errorf("open zip entry %s: %w", entry.Name, err))
	}

	defer rc.Close() //nolint:errcheck // Read-only handle.

	mode := entry.Mode().Perm()
	if mode == 0 {
		mode = fsutil.FilePermissions
	}

	return writeEntry(target, rc, mode)
}

func writeEntry(target string, source io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), fsutil.DirPermissions); err != nil {
		return fmt.Errorf("create dir for %s: %w", target, err)
	}

	out, err := os.OpenFile(filepath.Clean(target), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	//nolint:gosec // Bundles are checksum-verified before extraction.
	if _, err := io.Copy(out, source); err != nil {
		_ = out.Close()

		return ota.Integrity(fmt.Errorf("write %s: %w", target, err))
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}

	return nil
}

func writeSymlink(root, target, link string) error {
	if filepath.IsAbs(link) {
		return ota.Integrity(fmt.Errorf("%w: absolute link %s", errUnsafePath, link))
	}

	resolved := filepath.Join(filepath.Dir(target), link)
	if rel, err := filepath.Rel(root, resolved); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ota.Integrity(fmt.Errorf("%w: link %s", errUnsafePath, link))
	}

	if err := os.MkdirAll(filepath.Dir(target), fsutil.DirPermissions); err != nil {
		return fmt.Errorf("create dir for %s: %w", target, err)
	}

	_ = os.Remove(target)

	if err := os.Symlink(link, target); err != nil {
		return fmt.Errorf("create link %s: %w", target, err)
	}

	return nil
}

// mergeBundle moves an extracted bundle into the release directory.
// A bundle wrapped in a single top-level folder is unwrapped first, and a
// bundle without an apps directory is treated as the contents of apps.
func mergeBundle(scratch, releaseDir string) error {
	root, err := unwrapSingleFolder(scratch)
	if err != nil {
		return err
	}

	if info, err := os.Stat(filepath.Join(root, AppsDir)); err == nil && info.IsDir() {
		return mergeTree(root, releaseDir)
	}

	return mergeTree(root, filepath.Join(releaseDir, AppsDir))
}

func unwrapSingleFolder(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read extracted bundle: %w", err)
	}

	if len(entries) != 1 || !entries[0].IsDir() {
		return dir, nil
	}

	switch entries[0].Name() {
	case AppsDir, LibsDir:
		return dir, nil
	default:
		return filepath.Join(dir, entries[0].Name()), nil
	}
}

// mergeTree moves every entry of src into dst, replacing files and merging directories.
func mergeTree(src, dst string) error {
	if err := os.MkdirAll(dst, fsutil.DirPermissions); err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())

		existing, statErr := os.Lstat(to)
		if statErr == nil && existing.IsDir() && entry.IsDir() {
			if err := mergeTree(from, to); err != nil {
				return err
			}

			continue
		}

		if statErr == nil {
			if err := os.RemoveAll(to); err != nil {
				return fmt.Errorf("replace %s: %w", to, err)
			}
		}

		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("move %s: %w", entry.Name(), err)
		}
	}

	return nil
}
