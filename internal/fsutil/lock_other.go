//go:build !unix

package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// markerHandle emulates an exclusive lock with an O_EXCL marker file.
// A crash leaves the marker behind; operators remove it by hand.
type markerHandle struct {
	path string
}

func acquire(path string) (lockHandle, error) {
	if err := os.MkdirAll(filepath.Dir(path), DirPermissions); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}

		return nil, fmt.Errorf("create lock marker: %w", err)
	}

	_, _ = file.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	_ = file.Close()

	return &markerHandle{path: path}, nil
}

func (h *markerHandle) release() error {
	return os.Remove(h.path)
}
