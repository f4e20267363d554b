package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/oshokin/ota-agent/internal/logger"
)

const (
	// migrationWaitDelay bounds how long output pipes may outlive a killed hook.
	migrationWaitDelay = 5 * time.Second
	// maxHookOutput caps the hook output kept for logs and errors.
	maxHookOutput = 4096
)

// errMigrationFailed is returned when the hook exits with a non-zero status or times out.
var errMigrationFailed = errors.New("migration hook failed")

// Migration describes one run of the release migration hook.
type Migration struct {
	// Script is the hook path relative to the release directory.
	Script string
	// FromVersion is the version being replaced.
	FromVersion string
	// ToVersion is the staged version.
	ToVersion string
	// Timeout bounds the run.
	Timeout time.Duration
}

// RunMigration executes the hook of a staged release with the release
// directory as working directory. A missing or non-executable hook is
// skipped and reported as not run.
func (l *Layout) RunMigration(ctx context.Context, m Migration) (bool, error) {
	dir := l.ReleaseDir(m.ToVersion)

	script, err := SafeJoin(dir, m.Script)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(script)
	if err != nil || info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return false, nil
	}

	ctx = logger.WithKV(logger.WithName(ctx, "migration"), "version", m.ToVersion)

	runCtx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	var output bytes.Buffer

	cmd := exec.CommandContext(runCtx, script) //nolint:gosec // The hook ships inside the verified release.
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"OTA_RELEASE_DIR="+dir,
		"OTA_FROM_VERSION="+m.FromVersion,
		"OTA_TO_VERSION="+m.ToVersion,
	)
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = migrationWaitDelay

	logger.InfoKV(ctx, "Running migration hook", "script", filepath.Base(script), "timeout", m.Timeout)

	runErr := cmd.Run()
	tail := lastBytes(output.Bytes(), maxHookOutput)

	if runErr != nil {
		if runCtx.Err() != nil {
			runErr = fmt.Errorf("%w after %s", runCtx.Err(), m.Timeout)
		}

		logger.ErrorKV(ctx, "Migration hook failed", "error", runErr, "output", tail)

		return true, fmt.Errorf("%w: %w: %s", errMigrationFailed, runErr, tail)
	}

	logger.DebugKV(ctx, "Migration hook finished", "output", tail)

	return true, nil
}

func lastBytes(data []byte, limit int) string {
	if len(data) > limit {
		data = data[len(data)-limit:]
	}

	return string(bytes.TrimSpace(data))
}
