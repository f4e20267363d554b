package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":  zapcore.DebugLevel,
		"info":   zapcore.InfoLevel,
		" WARN ": zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
		"panic":  zapcore.PanicLevel,
		"fatal":  zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestFromContext_FallsBackToGlobal ensures a bare context yields the global logger.
func TestFromContext_FallsBackToGlobal(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))

	named := WithName(context.Background(), "orchestrator")
	require.NotSame(t, Logger(), FromContext(named))

	withKV := WithKV(named, "update_id", "42")
	require.NotSame(t, FromContext(named), FromContext(withKV))
}

// TestNewWithFile_WritesRotatingFile checks that the file core receives entries.
func TestNewWithFile_WritesRotatingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "agent.log")

	l, err := NewWithFile(zapcore.InfoLevel, nil, path)
	require.NoError(t, err)

	l.Infow("switched release", "version", "1.3.0")
	_ = l.Sync()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(contents), "switched release")
	require.Contains(t, string(contents), "1.3.0")
}

// TestNewWithFile_FileLevel lets the file and the console disagree on the level.
func TestNewWithFile_FileLevel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	verbose := filepath.Join(dir, "verbose.log")

	l, err := NewWithFile(zapcore.InfoLevel, zapcore.DebugLevel, verbose)
	require.NoError(t, err)

	l.With("update_id", "42").Debugw("chunk written", "offset", 1024)
	_ = l.Sync()

	contents, err := os.ReadFile(verbose)
	require.NoError(t, err)
	require.Contains(t, string(contents), "chunk written")
	require.Contains(t, string(contents), "42")

	quiet := filepath.Join(dir, "quiet.log")

	l, err = NewWithFile(zapcore.DebugLevel, zapcore.WarnLevel, quiet)
	require.NoError(t, err)

	l.Infow("cycle started")
	l.Warnw("service stop failed", "service", "api")
	_ = l.Sync()

	contents, err = os.ReadFile(quiet)
	require.NoError(t, err)
	require.NotContains(t, string(contents), "cycle started")
	require.Contains(t, string(contents), "service stop failed")
}
