package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// fileMaxSizeMB caps a single log file before rotation.
	fileMaxSizeMB = 5
	// fileMaxBackups is the number of rotated files kept on the device.
	fileMaxBackups = 10
	// fileMaxAgeDays removes rotated files older than this.
	fileMaxAgeDays = 30
	// logDirPermissions is used when creating the log directory.
	logDirPermissions = 0o755
)

// NewWithFile creates a logger writing to stdout and, when path is not empty,
// to a rotating file. The file follows fileLevel, or level when fileLevel is
// nil. Field devices have small disks, so rotated files are compressed and
// capped.
func NewWithFile(level, fileLevel zapcore.LevelEnabler, path string,
	options ...zap.Option,
) (*zap.SugaredLogger, error) {
	if path == "" {
		return New(level, options...), nil
	}

	if level == nil {
		level = defaultLevel
	}

	if fileLevel == nil {
		fileLevel = level
	}

	if err := os.MkdirAll(filepath.Dir(path), logDirPermissions); err != nil {
		return nil, err
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.ToSlash(path),
		MaxSize:    fileMaxSizeMB,
		MaxBackups: fileMaxBackups,
		MaxAge:     fileMaxAgeDays,
		Compress:   true,
	}

	//nolint:exhaustruct // Defaults are fine for the file encoder.
	fileEncoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "message",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})

	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder(), zapcore.AddSync(os.Stdout), level),
		withLevel(zapcore.NewCore(fileEncoder, zapcore.AddSync(rotating), zapcore.DebugLevel), fileLevel),
	)

	return zap.New(core, options...).Sugar(), nil
}

// Configure parses the levels, builds the logger and installs it globally.
// An unknown level falls back to info; an empty file level follows the
// console level.
func Configure(levelName, fileLevelName, path string) error {
	if level, ok := ParseLogLevel(levelName); ok {
		defaultLevel.SetLevel(level)
	}

	var fileLevel zapcore.LevelEnabler
	if level, ok := ParseLogLevel(fileLevelName); ok && fileLevelName != "" {
		fileLevel = level
	}

	l, err := NewWithFile(defaultLevel, fileLevel, path)
	if err != nil {
		return err
	}

	SetLogger(l)

	return nil
}
