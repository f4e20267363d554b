package logger

import (
	"go.uber.org/zap/zapcore"
)

// levelCore lets one output of a tee follow its own level, so the rotating
// file can keep debug entries while the console stays at info.
type levelCore struct {
	zapcore.Core

	// level decides which entries reach the wrapped core.
	level zapcore.LevelEnabler
}

// withLevel wraps core so it only receives entries enabled by level.
//
//nolint:ireturn,nolintlint // Returning zapcore.Core is intended for zap integration.
func withLevel(core zapcore.Core, level zapcore.LevelEnabler) zapcore.Core {
	return &levelCore{Core: core, level: level}
}

// Enabled reports whether the entry level passes this output's own level.
func (c *levelCore) Enabled(l zapcore.Level) bool {
	return c.level.Enabled(l)
}

// Check adds the core to a checked entry if the log entry level is enabled for logging.
//
//nolint:gocritic // AddCore requires ent to be passed by value.
func (c *levelCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}

	return ce
}

// With keeps the output level on cores derived with extra fields.
//
//nolint:ireturn,nolintlint // Returning zapcore.Core is intended for zap integration.
func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{
		Core:  c.Core.With(fields),
		level: c.level,
	}
}
