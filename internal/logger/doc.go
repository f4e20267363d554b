// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a sane console encoder,
//   - an optional rotating log file teed with the console output,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level configuration and parsing utilities,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// The agent runs unattended on field devices, so every component takes a
// context and extracts the logger from it; the update id and state machine
// step travel with the context into every log line of a cycle.
package logger
