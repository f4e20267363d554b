// Package version exposes build metadata for the agent binaries.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags. This is the version of the agent itself, not of the firmware
// releases it manages; those live in the manifest.
package version
