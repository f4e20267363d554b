// Package fsutil holds the filesystem primitives the agent builds on: atomic
// file replacement, tree copies and advisory file locks.
package fsutil
