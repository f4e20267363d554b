// Package manifest implements the Manifest Store.
//
// The FileStore keeps the manifest as JSON on disk, writes it atomically
// under an advisory lock and rebuilds it from the active release when the
// file is missing or unreadable.
package manifest
