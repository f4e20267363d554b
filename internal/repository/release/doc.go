// Package release implements the Release Layout Manager.
//
// Every version lives in its own directory under root/releases and a single
// pointer, root/current, designates the active one. The pointer is either a
// symbolic link or a small text file; both are replaced with one atomic
// rename of a freshly written temporary, never removed and recreated.
package release
