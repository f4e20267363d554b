// Package backup implements the Backup Store: a quick backup that is
// overwritten on every snapshot and timestamped archives kept for history.
//
// A snapshot is staged next to its final location and only renamed into
// place once every file copied and verified, so a partial snapshot is never
// mistaken for a usable one.
package backup
