package ota

import (
	"maps"
	"path"
	"slices"
	"strings"
	"time"
)

// Priority orders candidate packages of the same discovery source.
type Priority string

const (
	// PriorityCritical packages are applied before anything else.
	PriorityCritical Priority = "critical"
	// PriorityHigh packages are applied before normal ones.
	PriorityHigh Priority = "high"
	// PriorityNormal is the default priority.
	PriorityNormal Priority = "normal"
	// PriorityLow packages are applied last.
	PriorityLow Priority = "low"
)

// unknownPriorityRank sorts unrecognised priorities after every known one.
const unknownPriorityRank = 99

// Rank returns the sort position of the priority, lower first.
func (p Priority) Rank() int {
	switch Priority(strings.ToLower(string(p))) {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal, "":
		return 2
	case PriorityLow:
		return 3
	default:
		return unknownPriorityRank
	}
}

// Source tells which discovery path offered a package.
type Source string

const (
	// SourceManual is a deployment pushed by an operator; it wins over auto updates.
	SourceManual Source = "manual"
	// SourceAuto is the generic "latest bundle" auto-update path.
	SourceAuto Source = "auto"
)

// bundleSuffixes are file name suffixes extracted as whole release bundles.
//
//nolint:gochecknoglobals // Read-only lookup table.
var bundleSuffixes = []string{".tar.gz", ".tgz", ".zip"}

// PackageFile is one downloadable artifact of an update package.
type PackageFile struct {
	// Name is the artifact file name, also used as the component name.
	Name string `json:"name"`
	// URL is where the artifact is downloaded from.
	URL string `json:"url"`
	// Checksum is the expected digest, "<algo>:<hex>" or bare hex.
	Checksum string `json:"checksum"`
	// RelPath is the destination inside a release for single-file components.
	RelPath string `json:"rel_path,omitempty"`
	// Size is the advertised size in bytes, zero when unknown.
	Size int64 `json:"size,omitempty"`
}

// IsBundle reports whether the file is an archive holding a whole release tree.
func (f PackageFile) IsBundle() bool {
	name := strings.ToLower(f.Name)
	for _, suffix := range bundleSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}

	return false
}

// Component returns the component name the file replaces.
func (f PackageFile) Component() string {
	if f.RelPath != "" {
		return path.Base(f.RelPath)
	}

	return f.Name
}

// UpdatePackage is a candidate update offered by the backend for one cycle.
type UpdatePackage struct {
	// ID is the backend deployment identifier.
	ID string `json:"id"`
	// TargetVersion is the firmware version the package installs.
	TargetVersion string `json:"target_version"`
	// Priority orders packages of the same source.
	Priority Priority `json:"priority"`
	// Source is the discovery path that offered the package.
	Source Source `json:"source"`
	// Files are the artifacts to download and install.
	Files []PackageFile `json:"files"`
	// TotalSize is the advertised package size in bytes.
	TotalSize int64 `json:"total_size"`
	// MinVersion is the lowest current version the package applies to.
	MinVersion string `json:"min_version,omitempty"`
	// MaxVersion is the highest current version the package applies to.
	MaxVersion string `json:"max_version,omitempty"`
	// RequiresReboot schedules a reboot after a committed install.
	RequiresReboot bool `json:"requires_reboot"`
	// ReleaseNotes is free text shown by the check command.
	ReleaseNotes string `json:"release_notes,omitempty"`
}

// Size returns the advertised total size, falling back to the sum of file sizes.
func (p *UpdatePackage) Size() int64 {
	if p.TotalSize > 0 {
		return p.TotalSize
	}

	var total int64
	for _, f := range p.Files {
		total += f.Size
	}

	return total
}

// HasBundle reports whether any file of the package is a whole-release archive.
func (p *UpdatePackage) HasBundle() bool {
	return slices.ContainsFunc(p.Files, PackageFile.IsBundle)
}

// Components returns the names of the components replaced by single-file artifacts.
func (p *UpdatePackage) Components() []string {
	names := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		if f.IsBundle() {
			continue
		}

		names = append(names, f.Component())
	}

	return names
}

// Clone returns a deep copy of the package.
func (p *UpdatePackage) Clone() *UpdatePackage {
	if p == nil {
		return nil
	}

	cloned := *p
	cloned.Files = slices.Clone(p.Files)

	return &cloned
}

// ReleaseVersion describes one installed release directory.
type ReleaseVersion struct {
	// Version is the firmware version held by the directory.
	Version string `json:"version"`
	// Dir is the absolute release directory.
	Dir string `json:"dir"`
	// CreatedAt is when the release was staged.
	CreatedAt time.Time `json:"created_at"`
	// UpdateID is the package that produced the release, empty for adopted ones.
	UpdateID string `json:"update_id,omitempty"`
	// ComponentChecksums maps release-relative paths to checksums.
	ComponentChecksums map[string]string `json:"component_checksums,omitempty"`
}

// Clone returns a deep copy of the release.
func (r *ReleaseVersion) Clone() *ReleaseVersion {
	if r == nil {
		return nil
	}

	cloned := *r
	cloned.ComponentChecksums = maps.Clone(r.ComponentChecksums)

	return &cloned
}

// ComponentRecord is the manifest entry of one tracked file or module.
type ComponentRecord struct {
	// Name is the component name.
	Name string `json:"name"`
	// Version is the firmware version that last installed the component.
	Version string `json:"version"`
	// Checksum is the committed digest of the installed file.
	Checksum string `json:"checksum"`
	// InstalledPath is the path relative to the active release.
	InstalledPath string `json:"installed_path"`
	// BackupPath is the quick backup copy, empty until the first snapshot.
	BackupPath string `json:"backup_path,omitempty"`
	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the record.
func (c *ComponentRecord) Clone() *ComponentRecord {
	if c == nil {
		return nil
	}

	cloned := *c

	return &cloned
}

// BackupKind distinguishes the overwritable quick backup from archives.
type BackupKind string

const (
	// BackupQuick is always overwritten and used for fast rollback.
	BackupQuick BackupKind = "quick"
	// BackupArchive is a retained timestamped snapshot.
	BackupArchive BackupKind = "archive"
)

// BackupEntry records one completed snapshot.
type BackupEntry struct {
	// TargetID names what was snapshotted, the firmware version at snapshot time.
	TargetID string `json:"target_id"`
	// CreatedAt is when the snapshot completed.
	CreatedAt time.Time `json:"created_at"`
	// StoragePath is the snapshot directory.
	StoragePath string `json:"storage_path"`
	// Kind is quick or archive.
	Kind BackupKind `json:"kind"`
	// Checksums maps component names to their pre-backup checksums.
	Checksums map[string]string `json:"checksums"`
}

// Clone returns a deep copy of the entry.
func (b *BackupEntry) Clone() *BackupEntry {
	if b == nil {
		return nil
	}

	cloned := *b
	cloned.Checksums = maps.Clone(b.Checksums)

	return &cloned
}

// AttemptStatus is the outcome of one update cycle.
type AttemptStatus string

const (
	// StatusInProgress marks the single attempt currently running.
	StatusInProgress AttemptStatus = "in_progress"
	// StatusSuccess means the new release was committed.
	StatusSuccess AttemptStatus = "success"
	// StatusFailed means the cycle aborted before the pointer moved.
	StatusFailed AttemptStatus = "failed"
	// StatusRolledBack means the switch was undone after failed health checks.
	StatusRolledBack AttemptStatus = "rolled_back"
	// StatusDegraded means the rollback itself failed; manual intervention is required.
	StatusDegraded AttemptStatus = "degraded"
	// StatusNoUpdate means there was nothing applicable to install.
	StatusNoUpdate AttemptStatus = "no_update"
	// StatusBusy means another attempt was already in progress.
	StatusBusy AttemptStatus = "busy"
)

// UpdateAttempt is the append-only audit record of one cycle.
type UpdateAttempt struct {
	// ID uniquely identifies the attempt.
	ID string `json:"id"`
	// Action is "apply" or "rollback".
	Action string `json:"action"`
	// UpdateID is the package identifier, empty for manual rollbacks.
	UpdateID string `json:"update_id,omitempty"`
	// FromVersion is the version current when the attempt started.
	FromVersion string `json:"from_version"`
	// ToVersion is the version the attempt tried to install.
	ToVersion string `json:"to_version,omitempty"`
	// StartedAt is when the attempt left IDLE.
	StartedAt time.Time `json:"started_at"`
	// Status is the attempt outcome.
	Status AttemptStatus `json:"status"`
	// ErrorKind classifies the failure, empty on success.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	// Error is the failure detail, empty on success.
	Error string `json:"error,omitempty"`
	// FailedState is the state machine step where the attempt failed.
	FailedState State `json:"failed_state,omitempty"`
	// Duration is the wall time of the attempt.
	Duration time.Duration `json:"duration_ns"`
}
