package ota

import (
	"maps"
	"slices"
	"time"
)

// MaxHistory caps the number of attempts kept in the manifest.
const MaxHistory = 50

// Manifest is the durable record of what is installed on the device.
type Manifest struct {
	// FirmwareVersion is the committed, health-checked version.
	FirmwareVersion string `json:"firmware_version"`
	// DeviceID identifies the device that wrote the manifest.
	DeviceID string `json:"device_id,omitempty"`
	// UpdatedAt is when the manifest was last saved.
	UpdatedAt time.Time `json:"updated_at"`
	// Components maps component names to their committed records.
	Components map[string]*ComponentRecord `json:"components"`
	// Releases maps installed versions to their release records.
	Releases map[string]*ReleaseVersion `json:"releases,omitempty"`
	// UpdateHistory is the capped, append-only attempt log, oldest first.
	UpdateHistory []UpdateAttempt `json:"update_history"`
	// Reconstructed is set when the manifest was rebuilt from disk on load.
	Reconstructed bool `json:"-"`
}

// NewManifest returns an empty manifest for the given version.
func NewManifest(version string) *Manifest {
	return &Manifest{
		FirmwareVersion: version,
		Components:      make(map[string]*ComponentRecord),
		Releases:        make(map[string]*ReleaseVersion),
		UpdateHistory:   make([]UpdateAttempt, 0),
	}
}

// Normalize replaces nil collections so callers can write into them.
func (m *Manifest) Normalize() {
	if m.Components == nil {
		m.Components = make(map[string]*ComponentRecord)
	}

	if m.Releases == nil {
		m.Releases = make(map[string]*ReleaseVersion)
	}

	if m.UpdateHistory == nil {
		m.UpdateHistory = make([]UpdateAttempt, 0)
	}
}

// AppendAttempt records an attempt, dropping the oldest entries beyond MaxHistory.
func (m *Manifest) AppendAttempt(attempt UpdateAttempt) {
	m.UpdateHistory = append(m.UpdateHistory, attempt)
	if excess := len(m.UpdateHistory) - MaxHistory; excess > 0 {
		m.UpdateHistory = slices.Delete(m.UpdateHistory, 0, excess)
	}
}

// RecordAttempt replaces the attempt with the same ID or appends it.
func (m *Manifest) RecordAttempt(attempt UpdateAttempt) {
	for i := range m.UpdateHistory {
		if m.UpdateHistory[i].ID == attempt.ID {
			m.UpdateHistory[i] = attempt

			return
		}
	}

	m.AppendAttempt(attempt)
}

// LastAttempt returns the most recent attempt, if any.
func (m *Manifest) LastAttempt() (UpdateAttempt, bool) {
	if len(m.UpdateHistory) == 0 {
		return UpdateAttempt{}, false
	}

	return m.UpdateHistory[len(m.UpdateHistory)-1], true
}

// Checksums returns the committed checksum of every component.
func (m *Manifest) Checksums() map[string]string {
	sums := make(map[string]string, len(m.Components))
	for name, record := range m.Components {
		sums[name] = record.Checksum
	}

	return sums
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}

	cloned := *m
	cloned.Components = make(map[string]*ComponentRecord, len(m.Components))

	for name, record := range m.Components {
		cloned.Components[name] = record.Clone()
	}

	cloned.Releases = make(map[string]*ReleaseVersion, len(m.Releases))
	for version, release := range m.Releases {
		cloned.Releases[version] = release.Clone()
	}

	cloned.UpdateHistory = slices.Clone(m.UpdateHistory)

	return &cloned
}

// SortedComponentNames returns component names in lexical order.
func (m *Manifest) SortedComponentNames() []string {
	return slices.Sorted(maps.Keys(m.Components))
}
