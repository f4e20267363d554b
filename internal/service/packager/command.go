package packager

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/oshokin/ota-agent/internal/config"
	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/integrity"
	"github.com/oshokin/ota-agent/internal/logger"
	"github.com/oshokin/ota-agent/internal/repository/release"
)

const (
	// BundleSuffix is the extension of bundles produced by the packager.
	BundleSuffix = ".tar.gz"
	// DescriptorSuffix is the extension of the upload descriptor.
	DescriptorSuffix = ".json"

	defaultBundlePrefix = "release-"
	placeholderDeviceID = "unprovisioned"
	placeholderRootDir  = "/opt/ota"
)

var (
	// errNoAppsDir is returned when the source tree is not a release layout.
	errNoAppsDir = errors.New("source must contain an apps directory")
	// errEmptyVersion is returned when no version is given.
	errEmptyVersion = errors.New("version is required")
	// errBadPriority is returned for priorities the agent does not know.
	errBadPriority = errors.New("unknown priority")
)

// Options contains inputs for the packager entry point.
type Options struct {
	// SourceDir is a release tree holding apps/ and optionally libs/.
	SourceDir string
	// Version is the firmware version the bundle installs.
	Version string
	// OutputDir receives the bundle and its descriptor.
	OutputDir string
	// BaseURL is where the bundle will be uploaded; the download URL is derived from it.
	BaseURL string
	// Priority is critical, high, normal or low.
	Priority string
	// MinVersion is the lowest device version the bundle applies to.
	MinVersion string
	// MaxVersion is the highest device version the bundle applies to.
	MaxVersion string
	// RequiresReboot asks devices to reboot after installing.
	RequiresReboot bool
	// ReleaseNotes is free text shown to operators.
	ReleaseNotes string
	// ConfigPath optionally receives an agent settings template pointing at BackendURL.
	ConfigPath string
	// BackendURL is the update API root written into the settings template.
	BackendURL string
}

// Descriptor is the upload descriptor in the backend package format.
type Descriptor struct {
	// Version is the firmware version.
	Version string `json:"version"`
	// Priority orders deployments.
	Priority string `json:"priority"`
	// Name is the bundle file name.
	Name string `json:"name"`
	// DownloadURL is where devices fetch the bundle.
	DownloadURL string `json:"download_url"`
	// Checksum is "sha256:<hex>" of the bundle.
	Checksum string `json:"checksum"`
	// SizeBytes is the bundle size.
	SizeBytes int64 `json:"size_bytes"`
	// MinVersion is the lowest supported device version.
	MinVersion string `json:"min_version,omitempty"`
	// MaxVersion is the highest supported device version.
	MaxVersion string `json:"max_version,omitempty"`
	// RequiresReboot asks devices to reboot after installing.
	RequiresReboot bool `json:"requires_reboot"`
	// ReleaseNotes is free text.
	ReleaseNotes string `json:"release_notes,omitempty"`
}

// packager builds one bundle. Callers use Run or Build.
type packager struct {
	opts       *Options
	bundlePath string
	descPath   string
}

// Run builds the bundle and its descriptor and logs the next steps.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "ota-packager")

	desc, err := Build(ctx, opts)
	if err != nil {
		return fmt.Errorf("packager failed: %w", err)
	}

	printNextSteps(ctx, opts, desc)

	logger.Info(ctx, "Packager completed successfully")

	return nil
}

// Build validates the source tree, writes the bundle and returns its descriptor.
func Build(ctx context.Context, opts *Options) (*Descriptor, error) {
	p, err := newPackager(opts)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Creating bundle", "source", opts.SourceDir, "bundle", p.bundlePath)

	if err = p.writeBundle(); err != nil {
		return nil, err
	}

	desc, err := p.describe()
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Saving bundle descriptor", "path", p.descPath, "checksum", desc.Checksum)

	if err = fsutil.WriteJSONAtomic(p.descPath, desc); err != nil {
		return nil, fmt.Errorf("save descriptor: %w", err)
	}

	if opts.ConfigPath != "" {
		if err = saveConfigTemplate(opts); err != nil {
			return nil, err
		}

		logger.InfoKV(ctx, "Saved agent settings template", "path", opts.ConfigPath)
	}

	return desc, nil
}

func newPackager(opts *Options) (*packager, error) {
	opts.Version = strings.TrimSpace(opts.Version)
	if opts.Version == "" {
		return nil, errEmptyVersion
	}

	if _, err := ota.ParseVersion(opts.Version); err != nil {
		return nil, err
	}

	if opts.Priority == "" {
		opts.Priority = string(ota.PriorityNormal)
	}

	if ota.Priority(opts.Priority).Rank() > ota.PriorityLow.Rank() {
		return nil, fmt.Errorf("%w: %s", errBadPriority, opts.Priority)
	}

	info, err := os.Stat(filepath.Join(opts.SourceDir, release.AppsDir))
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", errNoAppsDir, opts.SourceDir)
	}

	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}

	if err = os.MkdirAll(opts.OutputDir, fsutil.DirPermissions); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	base := defaultBundlePrefix + opts.Version

	return &packager{
		opts:       opts,
		bundlePath: filepath.Join(opts.OutputDir, base+BundleSuffix),
		descPath:   filepath.Join(opts.OutputDir, opts.Version+DescriptorSuffix),
	}, nil
}

// writeBundle archives the source tree into a temporary file and renames it into place.
func (p *packager) writeBundle() error {
	tmp, err := os.CreateTemp(p.opts.OutputDir, ".bundle-*")
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}

	tmpName := tmp.Name()

	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err = p.archive(tmp); err != nil {
		_ = tmp.Close()

		return err
	}

	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("sync bundle: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close bundle: %w", err)
	}

	if err = os.Chmod(tmpName, fsutil.FilePermissions); err != nil {
		return fmt.Errorf("chmod bundle: %w", err)
	}

	if err = os.Rename(tmpName, p.bundlePath); err != nil {
		return fmt.Errorf("move bundle into place: %w", err)
	}

	return nil
}

func (p *packager) archive(out io.Writer) error {
	gz, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("create gzip writer: %w", err)
	}

	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(p.opts.SourceDir, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(p.opts.SourceDir, current)
		if err != nil || rel == "." {
			return err
		}

		return addEntry(tw, current, filepath.ToSlash(rel), entry)
	})
	if walkErr != nil {
		return fmt.Errorf("archive %s: %w", p.opts.SourceDir, walkErr)
	}

	if err = tw.Close(); err != nil {
		return fmt.Errorf("close tar stream: %w", err)
	}

	if err = gz.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}

	return nil
}

func addEntry(tw *tar.Writer, current, name string, entry fs.DirEntry) error {
	info, err := entry.Info()
	if err != nil {
		return err
	}

	var link string

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		if link, err = os.Readlink(current); err != nil {
			return err
		}
	case info.IsDir(), info.Mode().IsRegular():
	default:
		// Sockets, devices and fifos are not part of a release tree.
		return nil
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}

	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}

	if err = tw.WriteHeader(header); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	file, err := os.Open(filepath.Clean(current))
	if err != nil {
		return err
	}

	defer file.Close() //nolint:errcheck // Read-only handle.

	_, err = io.Copy(tw, file)

	return err
}

func (p *packager) describe() (*Descriptor, error) {
	checksum, err := integrity.FileSHA256(p.bundlePath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p.bundlePath)
	if err != nil {
		return nil, fmt.Errorf("stat bundle: %w", err)
	}

	name := filepath.Base(p.bundlePath)

	return &Descriptor{
		Version:        p.opts.Version,
		Priority:       strings.ToLower(p.opts.Priority),
		Name:           name,
		DownloadURL:    downloadURL(p.opts.BaseURL, name),
		Checksum:       checksum,
		SizeBytes:      info.Size(),
		MinVersion:     p.opts.MinVersion,
		MaxVersion:     p.opts.MaxVersion,
		RequiresReboot: p.opts.RequiresReboot,
		ReleaseNotes:   p.opts.ReleaseNotes,
	}, nil
}

func downloadURL(base, name string) string {
	if base == "" {
		return name
	}

	return strings.TrimRight(base, "/") + "/" + name
}

// saveConfigTemplate writes agent settings the operator completes on the device.
func saveConfigTemplate(opts *Options) error {
	cfg := &config.Config{
		DeviceID: placeholderDeviceID,
		RootDir:  placeholderRootDir,
		Backend:  config.Backend{BaseURL: opts.BackendURL},
	}

	if err := config.Save(opts.ConfigPath, cfg); err != nil {
		return fmt.Errorf("save settings template: %w", err)
	}

	return nil
}

// printNextSteps logs human-readable guidance for next actions with the created files.
func printNextSteps(ctx context.Context, opts *Options, desc *Descriptor) {
	var builder strings.Builder

	builder.WriteString("Upload ")
	builder.WriteString(desc.Name)
	builder.WriteString(" so that it is served at ")
	builder.WriteString(desc.DownloadURL)
	builder.WriteString(",\nthen register ")
	builder.WriteString(filepath.Join(opts.OutputDir, desc.Version+DescriptorSuffix))
	builder.WriteString(" with the update backend as a deployment or as the latest bundle.")

	if opts.ConfigPath != "" {
		builder.WriteString("\nCopy ")
		builder.WriteString(opts.ConfigPath)
		builder.WriteString(" to devices as ")
		builder.WriteString(config.DefaultConfigFilename)
		builder.WriteString(" and set device_id and root_dir.")
	}

	logger.Info(ctx, builder.String())
}
