package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the update agent.
type Config struct {
	// DeviceID identifies the device towards the backend.
	DeviceID string `yaml:"device_id" validate:"required"`
	// RootDir holds releases, backups, the manifest and the current pointer.
	RootDir string `yaml:"root_dir" validate:"required"`
	// Pointer selects the current pointer flavour: "symlink" or "file".
	Pointer string `yaml:"pointer" validate:"oneof=symlink file"`
	// Backend configures the update discovery and status API.
	Backend Backend `yaml:"backend"`
	// Download configures artifact fetching.
	Download Download `yaml:"download"`
	// HealthCheck configures post-switch verification.
	HealthCheck HealthCheck `yaml:"health_check"`
	// ServiceBackend selects the service controller: "system" or "process".
	ServiceBackend string `yaml:"service_backend" validate:"oneof=system process"`
	// ServiceTimeout bounds every single service controller call.
	ServiceTimeout time.Duration `yaml:"service_timeout" validate:"gt=0"`
	// Services lists managed services and the components they depend on.
	Services []Service `yaml:"services" validate:"omitempty,unique=Name,dive"`
	// Components maps tracked component names to release-relative paths.
	Components map[string]string `yaml:"components" validate:"omitempty,dive,keys,required,endkeys,relpath"`
	// Retention bounds how many releases and archive backups are kept.
	Retention Retention `yaml:"retention"`
	// Migration configures the optional per-release migration hook.
	Migration Migration `yaml:"migration"`
	// CheckInterval is the period of automatic cycles in daemon mode.
	CheckInterval time.Duration `yaml:"check_interval" validate:"gt=0"`
	// StatusAddress is the host:port of the daemon's gRPC health endpoint; empty disables it.
	StatusAddress string `yaml:"status_address,omitempty" validate:"omitempty,hostname_port"`
	// MetricsFile is the Prometheus textfile path; empty disables metrics export.
	MetricsFile string `yaml:"metrics_file,omitempty"`
	// Log configures the agent logger.
	Log Log `yaml:"log"`
}

// Backend holds the update API connection parameters.
type Backend struct {
	// BaseURL is the API root, e.g. https://updates.example.com.
	BaseURL string `yaml:"base_url" validate:"required,http_url"`
	// Token is sent as a bearer token when set.
	Token string `yaml:"token,omitempty"`
	// Timeout bounds every API request.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// Download holds artifact fetching parameters.
type Download struct {
	// Timeout bounds the whole download phase of a cycle.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	// AttemptTimeout bounds one HTTP attempt of one file.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64 `yaml:"max_retries"`
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// HealthCheck holds post-switch verification parameters.
type HealthCheck struct {
	// Retries is the number of polls per service before it is declared unhealthy.
	Retries int `yaml:"retries" validate:"gte=1"`
	// Interval is the pause between polls.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	// Timeout bounds one canary check.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	// Settle is an optional pause after starting services before the first poll.
	Settle time.Duration `yaml:"settle,omitempty" validate:"gte=0"`
}

// Service describes one managed OS service or process.
type Service struct {
	// Name is the OS service name or the process executable name.
	Name string `yaml:"name" validate:"required"`
	// Components are the component names whose change requires a restart.
	Components []string `yaml:"components,omitempty"`
	// Exec is the release-relative executable started by the process backend.
	Exec string `yaml:"exec,omitempty" validate:"omitempty,relpath"`
	// Args are passed to Exec by the process backend.
	Args []string `yaml:"args,omitempty"`
	// Canary configures optional application-level health checks.
	Canary Canary `yaml:"canary,omitempty"`
}

// Canary holds optional health endpoints for a service.
type Canary struct {
	// GRPC is a host:port serving grpc.health.v1.Health.
	GRPC string `yaml:"grpc,omitempty" validate:"omitempty,hostname_port"`
	// HTTP is a URL that must answer with a 2xx status.
	HTTP string `yaml:"http,omitempty" validate:"omitempty,http_url"`
}

// Retention bounds kept history on disk.
type Retention struct {
	// Releases is the number of release directories to keep, current included.
	Releases int `yaml:"releases" validate:"gte=2"`
	// Backups is the number of archive snapshots to keep.
	Backups int `yaml:"backups" validate:"gte=1"`
}

// Migration configures the release migration hook.
type Migration struct {
	// Script is the release-relative hook path.
	Script string `yaml:"script" validate:"relpath"`
	// Timeout bounds the hook run.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// Log configures the logger.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	// File enables a rotating JSON log file when set.
	File string `yaml:"file,omitempty"`
	// FileLevel is the level of the log file; empty follows Level.
	FileLevel string `yaml:"file_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
}

const (
	// DefaultConfigFilename is the default filename for agent settings.
	DefaultConfigFilename = "ota-agent.yaml"

	// PointerSymlink keeps the current pointer as a symbolic link.
	PointerSymlink = "symlink"
	// PointerFile keeps the current pointer as a text file with the version.
	PointerFile = "file"

	// ServiceBackendSystem controls OS services.
	ServiceBackendSystem = "system"
	// ServiceBackendProcess controls plain processes.
	ServiceBackendProcess = "process"

	// DefaultBackendTimeout bounds backend API requests.
	DefaultBackendTimeout = 30 * time.Second
	// DefaultDownloadTimeout bounds the whole download phase.
	DefaultDownloadTimeout = 30 * time.Minute
	// DefaultAttemptTimeout bounds one download attempt.
	DefaultAttemptTimeout = 5 * time.Minute
	// DefaultMaxRetries is the number of download retries.
	DefaultMaxRetries = 3
	// DefaultInitialBackoff is the first download retry delay.
	DefaultInitialBackoff = 2 * time.Second
	// DefaultMaxBackoff caps the download retry delay.
	DefaultMaxBackoff = time.Minute
	// DefaultHealthRetries is the number of health polls per service.
	DefaultHealthRetries = 3
	// DefaultHealthInterval is the pause between health polls.
	DefaultHealthInterval = 5 * time.Second
	// DefaultHealthTimeout bounds one canary check.
	DefaultHealthTimeout = 5 * time.Second
	// DefaultServiceTimeout bounds one service controller call.
	DefaultServiceTimeout = 30 * time.Second
	// DefaultCheckInterval is the daemon cycle period.
	DefaultCheckInterval = 6 * time.Hour
	// DefaultKeepReleases is the number of release directories kept.
	DefaultKeepReleases = 3
	// DefaultKeepBackups is the number of archive backups kept.
	DefaultKeepBackups = 5
	// DefaultMigrationScript is the hook looked up in every new release.
	DefaultMigrationScript = "migrate"
	// DefaultMigrationTimeout bounds the hook run.
	DefaultMigrationTimeout = 120 * time.Second
	// DefaultLogLevel is the logger level when none is configured.
	DefaultLogLevel = "info"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errUnknownComponent is returned when a service references an untracked component.
	errUnknownComponent = errors.New("service references unknown component")

	//nolint:gochecknoglobals // Validator caches struct metadata and is safe for concurrent use.
	validate = newValidator()
)

// Load reads configuration from the provided path and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks the settings.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	ApplyDefaults(cfg)

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("validate settings: %w", err)
	}

	for _, svc := range cfg.Services {
		for _, component := range svc.Components {
			if _, ok := cfg.Components[component]; !ok {
				return fmt.Errorf("%w: %s -> %s", errUnknownComponent, svc.Name, component)
			}
		}
	}

	return nil
}

// ApplyDefaults sets every unset field to its default value.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Pointer, PointerSymlink)
	setDefault(&cfg.ServiceBackend, ServiceBackendSystem)
	setDefault(&cfg.ServiceTimeout, DefaultServiceTimeout)
	setDefault(&cfg.CheckInterval, DefaultCheckInterval)

	setDefault(&cfg.Backend.Timeout, DefaultBackendTimeout)
	cfg.Backend.BaseURL = strings.TrimRight(cfg.Backend.BaseURL, "/")

	setDefault(&cfg.Download.Timeout, DefaultDownloadTimeout)
	setDefault(&cfg.Download.AttemptTimeout, DefaultAttemptTimeout)
	setDefault(&cfg.Download.MaxRetries, DefaultMaxRetries)
	setDefault(&cfg.Download.InitialBackoff, DefaultInitialBackoff)
	setDefault(&cfg.Download.MaxBackoff, DefaultMaxBackoff)

	setDefault(&cfg.HealthCheck.Retries, DefaultHealthRetries)
	setDefault(&cfg.HealthCheck.Interval, DefaultHealthInterval)
	setDefault(&cfg.HealthCheck.Timeout, DefaultHealthTimeout)

	setDefault(&cfg.Retention.Releases, DefaultKeepReleases)
	setDefault(&cfg.Retention.Backups, DefaultKeepBackups)

	setDefault(&cfg.Migration.Script, DefaultMigrationScript)
	setDefault(&cfg.Migration.Timeout, DefaultMigrationTimeout)

	setDefault(&cfg.Log.Level, DefaultLogLevel)
}

// ServicesFor returns the services depending on any of the given components.
// A whole-release change affects every service.
func (c *Config) ServicesFor(components []string, wholeRelease bool) []string {
	changed := make(map[string]struct{}, len(components))
	for _, name := range components {
		changed[name] = struct{}{}
	}

	names := make([]string, 0, len(c.Services))

	for _, svc := range c.Services {
		if wholeRelease {
			names = append(names, svc.Name)

			continue
		}

		for _, component := range svc.Components {
			if _, ok := changed[component]; ok {
				names = append(names, svc.Name)

				break
			}
		}
	}

	return names
}

// Service returns the named service settings.
func (c *Config) Service(name string) (Service, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}

	return Service{}, false
}

// ServiceNames returns the names of every managed service.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		names = append(names, svc.Name)
	}

	return names
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

//nolint:gochecknoglobals // Compiled once.
var windowsDrive = regexp.MustCompile(`^[A-Za-z]:`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// relpath accepts slash separated paths that stay inside a release directory.
	_ = v.RegisterValidation("relpath", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		if value == "" || strings.HasPrefix(value, "/") || windowsDrive.MatchString(value) {
			return false
		}

		cleaned := path.Clean(filepath.ToSlash(value))

		return cleaned != ".." && !strings.HasPrefix(cleaned, "../")
	})

	return v
}
