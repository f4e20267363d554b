package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func minimalConfig() *Config {
	return &Config{
		DeviceID: "device-1",
		RootDir:  "/opt/device",
		Backend: Backend{
			BaseURL: "https://updates.local/",
		},
	}
}

// TestValidate checks required fields, defaults and format validations.
func TestValidate(t *testing.T) {
	t.Parallel()

	// Missing everything.
	require.Error(t, Validate(new(Config)))

	// Nil configuration.
	require.ErrorIs(t, Validate(nil), errConfigIsNotSet)

	// Bad backend URL.
	cfg := minimalConfig()
	cfg.Backend.BaseURL = "not a url"
	require.Error(t, Validate(cfg))

	// Unknown pointer flavour.
	cfg = minimalConfig()
	cfg.Pointer = "hardlink"
	require.Error(t, Validate(cfg))

	// File level is optional but must be known.
	cfg = minimalConfig()
	cfg.Log.FileLevel = "verbose"
	require.Error(t, Validate(cfg))

	cfg = minimalConfig()
	cfg.Log.FileLevel = "debug"
	require.NoError(t, Validate(cfg))

	// Health endpoint needs host:port.
	cfg = minimalConfig()
	cfg.StatusAddress = "9090"
	require.Error(t, Validate(cfg))

	cfg = minimalConfig()
	cfg.StatusAddress = "127.0.0.1:9090"
	require.NoError(t, Validate(cfg))

	// Minimal file gets defaults.
	cfg = minimalConfig()
	require.NoError(t, Validate(cfg))
	require.Equal(t, "https://updates.local", cfg.Backend.BaseURL)
	require.Equal(t, PointerSymlink, cfg.Pointer)
	require.Equal(t, ServiceBackendSystem, cfg.ServiceBackend)
	require.Equal(t, DefaultBackendTimeout, cfg.Backend.Timeout)
	require.EqualValues(t, DefaultMaxRetries, cfg.Download.MaxRetries)
	require.Equal(t, DefaultHealthRetries, cfg.HealthCheck.Retries)
	require.Equal(t, DefaultHealthInterval, cfg.HealthCheck.Interval)
	require.Equal(t, DefaultKeepReleases, cfg.Retention.Releases)
	require.Equal(t, DefaultKeepBackups, cfg.Retention.Backups)
	require.Equal(t, DefaultMigrationScript, cfg.Migration.Script)
	require.Equal(t, 6*time.Hour, cfg.CheckInterval)
}

// TestValidateComponents rejects escaping paths and unknown service components.
func TestValidateComponents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		components map[string]string
		services   []Service
		wantErr    bool
	}{
		{
			name:       "relative path",
			components: map[string]string{"app.py": "apps/app.py"},
			services:   []Service{{Name: "app", Components: []string{"app.py"}}},
		},
		{
			name:       "absolute path",
			components: map[string]string{"app.py": "/etc/passwd"},
			wantErr:    true,
		},
		{
			name:       "escaping path",
			components: map[string]string{"app.py": "apps/../../x"},
			wantErr:    true,
		},
		{
			name:       "unknown component",
			components: map[string]string{"app.py": "apps/app.py"},
			services:   []Service{{Name: "app", Components: []string{"lib.so"}}},
			wantErr:    true,
		},
		{
			name:     "duplicate service",
			services: []Service{{Name: "app"}, {Name: "app"}},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalConfig()
			cfg.Components = tt.components
			cfg.Services = tt.services

			err := Validate(cfg)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
		})
	}
}

// TestServicesFor maps changed components to the services that depend on them.
func TestServicesFor(t *testing.T) {
	t.Parallel()

	cfg := minimalConfig()
	cfg.Components = map[string]string{
		"api.py":  "apps/api.py",
		"libx.so": "libs/libx.so",
	}
	cfg.Services = []Service{
		{Name: "api", Components: []string{"api.py", "libx.so"}},
		{Name: "worker", Components: []string{"libx.so"}},
		{Name: "ui"},
	}
	require.NoError(t, Validate(cfg))

	require.Equal(t, []string{"api"}, cfg.ServicesFor([]string{"api.py"}, false))
	require.Equal(t, []string{"api", "worker"}, cfg.ServicesFor([]string{"libx.so"}, false))
	require.Empty(t, cfg.ServicesFor(nil, false))
	require.Equal(t, []string{"api", "worker", "ui"}, cfg.ServicesFor(nil, true))

	svc, ok := cfg.Service("worker")
	require.True(t, ok)
	require.Equal(t, []string{"libx.so"}, svc.Components)
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	cfg := minimalConfig()
	cfg.Services = []Service{{
		Name:   "api",
		Canary: Canary{GRPC: "127.0.0.1:50051"},
	}}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.DeviceID, loaded.DeviceID)
	require.Equal(t, cfg.Backend.BaseURL, loaded.Backend.BaseURL)
	require.Equal(t, cfg.HealthCheck.Interval, loaded.HealthCheck.Interval)
	require.Equal(t, "127.0.0.1:50051", loaded.Services[0].Canary.GRPC)

	// File exists.
	_, err = os.Stat(path)
	require.NoError(t, err)
}

// TestLoadDurations reads human-readable durations from YAML.
func TestLoadDurations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.yaml")
	contents := `device_id: dev
root_dir: /opt/device
backend:
  base_url: http://127.0.0.1:8080
  timeout: 10s
health_check:
  retries: 5
  interval: 250ms
check_interval: 15m
`
	require.NoError(t, os.WriteFile(path, []byte(contents), DefaultFilePermissions))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	require.Equal(t, 5, cfg.HealthCheck.Retries)
	require.Equal(t, 250*time.Millisecond, cfg.HealthCheck.Interval)
	require.Equal(t, 15*time.Minute, cfg.CheckInterval)
}
