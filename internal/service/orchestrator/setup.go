package orchestrator

import (
	"fmt"
	"path/filepath"

	"github.com/oshokin/ota-agent/internal/config"
	"github.com/oshokin/ota-agent/internal/metrics"
	"github.com/oshokin/ota-agent/internal/repository/backup"
	"github.com/oshokin/ota-agent/internal/repository/manifest"
	"github.com/oshokin/ota-agent/internal/repository/release"
	"github.com/oshokin/ota-agent/internal/service/backend"
	"github.com/oshokin/ota-agent/internal/service/controller"
	"github.com/oshokin/ota-agent/internal/service/downloader"
)

// NewFromConfig wires the production collaborators described by cfg.
func NewFromConfig(cfg *config.Config) (*Orchestrator, error) {
	layout, err := release.NewLayout(cfg.RootDir, cfg.Pointer)
	if err != nil {
		return nil, fmt.Errorf("release layout: %w", err)
	}

	ctrl := controller.Bounded(newController(cfg, layout), cfg.ServiceTimeout)

	health := controller.NewHealthChecker(ctrl, controller.HealthOptions{
		Retries:      cfg.HealthCheck.Retries,
		Interval:     cfg.HealthCheck.Interval,
		CheckTimeout: cfg.HealthCheck.Timeout,
		Settle:       cfg.HealthCheck.Settle,
	}, canaries(cfg))

	return New(Deps{
		Config:   cfg,
		Layout:   layout,
		Manifest: manifest.NewFileStore(filepath.Join(cfg.RootDir, ManifestName), cfg.DeviceID, cfg.Components, layout),
		Backups:  backup.NewStore(filepath.Join(cfg.RootDir, BackupsDir)),
		Backend: backend.New(backend.Options{
			BaseURL:  cfg.Backend.BaseURL,
			Token:    cfg.Backend.Token,
			DeviceID: cfg.DeviceID,
			Timeout:  cfg.Backend.Timeout,
		}),
		Fetcher: downloader.New(downloader.Options{
			AttemptTimeout: cfg.Download.AttemptTimeout,
			MaxRetries:     cfg.Download.MaxRetries,
			InitialBackoff: cfg.Download.InitialBackoff,
			MaxBackoff:     cfg.Download.MaxBackoff,
		}),
		Controller: ctrl,
		Health:     health,
		Metrics:    metrics.New(),
	}), nil
}

func newController(cfg *config.Config, layout *release.Layout) controller.Controller {
	if cfg.ServiceBackend != config.ServiceBackendProcess {
		return controller.NewSystem()
	}

	specs := make([]controller.ProcessSpec, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		specs = append(specs, controller.ProcessSpec{Name: svc.Name, Exec: svc.Exec, Args: svc.Args})
	}

	return controller.NewProcess(specs, layout)
}

func canaries(cfg *config.Config) map[string][]controller.Canary {
	byService := make(map[string][]controller.Canary)

	for _, svc := range cfg.Services {
		if svc.Canary.GRPC != "" {
			byService[svc.Name] = append(byService[svc.Name], controller.GRPCCanary{Address: svc.Canary.GRPC})
		}

		if svc.Canary.HTTP != "" {
			byService[svc.Name] = append(byService[svc.Name], controller.HTTPCanary{URL: svc.Canary.HTTP})
		}
	}

	return byService
}
