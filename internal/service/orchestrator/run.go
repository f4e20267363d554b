package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/ota-agent/internal/config"
	"github.com/oshokin/ota-agent/internal/logger"
)

// ActionDaemon runs cycles until the context is cancelled.
const ActionDaemon = "daemon"

// errUnknownAction is returned for actions the agent does not implement.
var errUnknownAction = errors.New("unknown action")

// Options are inputs accepted by the agent entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// Action is one of apply, rollback, check, status, verify, prune or daemon.
	Action string
	// Version is the rollback target; empty selects the previous release.
	Version string
}

// Run loads the settings, configures logging and performs one action.
// Daemon mode returns a nil result once the context is cancelled.
func Run(ctx context.Context, opts *Options) (*Result, error) {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "ota-agent")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if err = logger.Configure(cfg.Log.Level, cfg.Log.FileLevel, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	o, err := NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithKV(ctx, "device_id", cfg.DeviceID)

	return o.Do(ctx, opts.Action, opts.Version)
}

// Do performs one action on an existing orchestrator.
func (o *Orchestrator) Do(ctx context.Context, action, version string) (*Result, error) {
	switch action {
	case ActionApply:
		return o.Apply(ctx), nil
	case ActionRollback:
		return o.Rollback(ctx, version), nil
	case ActionCheck:
		return o.Check(ctx), nil
	case ActionStatus:
		return o.Status(ctx), nil
	case ActionVerify:
		return o.Verify(ctx), nil
	case ActionPrune:
		return o.Prune(ctx), nil
	case ActionDaemon:
		return nil, o.Daemon(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownAction, action)
	}
}
