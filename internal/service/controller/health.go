package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/ota-agent/internal/logger"
)

// defaultCheckTimeout bounds canary checks when no timeout is configured.
const defaultCheckTimeout = 5 * time.Second

var (
	// ErrUnhealthy is returned when a service fails every poll of a health check.
	ErrUnhealthy = errors.New("service is unhealthy")
	// errNotActive is returned by a poll of a service that is not running.
	errNotActive = errors.New("service is not active")
)

// HealthOptions bound a health check.
type HealthOptions struct {
	// Retries is the number of polls per service.
	Retries int
	// Interval is the fixed pause between polls.
	Interval time.Duration
	// CheckTimeout bounds each canary check.
	CheckTimeout time.Duration
	// Settle is waited once before the first poll.
	Settle time.Duration
}

// HealthChecker polls services until they are active and their canaries pass.
type HealthChecker struct {
	ctrl     Controller
	opts     HealthOptions
	canaries map[string][]Canary
}

// NewHealthChecker creates a checker over ctrl. canaries maps service names to extra checks.
func NewHealthChecker(ctrl Controller, opts HealthOptions, canaries map[string][]Canary) *HealthChecker {
	if opts.Retries < 1 {
		opts.Retries = 1
	}

	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultCheckTimeout
	}

	return &HealthChecker{
		ctrl:     ctrl,
		opts:     opts,
		canaries: canaries,
	}
}

// Check polls every named service concurrently. It returns nil only when all
// of them passed within the retry bound.
func (h *HealthChecker) Check(ctx context.Context, names []string) error {
	ctx = logger.WithName(ctx, "health")

	if h.opts.Settle > 0 {
		if err := sleep(ctx, h.opts.Settle); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	for _, name := range names {
		group.Go(func() error {
			return h.checkOne(groupCtx, name)
		})
	}

	return group.Wait()
}

func (h *HealthChecker) checkOne(ctx context.Context, name string) error {
	var lastErr error

	for attempt := 1; attempt <= h.opts.Retries; attempt++ {
		lastErr = h.poll(ctx, name)
		if lastErr == nil {
			logger.DebugKV(ctx, "Service healthy", "service", name, "attempt", attempt)

			return nil
		}

		logger.DebugKV(ctx, "Service not healthy yet", "service", name, "attempt", attempt, "error", lastErr)

		if attempt == h.opts.Retries {
			break
		}

		if err := sleep(ctx, h.opts.Interval); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %s after %d polls: %w", ErrUnhealthy, name, h.opts.Retries, lastErr)
}

func (h *HealthChecker) poll(ctx context.Context, name string) error {
	active, err := h.ctrl.Status(ctx, name)
	if err != nil {
		return err
	}

	if !active {
		return errNotActive
	}

	for _, canary := range h.canaries[name] {
		checkCtx, cancel := context.WithTimeout(ctx, h.opts.CheckTimeout)
		err := canary.Check(checkCtx)

		cancel()

		if err != nil {
			return err
		}
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
