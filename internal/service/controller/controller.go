package controller

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Controller starts, stops and inspects named services.
type Controller interface {
	// Status reports whether the service is active.
	Status(ctx context.Context, name string) (bool, error)
	// Start starts the service.
	Start(ctx context.Context, name string) error
	// Stop stops the service.
	Stop(ctx context.Context, name string) error
	// Restart restarts the service.
	Restart(ctx context.Context, name string) error
}

// ReleaseResolver resolves the active release directory.
type ReleaseResolver interface {
	Current() (version, dir string, err error)
}

var (
	// ErrTimeout is returned when a controller call exceeds its bound.
	ErrTimeout = errors.New("service controller call timed out")
	// ErrPanic is returned when a controller call panicked.
	ErrPanic = errors.New("service controller call panicked")
	// ErrUnknownService is returned for services missing from the configuration.
	ErrUnknownService = errors.New("unknown service")
)

// bounded enforces a hard timeout on every call of the wrapped controller.
type bounded struct {
	inner   Controller
	timeout time.Duration
}

// Bounded wraps inner so every call returns within timeout and never panics.
// A call that outlives its bound keeps running in the background; its result is dropped.
func Bounded(inner Controller, timeout time.Duration) Controller {
	return &bounded{inner: inner, timeout: timeout}
}

// Status implements Controller.
func (b *bounded) Status(ctx context.Context, name string) (bool, error) {
	var active bool

	err := b.call(ctx, "status", name, func(callCtx context.Context) error {
		var err error

		active, err = b.inner.Status(callCtx, name)

		return err
	})
	if err != nil {
		return false, err
	}

	return active, nil
}

// Start implements Controller.
func (b *bounded) Start(ctx context.Context, name string) error {
	return b.call(ctx, "start", name, func(callCtx context.Context) error {
		return b.inner.Start(callCtx, name)
	})
}

// Stop implements Controller.
func (b *bounded) Stop(ctx context.Context, name string) error {
	return b.call(ctx, "stop", name, func(callCtx context.Context) error {
		return b.inner.Stop(callCtx, name)
	})
}

// Restart implements Controller.
func (b *bounded) Restart(ctx context.Context, name string) error {
	return b.call(ctx, "restart", name, func(callCtx context.Context) error {
		return b.inner.Restart(callCtx, name)
	})
}

func (b *bounded) call(ctx context.Context, op, name string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- fmt.Errorf("%w: %s %s: %v", ErrPanic, op, name, recovered)
			}
		}()

		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, name, err)
		}

		return nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", op, name, ctx.Err())
		}

		return fmt.Errorf("%w: %s %s after %s", ErrTimeout, op, name, b.timeout)
	}
}
