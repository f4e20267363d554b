// Package controllertest provides an in-memory service controller for tests.
package controllertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected controller failure")

// Fake is an in-memory Controller. Every service starts active.
type Fake struct {
	mu        sync.Mutex
	active    map[string]bool
	starts    map[string]int
	stops     map[string]int
	failStart map[string]bool
	failStop  map[string]bool
	healthy   func(name string) bool
	calls     []string
}

// New creates a fake with the named services running.
func New(names ...string) *Fake {
	f := &Fake{
		active:    make(map[string]bool, len(names)),
		starts:    make(map[string]int),
		stops:     make(map[string]int),
		failStart: make(map[string]bool),
		failStop:  make(map[string]bool),
	}

	for _, name := range names {
		f.active[name] = true
	}

	return f
}

// SetHealthy decides whether a started service becomes active.
// By default every start succeeds.
func (f *Fake) SetHealthy(fn func(name string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.healthy = fn
}

// FailStart makes Start of the named service return ErrInjected.
func (f *Fake) FailStart(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failStart[name] = true
}

// FailStop makes Stop of the named service return ErrInjected.
func (f *Fake) FailStop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failStop[name] = true
}

// Status implements controller.Controller.
func (f *Fake) Status(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "status "+name)

	return f.active[name], nil
}

// Start implements controller.Controller.
func (f *Fake) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.startLocked(name)
}

// Stop implements controller.Controller.
func (f *Fake) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stopLocked(name)
}

// Restart implements controller.Controller.
func (f *Fake) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.stopLocked(name); err != nil {
		return err
	}

	return f.startLocked(name)
}

// Active reports whether the service is running.
func (f *Fake) Active(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.active[name]
}

// Starts returns how many times the service was started.
func (f *Fake) Starts(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.starts[name]
}

// Stops returns how many times the service was stopped.
func (f *Fake) Stops(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stops[name]
}

// Calls returns every call made so far, as "op name".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *Fake) startLocked(name string) error {
	f.calls = append(f.calls, "start "+name)

	if f.failStart[name] {
		return fmt.Errorf("start %s: %w", name, ErrInjected)
	}

	f.starts[name]++
	f.active[name] = f.healthy == nil || f.healthy(name)

	return nil
}

func (f *Fake) stopLocked(name string) error {
	f.calls = append(f.calls, "stop "+name)

	if f.failStop[name] {
		return fmt.Errorf("stop %s: %w", name, ErrInjected)
	}

	f.stops[name]++
	f.active[name] = false

	return nil
}
