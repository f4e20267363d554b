package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/ota-agent/internal/logger"
)

const (
	// commLength is the process name length kept by the Linux process table.
	commLength = 15
	// stopPollInterval is the pause between checks while waiting for a process to exit.
	stopPollInterval = 100 * time.Millisecond
)

var (
	// errNoExecutable is returned when a process has no executable to start.
	errNoExecutable = errors.New("process has no executable configured")
	// errStillRunning is returned when a killed process does not exit in time.
	errStillRunning = errors.New("process is still running")
)

// ProcessSpec describes a process-managed service.
type ProcessSpec struct {
	// Name is the service name.
	Name string
	// Exec is the executable path relative to the active release.
	Exec string
	// Args are passed to the executable.
	Args []string
}

// executable returns the process name looked up in the process table.
func (p ProcessSpec) executable() string {
	if p.Exec != "" {
		return filepath.Base(p.Exec)
	}

	return p.Name
}

// Process controls services that are plain executables under the active release.
// Liveness is the presence of a process with the executable's name.
type Process struct {
	specs    map[string]ProcessSpec
	releases ReleaseResolver
	mu       sync.Mutex
	list     func() ([]ps.Process, error)
}

// NewProcess creates a process controller for the given specs.
func NewProcess(specs []ProcessSpec, releases ReleaseResolver) *Process {
	byName := make(map[string]ProcessSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}

	return &Process{
		specs:    byName,
		releases: releases,
		list:     ps.Processes,
	}
}

// Status implements Controller.
func (p *Process) Status(_ context.Context, name string) (bool, error) {
	spec, err := p.spec(name)
	if err != nil {
		return false, err
	}

	pids, err := p.find(spec.executable())
	if err != nil {
		return false, err
	}

	return len(pids) > 0, nil
}

// Start implements Controller. It launches the executable from the active release.
func (p *Process) Start(ctx context.Context, name string) error {
	spec, err := p.spec(name)
	if err != nil {
		return err
	}

	if spec.Exec == "" {
		return fmt.Errorf("%w: %s", errNoExecutable, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, dir, err := p.releases.Current()
	if err != nil {
		return fmt.Errorf("resolve release: %w", err)
	}

	// The process must outlive the call, so it is not bound to ctx.
	cmd := exec.Command(filepath.Join(dir, filepath.FromSlash(spec.Exec)), spec.Args...) //nolint:gosec,noctx // Configured executable.
	cmd.Dir = dir

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", spec.Exec, err)
	}

	go func() {
		_ = cmd.Wait()
	}()

	logger.InfoKV(ctx, "Process started", "service", name, "pid", cmd.Process.Pid)

	return nil
}

// Stop implements Controller. Every matching process except the agent itself is killed.
func (p *Process) Stop(ctx context.Context, name string) error {
	spec, err := p.spec(name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pids, err := p.find(spec.executable())
	if err != nil {
		return err
	}

	for _, pid := range pids {
		process, err := os.FindProcess(pid)
		if err != nil {
			continue
		}

		if err := process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill %d: %w", pid, err)
		}
	}

	for {
		remaining, err := p.find(spec.executable())
		if err != nil {
			return err
		}

		if len(remaining) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", errStillRunning, name)
		case <-time.After(stopPollInterval):
		}
	}
}

// Restart implements Controller.
func (p *Process) Restart(ctx context.Context, name string) error {
	if err := p.Stop(ctx, name); err != nil {
		return err
	}

	return p.Start(ctx, name)
}

func (p *Process) spec(name string) (ProcessSpec, error) {
	spec, ok := p.specs[name]
	if !ok {
		return ProcessSpec{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	return spec, nil
}

// find returns the PIDs of processes with the given executable name.
func (p *Process) find(executable string) ([]int, error) {
	processes, err := p.list()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	self := os.Getpid()
	short := executable[:min(len(executable), commLength)]

	var pids []int

	for _, process := range processes {
		if process.Pid() == self {
			continue
		}

		switch process.Executable() {
		case executable, short:
			pids = append(pids, process.Pid())
		}
	}

	return pids, nil
}
