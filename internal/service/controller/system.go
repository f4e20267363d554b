package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/kardianos/service"
)

// System controls registered OS services through the platform service manager
// (systemd, upstart, SysV, launchd or the Windows SCM).
type System struct {
	// newService builds a handle for a service name; replaceable in tests.
	newService func(name string) (service.Service, error)
}

// NewSystem creates a controller for OS services.
func NewSystem() *System {
	return &System{newService: newServiceHandle}
}

// Status implements Controller. A service that is not installed is reported inactive.
func (s *System) Status(_ context.Context, name string) (bool, error) {
	svc, err := s.newService(name)
	if err != nil {
		return false, err
	}

	status, err := svc.Status()
	if err != nil {
		if errors.Is(err, service.ErrNotInstalled) {
			return false, nil
		}

		return false, fmt.Errorf("query status: %w", err)
	}

	return status == service.StatusRunning, nil
}

// Start implements Controller.
func (s *System) Start(_ context.Context, name string) error {
	svc, err := s.newService(name)
	if err != nil {
		return err
	}

	return svc.Start()
}

// Stop implements Controller.
func (s *System) Stop(_ context.Context, name string) error {
	svc, err := s.newService(name)
	if err != nil {
		return err
	}

	return svc.Stop()
}

// Restart implements Controller.
func (s *System) Restart(_ context.Context, name string) error {
	svc, err := s.newService(name)
	if err != nil {
		return err
	}

	return svc.Restart()
}

// program satisfies service.Interface; the agent never runs these services itself.
type program struct{}

func (program) Start(service.Service) error { return nil }

func (program) Stop(service.Service) error { return nil }

func newServiceHandle(name string) (service.Service, error) {
	svc, err := service.New(program{}, &service.Config{Name: name})
	if err != nil {
		return nil, fmt.Errorf("service handle for %s: %w", name, err)
	}

	return svc, nil
}
