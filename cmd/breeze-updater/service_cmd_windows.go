//go:build windows

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const scmStopTimeout = 30 * time.Second

type scmService struct{ name string }

func platformService() (serviceManager, error) {
	return &scmService{name: windowsServiceName}, nil
}

// with connects to the SCM, opens the service and hands it to fn.
func (s *scmService) with(fn func(*mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager (run as Administrator): %w", err)
	}
	defer m.Disconnect()
	h, err := m.OpenService(s.name)
	if err != nil {
		return fmt.Errorf("open service %s: %w", s.name, err)
	}
	defer h.Close()
	return fn(h)
}

func (s *scmService) Install() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager (run as Administrator): %w", err)
	}
	defer m.Disconnect()

	h, err := m.CreateService(s.name, exe, mgr.Config{
		DisplayName:      "Breeze Agent Updater",
		Description:      "Keeps the Breeze RMM agent up to date",
		StartType:        mgr.StartAutomatic,
		DelayedAutoStart: true,
	}, "run")
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer h.Close()

	// restart after 10s, 30s, 60s; the failure count resets daily
	actions := []mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: 10 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
		{Type: mgr.ServiceRestart, Delay: time.Minute},
	}
	if err := h.SetRecoveryActions(actions, uint32((24 * time.Hour).Seconds())); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: recovery actions not set:", err)
	}
	return nil
}

func (s *scmService) Uninstall() error {
	return s.with(func(h *mgr.Service) error {
		if err := stopAndWait(h); err != nil {
			fmt.Fprintln(os.Stderr, "Warning:", err)
		}
		return h.Delete()
	})
}

func (s *scmService) Start() error {
	return s.with(func(h *mgr.Service) error { return h.Start() })
}

func (s *scmService) Stop() error {
	return s.with(stopAndWait)
}

func (s *scmService) Status() (string, error) {
	var state svc.State
	err := s.with(func(h *mgr.Service) error {
		st, err := h.Query()
		state = st.State
		return err
	})
	if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
		return "Service: not installed", nil
	}
	if err != nil {
		return "", err
	}
	return "Service: " + stateName(state), nil
}

func stopAndWait(h *mgr.Service) error {
	st, err := h.Query()
	if err != nil {
		return err
	}
	if st.State == svc.Stopped {
		return nil
	}
	if _, err := h.Control(svc.Stop); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	deadline := time.Now().Add(scmStopTimeout)
	for time.Now().Before(deadline) {
		if st, err = h.Query(); err != nil || st.State == svc.Stopped {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("service did not stop within %s", scmStopTimeout)
}

func stateName(s svc.State) string {
	switch s {
	case svc.Stopped:
		return "stopped"
	case svc.StartPending:
		return "starting"
	case svc.StopPending:
		return "stopping"
	case svc.Running:
		return "running"
	case svc.Paused:
		return "paused"
	}
	return fmt.Sprintf("state %d", s)
}
