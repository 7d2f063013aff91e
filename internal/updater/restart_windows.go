//go:build windows

package updater

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const (
	transitionTimeout = 30 * time.Second
	pollEvery         = 300 * time.Millisecond
)

// Restart cycles the agent's Windows service and returns once the SCM
// reports it running again. A service that is already stopped is just
// started.
func Restart(serviceName string) error {
	if serviceName == "" {
		return errors.New("service name is empty")
	}
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("open service %s: %w", serviceName, err)
	}
	defer s.Close()

	st, err := s.Query()
	if err != nil {
		return fmt.Errorf("query %s: %w", serviceName, err)
	}
	if st.State != svc.Stopped {
		if _, err := s.Control(svc.Stop); err != nil {
			return fmt.Errorf("stop %s: %w", serviceName, err)
		}
		if err := awaitState(s, svc.Stopped); err != nil {
			return err
		}
	}
	if err := s.Start(); err != nil {
		return fmt.Errorf("start %s: %w", serviceName, err)
	}
	return awaitState(s, svc.Running)
}

func awaitState(s *mgr.Service, want svc.State) error {
	deadline := time.Now().Add(transitionTimeout)
	for {
		st, err := s.Query()
		if err != nil {
			return fmt.Errorf("query %s: %w", s.Name, err)
		}
		if st.State == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s still in state %d after %s", s.Name, st.State, transitionTimeout)
		}
		time.Sleep(pollEvery)
	}
}
