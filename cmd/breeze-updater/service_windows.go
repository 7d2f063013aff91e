//go:build windows

package main

import (
	"fmt"

	"golang.org/x/sys/windows/svc"

	"github.com/breeze-rmm/updater/internal/logging"
)

const windowsServiceName = "BreezeUpdater"

// isWindowsService reports whether the process was started by the Service
// Control Manager. Call it before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

// hasConsole is false under the SCM, where stdout goes nowhere.
func hasConsole() bool {
	return !isWindowsService()
}

type updaterWinService struct {
	startFn func() (*updaterService, error)
}

func runAsService(startFn func() (*updaterService, error)) error {
	return svc.Run(windowsServiceName, &updaterWinService{startFn: startFn})
}

// Execute reports StartPending, starts the updater, then blocks until the
// SCM sends Stop or Shutdown.
func (s *updaterWinService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	running, err := s.startFn()
	if err != nil {
		log.Error("updater start failed", logging.KeyError, err.Error())
		changes <- svc.Status{State: svc.StopPending}
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("updater running as Windows service")

	for cr := range r {
		switch cr.Cmd {
		case svc.Interrogate:
			changes <- cr.CurrentStatus
		case svc.Stop, svc.Shutdown:
			log.Info("SCM requested stop")
			changes <- svc.Status{State: svc.StopPending}
			shutdownUpdater(running)
			return false, 0
		default:
			log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
		}
	}
	shutdownUpdater(running)
	return false, 0
}
