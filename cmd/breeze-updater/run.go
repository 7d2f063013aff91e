package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/updater/internal/audit"
	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/statusserver"
	"github.com/breeze-rmm/updater/internal/updater"
)

const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the update scheduler and status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		if isWindowsService() {
			return runAsService(startUpdater)
		}
		return runForeground()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// updaterService is a running updater: the scheduler loop, the status
// endpoint and everything they share.
type updaterService struct {
	comps   *components
	status  *statusserver.Server
	logFile io.Closer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func runForeground() error {
	svc, err := startUpdater()
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down updater")
	shutdownUpdater(svc)
	return nil
}

// startUpdater loads config with hot reload, builds the orchestrator and
// starts the scheduler and status endpoint in the background.
func startUpdater() (*updaterService, error) {
	var current atomic.Pointer[updater.Orchestrator]
	onChange := func(next *config.Config) {
		logging.SetLevel(next.LogLevel)
		if o := current.Load(); o != nil {
			if err := o.ApplyConfig(next); err != nil {
				log.Warn("reloaded config not applied", logging.KeyError, err.Error())
			}
		}
	}

	cfg, err := config.Watch(cfgFile, onChange)
	if err != nil {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	svc := &updaterService{logFile: initLogging(cfg, hasConsole())}
	log.Info("starting breeze updater",
		logging.KeyVersion, version,
		"installPath", cfg.InstallPath,
		"channel", cfg.Channel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	svc.cancel = cancel

	comps, err := buildComponents(ctx, cfg, true)
	if err != nil {
		cancel()
		svc.closeLog()
		return nil, err
	}
	svc.comps = comps
	current.Store(comps.orch)
	comps.audit.Log(audit.EventUpdaterStart, "", map[string]any{
		"version": version,
		"pid":     os.Getpid(),
		"state":   string(comps.orch.Status().State),
	})

	if cfg.StatusListen != "" {
		addr, err := statusserver.ParseAddress(cfg.StatusListen)
		if err != nil {
			log.Warn("status endpoint disabled", logging.KeyError, err.Error())
		} else if l, err := statusserver.Listen(addr); err != nil {
			log.Warn("status endpoint disabled", logging.KeyError, err.Error())
		} else {
			svc.status = statusserver.New(statusserver.Options{
				Controller: comps.orch,
				History:    comps.store,
				Health:     comps.health,
				Version:    version,
			})
			svc.wg.Add(1)
			go func() {
				defer svc.wg.Done()
				if err := svc.status.Serve(l); err != nil {
					log.Error("status endpoint stopped", logging.KeyError, err.Error())
				}
			}()
		}
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		comps.orch.Run(ctx)
	}()
	return svc, nil
}

// shutdownUpdater stops the status endpoint, cancels the scheduler and waits
// for in-flight work up to shutdownTimeout.
func shutdownUpdater(svc *updaterService) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if svc.status != nil {
		if err := svc.status.Shutdown(ctx); err != nil {
			log.Warn("status endpoint shutdown", logging.KeyError, err.Error())
		}
	}
	svc.cancel()

	done := make(chan struct{})
	go func() {
		svc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("timed out waiting for update workflow to stop")
	}

	svc.comps.audit.Log(audit.EventUpdaterStop, "", map[string]any{
		"state": string(svc.comps.orch.Status().State),
	})
	svc.comps.close(ctx)
	log.Info("updater stopped")
	svc.closeLog()
}

func (svc *updaterService) closeLog() {
	if svc.logFile != nil {
		svc.logFile.Close()
	}
}
