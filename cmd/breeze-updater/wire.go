package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/breeze-rmm/updater/internal/audit"
	"github.com/breeze-rmm/updater/internal/backup"
	"github.com/breeze-rmm/updater/internal/backup/providers"
	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/downloader"
	"github.com/breeze-rmm/updater/internal/health"
	"github.com/breeze-rmm/updater/internal/installer"
	"github.com/breeze-rmm/updater/internal/integrity"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/state"
	"github.com/breeze-rmm/updater/internal/updater"
	"github.com/breeze-rmm/updater/internal/workerpool"
	"github.com/breeze-rmm/updater/pkg/api"
)

const (
	poolWorkers   = 2
	poolQueueSize = 8
)

// components are the collaborators one updater process owns.
type components struct {
	orch   *updater.Orchestrator
	store  *state.Store
	audit  *audit.Logger
	health *health.Monitor
	pool   *workerpool.Pool
	runner *installer.Runner
}

func userAgent() string {
	return fmt.Sprintf("breeze-updater/%s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func auditDir() string {
	return filepath.Join(config.GetDataDir(), "audit")
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// buildComponents opens the state database and audit log and assembles an
// orchestrator. withPool enables the background housekeeping pool used by
// the long-running service; one-shot commands run housekeeping inline.
func buildComponents(ctx context.Context, cfg *config.Config, withPool bool) (*components, error) {
	c := &components{
		health: health.NewMonitor(),
		runner: installer.NewRunner(minutes(cfg.InstallTimeoutMinutes), time.Duration(cfg.InstallerBusyWaitSeconds)*time.Second),
	}

	store, err := state.Open(ctx, cfg.StateDBPath)
	c.health.Report(health.ComponentState, err)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	c.store = store

	if cfg.AuditEnabled {
		if l, err := audit.NewLogger(auditDir(), cfg.AuditMaxSizeMB, cfg.AuditMaxBackups); err != nil {
			log.Warn("audit log unavailable", logging.KeyError, err.Error())
		} else {
			c.audit = l
		}
	}

	mirror, err := providers.New(ctx, cfg.BackupMirror)
	if err != nil {
		log.Warn("backup mirror disabled", "provider", cfg.BackupMirror.Provider, logging.KeyError, err.Error())
		c.health.Update(health.ComponentMirror, health.Degraded, err.Error())
		mirror = nil
	} else if mirror != nil {
		c.health.Update(health.ComponentMirror, health.Healthy, mirror.Name())
	}

	client := api.NewClient(api.ClientConfig{
		BaseURL:   cfg.APIBaseURL,
		AuthToken: cfg.AuthToken,
		Endpoint:  cfg.UpdatesEndpoint,
		UserAgent: userAgent(),
	})
	dl := downloader.New(downloader.Config{
		MaxAttempts:    cfg.MaxRetryAttempts,
		BackoffBase:    cfg.RetryBackoffBase,
		AttemptTimeout: minutes(cfg.DownloadTimeoutMinutes),
		UserAgent:      userAgent(),
		AuthToken:      cfg.AuthToken,
		AuthHost:       client.Host(),
	}, nil)

	if withPool {
		c.pool = workerpool.New(poolWorkers, poolQueueSize)
	}

	orch, err := updater.New(ctx, cfg, updater.Deps{
		Checker:    client,
		Downloader: dl,
		Verifier:   integrity.NewVerifier(),
		Backups: backup.NewManager(backup.Config{
			Root:    cfg.BackupPath,
			Exclude: cfg.BackupExclude,
			Mirror:  mirror,
		}),
		Installer: c.runner,
		Store:     store,
		Audit:     c.audit,
		Health:    c.health,
		Pool:      c.pool,
	})
	if err != nil {
		c.close(ctx)
		return nil, err
	}
	c.orch = orch
	return c, nil
}

// close releases what buildComponents opened. The pool is drained first so
// housekeeping can finish its writes to the state database.
func (c *components) close(ctx context.Context) {
	if c.pool != nil {
		c.pool.Drain(ctx)
	}
	if c.audit != nil {
		c.audit.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			log.Warn("closing state database", logging.KeyError, err.Error())
		}
	}
}

// initLogging points the global logger at stdout, the rotating log file or
// both. The returned closer is nil when no file is open.
func initLogging(cfg *config.Config, console bool) io.Closer {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
		return nil
	}
	w, err := logging.NewRotatingWriter(logging.FileConfig{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
		log.Warn("log file unavailable, logging to stdout", logging.KeyError, err.Error())
		return nil
	}
	var out io.Writer = w
	if console {
		out = logging.TeeWriter(os.Stdout, w)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return w
}
