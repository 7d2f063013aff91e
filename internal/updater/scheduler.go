package updater

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/downloader"
	"github.com/breeze-rmm/updater/internal/workerpool"
)

// DefaultStartupDelay gives the agent time to settle before the first check.
const DefaultStartupDelay = 30 * time.Second

// Run performs a scheduled update pass every check_interval_minutes until
// ctx is cancelled. The interval is re-read after every pass so reloaded
// config takes effect without a restart.
func (o *Orchestrator) Run(ctx context.Context) error {
	timer := time.NewTimer(o.StartupDelay)
	defer timer.Stop()

	log.Info("update scheduler started", "startupDelay", o.StartupDelay.String())
	for {
		select {
		case <-ctx.Done():
			log.Info("update scheduler stopped")
			return nil
		case <-timer.C:
		}

		o.StartUpdateProcess(ctx)
		o.scheduleHousekeeping()

		timer.Reset(o.checkInterval())
	}
}

func (o *Orchestrator) checkInterval() time.Duration {
	cfg, _, _ := o.settings()
	minutes := cfg.CheckIntervalMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// HousekeepingResult counts what Cleanup removed.
type HousekeepingResult struct {
	DownloadsRemoved int
	BackupsPruned    int
	HistoryPruned    int64
}

// Cleanup removes expired downloads, backups and history rows now. Files
// referenced by the current session are kept.
func (o *Orchestrator) Cleanup(ctx context.Context) (HousekeepingResult, error) {
	cfg, _, _ := o.settings()
	snap := o.Status()

	var (
		res  HousekeepingResult
		merr *multierror.Error
		err  error
	)
	if res.DownloadsRemoved, err = o.cleanupDownloads(cfg, snap); err != nil {
		merr = multierror.Append(merr, err)
	}
	if res.BackupsPruned, err = o.pruneBackups(ctx, cfg, snap); err != nil {
		merr = multierror.Append(merr, err)
	}
	if res.HistoryPruned, err = o.pruneHistory(ctx, cfg); err != nil {
		merr = multierror.Append(merr, err)
	}
	return res, merr.ErrorOrNil()
}

// scheduleHousekeeping hands each cleanup job to the pool. A job still
// running from the previous pass is not queued again.
func (o *Orchestrator) scheduleHousekeeping() {
	cfg, _, _ := o.settings()
	snap := o.Status()

	o.submit("cleanup-downloads", func(context.Context) {
		if n, err := o.cleanupDownloads(cfg, snap); err != nil {
			log.Warn("download cleanup incomplete", "removed", n, "error", err.Error())
		}
	})
	o.submit("prune-backups", func(ctx context.Context) {
		if n, err := o.pruneBackups(ctx, cfg, snap); err != nil {
			log.Warn("backup pruning incomplete", "removed", n, "error", err.Error())
		}
	})
	o.submit("prune-history", func(ctx context.Context) {
		if _, err := o.pruneHistory(ctx, cfg); err != nil {
			log.Warn("history pruning failed", "error", err.Error())
		}
	})
}

func (o *Orchestrator) submit(name string, task workerpool.Task) {
	if o.deps.Pool == nil {
		task(context.Background())
		return
	}
	o.deps.Pool.Submit(name, task)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func (o *Orchestrator) cleanupDownloads(cfg *config.Config, snap Session) (int, error) {
	if cfg.DownloadRetentionDays <= 0 {
		return 0, nil
	}
	return downloader.CleanupOldDownloads(cfg.DownloadPath, days(cfg.DownloadRetentionDays), snap.Metadata.Value(MetaDownloadPath))
}

func (o *Orchestrator) pruneBackups(ctx context.Context, cfg *config.Config, snap Session) (int, error) {
	if cfg.BackupRetentionDays <= 0 {
		return 0, nil
	}
	return o.deps.Backups.Prune(ctx, days(cfg.BackupRetentionDays), snap.Metadata.Value(MetaBackupPath))
}

func (o *Orchestrator) pruneHistory(ctx context.Context, cfg *config.Config) (int64, error) {
	if o.deps.Store == nil || cfg.HistoryRetention <= 0 {
		return 0, nil
	}
	return o.deps.Store.PruneHistory(ctx, cfg.HistoryRetention)
}
