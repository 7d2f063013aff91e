// Package updater drives the agent self-update workflow: check, download,
// verify, back up, install and roll back. All outcomes are recorded on a
// single Session that callers observe through Status and Subscribe.
package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/breeze-rmm/updater/internal/audit"
	"github.com/breeze-rmm/updater/internal/backup"
	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/downloader"
	"github.com/breeze-rmm/updater/internal/health"
	"github.com/breeze-rmm/updater/internal/installer"
	"github.com/breeze-rmm/updater/internal/integrity"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/maintenance"
	"github.com/breeze-rmm/updater/internal/release"
	"github.com/breeze-rmm/updater/internal/semver"
	"github.com/breeze-rmm/updater/internal/state"
	"github.com/breeze-rmm/updater/internal/workerpool"
	"github.com/breeze-rmm/updater/pkg/api"
)

var log = logging.L("updater")

// UpdateChecker asks the update authority for a newer release.
type UpdateChecker interface {
	CheckForUpdate(ctx context.Context, req api.CheckRequest) (*release.Package, error)
}

// PackageDownloader fetches and checksums a release package.
type PackageDownloader interface {
	Download(ctx context.Context, pkg release.Package, destDir string) downloader.Result
}

// SignatureVerifier checks a package signature against trusted publishers.
type SignatureVerifier interface {
	Verify(ctx context.Context, path string, sig *release.Signature, trustedPublishers []string) error
}

// BackupStore snapshots and restores the installation.
type BackupStore interface {
	CreateBackup(ctx context.Context, installPath, version string) backup.Result
	RestoreBackup(ctx context.Context, backupPath string) backup.RestoreResult
	Prune(ctx context.Context, maxAge time.Duration, keep ...string) (int, error)
}

// Installer runs the platform installer.
type Installer interface {
	RunSilentInstall(ctx context.Context, packagePath string, extraArgs ...string) (installer.ProcessResult, error)
}

// SessionStore persists the session and the attempt history.
type SessionStore interface {
	SaveSession(ctx context.Context, data []byte) error
	LoadSession(ctx context.Context) ([]byte, error)
	AppendHistory(ctx context.Context, e state.HistoryEntry) (int64, error)
	PruneHistory(ctx context.Context, keep int) (int64, error)
}

// Deps are the orchestrator's collaborators. Checker, Downloader, Verifier,
// Backups and Installer are required; the rest are optional.
type Deps struct {
	Checker    UpdateChecker
	Downloader PackageDownloader
	Verifier   SignatureVerifier
	Backups    BackupStore
	Installer  Installer

	Store  SessionStore
	Audit  *audit.Logger
	Health *health.Monitor
	// Pool runs housekeeping. Without one, housekeeping runs inline.
	Pool *workerpool.Pool

	// Restart restarts the agent service. Defaults to Restart.
	Restart func(serviceName string) error
	// CheckRequest builds the update-check query. Defaults to
	// api.NewCheckRequest.
	CheckRequest func(ctx context.Context, currentVersion, channel string) api.CheckRequest
	Now          func() time.Time
}

// Orchestrator owns the update session. It is safe for concurrent use; only
// one workflow runs at a time.
type Orchestrator struct {
	deps Deps

	// StartupDelay is the wait before the first scheduled check in Run.
	StartupDelay time.Duration

	mu         sync.Mutex
	cfg        *config.Config
	policy     *maintenance.Policy
	exclusions *semver.ExclusionList
	session    Session
	busy       bool

	attemptStart time.Time
	attemptFrom  semver.Version

	subs    map[int]chan Session
	nextSub int
}

// New builds an orchestrator and restores the persisted session, if any. A
// session persisted in an in-progress state is marked Failed.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Checker == nil || deps.Downloader == nil || deps.Verifier == nil || deps.Backups == nil || deps.Installer == nil {
		return nil, errors.New("updater: checker, downloader, verifier, backups and installer are required")
	}
	if deps.Restart == nil {
		deps.Restart = Restart
	}
	if deps.CheckRequest == nil {
		deps.CheckRequest = api.NewCheckRequest
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	policy, exclusions, err := compile(cfg)
	if err != nil {
		return nil, err
	}

	var current semver.Version
	if cfg.CurrentVersion != "" {
		if current, err = semver.Parse(cfg.CurrentVersion); err != nil {
			return nil, fmt.Errorf("current_version: %w", err)
		}
	}

	o := &Orchestrator{
		deps:         deps,
		StartupDelay: DefaultStartupDelay,
		cfg:          cfg,
		policy:       policy,
		exclusions:   exclusions,
		session:      Session{State: StateNone, CurrentVersion: current},
		subs:         make(map[int]chan Session),
	}
	if err := o.load(ctx, current); err != nil {
		return nil, err
	}
	if o.session.CurrentVersion.IsZero() {
		return nil, errors.New("updater: current version is unknown; set current_version")
	}
	return o, nil
}

func compile(cfg *config.Config) (*maintenance.Policy, *semver.ExclusionList, error) {
	policy, err := maintenance.NewPolicy(cfg.MaintenanceWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("maintenance_window: %w", err)
	}
	exclusions, err := semver.NewExclusionList(cfg.ExcludedVersions)
	if err != nil {
		return nil, nil, fmt.Errorf("excluded_versions: %w", err)
	}
	return policy, exclusions, nil
}

// ApplyConfig swaps in a reloaded configuration. Download and install
// timeouts are bound when the collaborators are built and need a restart.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) error {
	policy, exclusions, err := compile(cfg)
	if err != nil {
		log.Warn("rejecting config update", logging.KeyError, err.Error())
		return err
	}
	o.mu.Lock()
	o.cfg = cfg
	o.policy = policy
	o.exclusions = exclusions
	o.mu.Unlock()

	o.deps.Audit.Log(audit.EventConfigChange, "", map[string]any{
		"autoUpdate":        cfg.AutoUpdate,
		"channel":           cfg.Channel,
		"maintenanceWindow": policy.String(),
	})
	log.Info("config applied", "autoUpdate", cfg.AutoUpdate, "window", policy.String())
	return nil
}

func (o *Orchestrator) settings() (*config.Config, *maintenance.Policy, *semver.ExclusionList) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg, o.policy, o.exclusions
}

// Status returns a copy of the current session.
func (o *Orchestrator) Status() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.Clone()
}

// InProgress reports whether a workflow is running.
func (o *Orchestrator) InProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// Subscribe streams session snapshots after every change. Slow subscribers
// miss intermediate snapshots. The returned func unsubscribes and closes
// the channel.
func (o *Orchestrator) Subscribe() (<-chan Session, func()) {
	ch := make(chan Session, 16)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			close(ch)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return false
	}
	o.busy = true
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

func (o *Orchestrator) rejectBusy(op string) Session {
	log.Info("update workflow already running, ignoring request", "op", op)
	return o.Status()
}

// update mutates the session under the lock, then persists and publishes
// the result.
func (o *Orchestrator) update(ctx context.Context, fn func(s *Session)) Session {
	o.mu.Lock()
	prev := o.session.State
	fn(&o.session)
	snap := o.session.Clone()
	started, from := o.attemptStart, o.attemptFrom
	o.mu.Unlock()

	if snap.State != prev {
		log.Debug("state transition", "from", string(prev), "to", string(snap.State), logging.KeyAttemptID, snap.AttemptID)
	}
	o.persist(ctx, snap, prev, started, from)
	o.publish(snap)
	return snap
}

func (o *Orchestrator) publish(snap Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- snap.Clone():
		default:
		}
	}
}

// startAttempt must be called from inside update.
func (o *Orchestrator) startAttempt(s *Session, now time.Time) {
	s.AttemptID = uuid.NewString()
	o.attemptStart = now
	o.attemptFrom = s.CurrentVersion
}

func (o *Orchestrator) ensureAttempt(s *Session, now time.Time) {
	if s.AttemptID == "" || s.State.terminal() || s.State == StateNone {
		o.startAttempt(s, now)
	}
}

func (o *Orchestrator) report(component string, err error) {
	if o.deps.Health != nil {
		o.deps.Health.Report(component, err)
	}
}

// fail records e on the session and moves it to Failed.
func (o *Orchestrator) fail(ctx context.Context, e *Error, extra ...func(s *Session)) Session {
	snap := o.update(ctx, func(s *Session) {
		s.State = StateFailed
		s.Message = e.Error()
		s.Metadata.Set(MetaLastError, e.Error())
		s.Metadata.Set(MetaErrorKind, string(e.Kind))
		for _, fn := range extra {
			fn(s)
		}
	})
	log.Warn("update failed",
		logging.KeyAttemptID, snap.AttemptID,
		"kind", string(e.Kind),
		logging.KeyError, e.Error(),
	)
	o.deps.Audit.Log(audit.EventUpdateFailed, snap.AttemptID, map[string]any{
		"kind":  string(e.Kind),
		"error": e.Error(),
	})
	return snap
}

// CheckForUpdate queries the update authority and records whether an
// acceptable release is available.
func (o *Orchestrator) CheckForUpdate(ctx context.Context) Session {
	if !o.begin() {
		return o.rejectBusy("check")
	}
	defer o.end()
	return o.check(ctx)
}

func (o *Orchestrator) check(ctx context.Context) Session {
	cfg, _, exclusions := o.settings()
	now := o.deps.Now()
	snap := o.update(ctx, func(s *Session) {
		o.startAttempt(s, now)
		s.State = StateCheckingForUpdate
		s.Message = "checking for updates"
		s.LastCheckedAt = now
		s.Metadata.Delete(MetaLastError, MetaErrorKind, MetaPriority)
	})
	current := snap.CurrentVersion

	pkg, err := o.deps.Checker.CheckForUpdate(ctx, o.deps.CheckRequest(ctx, current.String(), cfg.Channel))
	o.report(health.ComponentAPI, err)
	if err != nil {
		return o.fail(ctx, classify("check for update", KindNetwork, err))
	}
	if pkg == nil {
		return o.settle(ctx, "no update available")
	}

	candidate := pkg.Clone()
	if ok, reason := evaluate(cfg, exclusions, current, &candidate); !ok {
		log.Info("update not applicable", "offered", candidate.Version.String(), "reason", reason)
		return o.settle(ctx, reason)
	}

	priority := semver.GetUpdatePriority(current, candidate.Version, candidate.MinimumVersion)
	if candidate.IsCritical {
		priority = semver.PriorityCritical
	}
	snap = o.update(ctx, func(s *Session) {
		v := candidate.Version
		s.State = StateUpdateAvailable
		s.Message = fmt.Sprintf("update %s available (%s priority)", v, priority)
		s.AvailableVersion = &v
		s.PackageInfo = &candidate
		s.Metadata.Set(MetaPriority, priority.String())
	})
	log.Info("update available",
		logging.KeyVersion, candidate.Version.String(),
		"current", current.String(),
		"priority", priority.String(),
		"required", candidate.IsRequired,
		"critical", candidate.IsCritical,
	)
	o.deps.Audit.Log(audit.EventUpdateChecked, snap.AttemptID, map[string]any{
		"current":  current.String(),
		"offered":  candidate.Version.String(),
		"priority": priority.String(),
	})
	return snap
}

// evaluate decides whether pkg may be offered. It raises pkg.IsRequired when
// current is below the package's minimum version.
func evaluate(cfg *config.Config, exclusions *semver.ExclusionList, current semver.Version, pkg *release.Package) (bool, string) {
	if !pkg.Version.GreaterThan(current) {
		return false, fmt.Sprintf("already up to date (current %s, offered %s)", current, pkg.Version)
	}
	if semver.IsUpdateRequired(current, pkg.Version, pkg.MinimumVersion) {
		pkg.IsRequired = true
	}
	if pkg.IsCritical {
		return true, ""
	}
	if (pkg.IsPrerelease || pkg.Version.IsPrerelease()) && !cfg.IncludePrerelease {
		return false, fmt.Sprintf("prerelease %s skipped", pkg.Version)
	}
	if exclusions.Matches(pkg.Version) {
		return false, fmt.Sprintf("version %s is excluded", pkg.Version)
	}
	return true, ""
}

// settle ends a check that found nothing to do.
func (o *Orchestrator) settle(ctx context.Context, msg string) Session {
	return o.update(ctx, func(s *Session) {
		s.State = StateNone
		s.Message = msg
		s.AvailableVersion = nil
		s.PackageInfo = nil
	})
}

// DownloadUpdate fetches pkg into the download directory.
func (o *Orchestrator) DownloadUpdate(ctx context.Context, pkg release.Package) Session {
	if !o.begin() {
		return o.rejectBusy("download")
	}
	defer o.end()
	return o.download(ctx, pkg)
}

func (o *Orchestrator) download(ctx context.Context, pkg release.Package) Session {
	cfg, _, _ := o.settings()
	now := o.deps.Now()
	pkg = pkg.Clone()
	o.update(ctx, func(s *Session) {
		o.ensureAttempt(s, now)
		v := pkg.Version
		s.State = StateDownloading
		s.Message = fmt.Sprintf("downloading %s", v)
		s.LastAttemptAt = now
		s.AvailableVersion = &v
		s.PackageInfo = &pkg
		s.Metadata.Delete(MetaDownloadPath, MetaDownloadChecksum, MetaDownloadAttempts, MetaLastError, MetaErrorKind)
	})

	res := o.deps.Downloader.Download(ctx, pkg, cfg.DownloadPath)
	attempts := strconv.Itoa(res.Attempts)
	if !res.Success {
		err := resultErr(res.Err, res.ErrorMessage, "download failed")
		o.report(health.ComponentDownloads, err)
		return o.fail(ctx, classify("download", KindNetwork, err), func(s *Session) {
			s.Metadata.Set(MetaDownloadAttempts, attempts)
		})
	}
	o.report(health.ComponentDownloads, nil)

	snap := o.update(ctx, func(s *Session) {
		s.State = StateDownloaded
		s.Message = fmt.Sprintf("downloaded %s (%s)", pkg.Version, humanize.IBytes(uint64(max(res.FileSizeBytes, 0))))
		s.Metadata.Set(MetaDownloadPath, res.FilePath)
		s.Metadata.Set(MetaDownloadChecksum, res.Checksum)
		s.Metadata.Set(MetaDownloadAttempts, attempts)
	})
	o.deps.Audit.Log(audit.EventUpdateDownloaded, snap.AttemptID, map[string]any{
		"version":  pkg.Version.String(),
		"path":     res.FilePath,
		"checksum": res.Checksum,
		"attempts": res.Attempts,
	})
	return snap
}

// InstallUpdate verifies the package at installerPath, snapshots the
// installation and runs the installer. An installer failure triggers an
// automatic rollback.
func (o *Orchestrator) InstallUpdate(ctx context.Context, pkg release.Package, installerPath string) Session {
	if !o.begin() {
		return o.rejectBusy("install")
	}
	defer o.end()
	return o.install(ctx, pkg, installerPath)
}

func (o *Orchestrator) install(ctx context.Context, pkg release.Package, installerPath string) Session {
	cfg, _, _ := o.settings()
	now := o.deps.Now()
	pkg = pkg.Clone()
	snap := o.update(ctx, func(s *Session) {
		o.ensureAttempt(s, now)
		v := pkg.Version
		s.Message = fmt.Sprintf("verifying %s", v)
		s.LastAttemptAt = now
		s.AvailableVersion = &v
		s.PackageInfo = &pkg
		s.Metadata.Delete(MetaBackupPath, MetaBackupVersion, MetaInstallerExitCode, MetaRollbackError,
			MetaManualInterventionRequired, MetaLastError, MetaErrorKind)
	})
	lg := logging.WithAttempt(log, snap.AttemptID, pkg.Version.String())

	info, err := os.Stat(installerPath)
	if err == nil && info.IsDir() {
		err = fmt.Errorf("%s is a directory", installerPath)
	}
	if err != nil {
		return o.fail(ctx, newError(KindInstallation, "install", fmt.Errorf("installer package: %w", err)))
	}

	if pkg.Checksum == "" {
		return o.fail(ctx, newError(KindIntegrity, "verify checksum", downloader.ErrMissingChecksum))
	}
	alg, err := integrity.ParseAlgorithm(string(pkg.ChecksumAlgorithm))
	if err != nil {
		return o.fail(ctx, newError(KindIntegrity, "verify checksum", err))
	}
	if _, err := integrity.VerifyFile(installerPath, pkg.Checksum, alg); err != nil {
		return o.fail(ctx, classify("verify checksum", KindIntegrity, err))
	}

	if cfg.VerifySignatures && pkg.Signature != nil {
		if err := o.deps.Verifier.Verify(ctx, installerPath, pkg.Signature, cfg.TrustedPublishers); err != nil {
			return o.fail(ctx, newError(KindIntegrity, "verify signature", err))
		}
		lg.Info("package signature verified", "publisher", pkg.Signature.Publisher)
	}

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, newError(KindCancelled, "install", err))
	}

	if cfg.BackupEnabled {
		snap = o.update(ctx, func(s *Session) {
			s.State = StateBackupInProgress
			s.Message = fmt.Sprintf("backing up %s", s.CurrentVersion)
		})
		res := o.deps.Backups.CreateBackup(ctx, cfg.InstallPath, snap.CurrentVersion.String())
		if !res.Success {
			err := resultErr(res.Err, res.ErrorMessage, "backup failed")
			o.report(health.ComponentBackups, err)
			return o.fail(ctx, classify("backup", KindBackup, err))
		}
		o.report(health.ComponentBackups, nil)
		snap = o.update(ctx, func(s *Session) {
			s.State = StateBackupCompleted
			s.Message = fmt.Sprintf("backup created at %s", res.BackupPath)
			s.Metadata.Set(MetaBackupPath, res.BackupPath)
			s.Metadata.Set(MetaBackupVersion, res.Record.Version)
		})
		o.deps.Audit.Log(audit.EventBackupCreated, snap.AttemptID, map[string]any{
			"path":      res.BackupPath,
			"version":   res.Record.Version,
			"fileCount": res.Record.FileCount,
			"sizeBytes": res.Record.SizeBytes,
		})
	} else {
		lg.Info("backups disabled, installing without a snapshot")
	}

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, newError(KindCancelled, "install", err))
	}

	snap = o.update(ctx, func(s *Session) {
		s.State = StateInstalling
		s.Message = fmt.Sprintf("installing %s", pkg.Version)
	})
	o.deps.Audit.Log(audit.EventInstallStarted, snap.AttemptID, map[string]any{
		"version": pkg.Version.String(),
		"package": installerPath,
	})

	pr, err := o.deps.Installer.RunSilentInstall(ctx, installerPath)
	if err == nil && pr.Success {
		return o.installed(ctx, cfg, pkg, pr)
	}
	if installerNotStarted(err) {
		kind := KindInstallation
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			kind = KindCancelled
		}
		lg.Warn("installer did not start, installation untouched", logging.KeyError, err.Error())
		o.report(health.ComponentInstaller, err)
		return o.fail(ctx, newError(kind, "install", err))
	}

	var cause *Error
	if err != nil {
		cause = classify("install", KindInstallation, err)
	} else {
		cause = newError(KindInstallation, "install", fmt.Errorf("installer exited with code %d", pr.ExitCode))
	}
	o.update(ctx, func(s *Session) {
		if err == nil {
			s.Metadata.Set(MetaInstallerExitCode, strconv.Itoa(pr.ExitCode))
		}
		s.Metadata.Set(MetaLastError, cause.Error())
		s.Metadata.Set(MetaErrorKind, string(cause.Kind))
	})
	lg.Error("installer failed, rolling back",
		"exitCode", pr.ExitCode,
		"stderr", tail(pr.Stderr, 512),
		logging.KeyError, cause.Error(),
	)
	o.report(health.ComponentInstaller, cause)
	o.deps.Audit.Log(audit.EventInstallCompleted, snap.AttemptID, map[string]any{
		"version":  pkg.Version.String(),
		"success":  false,
		"exitCode": pr.ExitCode,
		"error":    cause.Error(),
	})
	return o.rollback(context.WithoutCancel(ctx), cause)
}

func (o *Orchestrator) installed(ctx context.Context, cfg *config.Config, pkg release.Package, pr installer.ProcessResult) Session {
	now := o.deps.Now()
	snap := o.update(ctx, func(s *Session) {
		s.State = StateRestartRequired
		s.Message = fmt.Sprintf("installed %s; restart required", pkg.Version)
		s.CurrentVersion = pkg.Version
		s.LastSuccessfulUpdateAt = &now
		s.Metadata.Set(MetaInstallerExitCode, strconv.Itoa(pr.ExitCode))
	})
	o.report(health.ComponentInstaller, nil)
	log.Info("update installed",
		logging.KeyAttemptID, snap.AttemptID,
		logging.KeyVersion, pkg.Version.String(),
		logging.KeyDurationMs, pr.Duration.Milliseconds(),
	)
	o.deps.Audit.Log(audit.EventInstallCompleted, snap.AttemptID, map[string]any{
		"version":  pkg.Version.String(),
		"success":  true,
		"exitCode": pr.ExitCode,
	})
	if cfg.RestartAfterInstall {
		return o.restartService(ctx, cfg.ServiceName)
	}
	return snap
}

// restartService restarts the agent after a successful install. Failure is
// recorded in the message; the install itself stands.
func (o *Orchestrator) restartService(ctx context.Context, name string) Session {
	err := o.deps.Restart(name)
	details := map[string]any{"service": name}
	if err != nil {
		details["error"] = err.Error()
	}
	snap := o.update(ctx, func(s *Session) {
		if err != nil {
			s.Message += fmt.Sprintf("; restarting %s failed: %v", name, err)
		} else {
			s.Message = fmt.Sprintf("installed %s; %s restarted", s.CurrentVersion, name)
		}
	})
	o.deps.Audit.Log(audit.EventServiceRestart, snap.AttemptID, details)
	if err != nil {
		log.Warn("service restart failed", "service", name, logging.KeyError, err.Error())
	} else {
		log.Info("service restarted", "service", name)
	}
	return snap
}

// installerNotStarted reports whether err was raised before any installer
// process ran, in which case there is nothing to roll back.
func installerNotStarted(err error) bool {
	return errors.Is(err, installer.ErrNotStarted) ||
		errors.Is(err, installer.ErrStartFailed) ||
		errors.Is(err, installer.ErrInstallerBusy) ||
		errors.Is(err, installer.ErrUnsupported) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RollbackUpdate restores the snapshot recorded in the session's backupPath
// and resets the current version to the one the snapshot was taken from.
func (o *Orchestrator) RollbackUpdate(ctx context.Context) Session {
	if !o.begin() {
		return o.rejectBusy("rollback")
	}
	defer o.end()
	return o.rollback(ctx, nil)
}

func (o *Orchestrator) rollback(ctx context.Context, cause *Error) Session {
	path := o.Status().Metadata.Value(MetaBackupPath)
	if path == "" {
		return o.fail(ctx, newError(KindRollback, "", errors.New("backup path not found")))
	}

	snap := o.update(ctx, func(s *Session) {
		s.State = StateRollingBack
		s.Message = fmt.Sprintf("restoring %s", path)
	})
	o.deps.Audit.Log(audit.EventRollbackStarted, snap.AttemptID, map[string]any{"path": path})

	res := o.safeRestore(ctx, path)
	if res.Success {
		snap = o.update(ctx, func(s *Session) {
			s.State = StateRolledBack
			if v, err := semver.Parse(s.Metadata.Value(MetaBackupVersion)); err == nil {
				s.CurrentVersion = v
			}
			s.Message = fmt.Sprintf("rolled back to %s", s.CurrentVersion)
			if cause != nil {
				s.Message += " after: " + cause.Error()
			}
		})
		log.Info("rollback complete", logging.KeyAttemptID, snap.AttemptID, "restored", res.FilesRestored, "removed", res.FilesRemoved)
		o.deps.Audit.Log(audit.EventRollbackCompleted, snap.AttemptID, map[string]any{
			"path":          path,
			"success":       true,
			"filesRestored": res.FilesRestored,
			"filesRemoved":  res.FilesRemoved,
		})
		return snap
	}

	err := resultErr(res.Err, res.ErrorMessage, "restore failed")
	if o.deps.Health != nil {
		o.deps.Health.Update(health.ComponentInstaller, health.Unhealthy, "rollback failed, manual intervention required: "+err.Error())
	}
	o.deps.Audit.Log(audit.EventRollbackCompleted, snap.AttemptID, map[string]any{
		"path":    path,
		"success": false,
		"error":   err.Error(),
	})
	return o.fail(ctx, newError(KindRollback, "rollback", err), func(s *Session) {
		s.Metadata.Set(MetaRollbackError, err.Error())
		s.Metadata.Set(MetaManualInterventionRequired, "true")
	})
}

func (o *Orchestrator) safeRestore(ctx context.Context, path string) (res backup.RestoreResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("restore panicked: %v", r)
			res = backup.RestoreResult{Err: err, ErrorMessage: err.Error()}
		}
	}()
	return o.deps.Backups.RestoreBackup(ctx, path)
}

// StartUpdateProcess runs one scheduled pass: check, then download and
// install when the release's flags, auto_update and the maintenance window
// allow it. It does nothing while another workflow is running.
func (o *Orchestrator) StartUpdateProcess(ctx context.Context) Session {
	cfg, _, _ := o.settings()
	if !cfg.Enabled {
		log.Debug("updates disabled, skipping scheduled pass")
		return o.Status()
	}
	if !o.begin() {
		return o.rejectBusy("scheduled update")
	}
	defer o.end()

	snap := o.check(ctx)
	if snap.State != StateUpdateAvailable || snap.PackageInfo == nil {
		return snap
	}
	pkg := *snap.PackageInfo

	if ok, reason := o.shouldInstall(pkg); !ok {
		log.Info("update deferred", logging.KeyVersion, pkg.Version.String(), "reason", reason)
		return o.update(ctx, func(s *Session) { s.Message = reason })
	}

	snap = o.download(ctx, pkg)
	if snap.State != StateDownloaded {
		return snap
	}
	return o.install(ctx, pkg, snap.Metadata.Value(MetaDownloadPath))
}

// shouldInstall applies precedence: critical, then required, then
// auto_update, then the maintenance window.
func (o *Orchestrator) shouldInstall(pkg release.Package) (bool, string) {
	cfg, policy, _ := o.settings()
	now := o.deps.Now()
	switch {
	case pkg.IsCritical:
		return true, ""
	case pkg.IsRequired:
		return true, ""
	case !cfg.AutoUpdate:
		return false, fmt.Sprintf("update %s available; automatic updates are disabled", pkg.Version)
	case !policy.Permits(now, pkg):
		return false, fmt.Sprintf("update %s waiting for maintenance window %s (next opening %s)",
			pkg.Version, policy, policy.NextOpening(now).Format(time.RFC3339))
	}
	return true, ""
}

func resultErr(err error, msg, fallback string) error {
	if err != nil {
		return err
	}
	if msg != "" {
		return errors.New(msg)
	}
	return errors.New(fallback)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
