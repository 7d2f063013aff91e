package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/updater/internal/backup"
	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/downloader"
	"github.com/breeze-rmm/updater/internal/health"
	"github.com/breeze-rmm/updater/internal/installer"
	"github.com/breeze-rmm/updater/internal/release"
	"github.com/breeze-rmm/updater/internal/semver"
	"github.com/breeze-rmm/updater/internal/state"
	"github.com/breeze-rmm/updater/pkg/api"
)

var payload = []byte("breeze agent installer 2.0.0")

func payloadChecksum() string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

type fakeChecker struct {
	mu    sync.Mutex
	pkg   *release.Package
	err   error
	calls int
	block chan struct{}
}

func (f *fakeChecker) CheckForUpdate(ctx context.Context, req api.CheckRequest) (*release.Package, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.pkg == nil {
		return nil, nil
	}
	p := f.pkg.Clone()
	return &p, nil
}

type fakeDownloader struct {
	err   error
	calls int
}

func (f *fakeDownloader) Download(ctx context.Context, pkg release.Package, destDir string) downloader.Result {
	f.calls++
	if f.err != nil {
		return downloader.Result{Err: f.err, ErrorMessage: f.err.Error(), Attempts: 3}
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return downloader.Result{Err: err}
	}
	path := filepath.Join(destDir, pkg.FileName())
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return downloader.Result{Err: err}
	}
	return downloader.Result{
		Success:       true,
		FilePath:      path,
		FileSizeBytes: int64(len(payload)),
		Checksum:      pkg.Checksum,
		Attempts:      1,
	}
}

type fakeVerifier struct {
	err   error
	calls int
}

func (f *fakeVerifier) Verify(ctx context.Context, path string, sig *release.Signature, trusted []string) error {
	f.calls++
	return f.err
}

type fakeBackups struct {
	createErr  error
	restoreErr error
	created    int
	restored   []string
	pruned     int
}

func (f *fakeBackups) CreateBackup(ctx context.Context, installPath, version string) backup.Result {
	f.created++
	if f.createErr != nil {
		return backup.Result{Err: f.createErr, ErrorMessage: f.createErr.Error()}
	}
	path := filepath.Join("/backups", "breeze-agent-"+version)
	return backup.Result{Success: true, BackupPath: path, Record: backup.Record{Version: version, Path: path, FileCount: 2}}
}

func (f *fakeBackups) RestoreBackup(ctx context.Context, path string) backup.RestoreResult {
	f.restored = append(f.restored, path)
	if f.restoreErr != nil {
		return backup.RestoreResult{Err: f.restoreErr, ErrorMessage: f.restoreErr.Error()}
	}
	return backup.RestoreResult{Success: true, FilesRestored: 2}
}

func (f *fakeBackups) Prune(ctx context.Context, maxAge time.Duration, keep ...string) (int, error) {
	f.pruned++
	return 0, nil
}

type fakeInstaller struct {
	result installer.ProcessResult
	err    error
	calls  int
}

func (f *fakeInstaller) RunSilentInstall(ctx context.Context, path string, extra ...string) (installer.ProcessResult, error) {
	f.calls++
	return f.result, f.err
}

type memStore struct {
	mu      sync.Mutex
	data    []byte
	history []state.HistoryEntry
}

func (m *memStore) SaveSession(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *memStore) LoadSession(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, state.ErrNoSession
	}
	return m.data, nil
}

func (m *memStore) AppendHistory(ctx context.Context, e state.HistoryEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, e)
	return int64(len(m.history)), nil
}

func (m *memStore) PruneHistory(ctx context.Context, keep int) (int64, error) {
	return 0, nil
}

type harness struct {
	cfg        *config.Config
	checker    *fakeChecker
	downloader *fakeDownloader
	verifier   *fakeVerifier
	backups    *fakeBackups
	installer  *fakeInstaller
	store      *memStore
	health     *health.Monitor
	restarts   []string
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.CurrentVersion = "1.0.0"
	cfg.DownloadPath = filepath.Join(t.TempDir(), "downloads")
	cfg.InstallPath = t.TempDir()
	cfg.VerifySignatures = false
	cfg.RestartAfterInstall = false

	return &harness{
		cfg: cfg,
		checker: &fakeChecker{pkg: &release.Package{
			Version:           semver.MustParse("2.0.0"),
			DownloadURL:       "https://updates.example.com/breeze-agent-2.0.0.msi",
			Checksum:          payloadChecksum(),
			ChecksumAlgorithm: release.SHA256,
			SizeBytes:         int64(len(payload)),
		}},
		downloader: &fakeDownloader{},
		verifier:   &fakeVerifier{},
		backups:    &fakeBackups{},
		installer:  &fakeInstaller{result: installer.ProcessResult{Success: true}},
		store:      &memStore{},
		health:     health.NewMonitor(),
		// Sunday noon.
		now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Checker:    h.checker,
		Downloader: h.downloader,
		Verifier:   h.verifier,
		Backups:    h.backups,
		Installer:  h.installer,
		Store:      h.store,
		Health:     h.health,
		Restart: func(name string) error {
			h.restarts = append(h.restarts, name)
			return nil
		},
		CheckRequest: func(ctx context.Context, current, channel string) api.CheckRequest {
			return api.CheckRequest{CurrentVersion: current, Channel: channel, Platform: "windows", Arch: "amd64"}
		},
		Now: func() time.Time { return h.now },
	}
}

func (h *harness) build(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(context.Background(), h.cfg, h.deps())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestStartUpdateProcessHappyPath(t *testing.T) {
	h := newHarness(t)
	h.cfg.RestartAfterInstall = true
	o := h.build(t)

	s := o.StartUpdateProcess(context.Background())
	if s.State != StateRestartRequired {
		t.Fatalf("expected RestartRequired, got %s (%s)", s.State, s.Message)
	}
	if s.CurrentVersion.String() != "2.0.0" {
		t.Fatalf("expected current version 2.0.0, got %s", s.CurrentVersion)
	}
	if s.LastSuccessfulUpdateAt == nil || !s.LastSuccessfulUpdateAt.Equal(h.now) {
		t.Fatalf("expected lastSuccessfulUpdateAt to be set, got %v", s.LastSuccessfulUpdateAt)
	}
	if s.Metadata.Value(MetaBackupPath) == "" {
		t.Fatal("expected backupPath metadata")
	}
	if s.Metadata.Value(MetaDownloadPath) == "" {
		t.Fatal("expected downloadPath metadata")
	}
	if h.installer.calls != 1 || h.backups.created != 1 {
		t.Fatalf("expected one install and one backup, got %d and %d", h.installer.calls, h.backups.created)
	}
	if len(h.restarts) != 1 || h.restarts[0] != h.cfg.ServiceName {
		t.Fatalf("expected one restart of %s, got %v", h.cfg.ServiceName, h.restarts)
	}
	if len(h.store.history) != 1 || h.store.history[0].Outcome != string(StateRestartRequired) {
		t.Fatalf("expected one RestartRequired history row, got %+v", h.store.history)
	}
	if h.store.history[0].FromVersion != "1.0.0" || h.store.history[0].ToVersion != "2.0.0" {
		t.Fatalf("unexpected history versions: %+v", h.store.history[0])
	}
	if o.InProgress() {
		t.Fatal("in-progress flag should be cleared")
	}
}

func TestStartUpdateProcessNoUpdate(t *testing.T) {
	h := newHarness(t)
	h.checker.pkg = nil
	o := h.build(t)

	s := o.StartUpdateProcess(context.Background())
	if s.State != StateNone {
		t.Fatalf("expected None, got %s", s.State)
	}
	if h.downloader.calls != 0 {
		t.Fatal("downloader should not be called")
	}
	if !s.LastCheckedAt.Equal(h.now) {
		t.Fatalf("expected lastCheckedAt %v, got %v", h.now, s.LastCheckedAt)
	}
}

func TestCheckIgnoresOlderOrEqualVersion(t *testing.T) {
	h := newHarness(t)
	h.checker.pkg.Version = semver.MustParse("1.0.0")
	h.checker.pkg.IsCritical = true
	o := h.build(t)

	s := o.CheckForUpdate(context.Background())
	if s.State != StateNone {
		t.Fatalf("critical but not newer must not be offered, got %s", s.State)
	}
	if s.PackageInfo != nil {
		t.Fatal("packageInfo should be cleared")
	}
}

func TestCheckFailureIsNetworkError(t *testing.T) {
	h := newHarness(t)
	h.checker.err = errors.New("connection refused")
	o := h.build(t)

	s := o.CheckForUpdate(context.Background())
	if s.State != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State)
	}
	if s.Metadata.Value(MetaErrorKind) != string(KindNetwork) {
		t.Fatalf("expected Network kind, got %q", s.Metadata.Value(MetaErrorKind))
	}
	if c, _ := h.health.Get(health.ComponentAPI); c.Status != health.Degraded {
		t.Fatalf("expected api degraded, got %s", c.Status)
	}
}

func TestChecksumMismatchFailsBeforeBackup(t *testing.T) {
	h := newHarness(t)
	h.checker.pkg.Checksum = strings.Repeat("0", 64)
	o := h.build(t)

	s := o.StartUpdateProcess(context.Background())
	if s.State != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State)
	}
	if s.Metadata.Value(MetaErrorKind) != string(KindIntegrity) {
		t.Fatalf("expected Integrity kind, got %q", s.Metadata.Value(MetaErrorKind))
	}
	if h.backups.created != 0 || h.installer.calls != 0 {
		t.Fatal("backup and installer must not run after a checksum mismatch")
	}
}

func TestInstallerFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.installer.result = installer.ProcessResult{Success: false, ExitCode: 1603}
	o := h.build(t)

	s := o.StartUpdateProcess(context.Background())
	if s.State != StateRolledBack {
		t.Fatalf("expected RolledBack, got %s (%s)", s.State, s.Message)
	}
	if s.CurrentVersion.String() != "1.0.0" {
		t.Fatalf("current version must not change, got %s", s.CurrentVersion)
	}
	if s.Metadata.Value(MetaInstallerExitCode) != "1603" {
		t.Fatalf("expected exit code 1603, got %q", s.Metadata.Value(MetaInstallerExitCode))
	}
	if len(h.backups.restored) != 1 || h.backups.restored[0] != s.Metadata.Value(MetaBackupPath) {
		t.Fatalf("expected restore of backup path, got %v", h.backups.restored)
	}
	if n := len(h.store.history); n != 1 || h.store.history[0].Outcome != string(StateRolledBack) {
		t.Fatalf("expected one RolledBack history row, got %+v", h.store.history)
	}
}

func TestInstallerFailureWithoutBackup(t *testing.T) {
	h := newHarness(t)
	h.cfg.BackupEnabled = false
	h.installer.err = installer.ErrTimeout
	o := h.build(t)

	s := o.StartUpdateProcess(context.Background())
	if s.State != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State)
	}
	if s.Message != "backup path not found" {
		t.Fatalf("unexpected message %q", s.Message)
	}
	if len(h.backups.restored) != 0 {
		t.Fatal("restore must not be attempted without a backup")
	}
}

func TestInstallerThatNeverStartedSkipsRollback(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"busy", fmt.Errorf("%w: %w", installer.ErrNotStarted, installer.ErrInstallerBusy), KindInstallation},
		{"bare busy", installer.ErrInstallerBusy, KindInstallation},
		{"unsupported", installer.ErrUnsupported, KindInstallation},
		{"launch", installer.ErrStartFailed, KindInstallation},
		{"deadline", context.DeadlineExceeded, KindCancelled},
		{"cancelled", context.Canceled, KindCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.installer.err = tt.err
			o := h.build(t)

			s := o.StartUpdateProcess(context.Background())
			if s.State != StateFailed {
				t.Fatalf("expected Failed, got %s (%s)", s.State, s.Message)
			}
			if s.Metadata.Value(MetaErrorKind) != string(tt.kind) {
				t.Fatalf("expected %s kind, got %q", tt.kind, s.Metadata.Value(MetaErrorKind))
			}
			if len(h.backups.restored) != 0 {
				t.Fatalf("restore must not run when the installer never started, got %v", h.backups.restored)
			}
			if s.CurrentVersion.String() != "1.0.0" {
				t.Fatalf("current version must not change, got %s", s.CurrentVersion)
			}
			if s.Metadata.Value(MetaManualInterventionRequired) != "" {
				t.Fatal("manualInterventionRequired must not be set")
			}
		})
	}
}

func TestRollbackUpdateRestoresPreviousVersion(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)

	s := o.StartUpdateProcess(context.Background())
	if s.State != StateRestartRequired || s.CurrentVersion.String() != "2.0.0" {
		t.Fatalf("expected RestartRequired at 2.0.0, got %s at %s", s.State, s.CurrentVersion)
	}
	if s.Metadata.Value(MetaBackupVersion) != "1.0.0" {
		t.Fatalf("expected backupVersion 1.0.0, got %q", s.Metadata.Value(MetaBackupVersion))
	}

	s = o.RollbackUpdate(context.Background())
	if s.State != StateRolledBack {
		t.Fatalf("expected RolledBack, got %s (%s)", s.State, s.Message)
	}
	if s.CurrentVersion.String() != "1.0.0" {
		t.Fatalf("expected current version 1.0.0 after rollback, got %s", s.CurrentVersion)
	}
	if s.Message != "rolled back to 1.0.0" {
		t.Fatalf("unexpected message %q", s.Message)
	}
	if len(h.backups.restored) != 1 {
		t.Fatalf("expected one restore, got %v", h.backups.restored)
	}
	if got := o.Status().CurrentVersion.String(); got != "1.0.0" {
		t.Fatalf("status reports %s after rollback", got)
	}

	reopened := h.build(t)
	if got := reopened.Status().CurrentVersion.String(); got != "1.0.0" {
		t.Fatalf("restored session reports %s after rollback", got)
	}
}

func TestRollbackUpdateWithoutBackupPath(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)

	s := o.RollbackUpdate(context.Background())
	if s.State != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State)
	}
	if !strings.Contains(s.Message, "backup path not found") {
		t.Fatalf("unexpected message %q", s.Message)
	}
	if s.Metadata.Value(MetaErrorKind) != string(KindRollback) {
		t.Fatalf("expected Rollback kind, got %q", s.Metadata.Value(MetaErrorKind))
	}
	if len(h.backups.restored) != 0 {
		t.Fatal("restore must not be attempted without a backup")
	}
	if s.CurrentVersion.String() != "1.0.0" {
		t.Fatalf("current version must not change, got %s", s.CurrentVersion)
	}
	if o.InProgress() {
		t.Fatal("in-progress flag should be cleared")
	}
}

func TestRollbackFailureNeedsManualIntervention(t *testing.T) {
	h := newHarness(t)
	h.installer.result = installer.ProcessResult{ExitCode: 1}
	h.backups.restoreErr = errors.New("disk full")
	o := h.build(t)

	s := o.StartUpdateProcess(context.Background())
	if s.State != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State)
	}
	if s.Metadata.Value(MetaManualInterventionRequired) != "true" {
		t.Fatal("expected manualInterventionRequired")
	}
	if s.Metadata.Value(MetaRollbackError) != "disk full" {
		t.Fatalf("unexpected rollbackError %q", s.Metadata.Value(MetaRollbackError))
	}
	if s.Metadata.Value(MetaErrorKind) != string(KindRollback) {
		t.Fatalf("expected Rollback kind, got %q", s.Metadata.Value(MetaErrorKind))
	}
	if c, _ := h.health.Get(health.ComponentInstaller); c.Status != health.Unhealthy {
		t.Fatalf("expected installer unhealthy, got %s", c.Status)
	}
}

func TestSignatureRejected(t *testing.T) {
	h := newHarness(t)
	h.cfg.VerifySignatures = true
	h.checker.pkg.Signature = &release.Signature{Publisher: "Mallory"}
	h.verifier.err = errors.New("untrusted publisher")
	o := h.build(t)

	s := o.StartUpdateProcess(context.Background())
	if s.State != StateFailed || s.Metadata.Value(MetaErrorKind) != string(KindIntegrity) {
		t.Fatalf("expected Integrity failure, got %s/%s", s.State, s.Metadata.Value(MetaErrorKind))
	}
	if h.installer.calls != 0 {
		t.Fatal("installer must not run")
	}
}

func TestUnsignedPackageSkipsVerification(t *testing.T) {
	h := newHarness(t)
	h.cfg.VerifySignatures = true
	o := h.build(t)

	s := o.StartUpdateProcess(context.Background())
	if s.State != StateRestartRequired {
		t.Fatalf("expected RestartRequired, got %s", s.State)
	}
	if h.verifier.calls != 0 {
		t.Fatal("verifier should not be called without a signature")
	}
}

func TestDownloadFailureRecordsAttempts(t *testing.T) {
	h := newHarness(t)
	h.downloader.err = downloader.ErrInsufficientDiskSpace
	o := h.build(t)

	s := o.StartUpdateProcess(context.Background())
	if s.State != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State)
	}
	if s.Metadata.Value(MetaErrorKind) != string(KindDiskSpace) {
		t.Fatalf("expected DiskSpace, got %q", s.Metadata.Value(MetaErrorKind))
	}
	if s.Metadata.Value(MetaDownloadAttempts) != "3" {
		t.Fatalf("expected 3 attempts, got %q", s.Metadata.Value(MetaDownloadAttempts))
	}
}

func TestPrecedence(t *testing.T) {
	outside := func(c *config.Config) {
		c.MaintenanceWindow.Start = "02:00"
		c.MaintenanceWindow.End = "04:00"
	}
	tests := []struct {
		name     string
		setup    func(h *harness)
		want     State
		installs bool
	}{
		{
			name:     "window closed defers",
			setup:    func(h *harness) { outside(h.cfg) },
			want:     StateUpdateAvailable,
			installs: false,
		},
		{
			name: "allow outside window",
			setup: func(h *harness) {
				outside(h.cfg)
				h.cfg.MaintenanceWindow.AllowOutsideWindow = true
			},
			want:     StateRestartRequired,
			installs: true,
		},
		{
			name:     "auto update disabled",
			setup:    func(h *harness) { h.cfg.AutoUpdate = false },
			want:     StateUpdateAvailable,
			installs: false,
		},
		{
			name: "required bypasses auto update and window",
			setup: func(h *harness) {
				h.cfg.AutoUpdate = false
				outside(h.cfg)
				h.checker.pkg.IsRequired = true
			},
			want:     StateRestartRequired,
			installs: true,
		},
		{
			name: "below minimum version is required",
			setup: func(h *harness) {
				outside(h.cfg)
				minimum := semver.MustParse("1.5.0")
				h.checker.pkg.MinimumVersion = &minimum
			},
			want:     StateRestartRequired,
			installs: true,
		},
		{
			name: "required honors exclusions",
			setup: func(h *harness) {
				h.checker.pkg.IsRequired = true
				h.cfg.ExcludedVersions = []string{"2.0.0"}
			},
			want:     StateNone,
			installs: false,
		},
		{
			name: "critical bypasses exclusions",
			setup: func(h *harness) {
				h.cfg.AutoUpdate = false
				outside(h.cfg)
				h.cfg.ExcludedVersions = []string{"2.0.0"}
				h.checker.pkg.IsCritical = true
			},
			want:     StateRestartRequired,
			installs: true,
		},
		{
			name: "prerelease skipped",
			setup: func(h *harness) {
				h.checker.pkg.Version = semver.MustParse("2.0.0-beta.1")
			},
			want:     StateNone,
			installs: false,
		},
		{
			name: "prerelease allowed",
			setup: func(h *harness) {
				h.cfg.IncludePrerelease = true
				h.checker.pkg.Version = semver.MustParse("2.0.0-beta.1")
			},
			want:     StateRestartRequired,
			installs: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			o := h.build(t)

			s := o.StartUpdateProcess(context.Background())
			if s.State != tt.want {
				t.Fatalf("expected %s, got %s (%s)", tt.want, s.State, s.Message)
			}
			if got := h.installer.calls > 0; got != tt.installs {
				t.Fatalf("installs = %v, want %v", got, tt.installs)
			}
		})
	}
}

func TestCriticalPriorityMetadata(t *testing.T) {
	h := newHarness(t)
	h.checker.pkg.Version = semver.MustParse("1.0.1")
	h.checker.pkg.IsCritical = true
	o := h.build(t)

	s := o.CheckForUpdate(context.Background())
	if s.State != StateUpdateAvailable {
		t.Fatalf("expected UpdateAvailable, got %s", s.State)
	}
	if s.Metadata.Value(MetaPriority) != "critical" {
		t.Fatalf("expected critical priority, got %q", s.Metadata.Value(MetaPriority))
	}
}

func TestConcurrentRequestIsRejected(t *testing.T) {
	h := newHarness(t)
	h.checker.block = make(chan struct{})
	o := h.build(t)

	done := make(chan Session)
	go func() { done <- o.CheckForUpdate(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for !o.InProgress() {
		if time.Now().After(deadline) {
			t.Fatal("first check never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	o.StartUpdateProcess(context.Background())
	o.RollbackUpdate(context.Background())

	close(h.checker.block)
	<-done

	h.checker.mu.Lock()
	calls := h.checker.calls
	h.checker.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one check while busy, got %d", calls)
	}
	if len(h.backups.restored) != 0 {
		t.Fatal("rollback should have been refused")
	}
}

func TestStatusReturnsCopy(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)
	o.CheckForUpdate(context.Background())

	s := o.Status()
	s.Metadata.Set(MetaPriority, "tampered")
	s.PackageInfo.Checksum = "tampered"

	again := o.Status()
	if again.Metadata.Value(MetaPriority) == "tampered" || again.PackageInfo.Checksum == "tampered" {
		t.Fatal("Status must return a deep copy")
	}
}

func TestDisabledSkipsScheduledPass(t *testing.T) {
	h := newHarness(t)
	h.cfg.Enabled = false
	o := h.build(t)

	o.StartUpdateProcess(context.Background())
	if h.checker.calls != 0 {
		t.Fatal("disabled updater must not check")
	}
}

func TestRestoresInterruptedSession(t *testing.T) {
	h := newHarness(t)
	prev := Session{
		State:          StateInstalling,
		AttemptID:      "attempt-1",
		CurrentVersion: semver.MustParse("1.0.0"),
	}
	prev.Metadata.Set(MetaBackupPath, "/backups/breeze-agent-1.0.0")
	data, err := json.Marshal(prev)
	if err != nil {
		t.Fatal(err)
	}
	h.store.data = data

	o := h.build(t)
	s := o.Status()
	if s.State != StateFailed {
		t.Fatalf("expected Failed, got %s", s.State)
	}
	if !strings.Contains(s.Message, "interrupted") {
		t.Fatalf("expected interrupted message, got %q", s.Message)
	}
	if s.Metadata.Value(MetaBackupPath) != "/backups/breeze-agent-1.0.0" {
		t.Fatal("metadata from the interrupted attempt should be kept")
	}
	if len(h.store.history) != 1 || h.store.history[0].AttemptID != "attempt-1" {
		t.Fatalf("expected a history row for the interrupted attempt, got %+v", h.store.history)
	}

	// The preserved backup path makes a manual rollback possible.
	s = o.RollbackUpdate(context.Background())
	if s.State != StateRolledBack {
		t.Fatalf("expected RolledBack, got %s (%s)", s.State, s.Message)
	}
}

func TestPersistedVersionWinsWhenNewer(t *testing.T) {
	h := newHarness(t)
	data, _ := json.Marshal(Session{State: StateRestartRequired, CurrentVersion: semver.MustParse("1.4.0")})
	h.store.data = data

	if got := h.build(t).Status().CurrentVersion.String(); got != "1.4.0" {
		t.Fatalf("expected 1.4.0, got %s", got)
	}

	h.cfg.CurrentVersion = "1.6.0"
	if got := h.build(t).Status().CurrentVersion.String(); got != "1.6.0" {
		t.Fatalf("expected 1.6.0, got %s", got)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	store, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	deps := h.deps()
	deps.Store = store
	o, err := New(context.Background(), h.cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.StartUpdateProcess(context.Background())

	restored, err := New(context.Background(), h.cfg, deps)
	if err != nil {
		t.Fatalf("New after update: %v", err)
	}
	s := restored.Status()
	if s.State != StateRestartRequired || s.CurrentVersion.String() != "2.0.0" {
		t.Fatalf("unexpected restored session %s %s", s.State, s.CurrentVersion)
	}
	wantKeys := []string{MetaPriority, MetaDownloadPath, MetaDownloadChecksum, MetaDownloadAttempts, MetaBackupPath, MetaInstallerExitCode}
	if got := strings.Join(s.Metadata.Keys(), ","); got != strings.Join(wantKeys, ",") {
		t.Fatalf("metadata order not preserved: %s", got)
	}

	rows, err := store.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].Outcome != string(StateRestartRequired) {
		t.Fatalf("unexpected history %+v", rows)
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)
	ch, cancel := o.Subscribe()

	o.CheckForUpdate(context.Background())
	cancel()

	var states []State
	for s := range ch {
		states = append(states, s.State)
	}
	if len(states) != 2 || states[0] != StateCheckingForUpdate || states[1] != StateUpdateAvailable {
		t.Fatalf("unexpected transitions %v", states)
	}
	cancel()
}

func TestCleanupKeepsCurrentDownload(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)
	s := o.StartUpdateProcess(context.Background())
	current := s.Metadata.Value(MetaDownloadPath)

	stale := filepath.Join(h.cfg.DownloadPath, "breeze-agent-1.0.0.msi")
	if err := os.WriteFile(stale, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-30 * 24 * time.Hour)
	for _, p := range []string{stale, current} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}

	res, err := o.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.DownloadsRemoved != 1 {
		t.Fatalf("expected 1 download removed, got %d", res.DownloadsRemoved)
	}
	if _, err := os.Stat(current); err != nil {
		t.Fatalf("current download should be kept: %v", err)
	}
	if h.backups.pruned != 1 {
		t.Fatal("expected backups to be pruned")
	}
}

func TestNewRequiresVersion(t *testing.T) {
	h := newHarness(t)
	h.cfg.CurrentVersion = ""
	if _, err := New(context.Background(), h.cfg, h.deps()); err == nil {
		t.Fatal("expected error without a current version")
	}
}

func TestApplyConfigRejectsBadWindow(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)

	bad := *h.cfg
	bad.MaintenanceWindow.Start = "25:00"
	bad.MaintenanceWindow.End = "03:00"
	if err := o.ApplyConfig(&bad); err == nil {
		t.Fatal("expected invalid window to be rejected")
	}

	good := *h.cfg
	good.AutoUpdate = false
	if err := o.ApplyConfig(&good); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if s := o.StartUpdateProcess(context.Background()); s.State != StateUpdateAvailable {
		t.Fatalf("expected reloaded auto_update=false to defer, got %s", s.State)
	}
}
