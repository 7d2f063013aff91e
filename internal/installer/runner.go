package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("installer")

const (
	// DefaultTimeout bounds a single installer run.
	DefaultTimeout = 30 * time.Minute
	// DefaultBusyWait is how long to wait for a foreign installer to exit.
	DefaultBusyWait = 5 * time.Minute
)

var (
	// ErrNotStarted wraps every error raised before an installer process
	// exists. Nothing on disk has been touched when it is returned.
	ErrNotStarted = errors.New("installer not started")
	// ErrStartFailed wraps failures to launch the installer process.
	ErrStartFailed = errors.New("failed to start installer")
	// ErrTimeout is returned when the installer exceeds its time budget. The
	// process group is killed.
	ErrTimeout = errors.New("installer timed out")
)

// ProcessResult describes a finished installer process.
type ProcessResult struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Command  string
}

// Runner executes installer commands.
type Runner struct {
	Timeout  time.Duration
	BusyWait time.Duration
	// Manager picks the Linux uninstall/repair tool. ManagerAuto probes PATH.
	Manager PackageManager

	goos     string
	poll     time.Duration
	busy     func(context.Context) ([]string, error)
	lookPath func(string) (string, error)
}

// NewRunner creates a Runner for the current platform.
func NewRunner(timeout, busyWait time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		Timeout:  timeout,
		BusyWait: busyWait,
		goos:     runtime.GOOS,
		poll:     2 * time.Second,
		busy:     runningInstallers,
		lookPath: exec.LookPath,
	}
}

// RunSilentInstall installs the package at packagePath without UI.
func (r *Runner) RunSilentInstall(ctx context.Context, packagePath string, extraArgs ...string) (ProcessResult, error) {
	if _, err := os.Stat(packagePath); err != nil {
		return ProcessResult{ExitCode: -1}, notStarted(fmt.Errorf("installer package: %w", err))
	}
	c, err := PlanInstall(r.goos, packagePath, extraArgs...)
	if err != nil {
		return ProcessResult{ExitCode: -1}, notStarted(err)
	}
	return r.Run(ctx, c)
}

// RunSilentUninstall removes productID without UI.
func (r *Runner) RunSilentUninstall(ctx context.Context, productID string, extraArgs ...string) (ProcessResult, error) {
	c, err := PlanUninstall(r.goos, r.packageManager(), productID, extraArgs...)
	if err != nil {
		return ProcessResult{ExitCode: -1}, notStarted(err)
	}
	return r.Run(ctx, c)
}

// RunRepair reinstalls productID in place without UI.
func (r *Runner) RunRepair(ctx context.Context, productID string, extraArgs ...string) (ProcessResult, error) {
	c, err := PlanRepair(r.goos, r.packageManager(), productID, extraArgs...)
	if err != nil {
		return ProcessResult{ExitCode: -1}, notStarted(err)
	}
	return r.Run(ctx, c)
}

func (r *Runner) packageManager() PackageManager {
	if r.Manager != ManagerAuto || r.goos != "linux" {
		return r.Manager
	}
	if _, err := r.lookPath("dpkg"); err == nil {
		return ManagerDpkg
	}
	if _, err := r.lookPath("rpm"); err == nil {
		return ManagerRPM
	}
	return ManagerAuto
}

func notStarted(err error) error {
	return fmt.Errorf("%w: %w", ErrNotStarted, err)
}

// Run executes c. Cancellation of ctx is honored only until the process
// starts; afterwards the installer runs to completion, bounded by Timeout.
// A non-zero exit is reported through ProcessResult, not as an error.
func (r *Runner) Run(ctx context.Context, c Command) (ProcessResult, error) {
	res := ProcessResult{ExitCode: -1, Command: c.String()}

	if err := ctx.Err(); err != nil {
		return res, notStarted(err)
	}
	if err := r.waitForIdle(ctx); err != nil {
		return res, notStarted(err)
	}
	if err := ctx.Err(); err != nil {
		return res, notStarted(err)
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	stdout := newLimitedWriter(MaxOutputSize)
	stderr := newLimitedWriter(MaxOutputSize)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		log.Error("installer failed to start", "command", res.Command, logging.KeyError, err)
		return res, notStarted(fmt.Errorf("%w: %s: %w", ErrStartFailed, c.Name, err))
	}
	log.Info("installer started", "command", res.Command, "pid", cmd.Process.Pid, "timeout", r.Timeout)

	err := cmd.Wait()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			log.Error("installer timed out", "command", res.Command, "timeout", r.Timeout)
			return res, fmt.Errorf("%w after %s", ErrTimeout, r.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			log.Warn("installer exited with failure",
				"command", res.Command,
				"exitCode", res.ExitCode,
				"stderrTruncated", stderr.Truncated(),
				logging.KeyDurationMs, res.Duration.Milliseconds(),
			)
			return res, nil
		}
		log.Error("installer failed", "command", res.Command, logging.KeyError, err)
		return res, fmt.Errorf("installer %s: %w", c.Name, err)
	}

	res.ExitCode = 0
	res.Success = true
	log.Info("installer completed successfully",
		"command", res.Command,
		logging.KeyDurationMs, res.Duration.Milliseconds(),
	)
	return res, nil
}
