package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/updater/internal/audit"
	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/installer"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/state"
	"github.com/breeze-rmm/updater/internal/statusserver"
	"github.com/breeze-rmm/updater/internal/updater"
	"github.com/breeze-rmm/updater/internal/websocket"
)

var (
	installFile  string
	watchStatus  bool
	historyLimit int
	extraArgs    []string
)

var errServiceRunning = errors.New("the updater service is running; use 'breeze-updater update' or stop the service first")

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the update API for a newer release",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(),
			func(ctx context.Context, c *statusserver.Client) error {
				resp, err := c.Check(ctx)
				if err != nil {
					return err
				}
				return printSession(resp)
			},
			func(ctx context.Context, comps *components) error {
				snap := comps.orch.CheckForUpdate(ctx)
				if err := printSession(localStatus(comps, snap)); err != nil {
					return err
				}
				return sessionErr(snap)
			})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run one full update pass (check, download, install)",
	Long: `Runs the same pass the scheduler runs. The release flags, auto_update and
the maintenance window decide whether an available release is installed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(),
			func(ctx context.Context, c *statusserver.Client) error {
				resp, err := c.Update(ctx)
				if err != nil {
					return err
				}
				fmt.Println("Update pass started in the updater service.")
				fmt.Println("Follow progress with: breeze-updater status --watch")
				return printSession(resp)
			},
			func(ctx context.Context, comps *components) error {
				snap := comps.orch.StartUpdateProcess(ctx)
				if err := printSession(localStatus(comps, snap)); err != nil {
					return err
				}
				return sessionErr(snap)
			})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the available release without installing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return inProcess(cmd.Context(), func(ctx context.Context, comps *components) error {
			snap := comps.orch.Status()
			if snap.PackageInfo == nil {
				snap = comps.orch.CheckForUpdate(ctx)
			}
			if snap.PackageInfo == nil {
				return printSession(localStatus(comps, snap))
			}
			snap = comps.orch.DownloadUpdate(ctx, *snap.PackageInfo)
			if err := printSession(localStatus(comps, snap)); err != nil {
				return err
			}
			return sessionErr(snap)
		})
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the downloaded release, rolling back on failure",
	Long: `Verifies, backs up and installs the release recorded in the session. The
package is the last download unless --file names another copy of it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return inProcess(cmd.Context(), func(ctx context.Context, comps *components) error {
			snap := comps.orch.Status()
			if snap.PackageInfo == nil {
				return errors.New("no release recorded; run 'breeze-updater check' or 'download' first")
			}
			path := installFile
			if path == "" {
				path = snap.Metadata.Value(updater.MetaDownloadPath)
			}
			if path == "" {
				return errors.New("no downloaded package; run 'breeze-updater download' or pass --file")
			}
			snap = comps.orch.InstallUpdate(ctx, *snap.PackageInfo, path)
			if err := printSession(localStatus(comps, snap)); err != nil {
				return err
			}
			return sessionErr(snap)
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the installation from the last backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(),
			func(ctx context.Context, c *statusserver.Client) error {
				resp, err := c.Rollback(ctx)
				if err != nil {
					return err
				}
				fmt.Println("Rollback started in the updater service.")
				return printSession(resp)
			},
			func(ctx context.Context, comps *components) error {
				snap := comps.orch.RollbackUpdate(ctx)
				if err := printSession(localStatus(comps, snap)); err != nil {
					return err
				}
				if snap.State != updater.StateRolledBack {
					return fmt.Errorf("rollback failed: %s", snap.Message)
				}
				return nil
			})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the update session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cliConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if c, ok := reachableService(ctx, cfg); ok {
			if watchStatus {
				return watch(ctx, c)
			}
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if err := printSession(resp); err != nil {
				return err
			}
			if !asJSON {
				if h, err := c.Health(ctx); err == nil {
					return printHealth(h)
				}
			}
			return nil
		}
		if watchStatus {
			return errors.New("the updater service is not running; nothing to watch")
		}

		fmt.Fprintln(os.Stderr, "Updater service not reachable; showing persisted state.")
		comps, err := buildComponents(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer comps.close(ctx)
		if err := printSession(localStatus(comps, comps.orch.Status())); err != nil || asJSON {
			return err
		}
		return printHealth(healthOf(comps.health))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished update attempts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cliConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if c, ok := reachableService(ctx, cfg); ok {
			rows, err := c.History(ctx, historyLimit)
			if err != nil {
				return err
			}
			return printHistory(rows)
		}

		store, err := state.Open(ctx, cfg.StateDBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		rows, err := store.History(ctx, historyLimit)
		if err != nil {
			return err
		}
		return printHistory(rows)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired downloads, backups and history rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return inProcess(cmd.Context(), func(ctx context.Context, comps *components) error {
			res, err := comps.orch.Cleanup(ctx)
			if asJSON {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			} else {
				fmt.Printf("Downloads removed: %d\n", res.DownloadsRemoved)
				fmt.Printf("Backups pruned:    %d\n", res.BackupsPruned)
				fmt.Printf("History pruned:    %d\n", res.HistoryPruned)
			}
			return err
		})
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <product-id>",
	Short: "Silently uninstall a product with the platform installer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstaller(cmd.Context(), "uninstall", func(ctx context.Context, r *installer.Runner) (installer.ProcessResult, error) {
			return r.RunSilentUninstall(ctx, args[0], extraArgs...)
		})
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair <product-id>",
	Short: "Repair an installed product with the platform installer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstaller(cmd.Context(), "repair", func(ctx context.Context, r *installer.Runner) (installer.ProcessResult, error) {
			return r.RunRepair(ctx, args[0], extraArgs...)
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the tamper-evident audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Re-hash the audit log and check its chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(auditDir(), "audit.jsonl")
		if len(args) == 1 {
			path = args[0]
		}
		n, err := audit.VerifyChain(path)
		if err != nil {
			return fmt.Errorf("%s: %d entries verified before failure: %w", path, n, err)
		}
		fmt.Printf("%s: %d entries, chain intact\n", path, n)
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	installCmd.Flags().StringVar(&installFile, "file", "", "installer package to use instead of the last download")
	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "stream session changes from the running service")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of attempts to show")
	uninstallCmd.Flags().StringSliceVar(&extraArgs, "arg", nil, "extra argument passed to the installer (repeatable)")
	repairCmd.Flags().StringSliceVar(&extraArgs, "arg", nil, "extra argument passed to the installer (repeatable)")

	rootCmd.AddCommand(checkCmd, updateCmd, downloadCmd, installCmd, rollbackCmd,
		statusCmd, historyCmd, cleanupCmd, uninstallCmd, repairCmd, auditCmd)
}

// cliConfig loads config for a one-shot command. Logs go to stderr so they
// never mix with command output.
func cliConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func reachableService(ctx context.Context, cfg *config.Config) (*statusserver.Client, bool) {
	if cfg.StatusListen == "" {
		return nil, false
	}
	addr, err := statusserver.ParseAddress(cfg.StatusListen)
	if err != nil {
		return nil, false
	}
	c := statusserver.NewClient(addr)
	return c, c.Reachable(ctx)
}

// withService sends the request to the running updater when there is one,
// so the service stays the only writer of the session. Otherwise the
// operation runs in this process.
func withService(parent context.Context, remote func(context.Context, *statusserver.Client) error, local func(context.Context, *components) error) error {
	cfg, err := cliConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(parent)
	defer cancel()

	if c, ok := reachableService(ctx, cfg); ok {
		err := remote(ctx, c)
		if errors.Is(err, statusserver.ErrBusy) {
			return errors.New("the updater service is busy with another workflow")
		}
		return err
	}
	return runLocal(ctx, cfg, local)
}

// inProcess runs an operation the status endpoint does not expose. It
// refuses while the service runs, since both would write the same session.
func inProcess(parent context.Context, fn func(context.Context, *components) error) error {
	cfg, err := cliConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(parent)
	defer cancel()

	if _, ok := reachableService(ctx, cfg); ok {
		return errServiceRunning
	}
	return runLocal(ctx, cfg, fn)
}

func runLocal(ctx context.Context, cfg *config.Config, fn func(context.Context, *components) error) error {
	comps, err := buildComponents(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer comps.close(context.WithoutCancel(ctx))
	return fn(ctx, comps)
}

func localStatus(comps *components, snap updater.Session) statusserver.StatusResponse {
	return statusserver.StatusResponse{
		Session:    snap,
		InProgress: comps.orch.InProgress(),
		Version:    version,
	}
}

func runInstaller(parent context.Context, action string, fn func(context.Context, *installer.Runner) (installer.ProcessResult, error)) error {
	cfg, err := cliConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(parent)
	defer cancel()

	r := installer.NewRunner(minutes(cfg.InstallTimeoutMinutes), time.Duration(cfg.InstallerBusyWaitSeconds)*time.Second)
	res, err := fn(ctx, r)
	if asJSON {
		if perr := printJSON(res); perr != nil {
			return perr
		}
	} else {
		if res.Command != "" {
			fmt.Printf("Command:   %s\n", res.Command)
		}
		fmt.Printf("Exit code: %d (%s)\n", res.ExitCode, res.Duration.Round(time.Millisecond))
		if res.Stderr != "" {
			fmt.Fprintln(os.Stderr, res.Stderr)
		}
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", action, err)
	}
	if !res.Success {
		return fmt.Errorf("%s failed with exit code %d", action, res.ExitCode)
	}
	return nil
}

// watch prints a line per session change until interrupted.
func watch(parent context.Context, c *statusserver.Client) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	w := websocket.New(c, func(resp statusserver.StatusResponse) {
		if asJSON {
			printJSON(resp)
			return
		}
		line := fmt.Sprintf("%s  %-18s %s", time.Now().Format("15:04:05"), resp.State, resp.Message)
		if resp.InProgress {
			line += "  [running]"
		}
		fmt.Println(line)
	})
	return w.Run(ctx)
}
