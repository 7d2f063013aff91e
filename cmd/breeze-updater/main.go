package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
	asJSON  bool
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "breeze-updater",
	Short: "Breeze agent updater",
	Long: `Breeze Updater keeps the Breeze RMM agent current. It checks the update
API on a schedule, downloads and verifies new releases, snapshots the
installation and rolls back automatically when an install fails.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Updater v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.ConfigDir()+"/updater.yaml)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config and applies validation. Out-of-range values
// are clamped in place; fatal problems stop the command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, checkConfig(cfg)
}

func checkConfig(cfg *config.Config) error {
	if res := cfg.ValidateTiered(); res.HasFatals() {
		return fmt.Errorf("invalid config: %w", res.Err())
	}
	return nil
}
