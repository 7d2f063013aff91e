package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// serviceManager registers the updater with the platform's init system.
type serviceManager interface {
	Install() error
	Uninstall() error
	Start() error
	Stop() error
	Status() (string, error)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the Breeze Updater system service",
}

func serviceAction(use, short string, fn func(serviceManager) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := platformService()
			if err != nil {
				return err
			}
			return fn(m)
		},
	}
}

func init() {
	serviceCmd.AddCommand(
		serviceAction("install", "Install and enable the updater service", func(m serviceManager) error {
			if err := m.Install(); err != nil {
				return err
			}
			fmt.Println("Breeze Updater service installed. Start it with 'breeze-updater service start'.")
			return nil
		}),
		serviceAction("uninstall", "Stop and remove the updater service", func(m serviceManager) error {
			if err := m.Uninstall(); err != nil {
				return err
			}
			fmt.Println("Breeze Updater service removed. State and backups were kept.")
			return nil
		}),
		serviceAction("start", "Start the updater service", func(m serviceManager) error {
			if err := m.Start(); err != nil {
				return err
			}
			fmt.Println("Breeze Updater service started.")
			return nil
		}),
		serviceAction("stop", "Stop the updater service", func(m serviceManager) error {
			if err := m.Stop(); err != nil {
				return err
			}
			fmt.Println("Breeze Updater service stopped.")
			return nil
		}),
		serviceAction("status", "Show what the init system reports for the service", func(m serviceManager) error {
			st, err := m.Status()
			if err != nil {
				return err
			}
			fmt.Println(st)
			return nil
		}),
	)
	rootCmd.AddCommand(serviceCmd)
}
