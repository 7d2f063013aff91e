//go:build !windows

package main

import (
	"fmt"
	"os"
)

func isWindowsService() bool { return false }

// hasConsole reports whether stdout is connected to a terminal.
// Returns false under launchd or systemd.
func hasConsole() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func runAsService(_ func() (*updaterService, error)) error {
	return fmt.Errorf("Windows service mode is not available on this platform")
}
