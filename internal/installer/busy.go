package installer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrInstallerBusy is returned when another installer is still running after
// the busy wait expires.
var ErrInstallerBusy = errors.New("another installer is running")

var installerNames = map[string]bool{
	"msiexec":   true,
	"dpkg":      true,
	"apt":       true,
	"apt-get":   true,
	"rpm":       true,
	"dnf":       true,
	"yum":       true,
	"installer": true,
}

// runningInstallers lists the names of running package installer processes.
func runningInstallers(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var found []string
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		n := strings.TrimSuffix(strings.ToLower(name), ".exe")
		if installerNames[n] {
			found = append(found, n)
		}
	}
	return found, nil
}

// waitForIdle blocks until no other installer runs or wait elapses.
func (r *Runner) waitForIdle(ctx context.Context) error {
	if r.BusyWait <= 0 {
		return nil
	}
	deadline := time.Now().Add(r.BusyWait)
	for {
		busy, err := r.busy(ctx)
		if err != nil {
			// Process listing is advisory; the installer itself reports locks.
			log.Debug("installer busy check unavailable", "error", err)
			return nil
		}
		if len(busy) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrInstallerBusy, strings.Join(busy, ", "))
		}
		log.Info("waiting for running installer to finish", "processes", busy)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.poll):
		}
	}
}
