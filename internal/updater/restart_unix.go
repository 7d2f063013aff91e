//go:build !windows

package updater

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const restartTimeout = 2 * time.Minute

// Restart restarts the agent service through systemd, falling back to
// launchd on macOS.
func Restart(serviceName string) error {
	if serviceName == "" {
		return errors.New("service name is empty")
	}
	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()

	sysErr := restartSystemd(ctx, serviceName)
	if sysErr == nil {
		return nil
	}
	ldErr := restartLaunchd(ctx, serviceName)
	if ldErr == nil {
		return nil
	}
	return fmt.Errorf("restart %s: systemd: %v; launchd: %v", serviceName, sysErr, ldErr)
}

func restartSystemd(ctx context.Context, name string) error {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return err
	}
	out, err := exec.CommandContext(ctx, "systemctl", "restart", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func restartLaunchd(ctx context.Context, name string) error {
	if _, err := exec.LookPath("launchctl"); err != nil {
		return err
	}
	out, err := exec.CommandContext(ctx, "launchctl", "kickstart", "-k", "system/"+launchdLabel(name)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// launchdLabel maps "breeze-agent" to "com.breeze.agent". Names that already
// look like a reverse-DNS label are used as is.
func launchdLabel(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return "com.breeze." + strings.ReplaceAll(strings.TrimPrefix(name, "breeze-"), "-", ".")
}
