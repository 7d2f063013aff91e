//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// The updater replaces files under the agent's install path and restarts
// the agent, so it runs without the filesystem sandboxing the agent unit uses.
const systemdUnit = `[Unit]
Description=Breeze Agent Updater
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{BIN}} run
WorkingDirectory={{DATA}}
Restart=on-failure
RestartSec=10
StartLimitIntervalSec=300
StartLimitBurst=5
KillMode=process
TimeoutStopSec=60
PrivateTmp=true
SyslogIdentifier=breeze-updater

[Install]
WantedBy=multi-user.target
`

type systemdService struct {
	name, unit, bin, data, configDir string
}

func platformService() (serviceManager, error) {
	return &systemdService{
		name:      "breeze-updater",
		unit:      "/etc/systemd/system/breeze-updater.service",
		bin:       "/usr/local/bin/breeze-updater",
		data:      "/var/lib/breeze-updater",
		configDir: "/etc/breeze",
	}, nil
}

func (s *systemdService) unitText() string {
	return strings.NewReplacer("{{BIN}}", s.bin, "{{DATA}}", s.data).Replace(systemdUnit)
}

func (s *systemdService) Install() error {
	if err := requireRoot("install"); err != nil {
		return err
	}
	if err := makeDirs(s.data, s.configDir); err != nil {
		return err
	}
	if err := installBinary(s.bin); err != nil {
		return err
	}
	if err := os.WriteFile(s.unit, []byte(s.unitText()), 0644); err != nil {
		return fmt.Errorf("write unit: %w", err)
	}
	if err := initctl("systemctl", "daemon-reload"); err != nil {
		return err
	}
	if err := initctl("systemctl", "enable", s.name); err != nil {
		fmt.Fprintln(os.Stderr, "Warning:", err)
	}
	// members of this group may use the status socket
	exec.Command("groupadd", "--system", "breeze").Run()
	return nil
}

func (s *systemdService) Uninstall() error {
	if err := requireRoot("uninstall"); err != nil {
		return err
	}
	initctl("systemctl", "disable", "--now", s.name)
	os.Remove(s.unit)
	initctl("systemctl", "daemon-reload")
	os.Remove(s.bin)
	return nil
}

func (s *systemdService) Start() error {
	if err := requireRoot("start"); err != nil {
		return err
	}
	if !fileExists(s.unit) {
		return fmt.Errorf("service not installed; run 'sudo breeze-updater service install' first")
	}
	return initctl("systemctl", "start", s.name)
}

func (s *systemdService) Stop() error {
	if err := requireRoot("stop"); err != nil {
		return err
	}
	return initctl("systemctl", "stop", s.name)
}

func (s *systemdService) Status() (string, error) {
	if !fileExists(s.unit) {
		return "Service: not installed", nil
	}
	// is-active exits non-zero for anything but active, the word is enough
	out, _ := exec.Command("systemctl", "is-active", s.name).Output()
	return "Service: " + strings.TrimSpace(string(out)), nil
}
