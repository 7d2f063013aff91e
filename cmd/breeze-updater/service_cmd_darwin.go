//go:build darwin

package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"
)

var launchdPlist = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Bin}}</string>
        <string>run</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ThrottleInterval</key>
    <integer>10</integer>
    <key>WorkingDirectory</key>
    <string>{{.Data}}</string>
    <key>StandardOutPath</key>
    <string>{{.Logs}}/updater.log</string>
    <key>StandardErrorPath</key>
    <string>{{.Logs}}/updater.err</string>
</dict>
</plist>
`))

type launchdService struct {
	Label, Plist, Bin, Data, Logs string
}

func platformService() (serviceManager, error) {
	return &launchdService{
		Label: "com.breeze.updater",
		Plist: "/Library/LaunchDaemons/com.breeze.updater.plist",
		Bin:   "/usr/local/bin/breeze-updater",
		Data:  "/Library/Application Support/Breeze/updater",
		Logs:  "/Library/Logs/Breeze",
	}, nil
}

func (s *launchdService) target() string { return "system/" + s.Label }

func (s *launchdService) loaded() bool {
	return exec.Command("launchctl", "print", s.target()).Run() == nil
}

func (s *launchdService) Install() error {
	if err := requireRoot("install"); err != nil {
		return err
	}
	if err := makeDirs(s.Data, s.Logs); err != nil {
		return err
	}
	if err := installBinary(s.Bin); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Plist, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	err = launchdPlist.Execute(f, s)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *launchdService) Uninstall() error {
	if err := requireRoot("uninstall"); err != nil {
		return err
	}
	if s.loaded() {
		if err := s.bootout(); err != nil {
			fmt.Fprintln(os.Stderr, "Warning:", err)
		}
	}
	os.Remove(s.Plist)
	os.Remove(s.Bin)
	return nil
}

func (s *launchdService) Start() error {
	if err := requireRoot("start"); err != nil {
		return err
	}
	if !fileExists(s.Plist) {
		return fmt.Errorf("service not installed; run 'sudo breeze-updater service install' first")
	}
	if s.loaded() {
		return initctl("launchctl", "kickstart", s.target())
	}
	if err := initctl("launchctl", "bootstrap", "system", s.Plist); err != nil {
		// pre-10.11 launchctl
		if legacy := initctl("launchctl", "load", s.Plist); legacy != nil {
			return fmt.Errorf("%v; %v", err, legacy)
		}
	}
	return nil
}

func (s *launchdService) Stop() error {
	if err := requireRoot("stop"); err != nil {
		return err
	}
	if !s.loaded() {
		return nil
	}
	return s.bootout()
}

func (s *launchdService) bootout() error {
	err := initctl("launchctl", "bootout", s.target())
	if err == nil {
		return nil
	}
	if legacy := initctl("launchctl", "unload", s.Plist); legacy != nil {
		return fmt.Errorf("%v; %v", err, legacy)
	}
	return nil
}

func (s *launchdService) Status() (string, error) {
	switch {
	case !fileExists(s.Plist):
		return "Service: not installed", nil
	case !s.loaded():
		return "Service: installed, not loaded", nil
	}
	out, err := exec.Command("launchctl", "print", s.target()).Output()
	if err != nil {
		return "Service: loaded", nil
	}
	lines := []string{"Service: loaded"}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "pid = ") || strings.HasPrefix(line, "state = ") {
			lines = append(lines, "  "+line)
		}
	}
	return strings.Join(lines, "\n"), nil
}
