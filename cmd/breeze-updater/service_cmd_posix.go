//go:build linux || darwin

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func requireRoot(action string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root (sudo breeze-updater service %s)", action)
	}
	return nil
}

// initctl runs an init-system command and folds its output into the error.
func initctl(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

// installBinary copies the running executable to dst unless it already
// runs from there. The copy is renamed into place so a running binary at
// dst is replaced, not rewritten.
func installBinary(dst string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if exe, err = filepath.EvalSymlinks(exe); err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if exe == dst {
		return nil
	}
	src, err := os.Open(exe)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".breeze-updater-*")
	if err != nil {
		return err
	}
	_, err = io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0755)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install binary to %s: %w", dst, err)
	}
	return nil
}

func makeDirs(private string, shared ...string) error {
	for _, dir := range append(shared, private) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.Chmod(private, 0700)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
