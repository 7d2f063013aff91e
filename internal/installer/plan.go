// Package installer runs platform package installers silently and reports
// their exit status.
package installer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned when no silent command exists for a package
// type or platform.
var ErrUnsupported = errors.New("unsupported installer type")

// PackageManager selects the native tool for uninstall and repair on Linux.
type PackageManager string

const (
	ManagerAuto PackageManager = ""
	ManagerDpkg PackageManager = "dpkg"
	ManagerRPM  PackageManager = "rpm"
)

// Command is a fully resolved installer invocation.
type Command struct {
	Name string
	Args []string
	Env  []string
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

const debianEnv = "DEBIAN_FRONTEND=noninteractive"

// PlanInstall returns the silent install command for packagePath on goos,
// chosen by file extension.
func PlanInstall(goos, packagePath string, extra ...string) (Command, error) {
	ext := strings.ToLower(filepath.Ext(packagePath))
	var c Command
	switch {
	case ext == ".msi" && goos == "windows":
		c = Command{Name: "msiexec", Args: []string{"/i", packagePath, "/qn", "/norestart", "/l*v", packagePath + ".log"}}
	case ext == ".exe" && goos == "windows":
		c = Command{Name: packagePath, Args: []string{"/S", "/norestart"}}
	case ext == ".deb" && goos == "linux":
		c = Command{Name: "dpkg", Args: []string{"-i", packagePath}, Env: []string{debianEnv}}
	case ext == ".rpm" && goos == "linux":
		c = Command{Name: "rpm", Args: []string{"-Uvh", "--replacepkgs", packagePath}}
	case ext == ".pkg" && goos == "darwin":
		c = Command{Name: "installer", Args: []string{"-pkg", packagePath, "-target", "/"}}
	default:
		return Command{}, fmt.Errorf("%w: %q on %s", ErrUnsupported, ext, goos)
	}
	c.Args = append(c.Args, extra...)
	return c, nil
}

// PlanUninstall returns the silent uninstall command for productID.
func PlanUninstall(goos string, pm PackageManager, productID string, extra ...string) (Command, error) {
	if productID == "" {
		return Command{}, errors.New("product id is required")
	}
	var c Command
	switch {
	case goos == "windows":
		c = Command{Name: "msiexec", Args: []string{"/x", productID, "/qn", "/norestart"}}
	case goos == "linux" && pm == ManagerDpkg:
		c = Command{Name: "dpkg", Args: []string{"-r", productID}, Env: []string{debianEnv}}
	case goos == "linux" && pm == ManagerRPM:
		c = Command{Name: "rpm", Args: []string{"-e", productID}}
	default:
		return Command{}, fmt.Errorf("%w: uninstall on %s (%s)", ErrUnsupported, goos, pmLabel(pm))
	}
	c.Args = append(c.Args, extra...)
	return c, nil
}

// PlanRepair returns the silent repair command for productID.
func PlanRepair(goos string, pm PackageManager, productID string, extra ...string) (Command, error) {
	if productID == "" {
		return Command{}, errors.New("product id is required")
	}
	var c Command
	switch {
	case goos == "windows":
		c = Command{Name: "msiexec", Args: []string{"/fa", productID, "/qn", "/norestart"}}
	case goos == "linux" && pm == ManagerDpkg:
		c = Command{Name: "apt-get", Args: []string{"install", "--reinstall", "-y", productID}, Env: []string{debianEnv}}
	case goos == "linux" && pm == ManagerRPM:
		c = Command{Name: "dnf", Args: []string{"reinstall", "-y", productID}}
	default:
		return Command{}, fmt.Errorf("%w: repair on %s (%s)", ErrUnsupported, goos, pmLabel(pm))
	}
	c.Args = append(c.Args, extra...)
	return c, nil
}

func pmLabel(pm PackageManager) string {
	if pm == ManagerAuto {
		return "no package manager"
	}
	return string(pm)
}
