package downloader

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskSpaceBuffer is the headroom required on top of the package size.
const DiskSpaceBuffer = 100 * 1024 * 1024

// ErrInsufficientDiskSpace is returned before any network traffic when the
// destination volume cannot hold the package plus DiskSpaceBuffer.
var ErrInsufficientDiskSpace = errors.New("insufficient disk space")

// HasSufficientDiskSpace reports whether dir's volume has room for required
// bytes plus DiskSpaceBuffer. dir need not exist yet; the nearest existing
// ancestor is measured instead.
func (d *Downloader) HasSufficientDiskSpace(dir string, required int64) (bool, error) {
	if required < 0 {
		required = 0
	}
	free, err := d.freeSpace(existingAncestor(dir))
	if err != nil {
		return false, err
	}
	return free >= uint64(required)+DiskSpaceBuffer, nil
}

func freeBytes(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func existingAncestor(dir string) string {
	dir = filepath.Clean(dir)
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
