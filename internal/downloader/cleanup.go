package downloader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/updater/internal/logging"
)

// CleanupOldDownloads removes regular files in dir last modified before
// now-maxAge. Paths listed in keep are never removed. A missing dir is not an
// error.
func CleanupOldDownloads(dir string, maxAge time.Duration, keep ...string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read download dir: %w", err)
	}

	protected := make(map[string]bool, len(keep))
	for _, k := range keep {
		if k != "" {
			protected[filepath.Clean(k)] = true
		}
	}

	cutoff := time.Now().Add(-maxAge)
	var (
		merr    *multierror.Error
		removed int
		freed   int64
	)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if protected[path] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed++
		freed += info.Size()
	}

	if removed > 0 {
		log.Info("removed old downloads",
			"dir", dir,
			"count", removed,
			"freed", humanize.IBytes(uint64(freed)),
		)
	}
	if err := merr.ErrorOrNil(); err != nil {
		log.Warn("download cleanup incomplete", logging.KeyError, err)
		return removed, err
	}
	return removed, nil
}
