package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/updater/internal/logging"
)

// List returns the complete snapshots under the backup root, newest first.
// Directories without a readable manifest are skipped.
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.config.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup root: %w", err)
	}

	var records []Record
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), snapshotPrefix) {
			continue
		}
		dir := filepath.Join(m.config.Root, e.Name())
		manifest, err := ReadManifest(dir)
		if err != nil {
			log.Debug("skipping incomplete snapshot", "path", dir, logging.KeyError, err)
			continue
		}
		records = append(records, manifest.record(dir))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Latest returns the newest snapshot.
func (m *Manager) Latest() (Record, bool, error) {
	records, err := m.List()
	if err != nil || len(records) == 0 {
		return Record{}, false, err
	}
	return records[0], true, nil
}

// Prune deletes snapshots older than maxAge, locally and in the mirror. The
// newest snapshot and any path in keep survive regardless of age. Leftover
// staging directories are removed as well.
func (m *Manager) Prune(ctx context.Context, maxAge time.Duration, keep ...string) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	if err := m.acquire(); err != nil {
		return 0, err
	}
	defer m.release()

	records, err := m.List()
	if err != nil {
		return 0, err
	}
	protected := make(map[string]bool, len(keep))
	for _, k := range keep {
		if k != "" {
			protected[filepath.Clean(k)] = true
		}
	}

	var merr *multierror.Error
	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for i, r := range records {
		if i == 0 || protected[filepath.Clean(r.Path)] || !r.CreatedAt.Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			merr = multierror.Append(merr, err)
			break
		}
		if err := os.RemoveAll(r.Path); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", r.Path, err))
			continue
		}
		pruned++
		log.Info("pruned backup", "path", r.Path, logging.KeyVersion, r.Version, "createdAt", r.CreatedAt)
		if m.config.Mirror != nil {
			if err := m.deleteFromMirror(ctx, r.Path); err != nil {
				log.Warn("failed to prune mirrored backup", "path", r.Path, logging.KeyError, err)
			}
		}
	}

	m.removeStaging(cutoff)
	return pruned, merr.ErrorOrNil()
}

func (m *Manager) removeStaging(cutoff time.Time) {
	entries, err := os.ReadDir(m.config.Root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.RemoveAll(filepath.Join(m.config.Root, e.Name()))
	}
}
