package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/updater/internal/backup/providers"
)

// Mirror layout: <backup-name>/files/<rel>.gz plus <backup-name>/manifest.yaml.
// The manifest is uploaded last, so a remote snapshot without one is
// incomplete and ignored.

func mirrorPrefix(backupPath string) string {
	return filepath.Base(backupPath)
}

func mirrorFileKey(prefix, rel string) string {
	return path.Join(prefix, snapshotFiles, rel) + ".gz"
}

// mirrorSnapshot uploads a committed snapshot to the mirror provider.
func (m *Manager) mirrorSnapshot(ctx context.Context, backupPath string, manifest *Manifest) error {
	provider := m.config.Mirror
	prefix := mirrorPrefix(backupPath)

	for _, fe := range manifest.Files {
		if fe.isSymlink() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		local := filepath.Join(backupPath, snapshotFiles, filepath.FromSlash(fe.Path))
		if err := provider.Upload(ctx, local, mirrorFileKey(prefix, fe.Path)); err != nil {
			return fmt.Errorf("failed to upload %s: %w", fe.Path, err)
		}
	}

	if err := provider.Upload(ctx, filepath.Join(backupPath, manifestName), path.Join(prefix, manifestName)); err != nil {
		return fmt.Errorf("failed to upload snapshot manifest: %w", err)
	}
	log.Info("backup mirrored", "provider", provider.Name(), "prefix", prefix, "files", len(manifest.Files))
	return nil
}

// fetchFromMirror rebuilds backupPath from the mirror. The download lands in
// a staging directory that is renamed into place once complete.
func (m *Manager) fetchFromMirror(ctx context.Context, backupPath string) error {
	provider := m.config.Mirror
	prefix := mirrorPrefix(backupPath)

	parent := filepath.Dir(backupPath)
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return fmt.Errorf("create backup root: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".tmp-fetch-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	if err := provider.Download(ctx, path.Join(prefix, manifestName), filepath.Join(tmp, manifestName)); err != nil {
		if errors.Is(err, providers.ErrNotFound) {
			return fmt.Errorf("%w: %s (local and %s mirror)", ErrBackupNotFound, backupPath, provider.Name())
		}
		return fmt.Errorf("failed to download snapshot manifest: %w", err)
	}
	manifest, err := ReadManifest(tmp)
	if err != nil {
		return err
	}

	for _, fe := range manifest.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := filepath.FromSlash(fe.Path)
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("manifest entry %q escapes the snapshot", fe.Path)
		}
		local := filepath.Join(tmp, snapshotFiles, rel)
		if fe.isSymlink() {
			if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
				return err
			}
			if err := os.Symlink(fe.LinkTarget, local); err != nil {
				return fmt.Errorf("recreate link %s: %w", fe.Path, err)
			}
			continue
		}
		if err := provider.Download(ctx, mirrorFileKey(prefix, fe.Path), local); err != nil {
			return fmt.Errorf("failed to download %s: %w", fe.Path, err)
		}
	}

	if err := verifySnapshot(tmp, manifest); err != nil {
		return err
	}
	if err := os.RemoveAll(backupPath); err != nil {
		return err
	}
	if err := os.Rename(tmp, backupPath); err != nil {
		return fmt.Errorf("commit fetched snapshot: %w", err)
	}
	committed = true
	return nil
}

// deleteFromMirror removes every object under the snapshot's prefix.
func (m *Manager) deleteFromMirror(ctx context.Context, backupPath string) error {
	provider := m.config.Mirror
	prefix := mirrorPrefix(backupPath)

	items, err := provider.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list mirrored snapshot %s: %w", prefix, err)
	}
	var merr *multierror.Error
	for _, item := range items {
		if err := provider.Delete(ctx, item); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("failed to delete %s: %w", item, err))
		}
	}
	return merr.ErrorOrNil()
}
