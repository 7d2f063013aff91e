package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/updater/internal/logging"
)

// RestoreResult is the outcome of RestoreBackup.
type RestoreResult struct {
	Success       bool
	FilesRestored int
	FilesRemoved  int
	Err           error
	ErrorMessage  string
}

// RestoreBackup puts the installation back to the state captured at
// backupPath. Each file is written to a temporary name and renamed over the
// original; files added to the installation since the snapshot are removed.
// Running it twice yields the same result. When the snapshot is missing
// locally it is fetched from the mirror first.
func (m *Manager) RestoreBackup(ctx context.Context, backupPath string) RestoreResult {
	start := time.Now()
	res := RestoreResult{}
	fail := func(err error) RestoreResult {
		res.Err = err
		res.ErrorMessage = err.Error()
		log.Error("restore failed",
			"path", backupPath,
			"restored", res.FilesRestored,
			logging.KeyError, err,
		)
		return res
	}

	if backupPath == "" {
		return fail(ErrBackupNotFound)
	}
	if err := m.acquire(); err != nil {
		return fail(err)
	}
	defer m.release()

	if _, err := os.Stat(filepath.Join(backupPath, manifestName)); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fail(fmt.Errorf("stat snapshot: %w", err))
		}
		if m.config.Mirror == nil {
			return fail(fmt.Errorf("%w: %s", ErrBackupNotFound, backupPath))
		}
		log.Info("snapshot missing locally, fetching from mirror",
			"path", backupPath,
			"provider", m.config.Mirror.Name(),
		)
		if err := m.fetchFromMirror(ctx, backupPath); err != nil {
			return fail(err)
		}
	}

	manifest, err := ReadManifest(backupPath)
	if err != nil {
		return fail(err)
	}

	var merr *multierror.Error
	keep := make(map[string]bool, len(manifest.Files))
	for _, fe := range manifest.Files {
		if err := ctx.Err(); err != nil {
			return fail(multierror.Append(merr, err).ErrorOrNil())
		}
		keep[fe.Path] = true
		if err := restoreEntry(backupPath, manifest.SourcePath, fe); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		res.FilesRestored++
	}

	removed, err := m.removeUnknown(ctx, manifest.SourcePath, keep)
	res.FilesRemoved = removed
	if err != nil {
		merr = multierror.Append(merr, err)
	}

	if err := merr.ErrorOrNil(); err != nil {
		return fail(err)
	}

	res.Success = true
	log.Info("backup restored",
		"path", backupPath,
		"target", manifest.SourcePath,
		logging.KeyVersion, manifest.Version,
		"restored", res.FilesRestored,
		"removed", res.FilesRemoved,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return res
}

func restoreEntry(backupPath, sourceRoot string, fe FileEntry) error {
	rel := filepath.FromSlash(fe.Path)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("manifest entry %q escapes the installation", fe.Path)
	}
	dst := filepath.Join(sourceRoot, rel)
	src := filepath.Join(backupPath, snapshotFiles, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}

	if fe.isSymlink() {
		if cur, err := os.Readlink(dst); err == nil && cur == fe.LinkTarget {
			return nil
		}
		tmp := dst + ".restore-link"
		os.Remove(tmp)
		if err := os.Symlink(fe.LinkTarget, tmp); err != nil {
			return fmt.Errorf("restore link %s: %w", fe.Path, err)
		}
		if err := replaceFile(tmp, dst); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("restore link %s: %w", fe.Path, err)
		}
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open snapshot file %s: %w", fe.Path, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".restore-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", fe.Path, err)
	}
	tmp := out.Name()
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, h), in)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && fe.SHA256 != "" && !strings.EqualFold(hex.EncodeToString(h.Sum(nil)), fe.SHA256) {
		err = fmt.Errorf("%w: %s is corrupt", ErrVerifyFailed, fe.Path)
	}
	if err == nil {
		err = os.Chmod(tmp, os.FileMode(fe.Mode).Perm())
	}
	if err == nil {
		err = os.Chtimes(tmp, fe.ModTime, fe.ModTime)
	}
	if err == nil {
		err = replaceFile(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restore %s: %w", fe.Path, err)
	}
	return nil
}

// replaceFile renames tmp over dst. A directory at dst is removed first.
func replaceFile(tmp, dst string) error {
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}
	return os.Rename(tmp, dst)
}

// removeUnknown deletes files under root that are not in keep and not
// excluded.
func (m *Manager) removeUnknown(ctx context.Context, root string, keep map[string]bool) (int, error) {
	var (
		merr    *multierror.Error
		removed int
	)
	backupRoot, _ := filepath.Abs(m.config.Root)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return nil
			}
			merr = multierror.Append(merr, walkErr)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() && path == backupRoot {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		if m.excluded(relSlash) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || keep[relSlash] {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".restore-") {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", path, err))
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	return removed, merr.ErrorOrNil()
}
