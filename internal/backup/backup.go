// Package backup snapshots the agent installation before an update and
// restores it on rollback.
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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/breeze-rmm/updater/internal/backup/providers"
	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("backup")

var (
	// ErrEmptySnapshot is returned when the installation has no files to back up.
	ErrEmptySnapshot = errors.New("installation contains no files to back up")
	// ErrBackupNotFound is returned when a snapshot exists neither locally nor
	// in the mirror.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrBusy is returned when another backup or restore is running.
	ErrBusy = errors.New("backup operation already running")
	// ErrVerifyFailed reports a snapshot that does not match its manifest.
	ErrVerifyFailed = errors.New("backup verification failed")
)

// Config defines backup settings.
type Config struct {
	// Root holds one backup-<version> directory per snapshot.
	Root string
	// Exclude lists glob patterns, relative to the installation, that are
	// neither captured nor removed on restore.
	Exclude []string
	// Mirror optionally receives a copy of every snapshot.
	Mirror providers.BackupProvider
}

// Result is the outcome of CreateBackup.
type Result struct {
	Success      bool
	BackupPath   string
	Record       Record
	Err          error
	ErrorMessage string
}

// Manager creates, restores and prunes snapshots.
type Manager struct {
	config Config

	mu         sync.Mutex
	jobRunning bool
}

// NewManager creates a new Manager.
func NewManager(config Config) *Manager {
	config.Root = filepath.Clean(config.Root)
	return &Manager{config: config}
}

// Root returns the snapshot directory.
func (m *Manager) Root() string {
	return m.config.Root
}

func (m *Manager) acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobRunning {
		return ErrBusy
	}
	m.jobRunning = true
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.jobRunning = false
	m.mu.Unlock()
}

// SnapshotPath returns where the snapshot for version lives.
func (m *Manager) SnapshotPath(version string) string {
	return filepath.Join(m.config.Root, snapshotPrefix+sanitizeVersion(version))
}

// CreateBackup copies installPath into a new snapshot for version. The
// snapshot is built in a temporary directory, verified against its manifest
// and only then renamed into place, replacing any older snapshot of the same
// version.
func (m *Manager) CreateBackup(ctx context.Context, installPath, version string) Result {
	start := time.Now()
	res := Result{}
	fail := func(err error) Result {
		res.Err = err
		res.ErrorMessage = err.Error()
		log.Error("backup failed", "source", installPath, logging.KeyVersion, version, logging.KeyError, err)
		return res
	}

	if version == "" {
		return fail(errors.New("backup version is required"))
	}
	if err := m.acquire(); err != nil {
		return fail(err)
	}
	defer m.release()

	src, err := filepath.Abs(installPath)
	if err != nil {
		return fail(fmt.Errorf("resolve install path: %w", err))
	}
	info, err := os.Stat(src)
	if err != nil {
		return fail(fmt.Errorf("stat install path: %w", err))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("install path %s is not a directory", src))
	}
	if err := os.MkdirAll(m.config.Root, 0o700); err != nil {
		return fail(fmt.Errorf("create backup root: %w", err))
	}

	tmp, err := os.MkdirTemp(m.config.Root, ".tmp-"+snapshotPrefix+sanitizeVersion(version)+"-")
	if err != nil {
		return fail(fmt.Errorf("create staging directory: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	manifest := &Manifest{
		Format:     manifestVersion,
		Version:    version,
		SourcePath: src,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.copyTree(ctx, src, filepath.Join(tmp, snapshotFiles), manifest); err != nil {
		return fail(err)
	}
	if len(manifest.Files) == 0 {
		return fail(ErrEmptySnapshot)
	}
	if err := writeManifest(tmp, manifest); err != nil {
		return fail(err)
	}
	if err := verifySnapshot(tmp, manifest); err != nil {
		return fail(err)
	}

	final := m.SnapshotPath(version)
	if err := os.RemoveAll(final); err != nil {
		return fail(fmt.Errorf("remove previous snapshot: %w", err))
	}
	if err := os.Rename(tmp, final); err != nil {
		return fail(fmt.Errorf("commit snapshot: %w", err))
	}
	committed = true

	res.Success = true
	res.BackupPath = final
	res.Record = manifest.record(final)
	log.Info("backup created",
		"path", final,
		logging.KeyVersion, version,
		"files", res.Record.FileCount,
		"size", humanize.IBytes(uint64(res.Record.SizeBytes)),
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)

	if m.config.Mirror != nil {
		if err := m.mirrorSnapshot(ctx, final, manifest); err != nil {
			log.Warn("backup mirror upload failed",
				"provider", m.config.Mirror.Name(),
				"path", final,
				logging.KeyError, err,
			)
		}
	}
	return res
}

// copyTree walks src and copies every regular file and symlink into dst,
// recording each in manifest. ctx is checked between files.
func (m *Manager) copyTree(ctx context.Context, src, dst string, manifest *Manifest) error {
	root, _ := filepath.Abs(m.config.Root)

	err := filepath.WalkDir(src, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() && path == root {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		if m.excluded(relSlash) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}

		info, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
		}

		fe := FileEntry{
			Path:    relSlash,
			Mode:    uint32(info.Mode().Perm()),
			ModTime: info.ModTime().UTC(),
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read link %s: %w", path, err)
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("copy link %s: %w", path, err)
			}
			fe.LinkTarget = link
		case info.Mode().IsRegular():
			sum, n, err := copyHashed(path, target, info.Mode().Perm())
			if err != nil {
				return err
			}
			fe.Size = n
			fe.SHA256 = sum
		default:
			return nil
		}
		manifest.Files = append(manifest.Files, fe)
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Path < manifest.Files[j].Path
	})
	return nil
}

// copyHashed copies src to dst and returns the sha256 of the bytes written.
func copyHashed(src, dst string, perm os.FileMode) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", dst, err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, fmt.Errorf("copy %s: %w", src, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// verifySnapshot checks that every manifest entry is present in dir with
// the recorded size and digest.
func verifySnapshot(dir string, manifest *Manifest) error {
	if len(manifest.Files) == 0 {
		return fmt.Errorf("%w: %w", ErrVerifyFailed, ErrEmptySnapshot)
	}
	for _, fe := range manifest.Files {
		p := filepath.Join(dir, snapshotFiles, filepath.FromSlash(fe.Path))
		if fe.isSymlink() {
			link, err := os.Readlink(p)
			if err != nil || link != fe.LinkTarget {
				return fmt.Errorf("%w: link %s", ErrVerifyFailed, fe.Path)
			}
			continue
		}
		sum, n, err := hashFile(p)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrVerifyFailed, fe.Path, err)
		}
		if n != fe.Size || !strings.EqualFold(sum, fe.SHA256) {
			return fmt.Errorf("%w: %s differs from manifest", ErrVerifyFailed, fe.Path)
		}
	}
	return nil
}

// VerifyBackup checks an existing snapshot against its manifest.
func (m *Manager) VerifyBackup(backupPath string) error {
	manifest, err := ReadManifest(backupPath)
	if err != nil {
		return err
	}
	return verifySnapshot(backupPath, manifest)
}

func (m *Manager) excluded(rel string) bool {
	base := pathBase(rel)
	for _, pattern := range m.config.Exclude {
		pattern = strings.Trim(filepath.ToSlash(pattern), "/")
		if pattern == "" {
			continue
		}
		if rel == pattern || strings.HasPrefix(rel, pattern+"/") {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func pathBase(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[i+1:]
	}
	return rel
}

func sanitizeVersion(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, v)
}
