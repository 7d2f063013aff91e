package providers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalProvider mirrors snapshots into a directory, typically a mounted
// network share.
type LocalProvider struct {
	BasePath string
}

func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{BasePath: filepath.Clean(basePath)}
}

func (p *LocalProvider) Name() string { return "local" }

// resolve maps a slash-separated remote path under BasePath and rejects
// anything that would land outside it.
func (p *LocalProvider) resolve(remotePath string) (string, error) {
	if p.BasePath == "" || p.BasePath == "." {
		return "", errors.New("local mirror has no base path")
	}
	base, err := filepath.Abs(p.BasePath)
	if err != nil {
		return "", err
	}
	full := filepath.Join(base, filepath.FromSlash(remotePath))
	rel, err := filepath.Rel(base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("mirror path %q escapes %s", remotePath, base)
	}
	return full, nil
}

// object resolves a remote path that must name a file.
func (p *LocalProvider) object(ctx context.Context, remotePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.Trim(remotePath, "/") == "" {
		return "", errors.New("remote path is required")
	}
	return p.resolve(remotePath)
}

// Upload copies localPath into the mirror, compressing ".gz" keys.
func (p *LocalProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	dst, err := p.object(ctx, remotePath)
	if err != nil {
		return err
	}
	if gzipped(remotePath) {
		return compressFile(localPath, dst)
	}
	return copyFile(localPath, dst)
}

// Download copies a mirrored file to localPath, inflating ".gz" keys.
func (p *LocalProvider) Download(ctx context.Context, remotePath, localPath string) error {
	src, err := p.object(ctx, remotePath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	if gzipped(remotePath) {
		return decompressFile(src, localPath)
	}
	return copyFile(src, localPath)
}

// List returns the slash-separated paths of all files under prefix.
func (p *LocalProvider) List(ctx context.Context, prefix string) ([]string, error) {
	base, err := p.resolve("")
	if err != nil {
		return nil, err
	}
	root, err := p.resolve(prefix)
	if err != nil {
		return nil, err
	}

	keys := []string{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		switch {
		case errors.Is(err, fs.ErrNotExist) && path == root:
			return fs.SkipAll
		case err != nil:
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case d.IsDir():
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list mirror %q: %w", prefix, err)
	}
	return keys, nil
}

// Delete removes a mirrored file and any directories it leaves empty.
// Deleting a missing file succeeds.
func (p *LocalProvider) Delete(ctx context.Context, remotePath string) error {
	target, err := p.object(ctx, remotePath)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", remotePath, err)
	}

	base, _ := p.resolve("")
	// os.Remove fails on a non-empty directory, which ends the walk up.
	for dir := filepath.Dir(target); dir != base && strings.HasPrefix(dir, base); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}
