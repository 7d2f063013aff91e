package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	manifestName    = "manifest.yaml"
	snapshotFiles   = "files"
	snapshotPrefix  = "backup-"
	manifestVersion = 1
)

// Manifest describes a snapshot directory. It is written last, so a
// directory without one is incomplete.
type Manifest struct {
	Format     int         `yaml:"format"`
	Version    string      `yaml:"version"`
	SourcePath string      `yaml:"source_path"`
	CreatedAt  time.Time   `yaml:"created_at"`
	Files      []FileEntry `yaml:"files"`
}

// FileEntry is one file or symlink captured from the installation.
type FileEntry struct {
	// Path is slash-separated and relative to SourcePath.
	Path       string    `yaml:"path"`
	Size       int64     `yaml:"size"`
	Mode       uint32    `yaml:"mode"`
	ModTime    time.Time `yaml:"mod_time"`
	SHA256     string    `yaml:"sha256,omitempty"`
	LinkTarget string    `yaml:"link_target,omitempty"`
}

func (e FileEntry) isSymlink() bool {
	return e.LinkTarget != ""
}

// Record summarizes a snapshot on disk.
type Record struct {
	Version    string    `json:"version"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"createdAt"`
	SourcePath string    `json:"sourcePath"`
	FileCount  int       `json:"fileCount"`
	SizeBytes  int64     `json:"sizeBytes"`
}

func (m *Manifest) record(dir string) Record {
	r := Record{
		Version:    m.Version,
		Path:       dir,
		CreatedAt:  m.CreatedAt,
		SourcePath: m.SourcePath,
		FileCount:  len(m.Files),
	}
	for _, f := range m.Files {
		r.SizeBytes += f.Size
	}
	return r
}

func writeManifest(dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest of the snapshot at dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.SourcePath == "" {
		return nil, fmt.Errorf("manifest in %s has no source path", dir)
	}
	return &m, nil
}
