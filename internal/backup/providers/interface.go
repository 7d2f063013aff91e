// Package providers mirrors backup snapshots to off-box storage.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Download when the remote object does not exist.
var ErrNotFound = errors.New("backup object not found")

// BackupProvider stores snapshot files under slash-separated remote paths.
// Remote paths ending in ".gz" are compressed on upload and decompressed on
// download.
type BackupProvider interface {
	Name() string
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, remotePath string) error
}

// MirrorConfig selects and configures a provider.
type MirrorConfig struct {
	Provider        string `mapstructure:"provider" json:"provider,omitempty"`
	Bucket          string `mapstructure:"bucket" json:"bucket,omitempty"`
	Region          string `mapstructure:"region" json:"region,omitempty"`
	Prefix          string `mapstructure:"prefix" json:"prefix,omitempty"`
	Endpoint        string `mapstructure:"endpoint" json:"endpoint,omitempty"`
	Account         string `mapstructure:"account" json:"account,omitempty"`
	Container       string `mapstructure:"container" json:"container,omitempty"`
	CredentialsFile string `mapstructure:"credentials_file" json:"credentialsFile,omitempty"`
	KeyID           string `mapstructure:"key_id" json:"-"`
	KeySecret       string `mapstructure:"key_secret" json:"-"`
	BasePath        string `mapstructure:"base_path" json:"basePath,omitempty"`
}

// Enabled reports whether a provider is configured.
func (c MirrorConfig) Enabled() bool {
	return strings.TrimSpace(c.Provider) != ""
}

// New builds the provider named by cfg.Provider. An empty provider name
// yields (nil, nil).
func New(ctx context.Context, cfg MirrorConfig) (BackupProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "":
		return nil, nil
	case "local":
		if cfg.BasePath == "" {
			return nil, errors.New("local mirror requires base_path")
		}
		return NewLocalProvider(cfg.BasePath), nil
	case "s3":
		return NewS3Provider(ctx, cfg)
	case "azure", "azblob":
		return NewAzureProvider(cfg)
	case "gcs":
		return NewGCSProvider(ctx, cfg)
	case "b2":
		return NewB2Provider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backup mirror provider %q", cfg.Provider)
	}
}

// objectKey joins the configured prefix and a remote path.
func objectKey(prefix, remotePath string) string {
	prefix = strings.Trim(prefix, "/")
	remotePath = strings.TrimLeft(remotePath, "/")
	if prefix == "" {
		return remotePath
	}
	return prefix + "/" + remotePath
}

// relativeKey strips the configured prefix from a listed key.
func relativeKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}
