package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSProvider mirrors snapshots to a Google Cloud Storage bucket.
type GCSProvider struct {
	Bucket string
	Prefix string

	client *storage.Client
}

// NewGCSProvider uses application default credentials unless
// CredentialsFile names a service-account key.
func NewGCSProvider(ctx context.Context, cfg MirrorConfig) (*GCSProvider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSProvider{Bucket: cfg.Bucket, Prefix: cfg.Prefix, client: client}, nil
}

func (g *GCSProvider) Name() string { return "gcs" }

func (g *GCSProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	f, release, err := openForUpload(localPath, remotePath)
	if err != nil {
		return err
	}
	defer release()

	w := g.client.Bucket(g.Bucket).Object(objectKey(g.Prefix, remotePath)).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	return nil
}

func (g *GCSProvider) Download(ctx context.Context, remotePath, localPath string) error {
	return downloadVia(remotePath, localPath, func(f *os.File) error {
		r, err := g.client.Bucket(g.Bucket).Object(objectKey(g.Prefix, remotePath)).NewReader(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
			}
			return fmt.Errorf("gcs download %s: %w", remotePath, err)
		}
		defer r.Close()
		if _, err := io.Copy(f, r); err != nil {
			return fmt.Errorf("gcs download %s: %w", remotePath, err)
		}
		return nil
	})
}

func (g *GCSProvider) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.Bucket).Objects(ctx, &storage.Query{Prefix: objectKey(g.Prefix, prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %s: %w", prefix, err)
		}
		keys = append(keys, relativeKey(g.Prefix, attrs.Name))
	}
	return keys, nil
}

func (g *GCSProvider) Delete(ctx context.Context, remotePath string) error {
	err := g.client.Bucket(g.Bucket).Object(objectKey(g.Prefix, remotePath)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", remotePath, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCSProvider) Close() error {
	return g.client.Close()
}
