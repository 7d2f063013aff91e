package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider mirrors snapshots to a Backblaze B2 bucket.
type B2Provider struct {
	Prefix string

	bucket *b2.Bucket
}

// NewB2Provider authorizes with an application key and resolves the bucket.
func NewB2Provider(ctx context.Context, cfg MirrorConfig) (*B2Provider, error) {
	if cfg.Bucket == "" || cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, errors.New("b2 bucket, key_id and key_secret are required")
	}
	client, err := b2.NewClient(ctx, cfg.KeyID, cfg.KeySecret)
	if err != nil {
		return nil, fmt.Errorf("b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("b2 bucket %s: %w", cfg.Bucket, err)
	}
	return &B2Provider{Prefix: cfg.Prefix, bucket: bucket}, nil
}

func (b *B2Provider) Name() string { return "b2" }

func (b *B2Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	f, release, err := openForUpload(localPath, remotePath)
	if err != nil {
		return err
	}
	defer release()

	w := b.bucket.Object(objectKey(b.Prefix, remotePath)).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	return nil
}

func (b *B2Provider) Download(ctx context.Context, remotePath, localPath string) error {
	return downloadVia(remotePath, localPath, func(f *os.File) error {
		r := b.bucket.Object(objectKey(b.Prefix, remotePath)).NewReader(ctx)
		defer r.Close()
		if _, err := io.Copy(f, r); err != nil {
			if b2.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
			}
			return fmt.Errorf("b2 download %s: %w", remotePath, err)
		}
		return nil
	})
}

func (b *B2Provider) List(ctx context.Context, prefix string) ([]string, error) {
	iter := b.bucket.List(ctx, b2.ListPrefix(objectKey(b.Prefix, prefix)))
	var keys []string
	for iter.Next() {
		keys = append(keys, relativeKey(b.Prefix, iter.Object().Name()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("b2 list %s: %w", prefix, err)
	}
	return keys, nil
}

func (b *B2Provider) Delete(ctx context.Context, remotePath string) error {
	err := b.bucket.Object(objectKey(b.Prefix, remotePath)).Delete(ctx)
	if err != nil && !b2.IsNotExist(err) {
		return fmt.Errorf("b2 delete %s: %w", remotePath, err)
	}
	return nil
}
