package providers

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Provider mirrors snapshots to an S3-compatible bucket.
type S3Provider struct {
	Bucket string
	Prefix string

	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3Provider builds a client from the default AWS credential chain, or
// from static keys when KeyID and KeySecret are set. Endpoint selects an
// S3-compatible service and forces path-style addressing.
func NewS3Provider(ctx context.Context, cfg MirrorConfig) (*S3Provider, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, errors.New("s3 bucket and region are required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.KeyID != "" && cfg.KeySecret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.KeySecret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Provider{
		Bucket:     cfg.Bucket,
		Prefix:     cfg.Prefix,
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}, nil
}

func (s *S3Provider) Name() string { return "s3" }

// Upload sends a local file to the bucket.
func (s *S3Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	f, release, err := openForUpload(localPath, remotePath)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(objectKey(s.Prefix, remotePath)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", remotePath, err)
	}
	return nil
}

// Download retrieves an object from the bucket.
func (s *S3Provider) Download(ctx context.Context, remotePath, localPath string) error {
	return downloadVia(remotePath, localPath, func(f *os.File) error {
		_, err := s.downloader.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(objectKey(s.Prefix, remotePath)),
		})
		if err != nil {
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
			}
			return fmt.Errorf("s3 download %s: %w", remotePath, err)
		}
		return nil
	})
}

// List lists objects in the bucket with the given prefix.
func (s *S3Provider) List(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(objectKey(s.Prefix, prefix)),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, relativeKey(s.Prefix, aws.ToString(obj.Key)))
		}
	}
	return keys, nil
}

// Delete removes an object from the bucket.
func (s *S3Provider) Delete(ctx context.Context, remotePath string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(objectKey(s.Prefix, remotePath)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", remotePath, err)
	}
	return nil
}
