package providers

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureProvider mirrors snapshots to an Azure Blob Storage container.
type AzureProvider struct {
	Container string
	Prefix    string

	client *azblob.Client
}

// NewAzureProvider authenticates with the storage account shared key.
func NewAzureProvider(cfg MirrorConfig) (*AzureProvider, error) {
	if cfg.Account == "" || cfg.Container == "" {
		return nil, errors.New("azure account and container are required")
	}
	if cfg.KeySecret == "" {
		return nil, errors.New("azure account key is required")
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.KeySecret)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &AzureProvider{Container: cfg.Container, Prefix: cfg.Prefix, client: client}, nil
}

func (a *AzureProvider) Name() string { return "azure" }

func (a *AzureProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	f, release, err := openForUpload(localPath, remotePath)
	if err != nil {
		return err
	}
	defer release()

	if _, err := a.client.UploadFile(ctx, a.Container, objectKey(a.Prefix, remotePath), f, nil); err != nil {
		return fmt.Errorf("azure upload %s: %w", remotePath, err)
	}
	return nil
}

func (a *AzureProvider) Download(ctx context.Context, remotePath, localPath string) error {
	return downloadVia(remotePath, localPath, func(f *os.File) error {
		_, err := a.client.DownloadFile(ctx, a.Container, objectKey(a.Prefix, remotePath), f, nil)
		if err != nil {
			if bloberror.HasCode(err, bloberror.BlobNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
			}
			return fmt.Errorf("azure download %s: %w", remotePath, err)
		}
		return nil
	})
}

func (a *AzureProvider) List(ctx context.Context, prefix string) ([]string, error) {
	full := objectKey(a.Prefix, prefix)
	pager := a.client.NewListBlobsFlatPager(a.Container, &azblob.ListBlobsFlatOptions{Prefix: &full})

	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, relativeKey(a.Prefix, *item.Name))
			}
		}
	}
	return keys, nil
}

func (a *AzureProvider) Delete(ctx context.Context, remotePath string) error {
	_, err := a.client.DeleteBlob(ctx, a.Container, objectKey(a.Prefix, remotePath), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azure delete %s: %w", remotePath, err)
	}
	return nil
}
