package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

// AzureProvider mirrors artifacts to an Azure Blob Storage container
type AzureProvider struct {
	container azblob.ContainerURL
	name      string
	prefix    string
}

// NewAzureProvider authenticates with the account shared key
func NewAzureProvider(cfg *config.AzureConfig) (*AzureProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewConfigurationError("invalid Azure storage configuration", err)
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to create Azure credentials", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to parse Azure service URL", err)
	}

	return &AzureProvider{
		container: azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(cfg.ContainerName),
		name:      cfg.ContainerName,
		prefix:    cfg.Prefix,
	}, nil
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) Put(ctx context.Context, key string, data []byte) error {
	blobName, err := objectKey(p.prefix, key)
	if err != nil {
		return err
	}
	_, err = azblob.UploadBufferToBlockBlob(ctx, data, p.container.NewBlockBlobURL(blobName), azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 4,
		Metadata:    azblob.Metadata{"artifactchecksum": Checksum(data)},
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return apperrors.NewStorageError("failed to upload artifact to Azure", err)
	}
	return nil
}

func (p *AzureProvider) Get(ctx context.Context, key string) ([]byte, error) {
	blobName, err := objectKey(p.prefix, key)
	if err != nil {
		return nil, err
	}

	resp, err := p.container.NewBlobURL(blobName).Download(ctx, 0, azblob.CountToEnd,
		azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		var serr azblob.StorageError
		if errors.As(err, &serr) && serr.ServiceCode() == azblob.ServiceCodeBlobNotFound {
			return nil, notFound(p.Name(), key, err)
		}
		return nil, apperrors.NewStorageError("failed to download artifact from Azure", err)
	}

	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
	defer body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, apperrors.NewStorageError("failed to read artifact from Azure", err)
	}
	return buf.Bytes(), nil
}

func (p *AzureProvider) Delete(ctx context.Context, prefix string) error {
	names, err := p.listBlobs(ctx, listPrefix(p.prefix, prefix))
	if err != nil {
		return err
	}
	for _, name := range names {
		_, err := p.container.NewBlobURL(name).Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
		if err != nil {
			return apperrors.NewStorageError("failed to delete artifact from Azure", err)
		}
	}
	return nil
}

func (p *AzureProvider) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := p.listBlobs(ctx, listPrefix(p.prefix, prefix))
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = stripPrefix(p.prefix, n)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *AzureProvider) listBlobs(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := p.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{Prefix: prefix})
		if err != nil {
			return nil, apperrors.NewStorageError("failed to list artifacts in Azure", err)
		}
		for _, blob := range resp.Segment.BlobItems {
			names = append(names, blob.Name)
		}
		marker = resp.NextMarker
	}
	return names, nil
}

// HealthCheck reads the container properties and lists one blob
func (p *AzureProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.container.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return apperrors.NewStorageError(fmt.Sprintf("Azure health check failed: container %s not accessible", p.name), err)
	}
	_, err := p.container.ListBlobsFlatSegment(ctx, azblob.Marker{}, azblob.ListBlobsSegmentOptions{
		Prefix:     listPrefix(p.prefix, ""),
		MaxResults: 1,
	})
	if err != nil {
		return apperrors.NewStorageError("Azure health check failed: cannot list blobs", err)
	}
	return nil
}
