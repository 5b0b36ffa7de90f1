package artifact

import (
	"context"
	"errors"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

// GCSProvider mirrors artifacts to a Google Cloud Storage bucket
type GCSProvider struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSProvider uses the credentials file when set, otherwise the
// application default credentials
func NewGCSProvider(ctx context.Context, cfg *config.GCSConfig) (*GCSProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewConfigurationError("invalid GCS storage configuration", err)
	}

	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create GCS client", err)
	}

	return &GCSProvider{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (p *GCSProvider) Name() string { return "gcs" }

func (p *GCSProvider) Put(ctx context.Context, key string, data []byte) error {
	name, err := objectKey(p.prefix, key)
	if err != nil {
		return err
	}

	w := p.client.Bucket(p.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{"artifact-checksum": Checksum(data)}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return apperrors.NewStorageError("failed to upload artifact to GCS", err)
	}
	if err := w.Close(); err != nil {
		return apperrors.NewStorageError("failed to finalize artifact upload to GCS", err)
	}
	return nil
}

func (p *GCSProvider) Get(ctx context.Context, key string) ([]byte, error) {
	name, err := objectKey(p.prefix, key)
	if err != nil {
		return nil, err
	}

	r, err := p.client.Bucket(p.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(p.Name(), key, err)
	}
	if err != nil {
		return nil, apperrors.NewStorageError("failed to download artifact from GCS", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to read artifact from GCS", err)
	}
	return data, nil
}

func (p *GCSProvider) Delete(ctx context.Context, prefix string) error {
	names, err := p.listObjects(ctx, listPrefix(p.prefix, prefix))
	if err != nil {
		return err
	}
	bucket := p.client.Bucket(p.bucket)
	for _, name := range names {
		if err := bucket.Object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return apperrors.NewStorageError("failed to delete artifact from GCS", err)
		}
	}
	return nil
}

func (p *GCSProvider) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := p.listObjects(ctx, listPrefix(p.prefix, prefix))
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

func (p *GCSProvider) listObjects(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := p.client.Bucket(p.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, apperrors.NewStorageError("failed to list artifacts in GCS", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// HealthCheck reads the bucket attributes and lists one object
func (p *GCSProvider) HealthCheck(ctx context.Context) error {
	bucket := p.client.Bucket(p.bucket)
	if _, err := bucket.Attrs(ctx); err != nil {
		return apperrors.NewStorageError("GCS health check failed: bucket not accessible", err)
	}
	it := bucket.Objects(ctx, &storage.Query{Prefix: listPrefix(p.prefix, "")})
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return apperrors.NewStorageError("GCS health check failed: cannot list objects", err)
	}
	return nil
}
