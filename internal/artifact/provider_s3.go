package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

// S3Provider mirrors artifacts to an S3 bucket
type S3Provider struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewS3Provider creates a session from static credentials, or the default
// chain when none are configured
func NewS3Provider(cfg *config.S3Config) (*S3Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewConfigurationError("invalid S3 storage configuration", err)
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create AWS session", err)
	}

	return &S3Provider{client: s3.New(sess), bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (p *S3Provider) Name() string { return "s3" }

func (p *S3Provider) Put(ctx context.Context, key string, data []byte) error {
	objKey, err := objectKey(p.prefix, key)
	if err != nil {
		return err
	}
	_, err = p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"artifact-checksum": aws.String(Checksum(data)),
		},
	})
	if err != nil {
		return apperrors.NewStorageError("failed to upload artifact to S3", err)
	}
	return nil
}

func (p *S3Provider) Get(ctx context.Context, key string) ([]byte, error) {
	objKey, err := objectKey(p.prefix, key)
	if err != nil {
		return nil, err
	}
	result, err := p.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, notFound(p.Name(), key, err)
		}
		return nil, apperrors.NewStorageError("failed to download artifact from S3", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to read artifact from S3", err)
	}
	return data, nil
}

func (p *S3Provider) Delete(ctx context.Context, prefix string) error {
	keys, err := p.listObjects(ctx, listPrefix(p.prefix, prefix))
	if err != nil {
		return err
	}

	// DeleteObjects accepts at most 1000 keys per call
	for start := 0; start < len(keys); start += 1000 {
		end := start + 1000
		if end > len(keys) {
			end = len(keys)
		}
		objects := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := p.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &s3.Delete{Objects: objects},
		})
		if err != nil {
			return apperrors.NewStorageError("failed to delete artifacts from S3", err)
		}
	}
	return nil
}

func (p *S3Provider) List(ctx context.Context, prefix string) ([]string, error) {
	objKeys, err := p.listObjects(ctx, listPrefix(p.prefix, prefix))
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(objKeys))
	for i, k := range objKeys {
		keys[i] = stripPrefix(p.prefix, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *S3Provider) listObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := p.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list artifacts in S3", err)
	}
	return keys, nil
}

// HealthCheck verifies the bucket is reachable and listable
func (p *S3Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)}); err != nil {
		return apperrors.NewStorageError("S3 health check failed: bucket not accessible", err)
	}
	_, err := p.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(listPrefix(p.prefix, "")),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return apperrors.NewStorageError("S3 health check failed: cannot list objects", err)
	}
	return nil
}
