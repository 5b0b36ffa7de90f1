package artifact

import (
	"context"
	"fmt"
	"strings"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

// Provider stores opaque objects under slash-separated keys
type Provider interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) error
	// Get returns a NotFound error when the key does not exist
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes every object under prefix
	Delete(ctx context.Context, prefix string) error
	// List returns the keys under prefix in lexical order
	List(ctx context.Context, prefix string) ([]string, error)
	HealthCheck(ctx context.Context) error
}

// NewProvider creates the offsite provider selected by cfg
func NewProvider(ctx context.Context, cfg config.OffsiteConfig) (Provider, error) {
	switch cfg.Provider {
	case "s3":
		if cfg.S3 == nil {
			return nil, apperrors.NewConfigurationError("S3 configuration is required for S3 provider", nil)
		}
		return NewS3Provider(cfg.S3)
	case "gcs":
		if cfg.GCS == nil {
			return nil, apperrors.NewConfigurationError("GCS configuration is required for GCS provider", nil)
		}
		return NewGCSProvider(ctx, cfg.GCS)
	case "azure":
		if cfg.Azure == nil {
			return nil, apperrors.NewConfigurationError("Azure configuration is required for Azure provider", nil)
		}
		return NewAzureProvider(cfg.Azure)
	default:
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("unsupported offsite provider: %s", cfg.Provider), nil)
	}
}

// NewStoreFromConfig builds the local primary plus every configured mirror
func NewStoreFromConfig(ctx context.Context, cfg config.StorageConfig, warn func(string, error)) (*Store, error) {
	primary, err := NewLocalProvider(cfg.Local)
	if err != nil {
		return nil, err
	}

	mirrors := make([]Provider, 0, len(cfg.Offsite))
	for _, oc := range cfg.Offsite {
		p, err := NewProvider(ctx, oc)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, p)
	}
	return NewStore(primary, mirrors, warn), nil
}

// objectKey joins a provider prefix and a cleaned key
func objectKey(prefix, key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return cleaned, nil
	}
	return prefix + "/" + cleaned, nil
}

// listPrefix joins a provider prefix and a list prefix, which may be empty
func listPrefix(prefix, p string) string {
	prefix = strings.Trim(prefix, "/")
	p = strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/")
	switch {
	case prefix == "":
		return p
	case p == "":
		return prefix + "/"
	default:
		return prefix + "/" + p
	}
}

// stripPrefix turns an object key back into a store key
func stripPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

func notFound(provider, key string, cause error) error {
	return apperrors.NewNotFound(fmt.Sprintf("%s: object %s not found", provider, key), cause)
}
