package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

// LocalProvider keeps artifacts on the local file system. It is always the
// primary provider.
type LocalProvider struct {
	basePath    string
	permissions os.FileMode
}

// NewLocalProvider creates the base directory and returns the provider
func NewLocalProvider(cfg config.LocalConfig) (*LocalProvider, error) {
	if cfg.BasePath == "" {
		return nil, apperrors.NewConfigurationError("base path is required for local storage", nil)
	}

	perm := os.FileMode(0o755)
	if cfg.Permissions != "" {
		parsed, err := strconv.ParseUint(cfg.Permissions, 8, 32)
		if err != nil {
			return nil, apperrors.NewConfigurationError(fmt.Sprintf("invalid storage permissions %q", cfg.Permissions), err)
		}
		perm = os.FileMode(parsed)
	}

	p := &LocalProvider{basePath: cfg.BasePath, permissions: perm}
	if err := os.MkdirAll(p.basePath, p.permissions); err != nil {
		return nil, apperrors.NewStorageError(fmt.Sprintf("failed to create base directory %s", p.basePath), err)
	}
	return p, nil
}

func (p *LocalProvider) Name() string { return "local" }

// BasePath is the root directory of the artifact tree
func (p *LocalProvider) BasePath() string { return p.basePath }

func (p *LocalProvider) path(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(p.basePath, filepath.FromSlash(cleaned)), nil
}

// Put writes through a temporary file and renames it into place, so a crash
// never leaves a truncated artifact under the final name
func (p *LocalProvider) Put(ctx context.Context, key string, data []byte) error {
	target, err := p.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), p.permissions); err != nil {
		return apperrors.NewStorageError("failed to create artifact directory", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.NewStorageError("failed to write artifact", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return apperrors.NewStorageError("failed to move artifact into place", err)
	}
	return nil
}

func (p *LocalProvider) Get(ctx context.Context, key string) ([]byte, error) {
	target, err := p.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(p.Name(), key, err)
	}
	if err != nil {
		return nil, apperrors.NewStorageError("failed to read artifact", err)
	}
	return data, nil
}

// Delete removes the directory or file at prefix. A missing prefix is not an error.
func (p *LocalProvider) Delete(ctx context.Context, prefix string) error {
	target, err := p.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return apperrors.NewStorageError("failed to delete artifacts", err)
	}
	return nil
}

func (p *LocalProvider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(p.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(p.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, ".") {
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list artifacts", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck writes, reads and removes a probe file in the base directory
func (p *LocalProvider) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(p.basePath, ".health_check")
	if err := os.WriteFile(probe, []byte("health_check"), 0o600); err != nil {
		return apperrors.NewStorageError("local storage health check failed: cannot write to base directory", err)
	}
	if _, err := os.ReadFile(probe); err != nil {
		return apperrors.NewStorageError("local storage health check failed: cannot read from base directory", err)
	}
	_ = os.Remove(probe)
	return nil
}
