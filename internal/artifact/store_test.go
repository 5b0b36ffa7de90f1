package artifact

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

// memProvider is an in-memory mirror with injectable failures
type memProvider struct {
	mu      sync.Mutex
	name    string
	objects map[string][]byte
	failPut bool
	failGet bool
}

func newMemProvider(name string) *memProvider {
	return &memProvider{name: name, objects: make(map[string][]byte)}
}

func (m *memProvider) Name() string { return m.name }

func (m *memProvider) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return apperrors.NewStorageError("put failed", errors.New("boom"))
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memProvider) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, apperrors.NewStorageError("get failed", errors.New("boom"))
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, notFound(m.name, key, nil)
	}
	return data, nil
}

func (m *memProvider) Delete(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *memProvider) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memProvider) HealthCheck(ctx context.Context) error { return nil }

func newLocal(t *testing.T) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(config.LocalConfig{BasePath: t.TempDir(), Permissions: "0750"})
	require.NoError(t, err)
	return p
}

func TestLocalProvider_PutGetListDelete(t *testing.T) {
	ctx := context.Background()
	p := newLocal(t)

	require.NoError(t, p.Put(ctx, "daily/backup_1/postgres.tar", []byte("a")))
	require.NoError(t, p.Put(ctx, "daily/backup_1/metadata.json", []byte("{}")))
	require.NoError(t, p.Put(ctx, "manual/backup_2/redis.jsonl", []byte("b")))

	data, err := p.Get(ctx, "daily/backup_1/postgres.tar")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	keys, err := p.List(ctx, "daily/")
	require.NoError(t, err)
	assert.Equal(t, []string{"daily/backup_1/metadata.json", "daily/backup_1/postgres.tar"}, keys)

	require.NoError(t, p.Delete(ctx, "daily/backup_1"))
	_, err = p.Get(ctx, "daily/backup_1/postgres.tar")
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, p.Delete(ctx, "daily/missing"))
	assert.NoError(t, p.HealthCheck(ctx))
}

func TestLocalProvider_RejectsTraversal(t *testing.T) {
	p := newLocal(t)

	err := p.Put(context.Background(), "../escape", []byte("x"))
	assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
}

func TestNewLocalProvider_InvalidPermissions(t *testing.T) {
	_, err := NewLocalProvider(config.LocalConfig{BasePath: t.TempDir(), Permissions: "rwx"})
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}

func TestStore_MirrorFailureIsWarning(t *testing.T) {
	ctx := context.Background()
	mirror := newMemProvider("s3")
	mirror.failPut = true

	var warnings []string
	store := NewStore(newLocal(t), []Provider{mirror}, func(provider string, err error) {
		warnings = append(warnings, provider)
	})

	require.NoError(t, store.Put(ctx, "manual/b/postgres.tar", []byte("data")))
	assert.Equal(t, []string{"s3"}, warnings)

	data, err := store.Get(ctx, "manual/b/postgres.tar")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
}

func TestStore_PrimaryFailureIsFatal(t *testing.T) {
	primary := newMemProvider("primary")
	primary.failPut = true
	mirror := newMemProvider("gcs")
	store := NewStore(primary, []Provider{mirror}, nil)

	err := store.Put(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.Empty(t, mirror.objects)
}

func TestStore_GetFallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	primary := newMemProvider("local")
	mirror := newMemProvider("azure")
	store := NewStore(primary, []Provider{mirror}, nil)

	require.NoError(t, store.Put(ctx, "weekly/b/qdrant.snapshot", []byte("snap")))
	require.NoError(t, primary.Delete(ctx, "weekly/b"))

	data, err := store.Get(ctx, "weekly/b/qdrant.snapshot")
	require.NoError(t, err)
	assert.Equal(t, []byte("snap"), data)

	_, err = store.Get(ctx, "weekly/other")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStore_DeleteEverywhere(t *testing.T) {
	ctx := context.Background()
	primary := newMemProvider("local")
	mirror := newMemProvider("s3")
	store := NewStore(primary, []Provider{mirror}, nil)

	require.NoError(t, store.Put(ctx, "daily/b/x", []byte("1")))
	require.NoError(t, store.Delete(ctx, "daily/b"))

	keys, err := mirror.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestProviderPrefixHelpers(t *testing.T) {
	key, err := objectKey("memvault/", "daily/b/x")
	require.NoError(t, err)
	assert.Equal(t, "memvault/daily/b/x", key)

	assert.Equal(t, "memvault/", listPrefix("memvault", ""))
	assert.Equal(t, "daily/", listPrefix("", "daily/"))
	assert.Equal(t, "daily/b/x", stripPrefix("memvault", "memvault/daily/b/x"))
}
