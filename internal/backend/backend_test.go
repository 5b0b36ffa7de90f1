package backend

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "memvault/internal/errors"
)

type namedBackend struct {
	name   string
	closed bool
}

func (n *namedBackend) Name() string                                { return n.name }
func (n *namedBackend) Kind() Kind                                  { return KindCache }
func (n *namedBackend) Snapshot(context.Context) (*Snapshot, error) { return &Snapshot{}, nil }
func (n *namedBackend) Restore(context.Context, *Snapshot) error    { return nil }
func (n *namedBackend) CheckLiveness(context.Context) error         { return nil }
func (n *namedBackend) Count(context.Context) (int64, error)        { return 0, nil }
func (n *namedBackend) Close() error                                { n.closed = true; return nil }

func TestSetSelect(t *testing.T) {
	pg, qd, rd := &namedBackend{name: "postgres"}, &namedBackend{name: "qdrant"}, &namedBackend{name: "redis"}
	set := NewSet(pg, qd, rd)

	t.Run("empty selects all in order", func(t *testing.T) {
		selected, err := set.Select(nil)
		require.NoError(t, err)
		require.Len(t, selected, 3)
		assert.Equal(t, "postgres", selected[0].Name())
		assert.Equal(t, "redis", selected[2].Name())
	})

	t.Run("registration order and dedup", func(t *testing.T) {
		selected, err := set.Select([]string{"redis", "postgres", "redis"})
		require.NoError(t, err)
		require.Len(t, selected, 2)
		assert.Equal(t, "postgres", selected[0].Name())
		assert.Equal(t, "redis", selected[1].Name())
	})

	t.Run("unknown name rejected", func(t *testing.T) {
		_, err := set.Select([]string{"postgres", "mongo"})
		require.Error(t, err)
		assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
		assert.Contains(t, err.Error(), "mongo")
	})

	assert.Equal(t, []string{"postgres", "qdrant", "redis"}, set.Names())
	require.NoError(t, set.Close())
	assert.True(t, pg.closed)
	assert.True(t, rd.closed)
}

func TestPackUnpackTables(t *testing.T) {
	dumps := []tableDump{
		{Table: "memories", Rows: 3, Data: []byte("PGCOPY\nbinary-a")},
		{Table: "public.memory_links", Rows: 0, Data: nil},
		{Table: "memory_graph._ag_label_vertex_id_seq", Data: []byte("17"), Sequence: true},
	}

	data, err := packTables(dumps, time.Now())
	require.NoError(t, err)

	got, err := unpackTables(data)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "memories", got[0].Table)
	assert.Equal(t, int64(3), got[0].Rows)
	assert.Equal(t, []byte("PGCOPY\nbinary-a"), got[0].Data)
	assert.Equal(t, "public.memory_links", got[1].Table)
	assert.Empty(t, got[1].Data)
	assert.True(t, got[2].Sequence)
	assert.Equal(t, "17", string(got[2].Data))

	assert.Equal(t, int64(3), rowsOf(got, "memories"))
	assert.Equal(t, int64(3), totalRows(got))
}

func TestUnpackRejectsGarbage(t *testing.T) {
	_, err := unpackTables([]byte("not a tar stream at all, definitely not"))
	assert.Error(t, err)
}

func TestQuoteTable(t *testing.T) {
	assert.Equal(t, `"memories"`, quoteTable("memories"))
	assert.Equal(t, `"memory_graph"."Memory"`, quoteTable("memory_graph.Memory"))
	assert.Equal(t, `"bad""name"`, quoteTable(`bad"name`))
}

func TestParseAgtypeInt(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "42", want: 42},
		{raw: " 7 ", want: 7},
		{raw: "12::integer", want: 12},
		{raw: `"5"`, want: 5},
		{raw: "{}", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseAgtypeInt(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// fakeRedis implements redisAPI with canned command results
type fakeRedis struct {
	store    map[string]string
	ttl      map[string]time.Duration
	pingErr  error
	flushed  bool
	restored []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{store: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeRedis) BgSave(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("", errors.New("ERR Background save already in progress"))
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	keys := make([]string, 0, len(f.store))
	for k := range f.store {
		keys = append(keys, k)
	}
	// a phantom key that vanishes before DUMP
	keys = append(keys, "gone")
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeRedis) Dump(ctx context.Context, key string) *redis.StringCmd {
	v, ok := f.store[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) PTTL(ctx context.Context, key string) *redis.DurationCmd {
	if ttl, ok := f.ttl[key]; ok {
		return redis.NewDurationResult(ttl, nil)
	}
	return redis.NewDurationResult(-1, nil)
}

func (f *fakeRedis) FlushDB(ctx context.Context) *redis.StatusCmd {
	f.flushed = true
	f.store = map[string]string{}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) RestoreReplace(ctx context.Context, key string, ttl time.Duration, value string) *redis.StatusCmd {
	f.store[key] = value
	if ttl > 0 {
		f.ttl[key] = ttl
	}
	f.restored = append(f.restored, key)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) DBSize(ctx context.Context) *redis.IntCmd {
	return redis.NewIntResult(int64(len(f.store)), nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	source := newFakeRedis()
	source.store["session:1"] = "\x00binary\xffdump"
	source.store["cache:2"] = "plain"
	source.ttl["session:1"] = 90 * time.Second

	snap, err := newRedis(source).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, formatRedisDump, snap.Format)
	assert.Equal(t, int64(2), snap.Items, "vanished keys are skipped")

	target := newFakeRedis()
	target.store["stale"] = "x"
	adapter := newRedis(target)
	require.NoError(t, adapter.Restore(ctx, snap))

	assert.True(t, target.flushed)
	assert.Equal(t, "\x00binary\xffdump", target.store["session:1"])
	assert.Equal(t, 90*time.Second, target.ttl["session:1"])
	assert.NotContains(t, target.store, "stale")

	count, err := adapter.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedisRestoreRejectsCorruptArtifact(t *testing.T) {
	target := newFakeRedis()
	target.store["keep"] = "me"

	err := newRedis(target).Restore(context.Background(), &Snapshot{Format: formatRedisDump, Data: []byte("{not json\n")})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindRestore, apperrors.KindOf(err))
	assert.False(t, target.flushed, "corrupt artifacts must not flush the cache")

	err = newRedis(target).Restore(context.Background(), &Snapshot{Format: "pgcopy.tar"})
	assert.Equal(t, apperrors.KindRestore, apperrors.KindOf(err))
}

func TestRedisLiveness(t *testing.T) {
	f := newFakeRedis()
	f.pingErr = &net.OpError{Op: "dial", Err: errors.New("connection refused")}

	err := newRedis(f).CheckLiveness(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsBackendUnavailable(err))
}

// fakeQdrant implements qdrantAPI
type fakeQdrant struct {
	count     uint64
	countErr  error
	snapErr   error
	healthErr error
	created   []string
	deleted   []string
}

func (f *fakeQdrant) HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error) {
	return &qdrant.HealthCheckReply{}, f.healthErr
}

func (f *fakeQdrant) CreateSnapshot(ctx context.Context, collection string) (*qdrant.SnapshotDescription, error) {
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	name := collection + "-1.snapshot"
	f.created = append(f.created, name)
	return &qdrant.SnapshotDescription{Name: name}, nil
}

func (f *fakeQdrant) DeleteSnapshot(ctx context.Context, collection string, snapshot string) error {
	f.deleted = append(f.deleted, snapshot)
	return nil
}

func (f *fakeQdrant) Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error) {
	return f.count, f.countErr
}

func (f *fakeQdrant) Close() error { return nil }

func TestQdrantSnapshotAndRestore(t *testing.T) {
	var uploaded []byte
	var uploadQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("api-key"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/memories/snapshots/memories-1.snapshot":
			w.Write([]byte("qdrant-snapshot-bytes"))
		case r.Method == http.MethodPost && r.URL.Path == "/collections/memories/snapshots/upload":
			uploadQuery = r.URL.RawQuery
			reader, err := r.MultipartReader()
			require.NoError(t, err)
			part, err := reader.NextPart()
			require.NoError(t, err)
			assert.Equal(t, "snapshot", part.FormName())
			uploaded, _ = io.ReadAll(part)
			w.Write([]byte(`{"result":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	api := &fakeQdrant{count: 12}
	adapter := newQdrant(api, "memories", srv.URL, "secret")

	snap, err := adapter.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "qdrant-snapshot-bytes", string(snap.Data))
	assert.Equal(t, int64(12), snap.Items)
	assert.Equal(t, api.created, api.deleted, "server-side snapshot must be removed")

	require.NoError(t, adapter.Restore(context.Background(), snap))
	assert.Equal(t, "qdrant-snapshot-bytes", string(uploaded))
	assert.Contains(t, uploadQuery, "priority=snapshot")
}

func TestQdrantFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	t.Run("unreachable on count", func(t *testing.T) {
		api := &fakeQdrant{countErr: status.Error(codes.Unavailable, "connection refused")}
		_, err := newQdrant(api, "memories", srv.URL, "").Snapshot(context.Background())
		assert.True(t, apperrors.IsBackendUnavailable(err))
	})

	t.Run("rejected snapshot", func(t *testing.T) {
		api := &fakeQdrant{snapErr: status.Error(codes.NotFound, "collection not found")}
		_, err := newQdrant(api, "memories", srv.URL, "").Snapshot(context.Background())
		assert.Equal(t, apperrors.KindSnapshot, apperrors.KindOf(err))
	})

	t.Run("download failure still deletes server copy", func(t *testing.T) {
		api := &fakeQdrant{}
		_, err := newQdrant(api, "memories", srv.URL, "").Snapshot(context.Background())
		require.Error(t, err)
		assert.Len(t, api.deleted, 1)
	})

	t.Run("upload failure", func(t *testing.T) {
		err := newQdrant(&fakeQdrant{}, "memories", srv.URL, "").
			Restore(context.Background(), &Snapshot{Format: formatQdrantSnapshot, Data: []byte("x")})
		assert.Equal(t, apperrors.KindRestore, apperrors.KindOf(err))
		assert.True(t, strings.Contains(err.Error(), "500"))
	})

	t.Run("health", func(t *testing.T) {
		api := &fakeQdrant{healthErr: errors.New("down")}
		assert.True(t, apperrors.IsBackendUnavailable(newQdrant(api, "memories", srv.URL, "").CheckLiveness(context.Background())))
	})
}
