package memory

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "memvault/internal/errors"
)

func TestNormalizeAndHash(t *testing.T) {
	assert.Equal(t, "the cat sat", NormalizeContent("  The\tCAT \n sat "))
	assert.Equal(t, ContentHash("The cat  sat"), ContentHash("the cat sat"))
	assert.NotEqual(t, ContentHash("the cat sat"), ContentHash("the cat sits"))
}

func TestEstimateTokens(t *testing.T) {
	tests := map[string]int64{"": 0, "a": 1, "abcd": 1, "abcde": 2, "abcdefgh": 2}
	for in, want := range tests {
		assert.Equal(t, want, EstimateTokens(in), in)
	}
}

func TestNewPostgresStore_RejectsBadTable(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewPostgresStore(db, "memories; DROP TABLE x")
	assert.True(t, apperrors.Is(err, apperrors.KindConfiguration))

	_, err = NewPostgresStore(db, "public.memories")
	assert.NoError(t, err)
}

func memoryRows() *sqlmock.Rows {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return sqlmock.NewRows([]string{"id", "agent_id", "content", "content_hash", "embedding", "metadata", "created_at", "updated_at"}).
		AddRow("m1", "agent-a", "hello world", "h1", "[1,0,0.5]", `{"k":"v"}`, at, at).
		AddRow("m2", "agent-a", "other", nil, nil, nil, at, at)
}

func TestPostgresStore_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := NewPostgresStore(db, "memories")
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM memories WHERE agent_id = $1 ORDER BY created_at, id`)).
		WithArgs("agent-a").
		WillReturnRows(memoryRows())

	mems, err := s.List(context.Background(), "agent-a")
	require.NoError(t, err)
	require.Len(t, mems, 2)

	assert.Equal(t, []float32{1, 0, 0.5}, mems[0].Embedding)
	assert.Equal(t, "h1", mems[0].ContentHash)
	assert.JSONEq(t, `{"k":"v"}`, string(mems[0].Metadata))
	assert.Nil(t, mems[1].Embedding)
	assert.Equal(t, ContentHash("other"), mems[1].ContentHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, _ := NewPostgresStore(db, "memories")

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id IN ($1, $2)`)).
		WithArgs("m1", "m2").
		WillReturnRows(memoryRows())

	mems, err := s.Get(context.Background(), []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Len(t, mems, 2)

	none, err := s.Get(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, _ := NewPostgresStore(db, "memories")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM memories WHERE id = $1`)).WithArgs("m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM memories WHERE id = $1`)).WithArgs("m2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := s.Delete(context.Background(), []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, _ := NewPostgresStore(db, "memories")

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM memories`).WithArgs("m1").WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err = s.Delete(context.Background(), []string{"m1"})
	assert.True(t, apperrors.Is(err, apperrors.KindStorage))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, _ := NewPostgresStore(db, "memories")

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO memories`)).
		WithArgs("m1", "agent-a", "hello", ContentHash("hello"), "[1,2]", nil, at, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.Insert(context.Background(), []Memory{{
		ID: "m1", AgentID: "agent-a", Content: "hello", Embedding: []float32{1, 2}, CreatedAt: at, UpdatedAt: at,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateContent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, _ := NewPostgresStore(db, "memories")
	at := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE memories SET content = $1`)).
		WithArgs("merged", ContentHash("merged"), at, "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE memories SET content = $1`)).
		WithArgs("merged", ContentHash("merged"), at, "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.UpdateContent(context.Background(), "m1", "merged", at))
	err = s.UpdateContent(context.Background(), "gone", "merged", at)
	assert.True(t, apperrors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakePoints struct {
	upserts []*qdrant.UpsertPoints
	deletes []*qdrant.DeletePoints
	queries []*qdrant.QueryPoints
	scored  []*qdrant.ScoredPoint
	err     error
}

func (f *fakePoints) Upsert(ctx context.Context, r *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.upserts = append(f.upserts, r)
	return &qdrant.UpdateResult{}, f.err
}

func (f *fakePoints) Delete(ctx context.Context, r *qdrant.DeletePoints) (*qdrant.UpdateResult, error) {
	f.deletes = append(f.deletes, r)
	return &qdrant.UpdateResult{}, f.err
}

func (f *fakePoints) Query(ctx context.Context, r *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.queries = append(f.queries, r)
	return f.scored, f.err
}

func scored(memoryID string, score float32) *qdrant.ScoredPoint {
	return &qdrant.ScoredPoint{
		Id:      qdrant.NewID(PointID(memoryID)),
		Payload: qdrant.NewValueMap(map[string]any{"memory_id": memoryID}),
		Score:   score,
	}
}

func TestPointID(t *testing.T) {
	u := "0b5f3a8e-3f51-4b8a-9d2c-1e2f3a4b5c6d"
	assert.Equal(t, u, PointID(u))
	assert.Equal(t, PointID("mem-1"), PointID("mem-1"))
	assert.NotEqual(t, PointID("mem-1"), PointID("mem-2"))
}

func TestQdrantIndex(t *testing.T) {
	fake := &fakePoints{}
	idx := newQdrantIndex(fake, "memories")
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Memory{
		{ID: "a", Embedding: []float32{1, 2}},
		{ID: "b"},
	}))
	require.Len(t, fake.upserts, 1)
	assert.Equal(t, "memories", fake.upserts[0].CollectionName)
	assert.Len(t, fake.upserts[0].Points, 1)

	require.NoError(t, idx.Upsert(ctx, []Memory{{ID: "c"}}))
	assert.Len(t, fake.upserts, 1)

	require.NoError(t, idx.Delete(ctx, []string{"a", "b"}))
	require.Len(t, fake.deletes, 1)

	fake.err = errors.New("collection not found")
	err := idx.Delete(ctx, []string{"a"})
	assert.True(t, apperrors.Is(err, apperrors.KindStorage))
}

func TestQdrantIndex_Similar(t *testing.T) {
	fake := &fakePoints{scored: []*qdrant.ScoredPoint{
		scored("self", 1),
		scored("b", 0.97),
		{Id: qdrant.NewID(PointID("orphan")), Score: 0.96},
	}}
	idx := newQdrantIndex(fake, "memories")
	ctx := context.Background()

	matches, err := idx.Similar(ctx, Memory{ID: "self", Embedding: []float32{1, 0}}, 0.95, "agent-1")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].ID)
	assert.InDelta(t, 0.97, matches[0].Score, 1e-6)

	require.Len(t, fake.queries, 1)
	q := fake.queries[0]
	assert.Equal(t, "memories", q.CollectionName)
	require.NotNil(t, q.ScoreThreshold)
	assert.InDelta(t, 0.95, *q.ScoreThreshold, 1e-6)
	require.NotNil(t, q.Filter)
	require.Len(t, q.Filter.Must, 1)
	assert.Equal(t, "agent_id", q.Filter.Must[0].GetField().GetKey())
	assert.Equal(t, "agent-1", q.Filter.Must[0].GetField().GetMatch().GetKeyword())

	_, err = idx.Similar(ctx, Memory{ID: "self", Embedding: []float32{1, 0}}, 0.95, "")
	require.NoError(t, err)
	assert.Nil(t, fake.queries[1].Filter)

	matches, err = idx.Similar(ctx, Memory{ID: "bare"}, 0.95, "")
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Len(t, fake.queries, 2)

	fake.err = errors.New("collection not found")
	_, err = idx.Similar(ctx, Memory{ID: "self", Embedding: []float32{1, 0}}, 0.95, "")
	assert.True(t, apperrors.Is(err, apperrors.KindStorage))
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}
