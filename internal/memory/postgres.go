package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	apperrors "memvault/internal/errors"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresStore reads memories from the relational+vector store. The table
// is expected to have the columns id, agent_id, content, content_hash,
// embedding (vector), metadata (jsonb), created_at and updated_at.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// OpenPostgresStore wraps the backend's pgx pool in a database/sql handle
func OpenPostgresStore(pool *pgxpool.Pool, table string) (*PostgresStore, error) {
	return NewPostgresStore(stdlib.OpenDBFromPool(pool), table)
}

// NewPostgresStore uses an existing handle
func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("invalid memory table name %q", table), nil)
	}
	return &PostgresStore{db: db, table: table}, nil
}

// Close closes the database/sql handle; the pool stays open
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const memoryColumns = `id, agent_id, content, content_hash, embedding::text, metadata::text, created_at, updated_at`

func (s *PostgresStore) List(ctx context.Context, agentID string) ([]Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM ` + s.table
	var args []interface{}
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at, id`
	return s.query(ctx, query, args...)
}

func (s *PostgresStore) Get(ctx context.Context, ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `SELECT ` + memoryColumns + ` FROM ` + s.table +
		` WHERE id IN (` + strings.Join(placeholders, ", ") + `) ORDER BY created_at, id`
	return s.query(ctx, query, args...)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("failed to read memories", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, storeError("failed to read memory row", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to read memories", err)
	}
	return out, nil
}

func scanMemory(rows *sql.Rows) (Memory, error) {
	var (
		m         Memory
		hash      sql.NullString
		embedding sql.NullString
		metadata  sql.NullString
	)
	if err := rows.Scan(&m.ID, &m.AgentID, &m.Content, &hash, &embedding, &metadata, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, err
	}
	m.ContentHash = hash.String
	if m.ContentHash == "" {
		m.ContentHash = ContentHash(m.Content)
	}
	if embedding.Valid {
		var v pgvector.Vector
		if err := v.Scan(embedding.String); err != nil {
			return m, fmt.Errorf("embedding of %s: %w", m.ID, err)
		}
		m.Embedding = v.Slice()
	}
	if metadata.Valid && metadata.String != "" {
		m.Metadata = []byte(metadata.String)
	}
	return m, nil
}

// Insert upserts every memory in one transaction
func (s *PostgresStore) Insert(ctx context.Context, mems []Memory) error {
	if len(mems) == 0 {
		return nil
	}
	return s.inTx(ctx, "failed to insert memories", func(tx *sql.Tx) error {
		query := `INSERT INTO ` + s.table + ` (id, agent_id, content, content_hash, embedding, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::vector, $6::jsonb, $7, $8)
			ON CONFLICT (id) DO UPDATE SET agent_id = EXCLUDED.agent_id, content = EXCLUDED.content,
				content_hash = EXCLUDED.content_hash, embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata, created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at`
		for _, m := range mems {
			var embedding interface{}
			if len(m.Embedding) > 0 {
				embedding = pgvector.NewVector(m.Embedding)
			}
			var metadata interface{}
			if len(m.Metadata) > 0 {
				metadata = string(m.Metadata)
			}
			hash := m.ContentHash
			if hash == "" {
				hash = ContentHash(m.Content)
			}
			if _, err := tx.ExecContext(ctx, query,
				m.ID, m.AgentID, m.Content, hash, embedding, metadata, m.CreatedAt, m.UpdatedAt); err != nil {
				return fmt.Errorf("insert %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// Delete removes the memories and returns how many rows went away
func (s *PostgresStore) Delete(ctx context.Context, ids []string) (int64, error) {
	var deleted int64
	err := s.inTx(ctx, "failed to delete memories", func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE id = $1`, id)
			if err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// UpdateContent rewrites the content and content hash of one memory
func (s *PostgresStore) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.table+` SET content = $1, content_hash = $2, updated_at = $3 WHERE id = $4`,
		content, ContentHash(content), at, id)
	if err != nil {
		return storeError("failed to update memory", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("failed to update memory", err)
	}
	if n == 0 {
		return apperrors.NewNotFound(fmt.Sprintf("memory %s not found", id), nil)
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(what, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return storeError(what, err)
	}
	if err := tx.Commit(); err != nil {
		return storeError(what, err)
	}
	return nil
}

func storeError(msg string, err error) error {
	var e *apperrors.Error
	if errors.As(err, &e) {
		return err
	}
	return apperrors.NewClassifier().Classify("postgres", fmt.Errorf("%s: %w", msg, err), apperrors.KindStorage)
}
