// Package memory reads and mutates memory records in the relational store
// and keeps the vector index in step
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"
	"unicode"
)

// Memory is one stored memory record
type Memory struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Content     string          `json:"content"`
	ContentHash string          `json:"content_hash,omitempty"`
	Embedding   []float32       `json:"embedding,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Store is the relational side of memory storage
type Store interface {
	// List returns the memories of agentID, or every memory when agentID is
	// empty, oldest first
	List(ctx context.Context, agentID string) ([]Memory, error)
	Get(ctx context.Context, ids []string) ([]Memory, error)
	// Insert writes mems, replacing rows with the same id
	Insert(ctx context.Context, mems []Memory) error
	Delete(ctx context.Context, ids []string) (int64, error)
	UpdateContent(ctx context.Context, id, content string, at time.Time) error
}

// Match is one neighbour returned by a similarity search
type Match struct {
	ID    string
	Score float64
}

// Index is the vector index side of memory storage
type Index interface {
	Upsert(ctx context.Context, mems []Memory) error
	Delete(ctx context.Context, ids []string) error
	// Similar returns the memories whose embeddings score at least threshold
	// against mem, excluding mem itself. A non-empty agent restricts the
	// search to that agent's memories.
	Similar(ctx context.Context, mem Memory, threshold float64, agent string) ([]Match, error)
}

// NormalizeContent lowercases content and collapses whitespace runs
func NormalizeContent(content string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(content), unicode.IsSpace), " ")
}

// ContentHash is the hex sha256 of the normalized content
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens approximates the token count of content as ceil(len/4)
func EstimateTokens(content string) int64 {
	return int64((len(content) + 3) / 4)
}

// Cosine returns the cosine similarity of a and b, or 0 when they differ in
// length or either is a zero vector
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
