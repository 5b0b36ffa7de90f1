// Package memorytest provides in-memory Store and Index implementations for
// deduplication tests
package memorytest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"memvault/internal/memory"
)

// Store is a map-backed memory.Store
type Store struct {
	mu        sync.Mutex
	rows      map[string]memory.Memory
	deleteErr error
}

// NewStore creates a store holding mems
func NewStore(mems ...memory.Memory) *Store {
	s := &Store{rows: map[string]memory.Memory{}}
	for _, m := range mems {
		if m.ContentHash == "" {
			m.ContentHash = memory.ContentHash(m.Content)
		}
		s.rows[m.ID] = m
	}
	return s
}

// FailDelete makes Delete fail with err (nil clears it)
func (s *Store) FailDelete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErr = err
}

func (s *Store) List(ctx context.Context, agentID string) ([]memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []memory.Memory
	for _, m := range s.rows {
		if agentID == "" || m.AgentID == agentID {
			out = append(out, m)
		}
	}
	sortMemories(out)
	return out, nil
}

func (s *Store) Get(ctx context.Context, ids []string) ([]memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []memory.Memory
	for _, id := range ids {
		if m, ok := s.rows[id]; ok {
			out = append(out, m)
		}
	}
	sortMemories(out)
	return out, nil
}

func (s *Store) Insert(ctx context.Context, mems []memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mems {
		s.rows[m.ID] = m
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	var n int64
	for _, id := range ids {
		if _, ok := s.rows[id]; ok {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return errors.New("memory not found")
	}
	m.Content = content
	m.ContentHash = memory.ContentHash(content)
	m.UpdatedAt = at
	s.rows[id] = m
	return nil
}

// Memory returns one row
func (s *Store) Memory(id string) (memory.Memory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	return m, ok
}

// Len is the number of rows
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Index holds a point for every memory with an embedding and answers
// similarity queries with a linear cosine scan
type Index struct {
	mu       sync.Mutex
	points   map[string]memory.Memory
	queryErr error
}

// NewIndex creates an index holding a point for every memory with an embedding
func NewIndex(mems ...memory.Memory) *Index {
	idx := &Index{points: map[string]memory.Memory{}}
	for _, m := range mems {
		if len(m.Embedding) > 0 {
			idx.points[m.ID] = m
		}
	}
	return idx
}

// FailQuery makes Similar fail with err (nil clears it)
func (i *Index) FailQuery(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queryErr = err
}

func (i *Index) Upsert(ctx context.Context, mems []memory.Memory) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, m := range mems {
		if len(m.Embedding) > 0 {
			i.points[m.ID] = m
		}
	}
	return nil
}

func (i *Index) Delete(ctx context.Context, ids []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		delete(i.points, id)
	}
	return nil
}

func (i *Index) Similar(ctx context.Context, mem memory.Memory, threshold float64, agent string) ([]memory.Match, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.queryErr != nil {
		return nil, i.queryErr
	}
	var out []memory.Match
	for id, p := range i.points {
		if id == mem.ID || (agent != "" && p.AgentID != agent) {
			continue
		}
		if score := memory.Cosine(mem.Embedding, p.Embedding); score >= threshold {
			out = append(out, memory.Match{ID: id, Score: score})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// Has reports whether id has a point
func (i *Index) Has(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.points[id]
	return ok
}

func sortMemories(mems []memory.Memory) {
	sort.Slice(mems, func(a, b int) bool {
		if !mems[a].CreatedAt.Equal(mems[b].CreatedAt) {
			return mems[a].CreatedAt.Before(mems[b].CreatedAt)
		}
		return mems[a].ID < mems[b].ID
	})
}
