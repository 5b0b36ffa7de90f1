package artifact

import (
	"context"

	apperrors "memvault/internal/errors"
)

// Store writes every artifact to the primary provider and copies it to the
// offsite mirrors. Only the primary write can fail an operation.
type Store struct {
	primary Provider
	mirrors []Provider
	warn    func(provider string, err error)
}

// NewStore combines a primary provider with optional mirrors. warn receives
// mirror failures; nil discards them.
func NewStore(primary Provider, mirrors []Provider, warn func(string, error)) *Store {
	if warn == nil {
		warn = func(string, error) {}
	}
	return &Store{primary: primary, mirrors: mirrors, warn: warn}
}

// Primary returns the primary provider
func (s *Store) Primary() Provider { return s.primary }

// Mirrors returns the offsite providers
func (s *Store) Mirrors() []Provider { return s.mirrors }

// Put writes to the primary, then to each mirror
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.primary.Put(ctx, key, data); err != nil {
		return err
	}
	for _, m := range s.mirrors {
		if err := m.Put(ctx, key, data); err != nil {
			s.warn(m.Name(), err)
		}
	}
	return nil
}

// Get reads from the primary and falls back to the mirrors in order
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.primary.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if apperrors.KindOf(err) == apperrors.KindInvalidArgument {
		return nil, err
	}

	firstErr := err
	for _, m := range s.mirrors {
		data, merr := m.Get(ctx, key)
		if merr == nil {
			s.warn(s.primary.Name(), firstErr)
			return data, nil
		}
	}
	return nil, firstErr
}

// Delete removes prefix everywhere. Mirror failures are warnings.
func (s *Store) Delete(ctx context.Context, prefix string) error {
	if err := s.primary.Delete(ctx, prefix); err != nil {
		return err
	}
	for _, m := range s.mirrors {
		if err := m.Delete(ctx, prefix); err != nil {
			s.warn(m.Name(), err)
		}
	}
	return nil
}

// List lists the primary
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	return s.primary.List(ctx, prefix)
}

// HealthCheck returns the primary's health and reports each mirror's
func (s *Store) HealthCheck(ctx context.Context) (map[string]error, error) {
	results := make(map[string]error, len(s.mirrors))
	for _, m := range s.mirrors {
		results[m.Name()] = m.HealthCheck(ctx)
	}
	return results, s.primary.HealthCheck(ctx)
}
