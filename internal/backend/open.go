package backend

import (
	"context"

	"memvault/internal/config"
)

// Open builds the adapters for every enabled backend. Adapters that were
// already opened are closed when a later one fails.
func Open(ctx context.Context, cfg config.BackendsConfig) (*Set, error) {
	set := NewSet()

	for _, name := range cfg.Enabled {
		var (
			b   Backend
			err error
		)
		switch name {
		case config.BackendPostgres:
			b, err = NewPostgres(ctx, cfg.Postgres)
		case config.BackendQdrant:
			b, err = NewQdrant(cfg.Qdrant)
		case config.BackendGraph:
			b, err = NewGraph(ctx, cfg.Graph)
		case config.BackendRedis:
			b = NewRedis(cfg.Redis)
		default:
			continue
		}
		if err != nil {
			set.Close()
			return nil, err
		}
		set.Add(b)
	}
	return set, nil
}
