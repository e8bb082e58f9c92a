package vectorindex

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/sqldb"
)

// Open builds the backend named by cfg.Backend. db is only used by
// pgvector and may be nil otherwise. A Memory index has its flush loop
// started on ctx.
func Open(ctx context.Context, cfg config.VectorIndexConfig, db *sqldb.Client, dims int, m *metrics.Metrics) (Index, error) {
	switch cfg.Backend {
	case "", "memory":
		idx, err := NewMemory(cfg.Path, m)
		if err != nil {
			return nil, err
		}
		idx.StartFlushLoop(ctx, cfg.FlushInterval)
		return idx, nil
	case "pgvector":
		if db == nil {
			return nil, fmt.Errorf("pgvector backend needs a database client")
		}
		idx, err := NewPGVector(db, cfg.Table, dims, m)
		if err != nil {
			return nil, err
		}
		if err := idx.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown vector index backend %q", cfg.Backend)
	}
}
