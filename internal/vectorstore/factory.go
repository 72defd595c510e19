package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// New builds the configured store wrapped with metrics. pool is only used by
// the pgvector backend.
func New(ctx context.Context, cfg Config, pool *pgxpool.Pool, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case "", TypeMemory:
		logger.Warn("Using in-memory similarity index, entries are lost on restart")
		return WithMetrics(TypeMemory, NewMemoryStore(cfg.Dimension)), nil

	case TypeQdrant:
		s, err := DialQdrant(cfg.QdrantAddr, cfg.Collection, cfg.Dimension, logger)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureCollection(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return WithMetrics(TypeQdrant, s), nil

	case TypePgvector:
		if pool == nil {
			return nil, fmt.Errorf("pgvector index needs a database pool")
		}
		return WithMetrics(TypePgvector, NewPgvectorStore(pool, cfg.Dimension)), nil
	}
	return nil, fmt.Errorf("unknown index type %q", cfg.Type)
}
