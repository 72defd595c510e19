package vectorstore

import (
	"context"
	"fmt"
	"strconv"

	"email-classifier/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the part of pgxpool.Pool the pgvector store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgvectorStore keeps vectors in the email_vectors table.
type PgvectorStore struct {
	db        DBTX
	dimension int
}

func NewPgvectorStore(db DBTX, dimension int) *PgvectorStore {
	return &PgvectorStore{db: db, dimension: dimension}
}

const pgvectorUpsertSQL = `
	INSERT INTO email_vectors (id, embedding, category, sender_domain, business_name, contact_address, updated_at)
	VALUES ($1, $2::vector, $3, $4, $5, $6, NOW())
	ON CONFLICT (id) DO UPDATE SET
		embedding = EXCLUDED.embedding,
		category = EXCLUDED.category,
		sender_domain = EXCLUDED.sender_domain,
		business_name = EXCLUDED.business_name,
		contact_address = EXCLUDED.contact_address,
		updated_at = NOW()
`

const pgvectorSearchSQL = `
	SELECT id, 1 - (embedding <=> $1::vector) AS score, category, sender_domain,
		COALESCE(business_name, ''), COALESCE(contact_address, '')
	FROM email_vectors
	ORDER BY embedding <=> $1::vector
	LIMIT $2
`

func (s *PgvectorStore) FindNearest(ctx context.Context, embedding []float32, topK int) ([]model.SimilarityCandidate, error) {
	if err := checkDimension(s.dimension, embedding); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 1
	}

	rows, err := s.db.Query(ctx, pgvectorSearchSQL, pgVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var out []model.SimilarityCandidate
	for rows.Next() {
		var c model.SimilarityCandidate
		var category string
		if err := rows.Scan(&c.ID, &c.Score, &category, &c.SenderDomain, &c.BusinessName, &c.ContactAddress); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		c.Category = model.Category(category)
		c.Score = model.ClampConfidence(c.Score)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector rows: %w", err)
	}
	return out, nil
}

func (s *PgvectorStore) Upsert(ctx context.Context, entry model.IndexEntry) error {
	if err := checkDimension(s.dimension, entry.Embedding); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, pgvectorUpsertSQL,
		entry.ID,
		pgVector(entry.Embedding),
		string(entry.Category),
		entry.SenderDomain,
		model.StringPtr(entry.BusinessName),
		model.StringPtr(entry.ContactAddress),
	)
	if err != nil {
		return fmt.Errorf("pgvector upsert %s: %w", entry.ID, err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PgvectorStore) Close() error { return nil }

// pgVector formats v as a pgvector literal: [0.1,0.2,...].
func pgVector(v []float32) string {
	buf := make([]byte, 0, len(v)*13+2)
	buf = append(buf, '[')
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'f', -1, 32)
	}
	buf = append(buf, ']')
	return string(buf)
}
