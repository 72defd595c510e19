package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqcontracts "email-classifier/contracts/mq"
	"email-classifier/internal/model"
	"email-classifier/pkg/metrics"
	"email-classifier/pkg/otel"
	"email-classifier/pkg/outbox"
	"email-classifier/pkg/trace"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const aggregateEmail = "email"

// ErrRecordNotFound is returned when no record has the requested id.
var ErrRecordNotFound = errors.New("email record not found")

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	outbox.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RecordRepository is the durable record store. Each insert also enqueues
// the index re-sync and email.classified events in the same transaction.
type RecordRepository struct {
	db          DB
	outboxRepo  *outbox.Repository
	resyncGrace time.Duration
	logger      *zap.Logger
}

func NewRecordRepository(db DB, outboxRepo *outbox.Repository, resyncGrace time.Duration, logger *zap.Logger) *RecordRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordRepository{db: db, outboxRepo: outboxRepo, resyncGrace: resyncGrace, logger: logger}
}

const summaryColumns = `id, sender_domain, subject, body, metadata, category, confidence,
		       classification_source, low_confidence, business_name, contact_address, processed_at`

// Save inserts a classified record. A record id is written at most once;
// a second Save for the same id fails with a duplicate key error.
func (r *RecordRepository) Save(ctx context.Context, rec *model.EmailRecord) error {
	start := time.Now()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO email_records (` + summaryColumns + `, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	err = otel.WithDBSpan(ctx, "insert", query, func(ctx context.Context) error {
		_, err := tx.Exec(ctx, query,
			rec.ID,
			rec.SenderDomain,
			rec.Subject,
			rec.Body,
			rec.Metadata,
			string(rec.CategoryValue()),
			rec.Confidence,
			string(rec.SourceValue()),
			rec.LowConfidence,
			rec.BusinessName,
			rec.ContactAddress,
			rec.ProcessedAt,
			rec.Embedding,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert email record: %w", err)
	}

	traceID := trace.FromContext(ctx)

	// 索引补偿事件：延迟 resyncGrace 后才会被 dispatcher 处理，committer 成功写索引时会提前标记为 sent
	upsert := mqcontracts.IndexUpsertPayload{EmailID: rec.ID, TraceID: traceID}
	if err := outbox.InsertEventInTx(ctx, tx, r.outboxRepo, aggregateEmail, rec.ID,
		mqcontracts.RoutingKeyIndexUpsert, upsert, r.resyncGrace); err != nil {
		return fmt.Errorf("failed to insert index.upsert to outbox: %w", err)
	}
	if err := outbox.InsertEventInTx(ctx, tx, r.outboxRepo, aggregateEmail, rec.ID,
		mqcontracts.RoutingKeyEmailClassified, ClassifiedPayload(rec, traceID), 0); err != nil {
		return fmt.Errorf("failed to insert email.classified to outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.RecordDBQueryDuration("insert", "email_records", time.Since(start))
	return nil
}

// ClassifiedPayload is the email.classified event for a committed record.
func ClassifiedPayload(rec *model.EmailRecord, traceID string) mqcontracts.EmailClassifiedPayload {
	p := mqcontracts.EmailClassifiedPayload{
		EmailID:       rec.ID,
		SenderDomain:  rec.SenderDomain,
		Category:      string(rec.CategoryValue()),
		Confidence:    rec.Confidence,
		Source:        string(rec.SourceValue()),
		LowConfidence: rec.LowConfidence,
		ProcessedAt:   rec.ProcessedAt,
		TraceID:       traceID,
	}
	if rec.BusinessName != nil {
		p.BusinessName = *rec.BusinessName
	}
	if rec.ContactAddress != nil {
		p.ContactAddress = *rec.ContactAddress
	}
	return p
}

// MarkIndexed records that the index holds the record and retires the
// pending re-sync event.
func (r *RecordRepository) MarkIndexed(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `UPDATE email_records SET indexed_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark record indexed: %w", err)
	}
	n, err := r.outboxRepo.MarkAggregateSent(ctx, aggregateEmail, id, mqcontracts.RoutingKeyIndexUpsert)
	if err != nil {
		return err
	}
	r.logger.Debug("Index re-sync retired", zap.String("email_id", id), zap.Int64("events", n))
	return nil
}

// Exists reports whether a record with id has been committed.
func (r *RecordRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM email_records WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check record: %w", err)
	}
	return exists, nil
}

// FindByID returns the record including its embedding.
func (r *RecordRepository) FindByID(ctx context.Context, id string) (*model.EmailRecord, error) {
	query := `SELECT ` + summaryColumns + `, embedding FROM email_records WHERE id = $1`

	var rec *model.EmailRecord
	err := otel.WithDBSpan(ctx, "select", query, func(ctx context.Context) error {
		var err error
		rec, err = scanRecord(r.db.QueryRow(ctx, query, id), true)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// RecordFilter selects records by sender domain and processed_at range.
// Zero From/To leave that side open.
type RecordFilter struct {
	SenderDomain string
	From         time.Time
	To           time.Time
	Limit        int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// List returns records newest first, without embeddings.
func (r *RecordRepository) List(ctx context.Context, f RecordFilter) ([]*model.EmailRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.SenderDomain != "" {
		args = append(args, f.SenderDomain)
		where = append(where, fmt.Sprintf("sender_domain = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("processed_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("processed_at < $%d", len(args)))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)

	query := `SELECT ` + summaryColumns + ` FROM email_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY processed_at DESC, id LIMIT $%d`, len(args))

	start := time.Now()
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*model.EmailRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	metrics.RecordDBQueryDuration("select", "email_records", time.Since(start))
	return records, rows.Err()
}

// CountByCategory returns committed record counts per category.
func (r *RecordRepository) CountByCategory(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT category, COUNT(*) FROM email_records GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			category string
			n        int64
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[category] = n
	}
	return counts, rows.Err()
}

func scanRecord(row pgx.Row, withEmbedding bool) (*model.EmailRecord, error) {
	var (
		rec      model.EmailRecord
		category string
		source   string
	)
	dest := []any{
		&rec.ID,
		&rec.SenderDomain,
		&rec.Subject,
		&rec.Body,
		&rec.Metadata,
		&category,
		&rec.Confidence,
		&source,
		&rec.LowConfidence,
		&rec.BusinessName,
		&rec.ContactAddress,
		&rec.ProcessedAt,
	}
	if withEmbedding {
		dest = append(dest, &rec.Embedding)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	c, s := model.Category(category), model.Source(source)
	rec.Category, rec.Source = &c, &s
	return &rec, nil
}
