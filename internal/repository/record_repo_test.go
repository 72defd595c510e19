package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	mqcontracts "email-classifier/contracts/mq"
	"email-classifier/internal/model"
	"email-classifier/pkg/outbox"
	"email-classifier/pkg/util"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stmt struct {
	sql  string
	args []any
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// outboxRow fills id, created_at, updated_at for an outbox insert.
func outboxRow(id int64) fakeRow {
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*int64) = id
		*dest[1].(*time.Time) = time.Now()
		*dest[2].(*time.Time) = time.Now()
		return nil
	}}
}

type fakeRows struct {
	pgx.Rows
	data [][]any
	i    int
}

func (r *fakeRows) Next() bool { r.i++; return r.i <= len(r.data) }
func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i-1]
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = row[i].(string)
		case *int64:
			*d = row[i].(int64)
		}
	}
	return nil
}

type fakeTx struct {
	pgx.Tx
	db         *fakeDB
	execErr    error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.db.log = append(t.db.log, stmt{sql, args})
	return pgconn.NewCommandTag("INSERT 0 1"), t.execErr
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	t.db.log = append(t.db.log, stmt{sql, args})
	return outboxRow(int64(len(t.db.log)))
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeDB struct {
	log  []stmt
	tx   *fakeTx
	row  fakeRow
	rows *fakeRows
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) { return d.tx, nil }

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.log = append(d.log, stmt{sql, args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (d *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	d.log = append(d.log, stmt{sql, args})
	if d.rows == nil {
		return &fakeRows{}, nil
	}
	return d.rows, nil
}

func (d *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	d.log = append(d.log, stmt{sql, args})
	return d.row
}

func newFakeRepo() (*RecordRepository, *fakeDB) {
	db := &fakeDB{}
	db.tx = &fakeTx{db: db}
	return NewRecordRepository(db, outbox.NewRepository(db), time.Minute, nil), db
}

func classifiedRecord() *model.EmailRecord {
	cat, src := model.CategoryMarketing, model.SourceVectorMatch
	name, contact := "Acme", "dpo@acme.com"
	return &model.EmailRecord{
		ID:             "e-1",
		SenderDomain:   "acme.com",
		Subject:        "Sale",
		Body:           "50% off",
		Category:       &cat,
		Source:         &src,
		Confidence:     0.93,
		BusinessName:   &name,
		ContactAddress: &contact,
		ProcessedAt:    time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Embedding:      []float32{0.1, 0.2},
	}
}

func TestSave_WritesRecordAndOutboxEventsInOneTx(t *testing.T) {
	repo, db := newFakeRepo()

	before := time.Now()
	require.NoError(t, repo.Save(context.Background(), classifiedRecord()))

	require.Len(t, db.log, 3)
	assert.Contains(t, db.log[0].sql, "INSERT INTO email_records")
	assert.Equal(t, "e-1", db.log[0].args[0])
	assert.Equal(t, "marketing", db.log[0].args[5])
	assert.Equal(t, []float32{0.1, 0.2}, db.log[0].args[12])

	upsert, classified := db.log[1], db.log[2]
	assert.Contains(t, upsert.sql, "INSERT INTO outbox_events")
	assert.Equal(t, mqcontracts.RoutingKeyIndexUpsert, upsert.args[2])
	next := upsert.args[5].(*time.Time)
	require.NotNil(t, next)
	assert.WithinDuration(t, before.Add(time.Minute), *next, 5*time.Second)

	assert.Equal(t, mqcontracts.RoutingKeyEmailClassified, classified.args[2])
	assert.Nil(t, classified.args[5].(*time.Time))
	var payload mqcontracts.EmailClassifiedPayload
	require.NoError(t, json.Unmarshal(classified.args[3].(json.RawMessage), &payload))
	assert.Equal(t, "marketing", payload.Category)
	assert.Equal(t, "dpo@acme.com", payload.ContactAddress)

	assert.True(t, db.tx.committed)
	assert.False(t, db.tx.rolledBack)
}

func TestSave_DuplicateRollsBack(t *testing.T) {
	repo, db := newFakeRepo()
	db.tx.execErr = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}

	err := repo.Save(context.Background(), classifiedRecord())

	require.Error(t, err)
	assert.True(t, util.IsDuplicateKey(err))
	assert.Len(t, db.log, 1)
	assert.False(t, db.tx.committed)
	assert.True(t, db.tx.rolledBack)
}

func TestMarkIndexed_RetiresResyncEvent(t *testing.T) {
	repo, db := newFakeRepo()

	require.NoError(t, repo.MarkIndexed(context.Background(), "e-1"))

	require.Len(t, db.log, 2)
	assert.Contains(t, db.log[0].sql, "indexed_at = NOW()")
	assert.Contains(t, db.log[1].sql, "UPDATE outbox_events")
	assert.Equal(t, []any{aggregateEmail, "e-1", mqcontracts.RoutingKeyIndexUpsert}, db.log[1].args)
}

func TestFindByID_NotFound(t *testing.T) {
	repo, db := newFakeRepo()
	db.row = fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestFindByID_OtherError(t *testing.T) {
	repo, db := newFakeRepo()
	boom := errors.New("conn reset")
	db.row = fakeRow{scan: func(...any) error { return boom }}

	_, err := repo.FindByID(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrRecordNotFound)
}

func TestList_BuildsRangeQuery(t *testing.T) {
	repo, db := newFakeRepo()
	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	records, err := repo.List(context.Background(), RecordFilter{SenderDomain: "acme.com", From: from, Limit: 10_000})
	require.NoError(t, err)
	assert.Empty(t, records)

	q := db.log[0]
	assert.Contains(t, q.sql, "WHERE sender_domain = $1 AND processed_at >= $2")
	assert.NotContains(t, q.sql, "processed_at <")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(q.sql), "LIMIT $3"))
	assert.Equal(t, []any{"acme.com", from, maxListLimit}, q.args)
}

func TestList_NoFilter(t *testing.T) {
	repo, db := newFakeRepo()

	_, err := repo.List(context.Background(), RecordFilter{})
	require.NoError(t, err)
	assert.NotContains(t, db.log[0].sql, "WHERE")
	assert.Equal(t, []any{defaultListLimit}, db.log[0].args)
}

func TestCountByCategory(t *testing.T) {
	repo, db := newFakeRepo()
	db.rows = &fakeRows{data: [][]any{{"marketing", int64(4)}, {"survey", int64(1)}}}

	counts, err := repo.CountByCategory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"marketing": 4, "survey": 1}, counts)
}

func TestClassifiedPayload(t *testing.T) {
	rec := classifiedRecord()
	rec.ContactAddress = nil

	p := ClassifiedPayload(rec, "trace-1")
	assert.Equal(t, "e-1", p.EmailID)
	assert.Equal(t, "vector_match", p.Source)
	assert.Equal(t, "Acme", p.BusinessName)
	assert.Empty(t, p.ContactAddress)
	assert.Equal(t, "trace-1", p.TraceID)
}
