package pipeline

import (
	"context"
	"fmt"
	"time"

	"email-classifier/internal/model"
	"email-classifier/pkg/metrics"

	"go.uber.org/zap"
)

// Committer writes a classified record to the record store and then the
// similarity index. The index is never written unless the store write
// succeeded.
type Committer struct {
	store   RecordStore
	index   SimilarityIndex
	timeout time.Duration
	logger  *zap.Logger
}

func NewCommitter(store RecordStore, index SimilarityIndex, timeout time.Duration, logger *zap.Logger) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{store: store, index: index, timeout: timeout, logger: logger}
}

// Commit returns an error wrapping ErrRecordStoreFailure when the store
// write fails. An index failure after that is a degraded success.
func (c *Committer) Commit(ctx context.Context, rec *model.EmailRecord) (*model.CommitResult, error) {
	if err := rec.Validate(); err != nil {
		return nil, wrap(ErrInvalidInput, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.store.Save(ctx, rec); err != nil {
		metrics.IncrementCommit("store_failed")
		return nil, wrap(ErrRecordStoreFailure, fmt.Errorf("save %s: %w", rec.ID, err))
	}

	result := &model.CommitResult{Record: rec}

	if err := c.index.Upsert(ctx, model.EntryFromRecord(rec)); err != nil {
		result.Degraded = true
		result.IndexErr = wrap(ErrIndexUnavailable, err)
		metrics.IncrementCommit("degraded")
		c.logger.Warn("Index upsert failed after record commit, left for resync",
			zap.String("email_id", rec.ID),
			zap.Error(err),
		)
		return result, nil
	}

	if tracker, ok := c.store.(IndexSyncTracker); ok {
		if err := tracker.MarkIndexed(ctx, rec.ID); err != nil {
			c.logger.Warn("Failed to mark record indexed",
				zap.String("email_id", rec.ID),
				zap.Error(err),
			)
		}
	}

	metrics.IncrementCommit("ok")
	return result, nil
}
