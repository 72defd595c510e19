package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mqcontracts "email-classifier/contracts/mq"
	"email-classifier/internal/model"
	"email-classifier/internal/pipeline"
	"email-classifier/internal/repository"
	"email-classifier/pkg/outbox"
	"email-classifier/pkg/trace"

	"go.uber.org/zap"
)

// RecordLoader reads committed records back for re-indexing.
type RecordLoader interface {
	FindByID(ctx context.Context, id string) (*model.EmailRecord, error)
	MarkIndexed(ctx context.Context, id string) error
}

// IndexResyncHandler handles index.upsert outbox events. It rewrites the
// vector of a record whose index write failed at commit time.
type IndexResyncHandler struct {
	records RecordLoader
	index   pipeline.SimilarityIndex
	logger  *zap.Logger
}

func NewIndexResyncHandler(records RecordLoader, index pipeline.SimilarityIndex, logger *zap.Logger) *IndexResyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexResyncHandler{records: records, index: index, logger: logger}
}

// Handle is an outbox.EventHandler.
func (h *IndexResyncHandler) Handle(ctx context.Context, event *outbox.Event) error {
	var p mqcontracts.IndexUpsertPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decode index.upsert %d: %w", event.ID, err)
	}
	if p.TraceID != "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}

	rec, err := h.records.FindByID(ctx, p.EmailID)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			h.logger.Warn("Index re-sync for missing record, dropping",
				zap.Int64("event_id", event.ID),
				zap.String("email_id", p.EmailID),
			)
			return nil
		}
		return err
	}

	if err := h.index.Upsert(ctx, model.EntryFromRecord(rec)); err != nil {
		return fmt.Errorf("re-index %s: %w", p.EmailID, err)
	}

	if err := h.records.MarkIndexed(ctx, p.EmailID); err != nil {
		h.logger.Warn("Failed to mark record indexed", zap.String("email_id", p.EmailID), zap.Error(err))
	}
	h.logger.Info("Index re-synced", zap.String("email_id", p.EmailID))
	return nil
}
