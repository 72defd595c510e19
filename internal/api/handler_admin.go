package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"email-classifier/pkg/outbox"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// OutboxAdmin is implemented by outbox.ReplayService.
type OutboxAdmin interface {
	ListFailed(ctx context.Context, limit int) ([]*outbox.Event, error)
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

type AdminHandler struct {
	replayService OutboxAdmin
	logger        *zap.Logger
}

func NewAdminHandler(replayService OutboxAdmin, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		replayService: replayService,
		logger:        logger,
	}
}

// ListFailedEvents 列出失败的 Outbox 事件
// GET /admin/outbox/failed?limit=100
func (h *AdminHandler) ListFailedEvents(c *gin.Context) {
	limit := queryLimit(c)

	events, err := h.replayService.ListFailed(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list failed events"})
		return
	}
	if events == nil {
		events = []*outbox.Event{}
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ReplayOutboxEvent 重放指定的 Outbox 事件
// POST /admin/outbox/:id/replay
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	eventID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return
	}

	if err := h.replayService.ReplayEvent(c.Request.Context(), eventID); err != nil {
		if errors.Is(err, outbox.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		h.logger.Error("Failed to replay event",
			zap.Int64("event_id", eventID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay event",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "replayed",
		"event_id": eventID,
	})
}

// ReplayFailedEvents 重放所有失败的事件
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	limit := queryLimit(c)

	successCount, err := h.replayService.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay failed events",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"success_count": successCount,
		"limit":         limit,
	})
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	return limit
}
