package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"email-classifier/internal/metadata"
	"email-classifier/internal/model"
	"email-classifier/internal/repository"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecordQuery is the read side of the record store.
type RecordQuery interface {
	FindByID(ctx context.Context, id string) (*model.EmailRecord, error)
	List(ctx context.Context, f repository.RecordFilter) ([]*model.EmailRecord, error)
	CountByCategory(ctx context.Context) (map[string]int64, error)
}

type RecordHandler struct {
	records RecordQuery
	logger  *zap.Logger
}

func NewRecordHandler(records RecordQuery, logger *zap.Logger) *RecordHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordHandler{records: records, logger: logger}
}

// GetRecord handles GET /records/:id
func (h *RecordHandler) GetRecord(c *gin.Context) {
	id := c.Param("id")

	rec, err := h.records.FindByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		h.logger.Error("Failed to get record", zap.String("email_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch record"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// ListRecords handles GET /records?sender_domain=&from=&to=&limit=
func (h *RecordHandler) ListRecords(c *gin.Context) {
	// 存储的发件域名已规范化，查询条件同样处理
	filter := repository.RecordFilter{SenderDomain: metadata.NormalizeDomain(c.Query("sender_domain"))}

	var err error
	if filter.From, err = parseTime(c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from, expected RFC3339"})
		return
	}
	if filter.To, err = parseTime(c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to, expected RFC3339"})
		return
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}
	if s := c.Query("limit"); s != "" {
		if filter.Limit, err = strconv.Atoi(s); err != nil || filter.Limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	records, err := h.records.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list records", zap.String("sender_domain", filter.SenderDomain), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// CategoryStats handles GET /stats/categories
func (h *RecordHandler) CategoryStats(c *gin.Context) {
	counts, err := h.records.CountByCategory(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to count categories", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch stats"})
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"categories": counts,
		"total":      total,
	})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
