package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"email-classifier/pkg/metrics"
	"email-classifier/pkg/otel"
	"email-classifier/pkg/rbac"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	recordHandler *RecordHandler,
	adminHandler *AdminHandler,
	jwtSecret string,
	db Pinger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), metricsMiddleware())

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.GET("/records", RequirePermission(rbac.PermissionReadRecords), recordHandler.ListRecords)
		auth.GET("/records/:id", RequirePermission(rbac.PermissionReadRecords), recordHandler.GetRecord)
		auth.GET("/stats/categories", RequirePermission(rbac.PermissionReadStats), recordHandler.CategoryStats)

		admin := auth.Group("/admin/outbox")
		admin.GET("/failed", RequirePermission(rbac.PermissionReadOutbox), adminHandler.ListFailedEvents)
		admin.POST("/:id/replay", RequirePermission(rbac.PermissionReplayOutbox), adminHandler.ReplayOutboxEvent)
		admin.POST("/replay-failed", RequirePermission(rbac.PermissionReplayOutbox), adminHandler.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}

func (r *Router) Handler() http.Handler {
	return r.Engine
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// 使用路由模板，避免 id 导致标签基数爆炸
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
