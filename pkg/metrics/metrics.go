package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"routing_key", "result"},
	)

	// 兜底分类器调用延迟（毫秒）
	FallbackCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fallback_call_latency_ms",
			Help:    "Fallback classifier call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 12), // 50ms to ~100s
		},
		[]string{"backend", "status"},
	)

	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_attempts_total",
			Help: "Fallback classifier attempts by outcome",
		},
		[]string{"outcome"}, // success, error, invalid_label
	)

	// 向量索引操作延迟（秒）
	IndexOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "similarity_index_op_duration_seconds",
			Help:    "Similarity index operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"backend", "op", "status"},
	)

	ClassificationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classification_decisions_total",
			Help: "Classification decisions by source and category",
		},
		[]string{"source", "category"},
	)

	ScrapeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_scrape_outcomes_total",
			Help: "Privacy policy contact lookups by result",
		},
		[]string{"result"}, // found, not_found, error, timeout
	)

	CommitOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commit_outcomes_total",
			Help: "Result commits by outcome",
		},
		[]string{"result"}, // success, degraded, failed
	)

	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Pipeline runs by terminal state and failing stage",
		},
		[]string{"state", "stage"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation", "table"},
	)

	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	OutboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_dispatched_total",
			Help: "Outbox events handled by the dispatcher",
		},
		[]string{"routing_key", "result"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, result string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, result).Observe(float64(duration.Milliseconds()))
}

// RecordFallbackCallLatency 记录兜底分类器调用延迟
func RecordFallbackCallLatency(backend, status string, duration time.Duration) {
	FallbackCallLatency.WithLabelValues(backend, status).Observe(float64(duration.Milliseconds()))
}

func IncrementFallbackAttempt(outcome string) {
	FallbackAttempts.WithLabelValues(outcome).Inc()
}

// RecordIndexOp 记录向量索引操作
func RecordIndexOp(backend, op string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	IndexOpDuration.WithLabelValues(backend, op, status).Observe(duration.Seconds())
}

func IncrementDecision(source, category string) {
	ClassificationDecisions.WithLabelValues(source, category).Inc()
}

func IncrementScrape(result string) {
	ScrapeOutcomes.WithLabelValues(result).Inc()
}

func IncrementCommit(result string) {
	CommitOutcomes.WithLabelValues(result).Inc()
}

func IncrementPipelineRun(state, stage string) {
	PipelineRuns.WithLabelValues(state, stage).Inc()
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(operation string) {
	SlowQueryCount.WithLabelValues(operation).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementOutboxDispatched(routingKey, result string) {
	OutboxDispatched.WithLabelValues(routingKey, result).Inc()
}
