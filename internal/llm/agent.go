package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"email-classifier/internal/model"
	"email-classifier/pkg/circuitbreaker"
	"email-classifier/pkg/metrics"
	"email-classifier/pkg/util"

	"go.uber.org/zap"
)

const backendAgent = "agent"

// AgentClassifier calls an external decision service over HTTP.
type AgentClassifier struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

type agentRequest struct {
	Text   string   `json:"text"`
	Footer string   `json:"footer,omitempty"`
	URLs   []string `json:"urls,omitempty"`
}

func NewAgentClassifier(cfg Config, logger *zap.Logger) *AgentClassifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second // 5秒超时，避免 worker 卡死
	}
	cbCfg := circuitbreaker.DefaultConfig("classifier-agent")
	// 4xx 不计入熔断
	cbCfg.IgnoreError = func(err error) bool { return errors.Is(err, util.ErrPermanent) }

	return &AgentClassifier{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.NewCircuitBreaker(cbCfg, logger),
	}
}

func (c *AgentClassifier) Classify(ctx context.Context, text string, meta model.Metadata) (model.Category, float64, error) {
	var (
		category   model.Category
		confidence float64
	)
	start := time.Now()
	err := c.breaker.Execute(func() error {
		var err error
		category, confidence, err = c.classify(ctx, text, meta)
		return err
	})
	if err != nil {
		metrics.RecordFallbackCallLatency(backendAgent, "error", time.Since(start))
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			// 熔断不是永久错误：本次运行不再重试，由 worker 按消息重试
			return "", 0, fmt.Errorf("agent: %w", err)
		}
		return "", 0, err
	}
	metrics.RecordFallbackCallLatency(backendAgent, "success", time.Since(start))
	return category, confidence, nil
}

func (c *AgentClassifier) classify(ctx context.Context, text string, meta model.Metadata) (model.Category, float64, error) {
	b, err := json.Marshal(agentRequest{Text: text, Footer: meta.Footer, URLs: meta.URLs})
	if err != nil {
		return "", 0, util.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(b))
	if err != nil {
		return "", 0, util.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("agent: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("agent: read body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		// 可重试错误
		return "", 0, fmt.Errorf("agent service %d: %s", resp.StatusCode, truncate(string(body), 200))
	case resp.StatusCode != http.StatusOK:
		// 不可重试
		return "", 0, util.Permanent(fmt.Errorf("agent service %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	return ParseClassification(string(body))
}
