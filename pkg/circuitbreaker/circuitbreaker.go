package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config 熔断器配置
type Config struct {
	Name string
	// 失败阈值：连续失败多少次后打开熔断器
	FailureThreshold uint32
	// 打开状态持续多久后进入半开状态
	Timeout time.Duration
	// 半开状态下的最大请求数，全部成功后关闭
	HalfOpenMaxRequests uint32
	// 返回 true 的错误不计入失败（例如 4xx）
	IgnoreError func(error) bool
}

// DefaultConfig 返回默认配置
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 2,
	}
}

// ErrCircuitBreakerOpen is returned while the breaker rejects calls.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker wraps gobreaker with the project's error contract.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreaker 创建新的熔断器
func NewCircuitBreaker(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	ignore := cfg.IgnoreError

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (ignore != nil && ignore(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute 执行函数，带熔断保护
func (c *CircuitBreaker) Execute(fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitBreakerOpen
	}
	return err
}

// State returns "closed", "half-open" or "open".
func (c *CircuitBreaker) State() string {
	return c.cb.State().String()
}
