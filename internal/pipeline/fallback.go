package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"email-classifier/internal/model"
	"email-classifier/pkg/circuitbreaker"
	"email-classifier/pkg/metrics"
	"email-classifier/pkg/util"

	"go.uber.org/zap"
)

// RetryPolicy bounds the fallback classifier's attempts.
type RetryPolicy struct {
	Attempts       int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// RetryingClassifier wraps a backend with bounded retries and taxonomy
// validation. It never substitutes a default category.
type RetryingClassifier struct {
	backend FallbackClassifier
	policy  RetryPolicy
	sleep   func(context.Context, time.Duration) error
	logger  *zap.Logger
}

func NewRetryingClassifier(backend FallbackClassifier, policy RetryPolicy, logger *zap.Logger) *RetryingClassifier {
	if policy.Attempts <= 0 {
		policy.Attempts = 3 // 默认最多尝试3次
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingClassifier{
		backend: backend,
		policy:  policy,
		sleep:   util.SleepContext,
		logger:  logger,
	}
}

// Classify returns an in-taxonomy category with confidence in [0,1], or an
// error wrapping ErrClassificationFailure and the last cause.
func (c *RetryingClassifier) Classify(ctx context.Context, text string, meta model.Metadata) (model.Category, float64, error) {
	var lastErr error

	for attempt := 1; attempt <= c.policy.Attempts; attempt++ {
		category, confidence, err := c.attempt(ctx, text, meta)
		if err == nil {
			metrics.IncrementFallbackAttempt("success")
			return category, confidence, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			metrics.IncrementFallbackAttempt("canceled")
			return "", 0, wrap(ErrClassificationFailure, fmt.Errorf("attempt %d: %w", attempt, errors.Join(ctx.Err(), err)))
		}
		if errors.Is(err, util.ErrPermanent) {
			metrics.IncrementFallbackAttempt("permanent")
			c.logger.Warn("Fallback classifier returned permanent error",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return "", 0, wrap(ErrClassificationFailure, fmt.Errorf("attempt %d: %w", attempt, err))
		}

		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			metrics.IncrementFallbackAttempt("unavailable")
			c.logger.Warn("Fallback backend unavailable, giving up this run",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return "", 0, wrap(ErrClassificationFailure, fmt.Errorf("attempt %d: %w", attempt, err))
		}

		metrics.IncrementFallbackAttempt("retry")
		c.logger.Warn("Fallback classification attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.policy.Attempts),
			zap.Error(err),
		)

		if attempt < c.policy.Attempts {
			delay := util.ExponentialBackoff(attempt, c.policy.BaseDelay, c.policy.MaxDelay)
			if err := c.sleep(ctx, delay); err != nil {
				return "", 0, wrap(ErrClassificationFailure, errors.Join(err, lastErr))
			}
		}
	}

	metrics.IncrementFallbackAttempt("exhausted")
	return "", 0, wrap(ErrClassificationFailure, fmt.Errorf("%d attempts exhausted: %w", c.policy.Attempts, lastErr))
}

func (c *RetryingClassifier) attempt(ctx context.Context, text string, meta model.Metadata) (model.Category, float64, error) {
	if c.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
		defer cancel()
	}

	category, confidence, err := c.backend.Classify(ctx, text, meta)
	if err != nil {
		return "", 0, err
	}
	if !category.Valid() {
		return "", 0, fmt.Errorf("%w: %q", model.ErrUnknownCategory, category)
	}
	return category, model.ClampConfidence(confidence), nil
}
