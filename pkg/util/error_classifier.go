package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"

	"email-classifier/pkg/circuitbreaker"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPermanent marks failures that must not be retried (bad request, malformed payload ...).
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds while the
// original cause stays reachable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryableError determines if an error is retryable
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	if errors.Is(err, ErrPermanent) {
		return false, "permanent"
	}

	// 熔断打开是暂时的
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return true, "circuit_open"
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return false, "json_decode_error"
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// Context - 超时可重试，取消不重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// Database errors
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			// 唯一约束冲突 - 不可重试（幂等性）
			return false, "duplicate_key"
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			return false, "constraint_violation"
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57"):
			return true, "db_connection_error"
		}
	}
	if pgconn.SafeToRetry(err) {
		return true, "db_connection_error"
	}

	// Network errors - 可重试
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "duplicate key") {
		return false, "duplicate_key"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset") {
		return true, "db_connection_error"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// IsDuplicateKey reports a unique-constraint violation from Postgres.
func IsDuplicateKey(err error) bool {
	_, kind := IsRetryableError(err)
	return kind == "duplicate_key"
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
