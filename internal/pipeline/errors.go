package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexUnavailable 相似度索引不可达（查询降级为无候选，写入降级为 degraded）
	ErrIndexUnavailable = errors.New("similarity index unavailable")
	// ErrClassificationFailure fallback returned an unknown label or ran out of attempts.
	ErrClassificationFailure = errors.New("classification failure")
	// ErrEnhancementSkipped is never fatal.
	ErrEnhancementSkipped = errors.New("enhancement skipped")
	// ErrRecordStoreFailure 权威存储写入失败，由 worker 层重试
	ErrRecordStoreFailure = errors.New("record store failure")
	ErrInvalidInput       = errors.New("invalid pipeline input")
)

// StageError is returned for every terminal failure.
type StageError struct {
	EmailID string
	Stage   State
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("email %s failed at %s: %v", e.EmailID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// wrap tags cause with a taxonomy sentinel, keeping both reachable via errors.Is.
func wrap(sentinel, cause error) error {
	switch {
	case cause == nil:
		return sentinel
	case errors.Is(cause, sentinel):
		return cause
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
