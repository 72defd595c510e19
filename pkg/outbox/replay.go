package outbox

import (
	"context"
	"fmt"
)

// ReplayStore is the part of Repository operators replay through.
type ReplayStore interface {
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
	ReplayEvent(ctx context.Context, eventID int64) error
}

// ReplayService 提供重放 Outbox 事件的服务：把事件重置为 pending，由 Dispatcher 重新处理
type ReplayService struct {
	repo ReplayStore
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(repo ReplayStore) *ReplayService {
	return &ReplayService{repo: repo}
}

// ReplayEvent 重放指定的事件
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	if err := s.repo.ReplayEvent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to replay event %d: %w", eventID, err)
	}
	return nil
}

// ListFailed returns failed events, newest first.
func (s *ReplayService) ListFailed(ctx context.Context, limit int) ([]*Event, error) {
	return s.repo.GetFailedEvents(ctx, limit)
}

// ReplayFailedEvents 重放所有失败的事件，返回成功重置的数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if err := s.repo.ReplayEvent(ctx, event.ID); err != nil {
			// 记录错误但继续处理其他事件
			continue
		}
		successCount++
	}

	return successCount, nil
}
