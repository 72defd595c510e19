package mq

import "time"

// EmailClassifiedPayload 分类完成事件（经 outbox 发布）
type EmailClassifiedPayload struct {
	EmailID        string    `json:"email_id"`
	SenderDomain   string    `json:"sender_domain"`
	Category       string    `json:"category"`
	Confidence     float64   `json:"confidence"`
	Source         string    `json:"classification_source"`
	LowConfidence  bool      `json:"low_confidence"`
	BusinessName   string    `json:"business_name,omitempty"`
	ContactAddress string    `json:"contact_address,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
	TraceID        string    `json:"trace_id,omitempty"`
}

// IndexUpsertPayload asks the dispatcher to (re)write a record's vector.
// The embedding itself is read back from the record store.
type IndexUpsertPayload struct {
	EmailID string `json:"email_id"`
	TraceID string `json:"trace_id,omitempty"`
}
