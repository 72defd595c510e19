package mq

import "time"

// EmailAnonymizedPayload 脱敏后的邮件事件（由 PII 处理阶段发布）
type EmailAnonymizedPayload struct {
	EmailID        string    `json:"email_id"`
	Sender         string    `json:"sender,omitempty"`
	SenderDomain   string    `json:"sender_domain,omitempty"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	Footer         string    `json:"footer,omitempty"`
	URLs           []string  `json:"urls,omitempty"`
	ContactAddress string    `json:"contact_address,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
	TraceID        string    `json:"trace_id,omitempty"`
}
