package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqcontracts "email-classifier/contracts/mq"
	"email-classifier/internal/llm"
	"email-classifier/internal/metadata"
	"email-classifier/internal/model"
	"email-classifier/internal/pipeline"
	"email-classifier/pkg/logger"
	"email-classifier/pkg/mq"
	"email-classifier/pkg/trace"
	"email-classifier/pkg/util"

	"go.uber.org/zap"
)

const (
	handlerClassify = "classify"
	// inFlightPause delays the requeue of a message another delivery holds.
	inFlightPause = time.Second
)

// errInFlight means another delivery of the same email holds the lease.
var errInFlight = errors.New("email is being processed by another delivery")

// Runner runs one email through the pipeline.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Outcome, error)
}

// RecordChecker tells whether an email was already committed.
type RecordChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Deduper is implemented by util.Deduper. The lock is an in-flight lease:
// committed emails are recognised by RecordChecker, not by the lock.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, emailID string) bool
	Release(ctx context.Context, handler string, emailID string)
}

// RetryCounter is implemented by util.RetryCounter.
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// DeadLetterPublisher is implemented by mq.Publisher.
type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, h mq.DLQHeaders) error
}

// ClassifyHandler consumes email.anonymized and maps the pipeline outcome
// to ack, nack or dead-letter.
type ClassifyHandler struct {
	runner     Runner
	records    RecordChecker
	embedder   llm.Embedder
	extractor  *metadata.Extractor
	deduper    Deduper
	retries    RetryCounter
	dlq        DeadLetterPublisher
	maxRetries int64
	pause      time.Duration
	logger     *zap.Logger
}

func NewClassifyHandler(
	runner Runner,
	records RecordChecker,
	embedder llm.Embedder,
	deduper Deduper,
	retries RetryCounter,
	dlq DeadLetterPublisher,
	maxRetries int,
	logger *zap.Logger,
) *ClassifyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClassifyHandler{
		runner:     runner,
		records:    records,
		embedder:   embedder,
		extractor:  metadata.NewExtractor(),
		deduper:    deduper,
		retries:    retries,
		dlq:        dlq,
		maxRetries: int64(maxRetries),
		pause:      inFlightPause,
		logger:     logger,
	}
}

// Handle returns nil to ack and an error to nack with requeue.
func (h *ClassifyHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	// --------------------------
	// Step 1: decode payload
	// --------------------------
	var p mqcontracts.EmailAnonymizedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Invalid EmailAnonymizedPayload, sending to DLQ",
			zap.String("raw", truncate(string(raw), 512)),
			zap.Error(err),
		)
		return h.deadLetter(ctx, raw, "", "decode", err)
	}
	if p.TraceID != "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	ctx, _ = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, h.logger).With(zap.String("email_id", p.EmailID))

	if p.EmailID == "" {
		return h.deadLetter(ctx, raw, "", pipeline.StateReceived.String(),
			fmt.Errorf("%w: missing email_id", pipeline.ErrInvalidInput))
	}

	// --------------------------
	// Step 2: idempotency
	// --------------------------
	exists, err := h.records.Exists(ctx, p.EmailID)
	if err != nil {
		retryable, _ := util.IsRetryableError(err)
		if retryable {
			return h.retryOrDeadLetter(ctx, log, raw, p.EmailID, "idempotency", err, true)
		}
		log.Warn("Record existence check failed, continuing", zap.Error(err))
	}
	if exists {
		log.Info("Email already committed, skip")
		return nil
	}

	if !h.deduper.AcquireOnce(ctx, handlerClassify, p.EmailID) {
		// 另一个投递正在处理；稍等后重新入队，租约过期后可被接管
		if err := util.SleepContext(ctx, h.pause); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", errInFlight, p.EmailID)
	}

	acked := false
	defer func() {
		// panic 或 nack 时释放租约，让重新投递的消息可以被处理
		if r := recover(); r != nil {
			h.deduper.Release(context.WithoutCancel(ctx), handlerClassify, p.EmailID)
			panic(r)
		}
		if !acked {
			h.deduper.Release(context.WithoutCancel(ctx), handlerClassify, p.EmailID)
		}
	}()

	if err := h.process(ctx, log, raw, p); err != nil {
		return err
	}
	acked = true
	return nil
}

func (h *ClassifyHandler) process(ctx context.Context, log *zap.Logger, raw []byte, p mqcontracts.EmailAnonymizedPayload) error {
	// --------------------------
	// Step 3: derive input
	// --------------------------
	in, err := h.buildInput(ctx, p)
	if err != nil {
		return h.retryOrDeadLetter(ctx, log, raw, p.EmailID, "embedding", err, !errors.Is(err, util.ErrPermanent))
	}

	// --------------------------
	// Step 4: run pipeline
	// --------------------------
	out, err := h.runner.Run(ctx, in)
	if err != nil {
		return h.handleRunError(ctx, log, raw, p.EmailID, err)
	}

	if err := h.retries.Reset(ctx, util.FormatRetryKey(handlerClassify, p.EmailID)); err != nil {
		log.Debug("Retry counter reset failed", zap.Error(err))
	}
	log.Info("Email pipeline finished",
		zap.String("state", out.State.String()),
		zap.Bool("degraded", out.Degraded),
	)
	return nil
}

func (h *ClassifyHandler) buildInput(ctx context.Context, p mqcontracts.EmailAnonymizedPayload) (pipeline.Input, error) {
	domain := metadata.NormalizeDomain(p.SenderDomain)
	if domain == "" {
		domain = metadata.SenderDomain(p.Sender)
	}

	meta := h.extractor.Complete(model.Metadata{
		Footer:         p.Footer,
		URLs:           p.URLs,
		ContactAddress: p.ContactAddress,
	}, p.Body)

	embedding := p.Embedding
	if len(embedding) == 0 && h.embedder != nil {
		// 只截断送去 embedding 的文本，入库保留完整正文
		text := h.extractor.Truncate((&model.EmailRecord{Subject: p.Subject, Body: p.Body}).Text())
		var err error
		if embedding, err = h.embedder.Embed(ctx, text); err != nil {
			return pipeline.Input{}, fmt.Errorf("embed email: %w", err)
		}
	}

	receivedAt := p.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	return pipeline.Input{
		EmailID:      p.EmailID,
		SenderDomain: domain,
		Subject:      p.Subject,
		Body:         p.Body,
		Metadata:     meta,
		Embedding:    embedding,
		ReceivedAt:   receivedAt,
	}, nil
}

func (h *ClassifyHandler) handleRunError(ctx context.Context, log *zap.Logger, raw []byte, emailID string, err error) error {
	stage := "unknown"
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage.String()
	}

	switch {
	case util.IsDuplicateKey(err):
		// 另一个消费者已经提交了该记录
		log.Info("Record already committed by another delivery", zap.Error(err))
		return nil

	case errors.Is(err, context.Canceled):
		return err

	case errors.Is(err, pipeline.ErrInvalidInput):
		return h.deadLetter(ctx, raw, emailID, stage, err)

	case errors.Is(err, pipeline.ErrRecordStoreFailure):
		retryable, errType := util.IsRetryableError(err)
		log.Error("Record store failure",
			zap.String("error_type", errType),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)
		return h.retryOrDeadLetter(ctx, log, raw, emailID, stage, err, retryable)

	case errors.Is(err, pipeline.ErrClassificationFailure):
		// permanent 错误直接进 DLQ；熔断等暂时性失败按消息级别重试
		return h.retryOrDeadLetter(ctx, log, raw, emailID, stage, err, !errors.Is(err, util.ErrPermanent))
	}

	return h.deadLetter(ctx, raw, emailID, stage, err)
}

// retryOrDeadLetter requeues until the retry counter passes maxRetries.
// Non-retryable errors go straight to the DLQ.
func (h *ClassifyHandler) retryOrDeadLetter(ctx context.Context, log *zap.Logger, raw []byte, emailID, stage string, err error, retryable bool) error {
	_, errType := util.IsRetryableError(err)

	key := util.FormatRetryKey(handlerClassify, emailID)
	count, cerr := h.retries.IncrementAndGet(ctx, key)
	if cerr != nil {
		log.Warn("Retry counter unavailable", zap.Error(cerr))
	}

	log.Warn("Email processing failed",
		zap.String("stage", stage),
		zap.String("error_type", errType),
		zap.Bool("retryable", retryable),
		zap.Int64("retry", count),
		zap.Error(err),
	)

	if util.ShouldRetry(count, h.maxRetries, retryable) {
		return err
	}

	_ = h.retries.Reset(ctx, key)
	return h.deadLetter(ctx, raw, emailID, stage, err)
}

// deadLetter acks the message after parking it in the DLQ. If the DLQ is
// unreachable the message is nacked instead so it is not lost.
func (h *ClassifyHandler) deadLetter(ctx context.Context, raw []byte, emailID, stage string, cause error) error {
	headers := mq.DLQHeaders{
		OriginalError: cause.Error(),
		FailedStage:   stage,
		EmailID:       emailID,
		FailedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.dlq.PublishToDLQ(ctx, mqcontracts.RoutingKeyEmailAnonymized, raw, headers); err != nil {
		h.logger.Error("Failed to publish to DLQ",
			zap.String("email_id", emailID),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return fmt.Errorf("dead-letter %s: %w", emailID, err)
	}

	h.logger.Warn("Email sent to DLQ",
		zap.String("email_id", emailID),
		zap.String("stage", stage),
		zap.Error(cause),
	)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
