package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"email-classifier/internal/metadata"
	"email-classifier/internal/model"
	"email-classifier/pkg/logger"
	"email-classifier/pkg/metrics"
	"email-classifier/pkg/otel"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Input is one anonymized email handed to the pipeline.
type Input struct {
	EmailID      string
	SenderDomain string
	Subject      string
	Body         string
	Metadata     model.Metadata
	Embedding    []float32
	ReceivedAt   time.Time
}

// Outcome is the result of one run. It is returned on failure too, with
// State set to StateFailed.
type Outcome struct {
	Record      *model.EmailRecord
	State       State
	Trail       []State
	Degraded    bool
	Decision    model.ClassificationDecision
	Enhancement *EnhanceReport
}

// Coordinator sequences index lookup, scoring, fallback, enhancement and
// commit for a single email.
type Coordinator struct {
	cfg        Config
	index      SimilarityIndex
	classifier *RetryingClassifier
	enhancer   *Enhancer
	committer  *Committer
	now        func() time.Time
	logger     *zap.Logger
}

func NewCoordinator(
	cfg Config,
	index SimilarityIndex,
	fallback FallbackClassifier,
	scraper PolicyScraper,
	store RecordStore,
	logger *zap.Logger,
) (*Coordinator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if index == nil || fallback == nil || store == nil {
		return nil, errors.New("pipeline needs an index, a fallback classifier and a record store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		cfg:        cfg,
		index:      index,
		classifier: NewRetryingClassifier(fallback, cfg.RetryPolicy(), logger),
		enhancer:   NewEnhancer(scraper, cfg.ScrapeTimeout, logger),
		committer:  NewCommitter(store, index, cfg.CommitTimeout, logger),
		now:        time.Now,
		logger:     logger,
	}, nil
}

// run carries per-email state through the stages.
type run struct {
	ctx     context.Context
	outcome *Outcome
	logger  *zap.Logger
}

func (r *run) transition(to State) {
	from := r.outcome.State
	if !CanTransition(from, to) {
		r.logger.Error("Illegal pipeline transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	r.outcome.State = to
	r.outcome.Trail = append(r.outcome.Trail, to)
	r.logger.Debug("Pipeline transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	otel.AddEvent(r.ctx, "pipeline."+to.String(), attribute.String("from", from.String()))
}

func (r *run) fail(stage State, err error) (*Outcome, error) {
	r.transition(StateFailed)
	metrics.IncrementPipelineRun(StateFailed.String(), stage.String())
	r.logger.Error("Pipeline run failed",
		zap.String("stage", stage.String()),
		zap.Error(err),
	)
	return r.outcome, &StageError{EmailID: r.outcome.Record.ID, Stage: stage, Err: err}
}

// Run processes one email end to end. Every terminal failure is a
// *StageError; errors.Is reaches the sentinel through it.
func (c *Coordinator) Run(ctx context.Context, in Input) (_ *Outcome, err error) {
	ctx, span := otel.StartSpan(ctx, "pipeline.run")
	span.SetAttributes(attribute.String("email.id", in.EmailID))
	defer func() { otel.EndSpan(span, err) }()

	rec := &model.EmailRecord{
		ID:           in.EmailID,
		SenderDomain: in.SenderDomain,
		Subject:      in.Subject,
		Body:         in.Body,
		Metadata:     in.Metadata,
		Embedding:    in.Embedding,
	}
	r := &run{
		ctx:     ctx,
		outcome: &Outcome{Record: rec, State: StateReceived, Trail: []State{StateReceived}},
		logger:  logger.WithTrace(ctx, c.logger).With(zap.String("email_id", in.EmailID)),
	}

	if err := c.validate(in); err != nil {
		return r.fail(StateReceived, err)
	}

	decision := c.match(ctx, r, in)
	r.outcome.Decision = decision

	if decision.NeedsFallback {
		r.transition(StateUnmatched)
		r.transition(StateFallbackPending)
		if err := c.fallback(ctx, r); err != nil {
			return r.fail(StateFallbackPending, err)
		}
		r.transition(StateClassified)
	} else {
		r.transition(StateMatched)
		if err := rec.Classify(decision.Category, decision.Confidence, model.SourceVectorMatch); err != nil {
			return r.fail(StateMatched, wrap(ErrInvalidInput, err))
		}
	}
	metrics.IncrementDecision(rec.SourceValue().String(), rec.CategoryValue().String())

	if c.cfg.RequiresContact(rec.CategoryValue()) {
		r.transition(StateEnhancing)
		report := c.enhancer.Enhance(ctx, rec, in.Metadata, decision.Match)
		r.outcome.Enhancement = &report
	}

	r.transition(StateCommitting)
	rec.ProcessedAt = c.now().UTC()

	commitCtx, commitSpan := otel.StartSpan(ctx, "pipeline.commit")
	result, err := c.committer.Commit(commitCtx, rec)
	otel.EndSpan(commitSpan, err)
	if err != nil {
		return r.fail(StateCommitting, err)
	}

	r.outcome.Degraded = result.Degraded
	r.transition(StateDone)
	metrics.IncrementPipelineRun(StateDone.String(), "")

	r.logger.Info("Email classified",
		zap.String("category", rec.CategoryValue().String()),
		zap.String("source", rec.SourceValue().String()),
		zap.Float64("confidence", rec.Confidence),
		zap.Bool("low_confidence", rec.LowConfidence),
		zap.Bool("degraded", result.Degraded),
	)
	return r.outcome, nil
}

func (c *Coordinator) validate(in Input) error {
	var problems []string
	if in.EmailID == "" {
		problems = append(problems, "empty email id")
	}
	if strings.TrimSpace(in.Subject) == "" && strings.TrimSpace(in.Body) == "" {
		problems = append(problems, "empty text")
	}
	if len(in.Embedding) == 0 {
		problems = append(problems, "empty embedding")
	} else if c.cfg.EmbeddingDim > 0 && len(in.Embedding) != c.cfg.EmbeddingDim {
		problems = append(problems, fmt.Sprintf("embedding has %d dimensions, want %d", len(in.Embedding), c.cfg.EmbeddingDim))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// match queries the index and scores the result. Index errors and timeouts
// count as no candidates.
func (c *Coordinator) match(ctx context.Context, r *run, in Input) model.ClassificationDecision {
	ctx, span := otel.StartSpan(ctx, "pipeline.match")

	queryCtx, cancel := context.WithTimeout(ctx, c.cfg.IndexTimeout)
	candidates, err := c.index.FindNearest(queryCtx, in.Embedding, c.cfg.TopK)
	cancel()
	if err != nil {
		r.logger.Warn("Similarity query failed, forcing fallback",
			zap.Error(wrap(ErrIndexUnavailable, err)),
		)
		candidates = nil
	}
	otel.EndSpan(span, err)

	return Score(candidates, in.SenderDomain, c.cfg.ScoringPolicy())
}

// fallback classifies through the external model, applying the default
// category policy when one is configured.
func (c *Coordinator) fallback(ctx context.Context, r *run) (err error) {
	ctx, span := otel.StartSpan(ctx, "pipeline.fallback")
	defer func() { otel.EndSpan(span, err) }()

	rec := r.outcome.Record
	text := (&metadata.Extractor{MaxEmailLength: c.cfg.MaxTextLength}).Truncate(rec.Text())
	category, confidence, err := c.classifier.Classify(ctx, text, rec.Metadata)
	if err != nil {
		if c.cfg.DefaultCategory == "" || ctx.Err() != nil {
			return err
		}
		r.logger.Warn("Classification failed, applying default category",
			zap.String("default_category", c.cfg.DefaultCategory.String()),
			zap.Error(err),
		)
		if err := rec.Classify(c.cfg.DefaultCategory, 0, model.SourceLLMFallback); err != nil {
			return err
		}
		rec.LowConfidence = true
	} else {
		if err := rec.Classify(category, confidence, model.SourceLLMFallback); err != nil {
			return wrap(ErrClassificationFailure, err)
		}
		rec.LowConfidence = rec.Confidence < c.cfg.LowConfidenceFloor
	}

	r.outcome.Decision.Category = rec.CategoryValue()
	r.outcome.Decision.Confidence = rec.Confidence
	r.outcome.Decision.Source = model.SourceLLMFallback
	return nil
}
