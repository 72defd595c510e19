package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"email-classifier/config"
	mqcontracts "email-classifier/contracts/mq"
	"email-classifier/internal/llm"
	"email-classifier/internal/mqhandler"
	"email-classifier/internal/pipeline"
	"email-classifier/internal/repository"
	"email-classifier/internal/scraper"
	"email-classifier/internal/vectorstore"
	"email-classifier/pkg/db"
	"email-classifier/pkg/logger"
	"email-classifier/pkg/mq"
	"email-classifier/pkg/otel"
	"email-classifier/pkg/outbox"
	"email-classifier/pkg/redis"
	"email-classifier/pkg/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logger.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting classification worker...")

	shutdownTracing, err := otel.Init(cfg.Tracing("worker"), logger)
	if err != nil {
		logger.Fatal("OpenTelemetry init failed", zap.Error(err))
	}
	defer shutdownTracing()

	// 优雅退出处理
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Fatal("Redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	deduper := util.NewDeduper(rdb, cfg.Worker.DedupTTL, logger)
	retryCounter := util.NewRetryCounter(rdb, cfg.Worker.RetryTTL)

	// DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()

	outboxRepo := outbox.NewRepository(dbConn)
	recordRepo := repository.NewRecordRepository(dbConn, outboxRepo, cfg.Outbox.ResyncGrace, logger)

	// similarity index
	index, err := vectorstore.New(ctx, cfg.Index, dbConn, logger)
	if err != nil {
		logger.Fatal("Similarity index init failed", zap.Error(err))
	}
	defer index.Close()

	// fallback classifier + embedder
	classifier, err := llm.NewClassifier(cfg.LLM, logger)
	if err != nil {
		logger.Fatal("Fallback classifier init failed", zap.Error(err))
	}
	embedder, err := llm.NewEmbedder(cfg.LLM)
	if err != nil {
		// 没有 embedder 时，缺少 embedding 的消息会进入 DLQ
		logger.Warn("No embedder configured, messages must carry embeddings", zap.Error(err))
	}

	contactExtractor, err := llm.NewContactExtractor(cfg.LLM)
	if err != nil {
		// 没有 LLM 抽取能力时只用正则
		logger.Info("Contact extraction uses patterns only", zap.Error(err))
	}
	policyScraper := scraper.New(cfg.Scraper, contactExtractor, logger)

	coordinator, err := pipeline.NewCoordinator(cfg.Pipeline, index, classifier, policyScraper, recordRepo, logger)
	if err != nil {
		logger.Fatal("Pipeline init failed", zap.Error(err))
	}

	// publisher (DLQ + outbox events)
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		logger.Fatal("failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	classifyHandler := mqhandler.NewClassifyHandler(
		coordinator,
		recordRepo,
		embedder,
		deduper,
		retryCounter,
		publisher,
		cfg.Worker.MaxRetries,
		logger,
	)
	resyncHandler := mqhandler.NewIndexResyncHandler(recordRepo, index, logger)

	// -------------------------
	// Outbox Dispatcher
	// -------------------------
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, logger).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries).
		WithLease(cfg.Outbox.Lease).
		WithHandler(mqcontracts.RoutingKeyIndexUpsert, resyncHandler.Handle)

	// -------------------------
	// Classify Consumer
	// -------------------------
	logger.Info("Init consumer", zap.String("queue", cfg.Worker.Queue))
	consumer, err := mq.NewConsumer(
		cfg.MQ.URL,
		cfg.Worker.Queue,
		mqcontracts.RoutingKeyEmailAnonymized,
		mq.ConsumerOptions{Concurrency: cfg.Worker.Concurrency, Prefetch: cfg.Worker.Prefetch},
		logger,
	)
	if err != nil {
		logger.Fatal("Classify consumer init failed", zap.Error(err))
	}
	consumer.SetHandler(classifyHandler.Handle)
	defer consumer.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := consumer.StartConsuming(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			// 连接断开导致投递通道关闭，退出让编排系统重启
			return errors.New("consumer stopped unexpectedly")
		}
		return nil
	})
	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})

	logger.Info("Worker running",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.String("index", cfg.Index.Type),
		zap.String("llm_provider", cfg.LLM.Provider),
	)

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", zap.Error(err))
	}

	logger.Info("Worker shutdown complete")
}
