package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"email-classifier/config"
	"email-classifier/internal/api"
	"email-classifier/internal/repository"
	"email-classifier/pkg/db"
	"email-classifier/pkg/logger"
	"email-classifier/pkg/otel"
	"email-classifier/pkg/outbox"
	"email-classifier/pkg/rbac"

	"go.uber.org/zap"
)

func main() {
	issue := flag.Bool("issue-token", false, "print an operator token and exit")
	subject := flag.String("subject", "", "token subject (with -issue-token)")
	role := flag.String("role", rbac.RoleViewer, "token role: viewer or admin (with -issue-token)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime (with -issue-token)")
	flag.Parse()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	if *issue {
		if *subject == "" {
			fmt.Fprintln(os.Stderr, "-subject is required")
			os.Exit(2)
		}
		tok, err := api.GenerateToken(*subject, rbac.NormalizeRole(*role), cfg.JWT.Secret, *ttl)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	logger := logger.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	shutdownTracing, err := otel.Init(cfg.Tracing("api"), logger)
	if err != nil {
		logger.Fatal("OpenTelemetry init failed", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// Init Repositories
	outboxRepo := outbox.NewRepository(dbConn)
	recordRepo := repository.NewRecordRepository(dbConn, outboxRepo, cfg.Outbox.ResyncGrace, logger)
	replayService := outbox.NewReplayService(outboxRepo)

	// Init Handlers
	recordHandler := api.NewRecordHandler(recordRepo, logger)
	adminHandler := api.NewAdminHandler(replayService, logger)

	// Router
	router := api.NewRouter(recordHandler, adminHandler, cfg.JWT.Secret, dbConn)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting API server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server start failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down API server gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}

	logger.Info("API server shutdown complete")
}
