package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"time"

	"email-classifier/config"
	"email-classifier/internal/migrate"
	"email-classifier/migrations"
	"email-classifier/pkg/db"
	"email-classifier/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", "", "read migrations from this directory instead of the embedded set")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logger.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dbConn, err := db.NewConnection(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()

	var source fs.FS = migrations.FS
	if *dir != "" {
		source = os.DirFS(*dir)
	}

	applied, err := migrate.Apply(ctx, dbConn, source, logger)
	if err != nil {
		logger.Fatal("Migration failed", zap.Strings("applied", applied), zap.Error(err))
	}
	logger.Info("Migrations complete", zap.Int("applied", len(applied)))
}
