package main

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/qc-engine/internal/config"
	"github.com/kursadbilgin/qc-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// cliEnv holds what every subcommand needs. close releases it.
type cliEnv struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB
}

func openEnv(ctx context.Context) (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, fmt.Errorf("postgres initialization failed: %w", err)
	}

	return &cliEnv{cfg: cfg, logger: logger, db: db}, nil
}

func (e *cliEnv) close() {
	if sqlDB, err := e.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = e.logger.Sync()
}
