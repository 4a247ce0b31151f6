package service

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/talx-hub/point-ledger/internal/dbmanager"
	"github.com/talx-hub/point-ledger/internal/ledger"
	"github.com/talx-hub/point-ledger/internal/model"
	"github.com/talx-hub/point-ledger/internal/repo"
	"github.com/talx-hub/point-ledger/internal/service/config"
	"github.com/talx-hub/point-ledger/internal/service/expiry"
	"github.com/talx-hub/point-ledger/internal/utils/logger"
)

func initService(bootLog *slog.Logger) (*expiry.Watcher, *dbmanager.DBManager, *slog.Logger) {
	cfg := config.NewBuilder(bootLog).
		FromDotEnv().
		FromEnv().
		FromFlags().
		GetConfig()
	log := logger.New(logger.ParseLevel(cfg.LogLevel))

	const connectTO = 2 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), connectTO)
	defer cancel()
	dbManager := dbmanager.New(cfg.DatabaseURI, log).
		Connect(ctx).
		ApplyMigrations(ctx).
		Ping(ctx)
	if err := dbManager.Error(); err != nil {
		log.LogAttrs(context.Background(),
			slog.LevelError,
			"failed to start service: db connection error",
			slog.Any(model.KeyLoggerError, err),
		)
		return nil, nil, log
	}

	pool, err := dbManager.GetPool(ctx)
	if err != nil {
		log.LogAttrs(context.Background(),
			slog.LevelError,
			"failed to start service: failed to get DB pool",
			slog.Any(model.KeyLoggerError, err),
		)
		return nil, nil, log
	}

	walletRepo := repo.NewWalletRepository(pool, log)
	txnRepo := repo.NewTxnRepository(pool, log)
	ledgerSvc := ledger.New(pool, log, walletRepo, txnRepo)

	watcher := expiry.New(ledgerSvc, txnRepo, log,
		cfg.ExpiryInterval, cfg.ExpiryBatchLimit, cfg.ExpiryWorkerCount)

	return watcher, dbManager, log
}

func Run() {
	watcher, dbManager, log := initService(logger.New(slog.LevelInfo))
	if watcher == nil {
		log.LogAttrs(context.TODO(),
			slog.LevelError,
			"failed to init service",
		)
		return
	}
	defer dbManager.Close()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher.Run(logger.WithContext(ctx, log))
}
