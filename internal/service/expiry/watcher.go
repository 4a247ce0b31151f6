// Package expiry sweeps the ledger for credits past their expire_date
// and offsets them with `expire` rows.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talx-hub/point-ledger/internal/model"
	"github.com/talx-hub/point-ledger/internal/model/txn"
	"github.com/talx-hub/point-ledger/internal/utils/semaphore"
)

type ledgerService interface {
	Expire(ctx context.Context,
		walletID int64, amount model.Amount, refTxnID int64) (model.Amount, error)
}

type txnRepo interface {
	ListExpiredCredits(ctx context.Context,
		asOf time.Time, limit int) ([]txn.Txn, error)
}

type Watcher struct {
	ledger     ledgerService
	txns       txnRepo
	sema       *semaphore.Semaphore
	log        *slog.Logger
	interval   time.Duration
	batchLimit int
}

func New(ledger ledgerService, txns txnRepo, log *slog.Logger,
	interval time.Duration, batchLimit int, workerCount uint64,
) *Watcher {
	return &Watcher{
		ledger:     ledger,
		txns:       txns,
		sema:       semaphore.New(workerCount),
		log:        log,
		interval:   interval,
		batchLimit: batchLimit,
	}
}

// Run blocks, sweeping once per interval, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.log.LogAttrs(ctx, slog.LevelInfo, "expiry watcher running",
		slog.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.LogAttrs(ctx, slog.LevelInfo, "stop signal received, exiting...")
			return

		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs a single expiry pass. Each expired credit is offset in its
// own ledger transaction, so one failure never blocks the rest.
func (w *Watcher) Sweep(ctx context.Context) {
	log := w.log.With(slog.String("sweep_id", uuid.NewString()))

	expired, err := w.txns.ListExpiredCredits(ctx, time.Now().UTC(), w.batchLimit)
	if err != nil {
		log.LogAttrs(ctx,
			slog.LevelError,
			"failed to select expired credits",
			slog.Any(model.KeyLoggerError, err),
		)
		return
	}
	if len(expired) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, t := range expired {
		if err := w.sema.AcquireWithTimeout(model.DefaultTimeout); err != nil {
			log.LogAttrs(ctx,
				slog.LevelWarn,
				"expiry worker pool is saturated, deferring to next sweep",
				slog.Any(model.KeyLoggerError, err),
			)
			break
		}

		wg.Add(1)
		go func(t txn.Txn) {
			defer wg.Done()
			defer w.sema.Release()

			if _, err := w.ledger.Expire(ctx, t.WalletID, t.PointChanged, t.ID); err != nil {
				log.LogAttrs(ctx,
					slog.LevelError,
					"failed to expire credit",
					slog.Int64("txn_id", t.ID),
					slog.Int64("wallet_id", t.WalletID),
					slog.Any(model.KeyLoggerError, err),
				)
			}
		}(t)
	}
	wg.Wait()

	log.LogAttrs(ctx, slog.LevelInfo, "expiry sweep finished",
		slog.Int("candidates", len(expired)))
}
