// Package ledger is the only caller allowed to mutate wallet balances.
// Every operation runs as one storage transaction spanning the wallet
// row lock, the balance write, and the ledger append, so a wallet is
// never observable between the two writes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/talx-hub/point-ledger/internal/model"
	"github.com/talx-hub/point-ledger/internal/model/txn"
	"github.com/talx-hub/point-ledger/internal/model/wallet"
	"github.com/talx-hub/point-ledger/internal/repo"
	"github.com/talx-hub/point-ledger/internal/serviceerrs"
)

type Service struct {
	pool    repo.ConnectionPool
	log     *slog.Logger
	wallets *repo.WalletRepository
	txns    *repo.TxnRepository
}

func New(pool repo.ConnectionPool, log *slog.Logger,
	wallets *repo.WalletRepository, txns *repo.TxnRepository,
) *Service {
	return &Service{
		pool:    pool,
		log:     log,
		wallets: wallets,
		txns:    txns,
	}
}

// Meta describes the ledger row a mutation produces. Zero values get
// operation-specific defaults; Ref is stored opaquely, never validated.
type Meta struct {
	ExpireDate time.Time
	Ref        *txn.Ref
	Title      string
	Type       txn.Type
	ModifiedBy int64
}

func (m *Meta) resolve(defaultTitle string, defaultType txn.Type) (string, txn.Type, error) {
	title := m.Title
	if title == "" {
		title = defaultTitle
	}
	typ := m.Type
	if typ == "" {
		typ = defaultType
	}
	if _, err := txn.ParseType(string(typ)); err != nil {
		return "", "", err //nolint: wrapcheck // typed validation error
	}
	return title, typ, nil
}

// Award credits amount to the (user, point type) wallet, creating it on
// first use. A negative amount is routed through Deduct.
func (s *Service) Award(ctx context.Context,
	userID, pointTypeID int64, amount model.Amount, meta Meta,
) (model.Amount, error) {
	if amount.IsNegative() {
		return s.Deduct(ctx, userID, pointTypeID, amount.Neg(), meta)
	}

	title, typ, err := meta.resolve("award points", txn.TypeDeposit)
	if err != nil {
		return model.Amount{}, err
	}

	awardLogic := func(ctx context.Context, tx repo.ConnectionPool) (any, error) {
		w, prev, err := s.acquireWallet(ctx, tx, userID, pointTypeID)
		if err != nil {
			return model.Amount{}, err
		}

		newBalance := prev.Add(amount)
		return s.commitChange(ctx, tx, w.ID, repo.AppendParams{
			WalletID:     w.ID,
			Title:        title,
			Type:         typ,
			ModifiedBy:   meta.ModifiedBy,
			PointChanged: amount,
			NewBalance:   newBalance,
			Ref:          meta.Ref,
			ExpireDate:   meta.ExpireDate,
		})
	}

	return s.runTX(ctx, awardLogic)
}

// Deduct debits amount from the wallet. The sign of amount is
// normalized: Deduct(30) and Deduct(-30) both remove 30 points. Fails
// with ErrInsufficientFunds, changing nothing, if the balance would go
// negative.
func (s *Service) Deduct(ctx context.Context,
	userID, pointTypeID int64, amount model.Amount, meta Meta,
) (model.Amount, error) {
	if amount.IsNegative() {
		amount = amount.Neg()
	}

	title, typ, err := meta.resolve("deduct points", txn.TypeWithdraw)
	if err != nil {
		return model.Amount{}, err
	}

	deductLogic := func(ctx context.Context, tx repo.ConnectionPool) (any, error) {
		w, prev, err := s.acquireWallet(ctx, tx, userID, pointTypeID)
		if err != nil {
			return model.Amount{}, err
		}

		newBalance := prev.Sub(amount)
		if newBalance.IsNegative() {
			return model.Amount{}, fmt.Errorf(
				"wallet %d: %w", w.ID, serviceerrs.ErrInsufficientFunds)
		}

		return s.commitChange(ctx, tx, w.ID, repo.AppendParams{
			WalletID:     w.ID,
			Title:        title,
			Type:         typ,
			ModifiedBy:   meta.ModifiedBy,
			PointChanged: amount.Neg(),
			NewBalance:   newBalance,
			Ref:          meta.Ref,
			ExpireDate:   meta.ExpireDate,
		})
	}

	return s.runTX(ctx, deductLogic)
}

// SetAbsolute overrides the balance to newBalance, appending a single
// row that records the delta from the previous balance.
func (s *Service) SetAbsolute(ctx context.Context,
	userID, pointTypeID int64, newBalance model.Amount, meta Meta,
) (model.Amount, error) {
	if newBalance.IsNegative() {
		return model.Amount{}, &serviceerrs.ValidationError{
			Field: "balance", Reason: "balance must not be negative"}
	}

	title, typ, err := meta.resolve("set balance", txn.TypeModify)
	if err != nil {
		return model.Amount{}, err
	}

	setLogic := func(ctx context.Context, tx repo.ConnectionPool) (any, error) {
		w, prev, err := s.acquireWallet(ctx, tx, userID, pointTypeID)
		if err != nil {
			return model.Amount{}, err
		}

		return s.commitChange(ctx, tx, w.ID, repo.AppendParams{
			WalletID:     w.ID,
			Title:        title,
			Type:         typ,
			ModifiedBy:   meta.ModifiedBy,
			PointChanged: newBalance.Sub(prev),
			NewBalance:   newBalance,
			Ref:          meta.Ref,
			ExpireDate:   meta.ExpireDate,
		})
	}

	return s.runTX(ctx, setLogic)
}

// Expire offsets an expired credit row. The deducted amount is clamped
// to the current balance, and the appended row points back at the
// expired credit via an opaque txn ref, which marks it processed.
func (s *Service) Expire(ctx context.Context,
	walletID int64, amount model.Amount, refTxnID int64,
) (model.Amount, error) {
	if amount.IsNegative() {
		amount = amount.Neg()
	}

	expireLogic := func(ctx context.Context, tx repo.ConnectionPool) (any, error) {
		w, err := s.wallets.LockByID(ctx, tx, walletID)
		if err != nil {
			return model.Amount{}, err
		}
		prev, err := s.previousBalance(ctx, tx, &w)
		if err != nil {
			return model.Amount{}, err
		}

		expired := amount
		if expired.Cmp(prev) > 0 {
			expired = prev
		}

		return s.commitChange(ctx, tx, w.ID, repo.AppendParams{
			WalletID:     w.ID,
			Title:        "points expired",
			Type:         txn.TypeExpire,
			ModifiedBy:   model.SystemActor,
			PointChanged: expired.Neg(),
			NewBalance:   prev.Sub(expired),
			Ref:          &txn.Ref{Type: txn.RefTypeTxn, ID: refTxnID},
		})
	}

	return s.runTX(ctx, expireLogic)
}

// BatchUpdate applies every delta in one transaction; any single
// failure rolls back all of them. Wallets are locked in ascending id
// order so overlapping batches cannot deadlock.
func (s *Service) BatchUpdate(ctx context.Context,
	deltas map[int64]model.Amount, meta Meta,
) error {
	if len(deltas) == 0 {
		return nil
	}

	title, typ, err := meta.resolve("batch update", txn.TypeModify)
	if err != nil {
		return err
	}

	walletIDs := make([]int64, 0, len(deltas))
	for id := range deltas {
		walletIDs = append(walletIDs, id)
	}
	sort.Slice(walletIDs, func(i, j int) bool { return walletIDs[i] < walletIDs[j] })

	batchLogic := func(ctx context.Context, tx repo.ConnectionPool) (any, error) {
		for _, id := range walletIDs {
			w, err := s.wallets.LockByID(ctx, tx, id)
			if err != nil {
				return struct{}{}, err
			}
			prev, err := s.previousBalance(ctx, tx, &w)
			if err != nil {
				return struct{}{}, err
			}

			newBalance := prev.Add(deltas[id])
			if newBalance.IsNegative() {
				return struct{}{}, fmt.Errorf(
					"wallet %d: %w", id, serviceerrs.ErrInsufficientFunds)
			}

			if _, err := s.commitChange(ctx, tx, id, repo.AppendParams{
				WalletID:     id,
				Title:        title,
				Type:         typ,
				ModifiedBy:   meta.ModifiedBy,
				PointChanged: deltas[id],
				NewBalance:   newBalance,
				Ref:          meta.Ref,
			}); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	}

	batchWithTX := func() (struct{}, error) {
		return repo.WithTX[struct{}](ctx, s.pool, s.log, batchLogic)
	}

	_, err = repo.WithRetry[struct{}](batchWithTX, 0)
	return err //nolint: wrapcheck // error from wrapped function
}

// FindOrCreate exposes idempotent wallet lookup to callers without
// going through a balance mutation.
func (s *Service) FindOrCreate(ctx context.Context,
	userID, pointTypeID int64,
) (wallet.Wallet, error) {
	return s.wallets.FindOrCreate(ctx, userID, pointTypeID, model.Amount{}) //nolint: wrapcheck // error from wrapped function
}

// acquireWallet finds-or-creates the wallet, locks its row, and returns
// the authoritative previous balance from the ledger.
func (s *Service) acquireWallet(ctx context.Context, tx repo.ConnectionPool,
	userID, pointTypeID int64,
) (wallet.Wallet, model.Amount, error) {
	w, err := s.wallets.FindOrCreateTX(ctx, tx, userID, pointTypeID, model.Amount{})
	if err != nil {
		return wallet.Wallet{}, model.Amount{}, err
	}
	w, err = s.wallets.LockByID(ctx, tx, w.ID)
	if err != nil {
		return wallet.Wallet{}, model.Amount{}, err
	}

	prev, err := s.previousBalance(ctx, tx, &w)
	if err != nil {
		return wallet.Wallet{}, model.Amount{}, err
	}
	return w, prev, nil
}

// previousBalance reads the last ledger row for the wallet; the ledger
// is authoritative and the wallet row is only a materialized cache of
// it. Divergence is fatal, never silently corrected.
func (s *Service) previousBalance(ctx context.Context, tx repo.ConnectionPool,
	w *wallet.Wallet,
) (model.Amount, error) {
	var prev model.Amount
	last, err := s.txns.LastForWalletTX(ctx, tx, w.ID)
	switch {
	case err == nil:
		prev = last.NewBalance
	case errors.Is(err, serviceerrs.ErrNotFound):
		prev = model.Amount{}
	default:
		return model.Amount{}, err
	}

	if prev.Cmp(w.Balance) != 0 {
		cErr := &serviceerrs.ConsistencyError{
			WalletID:      w.ID,
			WalletBalance: w.Balance.String(),
			LedgerBalance: prev.String(),
		}
		s.log.LogAttrs(ctx,
			slog.LevelError,
			"wallet balance diverged from ledger",
			slog.Int64("wallet_id", w.ID),
			slog.Any(model.KeyLoggerError, cErr),
		)
		return model.Amount{}, cErr
	}
	return prev, nil
}

// commitChange appends the ledger row and refreshes the cached wallet
// balance as the two halves of one atomic unit.
func (s *Service) commitChange(ctx context.Context, tx repo.ConnectionPool,
	walletID int64, params repo.AppendParams,
) (model.Amount, error) {
	if _, err := s.txns.AppendTX(ctx, tx, params); err != nil {
		return model.Amount{}, err
	}
	if _, err := s.wallets.SetBalanceTX(ctx, tx, walletID, params.NewBalance); err != nil {
		return model.Amount{}, err
	}
	return params.NewBalance, nil
}

func (s *Service) runTX(ctx context.Context,
	logic func(ctx context.Context, tx repo.ConnectionPool) (any, error),
) (model.Amount, error) {
	runWithTX := func() (model.Amount, error) {
		return repo.WithTX[model.Amount](ctx, s.pool, s.log, logic)
	}

	return repo.WithRetry[model.Amount](runWithTX, 0) //nolint: wrapcheck // error from wrapped function
}
