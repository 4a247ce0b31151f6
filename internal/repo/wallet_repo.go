package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/talx-hub/point-ledger/internal/model"
	"github.com/talx-hub/point-ledger/internal/model/txn"
	"github.com/talx-hub/point-ledger/internal/model/wallet"
	"github.com/talx-hub/point-ledger/internal/serviceerrs"
)

const walletColumns = `wallet_id, user_id, point_type_id, balance, created_at, updated_at`

type WalletRepository struct {
	DB
}

func NewWalletRepository(pool ConnectionPool, log *slog.Logger) *WalletRepository {
	return &WalletRepository{
		DB{
			pool: pool,
			log:  log,
		},
	}
}

func scanWallet(row pgx.Row) (wallet.Wallet, error) {
	var (
		w                wallet.Wallet
		balance          pgtype.Numeric
		created, updated pgtype.Timestamptz
	)
	err := row.Scan(&w.ID, &w.UserID, &w.PointTypeID, &balance, &created, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Wallet{}, fmt.Errorf("wallet: %w", serviceerrs.ErrNotFound)
		}
		return wallet.Wallet{}, fmt.Errorf("failed to scan wallet: %w", err)
	}

	w.Balance, err = model.FromPGNumeric(balance)
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("invalid balance in DB: %w", err)
	}
	w.CreatedAt = created.Time
	w.UpdatedAt = updated.Time
	return w, nil
}

func validateWalletKey(userID, pointTypeID int64) error {
	if userID <= 0 {
		return &serviceerrs.ValidationError{
			Field: "user_id", Reason: "must be a positive identifier"}
	}
	if pointTypeID <= 0 {
		return &serviceerrs.ValidationError{
			Field: "point_type_id", Reason: "must be a positive identifier"}
	}
	return nil
}

func (r *WalletRepository) Create(ctx context.Context,
	userID, pointTypeID int64, initial model.Amount,
) (wallet.Wallet, error) {
	if err := validateWalletKey(userID, pointTypeID); err != nil {
		return wallet.Wallet{}, err
	}
	if initial.IsNegative() {
		return wallet.Wallet{}, &serviceerrs.ValidationError{
			Field: "balance", Reason: "initial balance must not be negative"}
	}

	createLogic := func(ctx context.Context, tx ConnectionPool) (any, error) {
		const query = `INSERT INTO wallets (user_id, point_type_id, balance)
			VALUES ($1, $2, $3)
			RETURNING ` + walletColumns
		w, err := scanWallet(tx.QueryRow(ctx, query,
			userID, pointTypeID, initial.ToPGNumeric()))
		if err != nil {
			if isUniqueViolation(err) {
				return wallet.Wallet{}, &serviceerrs.ValidationError{
					Field:  "user_id, point_type_id",
					Reason: "wallet already exists for this user and point type",
				}
			}
			return wallet.Wallet{}, fmt.Errorf("failed to create wallet: %w", err)
		}

		if err := appendOpeningTxn(ctx, tx, &w); err != nil {
			return wallet.Wallet{}, err
		}
		return w, nil
	}

	createWithTX := func() (wallet.Wallet, error) {
		return WithTX[wallet.Wallet](ctx, r.pool, r.log, createLogic)
	}

	return WithRetry[wallet.Wallet](createWithTX, 0) //nolint: wrapcheck // error from wrapped function
}

// appendOpeningTxn keeps the ledger authoritative for wallets born with
// a balance: the opening balance gets its own system row.
func appendOpeningTxn(ctx context.Context, q ConnectionPool, w *wallet.Wallet) error {
	if w.Balance.IsZero() {
		return nil
	}

	_, err := appendTxnTX(ctx, q, AppendParams{
		WalletID:     w.ID,
		Title:        "opening balance",
		Type:         txn.TypeSystem,
		ModifiedBy:   model.SystemActor,
		PointChanged: w.Balance,
		NewBalance:   w.Balance,
	})
	if err != nil {
		return fmt.Errorf("failed to append opening txn: %w", err)
	}
	return nil
}

func (r *WalletRepository) FindByID(ctx context.Context, id int64,
) (wallet.Wallet, error) {
	findLogic := func() (wallet.Wallet, error) {
		const query = `SELECT ` + walletColumns + ` FROM wallets WHERE wallet_id = $1`
		return scanWallet(r.pool.QueryRow(ctx, query, id))
	}

	return WithRetry[wallet.Wallet](findLogic, 0) //nolint: wrapcheck // error from wrapped function
}

func (r *WalletRepository) FindByUserAndPointType(ctx context.Context,
	userID, pointTypeID int64,
) (wallet.Wallet, error) {
	findLogic := func() (wallet.Wallet, error) {
		const query = `SELECT ` + walletColumns +
			` FROM wallets WHERE user_id = $1 AND point_type_id = $2`
		return scanWallet(r.pool.QueryRow(ctx, query, userID, pointTypeID))
	}

	return WithRetry[wallet.Wallet](findLogic, 0) //nolint: wrapcheck // error from wrapped function
}

// FindOrCreate is idempotent: the unique index on (user_id,
// point_type_id) makes the losing concurrent creator fall back to a read.
func (r *WalletRepository) FindOrCreate(ctx context.Context,
	userID, pointTypeID int64, initial model.Amount,
) (wallet.Wallet, error) {
	findOrCreateLogic := func(ctx context.Context, tx ConnectionPool) (any, error) {
		return r.FindOrCreateTX(ctx, tx, userID, pointTypeID, initial)
	}

	findOrCreateWithTX := func() (wallet.Wallet, error) {
		return WithTX[wallet.Wallet](ctx, r.pool, r.log, findOrCreateLogic)
	}

	return WithRetry[wallet.Wallet](findOrCreateWithTX, 0) //nolint: wrapcheck // error from wrapped function
}

// FindOrCreateTX is FindOrCreate runnable on a caller-supplied
// transaction; the ledger service uses it inside its atomic unit.
func (r *WalletRepository) FindOrCreateTX(ctx context.Context, q ConnectionPool,
	userID, pointTypeID int64, initial model.Amount,
) (wallet.Wallet, error) {
	if err := validateWalletKey(userID, pointTypeID); err != nil {
		return wallet.Wallet{}, err
	}
	if initial.IsNegative() {
		return wallet.Wallet{}, &serviceerrs.ValidationError{
			Field: "balance", Reason: "initial balance must not be negative"}
	}

	const insertQuery = `INSERT INTO wallets (user_id, point_type_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, point_type_id) DO NOTHING
		RETURNING ` + walletColumns
	w, err := scanWallet(q.QueryRow(ctx, insertQuery,
		userID, pointTypeID, initial.ToPGNumeric()))
	if err == nil {
		if err := appendOpeningTxn(ctx, q, &w); err != nil {
			return wallet.Wallet{}, err
		}
		return w, nil
	}
	if !errors.Is(err, serviceerrs.ErrNotFound) {
		return wallet.Wallet{}, fmt.Errorf("failed to find-or-create wallet: %w", err)
	}

	const selectQuery = `SELECT ` + walletColumns +
		` FROM wallets WHERE user_id = $1 AND point_type_id = $2`
	w, err = scanWallet(q.QueryRow(ctx, selectQuery, userID, pointTypeID))
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("failed to read existing wallet: %w", err)
	}
	return w, nil
}

// LockByID reads a wallet row FOR UPDATE. Must run inside a transaction;
// it is what serializes concurrent balance mutations per wallet.
func (r *WalletRepository) LockByID(ctx context.Context, q ConnectionPool, id int64,
) (wallet.Wallet, error) {
	const query = `SELECT ` + walletColumns +
		` FROM wallets WHERE wallet_id = $1 FOR UPDATE`
	return scanWallet(q.QueryRow(ctx, query, id))
}

// SetBalanceTX writes an absolute balance on a caller-supplied
// transaction. Callers are responsible for the non-negative check and
// for appending the matching ledger row in the same unit.
func (r *WalletRepository) SetBalanceTX(ctx context.Context, q ConnectionPool,
	id int64, balance model.Amount,
) (wallet.Wallet, error) {
	const query = `UPDATE wallets SET balance = $1, updated_at = now()
		WHERE wallet_id = $2
		RETURNING ` + walletColumns
	return scanWallet(q.QueryRow(ctx, query, balance.ToPGNumeric(), id))
}

func (r *WalletRepository) UpdateBalance(ctx context.Context,
	walletID int64, delta model.Amount,
) (wallet.Wallet, error) {
	updateLogic := func(ctx context.Context, tx ConnectionPool) (any, error) {
		w, err := r.LockByID(ctx, tx, walletID)
		if err != nil {
			return wallet.Wallet{}, err
		}

		newBalance := w.Balance.Add(delta)
		if newBalance.IsNegative() {
			return wallet.Wallet{}, fmt.Errorf(
				"wallet %d: %w", walletID, serviceerrs.ErrInsufficientFunds)
		}

		return r.SetBalanceTX(ctx, tx, walletID, newBalance)
	}

	updateWithTX := func() (wallet.Wallet, error) {
		return WithTX[wallet.Wallet](ctx, r.pool, r.log, updateLogic)
	}

	return WithRetry[wallet.Wallet](updateWithTX, 0) //nolint: wrapcheck // error from wrapped function
}

func (r *WalletRepository) SetBalance(ctx context.Context,
	walletID int64, balance model.Amount,
) (wallet.Wallet, error) {
	if balance.IsNegative() {
		return wallet.Wallet{}, &serviceerrs.ValidationError{
			Field: "balance", Reason: "balance must not be negative"}
	}

	setLogic := func() (wallet.Wallet, error) {
		return r.SetBalanceTX(ctx, r.pool, walletID, balance)
	}

	return WithRetry[wallet.Wallet](setLogic, 0) //nolint: wrapcheck // error from wrapped function
}

func (r *WalletRepository) GetUserTotalBalance(ctx context.Context, userID int64,
) (model.Amount, error) {
	totalLogic := func() (model.Amount, error) {
		const query = `SELECT COALESCE(SUM(balance), 0)
			FROM wallets WHERE user_id = $1`
		var total pgtype.Numeric
		if err := r.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
			return model.Amount{},
				fmt.Errorf("failed to sum balances for user %d: %w", userID, err)
		}
		return model.FromPGNumeric(total) //nolint: wrapcheck // error from wrapped function
	}

	return WithRetry[model.Amount](totalLogic, 0) //nolint: wrapcheck // error from wrapped function
}

func (r *WalletRepository) TopBalanceWallets(ctx context.Context, limit int,
) ([]wallet.Wallet, error) {
	if limit <= 0 {
		limit = 10
	}

	topLogic := func() ([]wallet.Wallet, error) {
		const query = `SELECT ` + walletColumns +
			` FROM wallets ORDER BY balance DESC LIMIT $1`
		return r.queryWallets(ctx, query, limit)
	}

	return WithRetry[[]wallet.Wallet](topLogic, 0) //nolint: wrapcheck // error from wrapped function
}

func (r *WalletRepository) ListByUser(ctx context.Context, userID int64,
) ([]wallet.Wallet, error) {
	listLogic := func() ([]wallet.Wallet, error) {
		const query = `SELECT ` + walletColumns +
			` FROM wallets WHERE user_id = $1 ORDER BY created_at DESC`
		return r.queryWallets(ctx, query, userID)
	}

	return WithRetry[[]wallet.Wallet](listLogic, 0) //nolint: wrapcheck // error from wrapped function
}

var walletFilterColumns = map[string]struct{}{
	"wallet_id":     {},
	"user_id":       {},
	"point_type_id": {},
	"balance":       {},
	"created_at":    {},
	"updated_at":    {},
}

var walletFilterOps = map[wallet.FilterOp]struct{}{
	wallet.OpEq: {},
	wallet.OpNe: {},
	wallet.OpLt: {},
	wallet.OpLe: {},
	wallet.OpGt: {},
	wallet.OpGe: {},
}

// List is the administrative query builder: whitelisted
// column/operator/value filters plus order, limit and offset.
func (r *WalletRepository) List(ctx context.Context, params wallet.ListParams,
) ([]wallet.Wallet, error) {
	query, args, err := buildWalletListQuery(params)
	if err != nil {
		return nil, err
	}

	listLogic := func() ([]wallet.Wallet, error) {
		return r.queryWallets(ctx, query, args...)
	}

	return WithRetry[[]wallet.Wallet](listLogic, 0) //nolint: wrapcheck // error from wrapped function
}

func buildWalletListQuery(params wallet.ListParams) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + walletColumns + ` FROM wallets`)

	args := make([]any, 0, len(params.Filters)+2)
	for i, f := range params.Filters {
		if _, ok := walletFilterColumns[f.Column]; !ok {
			return "", nil, &serviceerrs.ValidationError{
				Field: "filter", Reason: "unknown column " + f.Column}
		}
		if _, ok := walletFilterOps[f.Op]; !ok {
			return "", nil, &serviceerrs.ValidationError{
				Field: "filter", Reason: "unknown operator " + string(f.Op)}
		}

		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		args = append(args, f.Value)
		fmt.Fprintf(&sb, "%s %s $%d", f.Column, f.Op, len(args))
	}

	orderBy := params.OrderBy
	if orderBy == "" {
		orderBy = "wallet_id"
	}
	if _, ok := walletFilterColumns[orderBy]; !ok {
		return "", nil, &serviceerrs.ValidationError{
			Field: "order_by", Reason: "unknown column " + orderBy}
	}
	order := strings.ToUpper(params.Order)
	if order == "" {
		order = "ASC"
	}
	if order != "ASC" && order != "DESC" {
		return "", nil, &serviceerrs.ValidationError{
			Field: "order", Reason: "must be asc or desc"}
	}
	fmt.Fprintf(&sb, " ORDER BY %s %s", orderBy, order)

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	if params.Offset > 0 {
		args = append(args, params.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	return sb.String(), args, nil
}

func (r *WalletRepository) queryWallets(ctx context.Context,
	query string, args ...any,
) ([]wallet.Wallet, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	wallets := make([]wallet.Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wallets: %w", err)
	}
	return wallets, nil
}
