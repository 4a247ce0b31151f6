package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/talx-hub/point-ledger/internal/model"
	"github.com/talx-hub/point-ledger/internal/model/txn"
	"github.com/talx-hub/point-ledger/internal/serviceerrs"
)

const txnColumns = `txn_id, wallet_id, title, type, modified_by,
	point_changed, new_balance, ref_id, ref_type, expire_date, created_at, updated_at`

type TxnRepository struct {
	DB
}

func NewTxnRepository(pool ConnectionPool, log *slog.Logger) *TxnRepository {
	return &TxnRepository{
		DB{
			pool: pool,
			log:  log,
		},
	}
}

// AppendParams describes one ledger row to append. A zero ExpireDate
// means the row never expires (far-future sentinel).
type AppendParams struct {
	ExpireDate   time.Time
	Ref          *txn.Ref
	Title        string
	Type         txn.Type
	WalletID     int64
	ModifiedBy   int64
	PointChanged model.Amount
	NewBalance   model.Amount
}

func (p *AppendParams) validate() error {
	if p.WalletID <= 0 {
		return &serviceerrs.ValidationError{
			Field: "wallet_id", Reason: "must be a positive identifier"}
	}
	if _, err := txn.ParseType(string(p.Type)); err != nil {
		return err //nolint: wrapcheck // typed validation error
	}
	if p.NewBalance.IsNegative() {
		return &serviceerrs.ValidationError{
			Field: "new_balance", Reason: "must not be negative"}
	}
	return nil
}

func scanTxn(row pgx.Row) (txn.Txn, error) {
	var (
		t                        txn.Txn
		pointChanged, newBalance pgtype.Numeric
		refID                    pgtype.Int8
		refType                  pgtype.Text
		expire, created, updated pgtype.Timestamptz
	)
	err := row.Scan(&t.ID, &t.WalletID, &t.Title, &t.Type, &t.ModifiedBy,
		&pointChanged, &newBalance, &refID, &refType, &expire, &created, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return txn.Txn{}, fmt.Errorf("txn: %w", serviceerrs.ErrNotFound)
		}
		return txn.Txn{}, fmt.Errorf("failed to scan txn: %w", err)
	}

	if t.PointChanged, err = model.FromPGNumeric(pointChanged); err != nil {
		return txn.Txn{}, fmt.Errorf("invalid point_changed in DB: %w", err)
	}
	if t.NewBalance, err = model.FromPGNumeric(newBalance); err != nil {
		return txn.Txn{}, fmt.Errorf("invalid new_balance in DB: %w", err)
	}
	if refID.Valid && refType.Valid {
		t.Ref = &txn.Ref{ID: refID.Int64, Type: refType.String}
	}
	t.ExpireDate = expire.Time
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	return t, nil
}

// Append writes one immutable ledger row. There is no update or delete
// path; corrections are appended as offsetting rows.
func (r *TxnRepository) Append(ctx context.Context, params AppendParams,
) (txn.Txn, error) {
	appendLogic := func() (txn.Txn, error) {
		return r.AppendTX(ctx, r.pool, params)
	}

	return WithRetry[txn.Txn](appendLogic, 0) //nolint: wrapcheck // error from wrapped function
}

// AppendTX is Append runnable on a caller-supplied transaction; the
// ledger service pairs it with the wallet write in one atomic unit.
func (r *TxnRepository) AppendTX(ctx context.Context, q ConnectionPool,
	params AppendParams,
) (txn.Txn, error) {
	return appendTxnTX(ctx, q, params)
}

func appendTxnTX(ctx context.Context, q ConnectionPool,
	params AppendParams,
) (txn.Txn, error) {
	if err := params.validate(); err != nil {
		return txn.Txn{}, err
	}

	expire := params.ExpireDate
	if expire.IsZero() {
		expire = txn.ExpirySentinel()
	}

	var refID pgtype.Int8
	var refType pgtype.Text
	if params.Ref != nil {
		refID = pgtype.Int8{Int64: params.Ref.ID, Valid: true}
		refType = pgtype.Text{String: params.Ref.Type, Valid: true}
	}

	const query = `INSERT INTO wallet_logs
		(wallet_id, title, type, modified_by, point_changed, new_balance,
		 ref_id, ref_type, expire_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + txnColumns
	t, err := scanTxn(q.QueryRow(ctx, query,
		params.WalletID,
		params.Title,
		string(params.Type),
		params.ModifiedBy,
		params.PointChanged.ToPGNumeric(),
		params.NewBalance.ToPGNumeric(),
		refID,
		refType,
		pgtype.Timestamptz{Time: expire, Valid: true},
	))
	if err != nil {
		return txn.Txn{}, fmt.Errorf("failed to append txn: %w", err)
	}
	return t, nil
}

// LastForWalletTX returns the most recent ledger row for a wallet. The
// ledger service treats its new_balance as the authoritative previous
// balance.
func (r *TxnRepository) LastForWalletTX(ctx context.Context, q ConnectionPool,
	walletID int64,
) (txn.Txn, error) {
	const query = `SELECT ` + txnColumns + ` FROM wallet_logs
		WHERE wallet_id = $1 ORDER BY txn_id DESC LIMIT 1`
	return scanTxn(q.QueryRow(ctx, query, walletID))
}

// BatchAppend writes all rows in a single transaction; if any row fails
// validation none are persisted.
func (r *TxnRepository) BatchAppend(ctx context.Context, batch []AppendParams,
) ([]txn.Txn, error) {
	batchLogic := func(ctx context.Context, tx ConnectionPool) (any, error) {
		appended := make([]txn.Txn, 0, len(batch))
		for i := range batch {
			t, err := r.AppendTX(ctx, tx, batch[i])
			if err != nil {
				return nil, fmt.Errorf("failed to append batch row #%d: %w", i, err)
			}
			appended = append(appended, t)
		}
		return appended, nil
	}

	batchWithTX := func() ([]txn.Txn, error) {
		return WithTX[[]txn.Txn](ctx, r.pool, r.log, batchLogic)
	}

	return WithRetry[[]txn.Txn](batchWithTX, 0) //nolint: wrapcheck // error from wrapped function
}

var txnOrderColumns = map[string]struct{}{
	"txn_id":        {},
	"created_at":    {},
	"point_changed": {},
	"expire_date":   {},
}

func (r *TxnRepository) ListByWallet(ctx context.Context,
	walletID int64, limit, offset int, orderBy, order string,
) ([]txn.Txn, error) {
	if orderBy == "" {
		orderBy = "created_at"
	}
	if _, ok := txnOrderColumns[orderBy]; !ok {
		return nil, &serviceerrs.ValidationError{
			Field: "order_by", Reason: "unknown column " + orderBy}
	}
	switch order {
	case "":
		order = "DESC"
	case "asc", "ASC":
		order = "ASC"
	case "desc", "DESC":
		order = "DESC"
	default:
		return nil, &serviceerrs.ValidationError{
			Field: "order", Reason: "must be asc or desc"}
	}
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT `+txnColumns+` FROM wallet_logs
		WHERE wallet_id = $1 ORDER BY %s %s, txn_id %s LIMIT $2 OFFSET $3`,
		orderBy, order, order)

	listLogic := func() ([]txn.Txn, error) {
		return r.queryTxns(ctx, query, walletID, limit, offset)
	}

	return WithRetry[[]txn.Txn](listLogic, 0) //nolint: wrapcheck // error from wrapped function
}

func (r *TxnRepository) ListByUser(ctx context.Context,
	userID int64, limit, offset int, typeFilter txn.Type,
) ([]txn.Txn, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT t.txn_id, t.wallet_id, t.title, t.type, t.modified_by,
			t.point_changed, t.new_balance, t.ref_id, t.ref_type,
			t.expire_date, t.created_at, t.updated_at
		FROM wallet_logs t
		INNER JOIN wallets w ON t.wallet_id = w.wallet_id
		WHERE w.user_id = $1`
	args := []any{userID}
	if typeFilter != "" {
		if _, err := txn.ParseType(string(typeFilter)); err != nil {
			return nil, err //nolint: wrapcheck // typed validation error
		}
		args = append(args, string(typeFilter))
		query += fmt.Sprintf(" AND t.type = $%d", len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(
		" ORDER BY t.created_at DESC, t.txn_id DESC LIMIT $%d OFFSET $%d",
		len(args)-1, len(args))

	listLogic := func() ([]txn.Txn, error) {
		return r.queryTxns(ctx, query, args...)
	}

	return WithRetry[[]txn.Txn](listLogic, 0) //nolint: wrapcheck // error from wrapped function
}

// Stats aggregates point_changed over a user's ledger rows.
type Stats struct {
	Total model.Amount
	Avg   model.Amount
	Max   model.Amount
	Min   model.Amount
	Count int64
}

func (r *TxnRepository) StatsForUser(ctx context.Context,
	userID int64, typeFilter txn.Type,
) (Stats, error) {
	query := `SELECT
			COUNT(*),
			COALESCE(SUM(t.point_changed), 0),
			COALESCE(ROUND(AVG(t.point_changed), 4), 0),
			COALESCE(MAX(t.point_changed), 0),
			COALESCE(MIN(t.point_changed), 0)
		FROM wallet_logs t
		INNER JOIN wallets w ON t.wallet_id = w.wallet_id
		WHERE w.user_id = $1`
	args := []any{userID}
	if typeFilter != "" {
		if _, err := txn.ParseType(string(typeFilter)); err != nil {
			return Stats{}, err //nolint: wrapcheck // typed validation error
		}
		args = append(args, string(typeFilter))
		query += fmt.Sprintf(" AND t.type = $%d", len(args))
	}

	statsLogic := func() (Stats, error) {
		var (
			s                    Stats
			total, avg, max, min pgtype.Numeric
		)
		err := r.pool.QueryRow(ctx, query, args...).
			Scan(&s.Count, &total, &avg, &max, &min)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to get stats for user %d: %w", userID, err)
		}

		if s.Total, err = model.FromPGNumeric(total); err != nil {
			return Stats{}, fmt.Errorf("invalid total in DB: %w", err)
		}
		if s.Avg, err = model.FromPGNumeric(avg); err != nil {
			return Stats{}, fmt.Errorf("invalid avg in DB: %w", err)
		}
		if s.Max, err = model.FromPGNumeric(max); err != nil {
			return Stats{}, fmt.Errorf("invalid max in DB: %w", err)
		}
		if s.Min, err = model.FromPGNumeric(min); err != nil {
			return Stats{}, fmt.Errorf("invalid min in DB: %w", err)
		}
		return s, nil
	}

	return WithRetry[Stats](statsLogic, 0) //nolint: wrapcheck // error from wrapped function
}

// ListExpiredCredits returns credit rows whose expire_date has passed
// and that have no offsetting expire row yet.
func (r *TxnRepository) ListExpiredCredits(ctx context.Context,
	asOf time.Time, limit int,
) ([]txn.Txn, error) {
	if limit <= 0 {
		limit = 100
	}

	const query = `SELECT ` + txnColumns + ` FROM wallet_logs t
		WHERE t.type IN ('deposit', 'bonus')
			AND t.expire_date <= $1
			AND NOT EXISTS (
				SELECT 1 FROM wallet_logs e
				WHERE e.type = 'expire'
					AND e.ref_type = 'txn'
					AND e.ref_id = t.txn_id)
		ORDER BY t.expire_date LIMIT $2`

	listLogic := func() ([]txn.Txn, error) {
		return r.queryTxns(ctx, query,
			pgtype.Timestamptz{Time: asOf, Valid: true}, limit)
	}

	return WithRetry[[]txn.Txn](listLogic, 0) //nolint: wrapcheck // error from wrapped function
}

func (r *TxnRepository) queryTxns(ctx context.Context,
	query string, args ...any,
) ([]txn.Txn, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list txns: %w", err)
	}
	defer rows.Close()

	txns := make([]txn.Txn, 0)
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate txns: %w", err)
	}
	return txns, nil
}
