package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talx-hub/point-ledger/internal/dbmanager"
	"github.com/talx-hub/point-ledger/internal/model"
	"github.com/talx-hub/point-ledger/internal/model/txn"
	"github.com/talx-hub/point-ledger/internal/repo"
	"github.com/talx-hub/point-ledger/internal/serviceerrs"
	"github.com/talx-hub/point-ledger/internal/utils/pgcontainer"
)

const testDefaultTimeout = 5 * time.Second

var (
	getDSN       func() string
	getDBManager func() *dbmanager.DBManager
)

func TestMain(m *testing.M) {
	log := slog.Default()
	code, err := runMain(m, log)
	if err != nil {
		log.ErrorContext(context.TODO(),
			"unexpected test failure",
			slog.Any(model.KeyLoggerError, err),
		)
	}
	os.Exit(code)
}

func runMain(m *testing.M, log *slog.Logger) (int, error) {
	pg := pgcontainer.New(log)
	getDSN = func() string {
		return pg.GetDSN()
	}
	err := pg.RunContainer()
	defer pg.Close()
	if err != nil {
		return 1, fmt.Errorf("failed to run docker container: %w", err)
	}

	if err = initGetDBManager(log); err != nil {
		return 1, fmt.Errorf("failed to init test DB: %w", err)
	}

	db := getDBManager()
	defer db.Close()

	exitCode := m.Run()
	return exitCode, nil
}

func initGetDBManager(log *slog.Logger) error {
	dsn := getDSN()
	db := dbmanager.New(dsn, log)

	ctx, cancel := context.WithTimeout(context.Background(), testDefaultTimeout)
	defer cancel()

	db.Connect(ctx).Ping(ctx).ApplyMigrations(ctx)
	if err := db.Error(); err != nil {
		return fmt.Errorf("failed to prepare test DB using dsn %s: %w", dsn, err)
	}

	getDBManager = func() *dbmanager.DBManager {
		return db
	}
	return nil
}

type testEnv struct {
	pool    *pgxpool.Pool
	wallets *repo.WalletRepository
	txns    *repo.TxnRepository
	svc     *Service
}

func setup(t *testing.T) (testEnv, context.Context, context.CancelFunc) {
	t.Helper()

	db := getDBManager()
	pool, err := db.GetPool(context.Background())
	require.NoError(t, err)

	log := slog.Default()
	wallets := repo.NewWalletRepository(pool, log)
	txns := repo.NewTxnRepository(pool, log)
	env := testEnv{
		pool:    pool,
		wallets: wallets,
		txns:    txns,
		svc:     New(pool, log, wallets, txns),
	}

	ctx, cancel := context.WithTimeout(context.Background(), testDefaultTimeout)
	return env, ctx, cancel
}

func (e testEnv) walletRows(t *testing.T, ctx context.Context, walletID int64) []txn.Txn {
	t.Helper()

	rows, err := e.txns.ListByWallet(ctx, walletID, 0, 0, "txn_id", "asc")
	require.NoError(t, err)
	return rows
}

func TestService_Award(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	balance, err := env.svc.Award(ctx, 301, 1, model.NewAmount(100, 0),
		Meta{Title: "points for order", ModifiedBy: 42})
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(100, 0).Cmp(balance))

	w, err := env.wallets.FindByUserAndPointType(ctx, 301, 1)
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(100, 0).Cmp(w.Balance))

	rows := env.walletRows(t, ctx, w.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, txn.TypeDeposit, rows[0].Type)
	assert.Equal(t, "points for order", rows[0].Title)
	assert.Equal(t, int64(42), rows[0].ModifiedBy)
	assert.Zero(t, model.NewAmount(100, 0).Cmp(rows[0].PointChanged))
	assert.Zero(t, model.NewAmount(100, 0).Cmp(rows[0].NewBalance))
}

func TestService_AwardNegativeBecomesDeduct(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	_, err := env.svc.Award(ctx, 302, 1, model.NewAmount(100, 0), Meta{})
	require.NoError(t, err)

	balance, err := env.svc.Award(ctx, 302, 1, model.NewAmount(-30, 0), Meta{})
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(70, 0).Cmp(balance))

	w, err := env.wallets.FindByUserAndPointType(ctx, 302, 1)
	require.NoError(t, err)
	rows := env.walletRows(t, ctx, w.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, txn.TypeWithdraw, rows[1].Type)
	assert.Zero(t, model.NewAmount(-30, 0).Cmp(rows[1].PointChanged))
	assert.Zero(t, model.NewAmount(70, 0).Cmp(rows[1].NewBalance))
}

func TestService_DeductInsufficientFunds(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	_, err := env.svc.Award(ctx, 303, 1, model.NewAmount(100, 0), Meta{})
	require.NoError(t, err)

	_, err = env.svc.Deduct(ctx, 303, 1, model.NewAmount(150, 0), Meta{})
	require.ErrorIs(t, err, serviceerrs.ErrInsufficientFunds)

	// The failed deduction must leave no trace.
	w, err := env.wallets.FindByUserAndPointType(ctx, 303, 1)
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(100, 0).Cmp(w.Balance))
	assert.Len(t, env.walletRows(t, ctx, w.ID), 1)
}

func TestService_DeductNormalizesSign(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	_, err := env.svc.Award(ctx, 304, 1, model.NewAmount(100, 0), Meta{})
	require.NoError(t, err)

	balance, err := env.svc.Deduct(ctx, 304, 1, model.NewAmount(-30, 0), Meta{})
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(70, 0).Cmp(balance))

	balance, err = env.svc.Deduct(ctx, 304, 1, model.NewAmount(30, 0), Meta{})
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(40, 0).Cmp(balance))
}

func TestService_ConcurrentAwards(t *testing.T) {
	env, _, cancel := setup(t)
	defer cancel()

	const workers = 2
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), testDefaultTimeout)
			defer cancel()
			_, errs[i] = env.svc.Award(ctx, 305, 1, model.NewAmount(50, 0), Meta{})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}

	ctx, cancelCheck := context.WithTimeout(context.Background(), testDefaultTimeout)
	defer cancelCheck()

	// Neither award may be lost: the row lock serializes them.
	w, err := env.wallets.FindByUserAndPointType(ctx, 305, 1)
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(100, 0).Cmp(w.Balance))

	rows := env.walletRows(t, ctx, w.ID)
	require.Len(t, rows, 2)
	assert.Zero(t, model.NewAmount(50, 0).Cmp(rows[0].NewBalance))
	assert.Zero(t, model.NewAmount(100, 0).Cmp(rows[1].NewBalance))
}

func TestService_SetAbsolute(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	_, err := env.svc.Award(ctx, 306, 1, model.NewAmount(70, 0), Meta{})
	require.NoError(t, err)

	balance, err := env.svc.SetAbsolute(ctx, 306, 1, model.NewAmount(200, 0), Meta{})
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(200, 0).Cmp(balance))

	w, err := env.wallets.FindByUserAndPointType(ctx, 306, 1)
	require.NoError(t, err)
	rows := env.walletRows(t, ctx, w.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, txn.TypeModify, rows[1].Type)
	// The row records the delta, not the absolute value.
	assert.Zero(t, model.NewAmount(130, 0).Cmp(rows[1].PointChanged))
	assert.Zero(t, model.NewAmount(200, 0).Cmp(rows[1].NewBalance))

	var vErr *serviceerrs.ValidationError
	_, err = env.svc.SetAbsolute(ctx, 306, 1, model.NewAmount(-1, 0), Meta{})
	require.ErrorAs(t, err, &vErr)
}

func TestService_MetaValidation(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	var vErr *serviceerrs.ValidationError
	_, err := env.svc.Award(ctx, 307, 1, model.NewAmount(10, 0),
		Meta{Type: "transfer"})
	require.ErrorAs(t, err, &vErr)

	// Any type from the enumeration is accepted as an override.
	_, err = env.svc.Award(ctx, 307, 1, model.NewAmount(10, 0),
		Meta{Type: txn.TypeBonus, Title: "weekly bonus"})
	require.NoError(t, err)

	w, err := env.wallets.FindByUserAndPointType(ctx, 307, 1)
	require.NoError(t, err)
	rows := env.walletRows(t, ctx, w.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, txn.TypeBonus, rows[0].Type)
	assert.Equal(t, "weekly bonus", rows[0].Title)
}

func TestService_BatchUpdate(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	_, err := env.svc.Award(ctx, 308, 1, model.NewAmount(100, 0), Meta{})
	require.NoError(t, err)
	_, err = env.svc.Award(ctx, 308, 2, model.NewAmount(50, 0), Meta{})
	require.NoError(t, err)

	w1, err := env.wallets.FindByUserAndPointType(ctx, 308, 1)
	require.NoError(t, err)
	w2, err := env.wallets.FindByUserAndPointType(ctx, 308, 2)
	require.NoError(t, err)

	err = env.svc.BatchUpdate(ctx, map[int64]model.Amount{
		w1.ID: model.NewAmount(10, 0),
		w2.ID: model.NewAmount(-20, 0),
	}, Meta{Title: "seasonal adjustment"})
	require.NoError(t, err)

	w1, err = env.wallets.FindByID(ctx, w1.ID)
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(110, 0).Cmp(w1.Balance))
	w2, err = env.wallets.FindByID(ctx, w2.ID)
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(30, 0).Cmp(w2.Balance))
}

func TestService_BatchUpdateRollsBackOnFailure(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	_, err := env.svc.Award(ctx, 309, 1, model.NewAmount(100, 0), Meta{})
	require.NoError(t, err)
	_, err = env.svc.Award(ctx, 309, 2, model.NewAmount(5, 0), Meta{})
	require.NoError(t, err)

	w1, err := env.wallets.FindByUserAndPointType(ctx, 309, 1)
	require.NoError(t, err)
	w2, err := env.wallets.FindByUserAndPointType(ctx, 309, 2)
	require.NoError(t, err)

	err = env.svc.BatchUpdate(ctx, map[int64]model.Amount{
		w1.ID: model.NewAmount(10, 0),
		w2.ID: model.NewAmount(-100, 0),
	}, Meta{})
	require.ErrorIs(t, err, serviceerrs.ErrInsufficientFunds)

	// One failing wallet voids the whole batch.
	w1, err = env.wallets.FindByID(ctx, w1.ID)
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(100, 0).Cmp(w1.Balance))
	w2, err = env.wallets.FindByID(ctx, w2.ID)
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(5, 0).Cmp(w2.Balance))
	assert.Len(t, env.walletRows(t, ctx, w1.ID), 1)
	assert.Len(t, env.walletRows(t, ctx, w2.ID), 1)
}

func TestService_Expire(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	_, err := env.svc.Award(ctx, 310, 1, model.NewAmount(10, 0),
		Meta{ExpireDate: time.Now().UTC().Add(-time.Hour)})
	require.NoError(t, err)
	_, err = env.svc.Deduct(ctx, 310, 1, model.NewAmount(6, 0), Meta{})
	require.NoError(t, err)

	w, err := env.wallets.FindByUserAndPointType(ctx, 310, 1)
	require.NoError(t, err)
	credit := env.walletRows(t, ctx, w.ID)[0]

	// Only 4 of the 10 expired points are left, so only 4 come off.
	balance, err := env.svc.Expire(ctx, w.ID, credit.PointChanged, credit.ID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	rows := env.walletRows(t, ctx, w.ID)
	require.Len(t, rows, 3)
	offset := rows[2]
	assert.Equal(t, txn.TypeExpire, offset.Type)
	assert.Equal(t, model.SystemActor, offset.ModifiedBy)
	assert.Zero(t, model.NewAmount(-4, 0).Cmp(offset.PointChanged))
	require.NotNil(t, offset.Ref)
	assert.Equal(t, txn.RefTypeTxn, offset.Ref.Type)
	assert.Equal(t, credit.ID, offset.Ref.ID)

	// The offset marks the credit processed.
	candidates, err := env.txns.ListExpiredCredits(ctx, time.Now().UTC(), 0)
	require.NoError(t, err)
	for _, c := range candidates {
		assert.NotEqual(t, credit.ID, c.ID)
	}
}

func TestService_ConsistencyError(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	_, err := env.svc.Award(ctx, 311, 1, model.NewAmount(100, 0), Meta{})
	require.NoError(t, err)

	w, err := env.wallets.FindByUserAndPointType(ctx, 311, 1)
	require.NoError(t, err)

	// Corrupt the cached balance behind the ledger's back.
	_, err = env.pool.Exec(ctx,
		`UPDATE wallets SET balance = balance + 5 WHERE wallet_id = $1`, w.ID)
	require.NoError(t, err)

	_, err = env.svc.Award(ctx, 311, 1, model.NewAmount(10, 0), Meta{})
	var cErr *serviceerrs.ConsistencyError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, w.ID, cErr.WalletID)

	// Divergence is never silently corrected.
	w, err = env.wallets.FindByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Zero(t, model.NewAmount(105, 0).Cmp(w.Balance))
}

func TestService_LedgerMatchesBalance(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	_, err := env.svc.Award(ctx, 312, 1, model.NewAmount(100, 0), Meta{})
	require.NoError(t, err)
	_, err = env.svc.Deduct(ctx, 312, 1, model.NewAmount(40, 5000), Meta{})
	require.NoError(t, err)
	_, err = env.svc.Award(ctx, 312, 1, model.NewAmount(0, 5000), Meta{})
	require.NoError(t, err)
	_, err = env.svc.SetAbsolute(ctx, 312, 1, model.NewAmount(75, 0), Meta{})
	require.NoError(t, err)

	w, err := env.wallets.FindByUserAndPointType(ctx, 312, 1)
	require.NoError(t, err)
	rows := env.walletRows(t, ctx, w.ID)
	require.NotEmpty(t, rows)

	// Both ledger views of the balance agree with the wallet row: the
	// last new_balance and the running sum of point_changed.
	assert.Zero(t, w.Balance.Cmp(rows[len(rows)-1].NewBalance))

	sum := model.Amount{}
	for _, row := range rows {
		sum = sum.Add(row.PointChanged)
	}
	assert.Zero(t, w.Balance.Cmp(sum))
}

func TestService_FindOrCreate(t *testing.T) {
	env, ctx, cancel := setup(t)
	defer cancel()

	first, err := env.svc.FindOrCreate(ctx, 313, 1)
	require.NoError(t, err)
	second, err := env.svc.FindOrCreate(ctx, 313, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Balance.IsZero())
}
