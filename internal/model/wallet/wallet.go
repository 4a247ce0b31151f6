package wallet

import (
	"context"
	"time"

	"github.com/talx-hub/point-ledger/internal/model"
)

type Wallet struct {
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ID          int64        `json:"wallet_id"`
	UserID      int64        `json:"user_id"`
	PointTypeID int64        `json:"point_type_id"`
	Balance     model.Amount `json:"balance"`
}

type FilterOp string

const (
	OpEq FilterOp = "="
	OpNe FilterOp = "<>"
	OpLt FilterOp = "<"
	OpLe FilterOp = "<="
	OpGt FilterOp = ">"
	OpGe FilterOp = ">="
)

// Filter is one column/operator/value predicate for administrative
// listing. Columns and operators are whitelisted by the repository.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

type ListParams struct {
	OrderBy string
	Order   string
	Filters []Filter
	Limit   int
	Offset  int
}

type Repository interface {
	Create(ctx context.Context, userID, pointTypeID int64, initial model.Amount) (Wallet, error)
	FindByID(ctx context.Context, id int64) (Wallet, error)
	FindByUserAndPointType(ctx context.Context, userID, pointTypeID int64) (Wallet, error)
	FindOrCreate(ctx context.Context, userID, pointTypeID int64, initial model.Amount) (Wallet, error)
	UpdateBalance(ctx context.Context, walletID int64, delta model.Amount) (Wallet, error)
	SetBalance(ctx context.Context, walletID int64, balance model.Amount) (Wallet, error)
	GetUserTotalBalance(ctx context.Context, userID int64) (model.Amount, error)
	TopBalanceWallets(ctx context.Context, limit int) ([]Wallet, error)
	ListByUser(ctx context.Context, userID int64) ([]Wallet, error)
	List(ctx context.Context, params ListParams) ([]Wallet, error)
}
