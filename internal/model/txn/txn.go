package txn

import (
	"time"

	"github.com/talx-hub/point-ledger/internal/model"
	"github.com/talx-hub/point-ledger/internal/serviceerrs"
)

type Type string

const (
	TypeDeposit  Type = "deposit"
	TypeWithdraw Type = "withdraw"
	TypeExpire   Type = "expire"
	TypeBonus    Type = "bonus"
	TypeRefund   Type = "refund"
	TypeModify   Type = "modify"
	TypeCron     Type = "cron"
	TypeSystem   Type = "system"
)

// ParseType checks s against the closed enumeration.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeDeposit, TypeWithdraw, TypeExpire, TypeBonus,
		TypeRefund, TypeModify, TypeCron, TypeSystem:
		return t, nil
	}
	return "", &serviceerrs.ValidationError{
		Field:  "type",
		Reason: "unknown transaction type " + s,
	}
}

// Ref is an opaque tagged reference to an external entity (an order, a
// coupon, another txn). It is stored as-is and never validated.
type Ref struct {
	Type string `json:"ref_type"`
	ID   int64  `json:"ref_id"`
}

// RefTypeTxn tags a reference to another ledger row; expiry offsets use
// it to point back at the credit they offset.
const RefTypeTxn = "txn"

type Txn struct {
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ExpireDate   time.Time    `json:"expire_date"`
	Ref          *Ref         `json:"ref,omitempty"`
	Title        string       `json:"title"`
	Type         Type         `json:"type"`
	ID           int64        `json:"txn_id"`
	WalletID     int64        `json:"wallet_id"`
	ModifiedBy   int64        `json:"modified_by"`
	PointChanged model.Amount `json:"point_changed"`
	NewBalance   model.Amount `json:"new_balance"`
}

// ExpirySentinel is the far-future expire_date of rows that never expire.
func ExpirySentinel() time.Time {
	return time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
}
