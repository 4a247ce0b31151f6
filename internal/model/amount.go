package model

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

// FracDigits is the fractional precision of every stored amount,
// matching the DECIMAL(15,4) columns.
const FracDigits = 4

const fracScale = 10000

// Amount is a signed fixed-point number of points. Negative amounts are
// valid: ledger deltas carry their sign.
type Amount struct {
	units int64 // 1 unit == 0.0001 point
}

func NewAmount(whole, frac int64) Amount {
	return Amount{units: whole*fracScale + frac}
}

func (a Amount) ToFloat64() float64 {
	return float64(a.units) / fracScale
}

func FromFloat(amount float64) (Amount, error) {
	const maxPreciseInt = 9007199254740992
	if math.Abs(amount)*fracScale >= maxPreciseInt {
		return Amount{}, errors.New("amount overflow")
	}

	return Amount{units: int64(math.Round(amount * fracScale))}, nil
}

func (a Amount) Total() int64 {
	return a.units
}

func (a Amount) Add(b Amount) Amount {
	return Amount{units: a.units + b.units}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{units: a.units - b.units}
}

func (a Amount) Neg() Amount {
	return Amount{units: -a.units}
}

func (a Amount) Cmp(b Amount) int {
	switch {
	case a.units < b.units:
		return -1
	case a.units > b.units:
		return 1
	}
	return 0
}

func (a Amount) IsNegative() bool {
	return a.units < 0
}

func (a Amount) IsZero() bool {
	return a.units == 0
}

func (a Amount) String() string {
	u := a.units
	sign := ""
	if u < 0 {
		sign = "-"
		u = -u
	}
	return fmt.Sprintf("%s%d.%04d", sign, u/fracScale, u%fracScale)
}

func (a Amount) ToPGNumeric() pgtype.Numeric {
	return pgtype.Numeric{
		Int:   big.NewInt(a.units),
		Exp:   -FracDigits,
		Valid: true,
	}
}

// FromPGNumeric converts a DB numeric to an Amount. A NULL numeric (e.g.
// SUM over zero rows) converts to the zero Amount.
func FromPGNumeric(n pgtype.Numeric) (Amount, error) {
	if !n.Valid {
		return Amount{}, nil
	}
	if n.NaN {
		return Amount{}, errors.New("amount is NaN")
	}
	if n.Int == nil {
		return Amount{}, nil
	}

	v := new(big.Int).Set(n.Int)
	shift := int64(n.Exp) + FracDigits
	switch {
	case shift > 0:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	case shift < 0:
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil)
		rem := new(big.Int)
		v.QuoRem(v, div, rem)
		if rem.Sign() != 0 {
			return Amount{},
				fmt.Errorf("numeric has more than %d fractional digits", FracDigits)
		}
	}

	if !v.IsInt64() {
		return Amount{}, errors.New("amount overflow")
	}
	return Amount{units: v.Int64()}, nil
}
