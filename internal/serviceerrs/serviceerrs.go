package serviceerrs

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

var ErrInsufficientFunds = errors.New("insufficient funds")

// ValidationError reports malformed input: a negative initial balance,
// an unknown transaction type, a duplicate wallet key.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps an unclassified datastore failure, propagated to
// the caller after rollback.
type StorageError struct {
	Err error
	Op  string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConsistencyError means a wallet's cached balance diverged from the
// ledger's last row. Unreachable while every mutation goes through the
// ledger service; treated as fatal, never silently corrected.
type ConsistencyError struct {
	WalletBalance string
	LedgerBalance string
	WalletID      int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf(
		"wallet %d balance %s diverges from ledger balance %s",
		e.WalletID, e.WalletBalance, e.LedgerBalance)
}
