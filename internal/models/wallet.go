package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	WalletActive = "ACTIVE"
	WalletFrozen = "FROZEN"
	WalletClosed = "CLOSED"
)

// Wallet holds a single-currency balance for one user. AvailableBalance
// and HeldBalance are projections over the wallet's postings; Sequence is
// the last posting sequence issued for this wallet.
type Wallet struct {
	ID               string          `json:"wallet_id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Currency         string          `json:"currency" db:"currency"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	HeldBalance      decimal.Decimal `json:"held_balance" db:"held_balance"`
	Status           string          `json:"status" db:"status"`
	PINHash          string          `json:"-" db:"pin_hash"`
	Sequence         int64           `json:"-" db:"sequence"`
	Version          int             `json:"-" db:"version"` // for optimistic locking
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// CanTransitionStatus reports whether a wallet status change is allowed.
// CLOSED is terminal and additionally requires both balances at zero,
// which the registry checks against the locked row.
func CanTransitionStatus(from, to string) bool {
	switch from {
	case WalletActive:
		return to == WalletFrozen || to == WalletClosed
	case WalletFrozen:
		return to == WalletActive || to == WalletClosed
	default:
		return false
	}
}
