package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PostingCredit = "CREDIT"
	PostingDebit  = "DEBIT"
)

// Posting is a single immutable ledger line. Postings are never updated
// or deleted; corrections are expressed as compensating postings.
type Posting struct {
	ID            int64           `json:"id" db:"id"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	WalletID      string          `json:"wallet_id" db:"wallet_id"`
	Direction     string          `json:"direction" db:"direction"` // CREDIT or DEBIT
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Sequence      int64           `json:"sequence" db:"sequence"` // monotonic per wallet
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
