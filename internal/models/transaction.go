package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types
const (
	TxDeposit          = "DEPOSIT"
	TxWithdrawal       = "WITHDRAWAL"
	TxTransferInternal = "TRANSFER_INTERNAL"
	TxRefund           = "REFUND"
	TxAdjustment       = "ADJUSTMENT"
)

// Transaction statuses
const (
	TxInitiated = "INITIATED"
	TxPending   = "PENDING"
	TxCompleted = "COMPLETED"
	TxFailed    = "FAILED"
	TxReversed  = "REVERSED"
	TxExpired   = "EXPIRED"
)

// Transaction is the business-level operation spanning one to three
// postings. Source is nil for deposits, destination is nil for
// withdrawals.
type Transaction struct {
	ID                   string          `json:"transaction_id" db:"id"`
	Type                 string          `json:"type" db:"type"`
	Status               string          `json:"status" db:"status"`
	SourceWalletID       *string         `json:"source_wallet_id,omitempty" db:"source_wallet_id"`
	DestinationWalletID  *string         `json:"destination_wallet_id,omitempty" db:"destination_wallet_id"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	Fee                  decimal.Decimal `json:"fee" db:"fee"`
	Currency             string          `json:"currency" db:"currency"`
	Provider             *string         `json:"provider,omitempty" db:"provider_name"`
	ProviderReference    *string         `json:"provider_reference,omitempty" db:"provider_reference"`
	ClientIdempotencyKey *string         `json:"client_idempotency_key,omitempty" db:"client_idempotency_key"`
	FailureReason        *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	Attempts             int             `json:"-" db:"attempts"`
	NextVerifyAt         *time.Time      `json:"-" db:"next_verify_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty" db:"completed_at"`

	Postings []Posting `json:"postings,omitempty" db:"-"`
}

var txTransitions = map[string][]string{
	TxInitiated: {TxPending, TxCompleted, TxFailed},
	TxPending:   {TxCompleted, TxFailed, TxExpired},
	TxCompleted: {TxReversed},
}

// CanTransition reports whether the status change from -> to is allowed
// by the transaction state machine. FAILED, EXPIRED and REVERSED are
// terminal.
func CanTransition(from, to string) bool {
	for _, s := range txTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist from status.
// COMPLETED is terminal for everything except an operator reversal.
func Terminal(status string) bool {
	switch status {
	case TxCompleted, TxFailed, TxExpired, TxReversed:
		return true
	}
	return false
}

// Total is the amount the source wallet is debited: amount plus fee.
func (t *Transaction) Total() decimal.Decimal {
	return t.Amount.Add(t.Fee)
}
