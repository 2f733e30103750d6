package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DomainEvent is the payload published for every terminal transaction
// transition. It is serialized into the outbox row inside the same
// database transaction as the transition itself.
type DomainEvent struct {
	TransactionID string          `json:"transaction_id"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	WalletIDs     []string        `json:"wallet_ids"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OutboxEvent is one undelivered (or delivered) row of the outbox table.
type OutboxEvent struct {
	ID          int64      `json:"id" db:"id"`
	Payload     []byte     `json:"payload" db:"payload"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at" db:"delivered_at"`
}
