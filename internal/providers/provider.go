package providers

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Outcome classifies a provider response at the adapter boundary.
type Outcome string

const (
	// OutcomeAccepted means the provider took responsibility; the final
	// outcome arrives later via webhook or verification.
	OutcomeAccepted Outcome = "ACCEPTED"
	// OutcomeSuccess is a synchronous (or verified) definite success.
	OutcomeSuccess Outcome = "IMMEDIATE_SUCCESS"
	// OutcomeDeclined is a terminal rejection.
	OutcomeDeclined Outcome = "DECLINED"
	// OutcomeTransient means the call failed in a retriable way; the
	// caller decides whether and when to retry.
	OutcomeTransient Outcome = "TRANSIENT_ERROR"
)

// Result is the normalized response of every provider operation.
type Result struct {
	Outcome           Outcome
	ProviderReference string
	RedirectURL       string
	ReasonCode        string
	Message           string
}

// ChargeRequest initiates an inbound payment (deposit funding).
type ChargeRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Email     string
	Metadata  map[string]string
}

// PayoutRequest initiates an outbound transfer to an external account.
type PayoutRequest struct {
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	BankCode      string
	AccountNumber string
	AccountName   string
	Narration     string
}

// Bank is one entry of a provider's bank directory.
type Bank struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// WebhookPayload is the provider-agnostic projection of a webhook event.
type WebhookPayload struct {
	EventID   string
	Reference string
	Kind      string // "charge" or "payout"
	Outcome   Outcome
	Amount    decimal.Decimal
}

// ErrBadSignature is returned by VerifySignature on any mismatch.
// Comparisons are constant-time; the error carries no detail.
var ErrBadSignature = errors.New("webhook signature mismatch")

// ErrUnknownEvent is returned by ParseWebhook for event types the
// adapter does not handle. Such events are acknowledged and ignored.
var ErrUnknownEvent = errors.New("unhandled webhook event type")

// Provider is the closed capability contract for external payment
// processors. Implementations are registered explicitly at startup;
// every operation is bounded by the passed context.
type Provider interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Result, error)
	VerifyCharge(ctx context.Context, providerRef string) (*Result, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*Result, error)
	VerifyPayout(ctx context.Context, providerRef string) (*Result, error)
	ListBanks(ctx context.Context) ([]Bank, error)
	ResolveAccount(ctx context.Context, bankCode, accountNumber string) (string, error)
	VerifySignature(signature string, body []byte) error
	ParseWebhook(body []byte) (*WebhookPayload, error)
}
