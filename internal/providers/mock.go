package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MockProvider is an in-process provider used in development and tests.
// Charges and payouts are ACCEPTED and remembered; outcomes can be
// scripted per reference before or after initiation.
type MockProvider struct {
	mu       sync.Mutex
	secret   string
	outcomes map[string]Outcome
	refSeq   int
}

func NewMockProvider(webhookSecret string) *MockProvider {
	return &MockProvider{
		secret:   webhookSecret,
		outcomes: make(map[string]Outcome),
	}
}

func (m *MockProvider) Name() string { return "mock" }

// SetOutcome scripts what Verify* will report for a provider reference.
func (m *MockProvider) SetOutcome(providerRef string, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[providerRef] = outcome
}

func (m *MockProvider) nextRef(prefix string) string {
	m.refSeq++
	return fmt.Sprintf("%s_%06d", prefix, m.refSeq)
}

func (m *MockProvider) CreateCharge(_ context.Context, req ChargeRequest) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.nextRef("mock_chg")
	m.outcomes[ref] = OutcomeAccepted
	return &Result{
		Outcome:           OutcomeAccepted,
		ProviderReference: ref,
		RedirectURL:       "https://pay.mock.test/" + ref,
	}, nil
}

func (m *MockProvider) CreatePayout(_ context.Context, req PayoutRequest) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.nextRef("mock_pay")
	m.outcomes[ref] = OutcomeAccepted
	return &Result{Outcome: OutcomeAccepted, ProviderReference: ref}, nil
}

func (m *MockProvider) verify(providerRef string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome, ok := m.outcomes[providerRef]
	if !ok {
		return &Result{Outcome: OutcomeDeclined, ReasonCode: "not_found"}, nil
	}
	return &Result{Outcome: outcome, ProviderReference: providerRef}, nil
}

func (m *MockProvider) VerifyCharge(_ context.Context, providerRef string) (*Result, error) {
	return m.verify(providerRef)
}

func (m *MockProvider) VerifyPayout(_ context.Context, providerRef string) (*Result, error) {
	return m.verify(providerRef)
}

func (m *MockProvider) ListBanks(_ context.Context) ([]Bank, error) {
	return []Bank{
		{Code: "001", Name: "Mock Commercial Bank"},
		{Code: "002", Name: "Mock Savings Bank"},
	}, nil
}

func (m *MockProvider) ResolveAccount(_ context.Context, bankCode, accountNumber string) (string, error) {
	if len(accountNumber) != 10 {
		return "", fmt.Errorf("mock: unknown account")
	}
	return "MOCK ACCOUNT HOLDER", nil
}

func (m *MockProvider) VerifySignature(signature string, body []byte) error {
	mac := hmac.New(sha256.New, []byte(m.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the signature header value for a body, for tests that
// deliver webhooks to the ingestor.
func (m *MockProvider) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(m.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *MockProvider) ParseWebhook(body []byte) (*WebhookPayload, error) {
	var event struct {
		EventID   string          `json:"event_id"`
		Kind      string          `json:"kind"`
		Reference string          `json:"reference"`
		Status    string          `json:"status"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("mock: webhook payload: %w", err)
	}

	payload := &WebhookPayload{
		EventID:   event.EventID,
		Reference: event.Reference,
		Kind:      event.Kind,
		Amount:    event.Amount,
	}
	switch event.Status {
	case "success":
		payload.Outcome = OutcomeSuccess
	case "failed":
		payload.Outcome = OutcomeDeclined
	case "pending":
		payload.Outcome = OutcomeAccepted
	default:
		return payload, ErrUnknownEvent
	}
	return payload, nil
}
