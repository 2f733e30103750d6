package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const flutterwaveBaseURL = "https://api.flutterwave.com/v3"

type Flutterwave struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	client        *http.Client
}

func NewFlutterwave(secretKey, webhookSecret, baseURL string) *Flutterwave {
	if baseURL == "" {
		baseURL = flutterwaveBaseURL
	}
	return &Flutterwave{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *Flutterwave) Name() string { return "flutterwave" }

type flutterwaveEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *Flutterwave) do(ctx context.Context, method, path string, body any, out *flutterwaveEnvelope) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+f.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("flutterwave: decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func (f *Flutterwave) CreateCharge(ctx context.Context, req ChargeRequest) (*Result, error) {
	payload := map[string]any{
		"tx_ref":   req.Reference,
		"amount":   req.Amount.String(),
		"currency": req.Currency,
		"customer": map[string]string{"email": req.Email},
		"meta":     req.Metadata,
	}

	var env flutterwaveEnvelope
	code, err := f.do(ctx, http.MethodPost, "/payments", payload, &env)
	if err != nil {
		return &Result{Outcome: OutcomeTransient, Message: err.Error()}, nil
	}
	if code >= 500 {
		return &Result{Outcome: OutcomeTransient, Message: env.Message}, nil
	}
	if env.Status != "success" {
		return &Result{Outcome: OutcomeDeclined, ReasonCode: "charge_rejected", Message: env.Message}, nil
	}

	var data struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("flutterwave: charge data: %w", err)
	}
	// Flutterwave keys the payment by our tx_ref; there is no separate
	// provider id until the charge settles.
	return &Result{
		Outcome:           OutcomeAccepted,
		ProviderReference: req.Reference,
		RedirectURL:       data.Link,
	}, nil
}

func (f *Flutterwave) VerifyCharge(ctx context.Context, providerRef string) (*Result, error) {
	path := "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(providerRef)

	var env flutterwaveEnvelope
	code, err := f.do(ctx, http.MethodGet, path, nil, &env)
	if err != nil || code >= 500 {
		return &Result{Outcome: OutcomeTransient, Message: env.Message}, nil
	}
	if env.Status != "success" {
		return &Result{Outcome: OutcomeTransient, Message: env.Message}, nil
	}

	var data struct {
		Status           string `json:"status"`
		ProcessorResponse string `json:"processor_response"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("flutterwave: verify data: %w", err)
	}
	return f.mapStatus(providerRef, data.Status, data.ProcessorResponse), nil
}

func (f *Flutterwave) CreatePayout(ctx context.Context, req PayoutRequest) (*Result, error) {
	payload := map[string]any{
		"reference":      req.Reference,
		"amount":         req.Amount.String(),
		"currency":       req.Currency,
		"account_bank":   req.BankCode,
		"account_number": req.AccountNumber,
		"narration":      req.Narration,
	}

	var env flutterwaveEnvelope
	code, err := f.do(ctx, http.MethodPost, "/transfers", payload, &env)
	if err != nil {
		return &Result{Outcome: OutcomeTransient, Message: err.Error()}, nil
	}
	if code >= 500 {
		return &Result{Outcome: OutcomeTransient, Message: env.Message}, nil
	}
	if env.Status != "success" {
		return &Result{Outcome: OutcomeDeclined, ReasonCode: "payout_rejected", Message: env.Message}, nil
	}

	var data struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("flutterwave: payout data: %w", err)
	}
	return &Result{Outcome: OutcomeAccepted, ProviderReference: data.Reference}, nil
}

func (f *Flutterwave) VerifyPayout(ctx context.Context, providerRef string) (*Result, error) {
	return f.VerifyCharge(ctx, providerRef)
}

func (f *Flutterwave) mapStatus(ref, status, message string) *Result {
	switch status {
	case "successful", "SUCCESSFUL":
		return &Result{Outcome: OutcomeSuccess, ProviderReference: ref}
	case "failed", "FAILED":
		return &Result{Outcome: OutcomeDeclined, ProviderReference: ref, ReasonCode: "failed", Message: message}
	default:
		return &Result{Outcome: OutcomeAccepted, ProviderReference: ref}
	}
}

func (f *Flutterwave) ListBanks(ctx context.Context) ([]Bank, error) {
	var env flutterwaveEnvelope
	code, err := f.do(ctx, http.MethodGet, "/banks/NG", nil, &env)
	if err != nil {
		return nil, err
	}
	if code >= 300 || env.Status != "success" {
		return nil, fmt.Errorf("flutterwave: list banks: %s", env.Message)
	}

	var data []struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, err
	}

	banks := make([]Bank, 0, len(data))
	for _, b := range data {
		banks = append(banks, Bank{Code: b.Code, Name: b.Name})
	}
	return banks, nil
}

func (f *Flutterwave) ResolveAccount(ctx context.Context, bankCode, accountNumber string) (string, error) {
	payload := map[string]string{
		"account_number": accountNumber,
		"account_bank":   bankCode,
	}

	var env flutterwaveEnvelope
	code, err := f.do(ctx, http.MethodPost, "/accounts/resolve", payload, &env)
	if err != nil {
		return "", err
	}
	if code >= 300 || env.Status != "success" {
		return "", fmt.Errorf("flutterwave: resolve account: %s", env.Message)
	}

	var data struct {
		AccountName string `json:"account_name"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", err
	}
	return data.AccountName, nil
}

// VerifySignature checks the verif-hash header against the configured
// webhook secret. Flutterwave sends the shared secret itself, not an
// HMAC, so the comparison is a constant-time equality check.
func (f *Flutterwave) VerifySignature(signature string, body []byte) error {
	if !hmac.Equal([]byte(f.webhookSecret), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func (f *Flutterwave) ParseWebhook(body []byte) (*WebhookPayload, error) {
	var event struct {
		Event string `json:"event"`
		Data  struct {
			ID     int64           `json:"id"`
			TxRef  string          `json:"tx_ref"`
			Ref    string          `json:"reference"`
			Status string          `json:"status"`
			Amount decimal.Decimal `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("flutterwave: webhook payload: %w", err)
	}

	reference := event.Data.TxRef
	kind := "charge"
	if event.Event == "transfer.completed" {
		reference = event.Data.Ref
		kind = "payout"
	}

	payload := &WebhookPayload{
		EventID:   fmt.Sprintf("%s:%d", event.Event, event.Data.ID),
		Reference: reference,
		Kind:      kind,
		Amount:    event.Data.Amount,
	}

	switch event.Event {
	case "charge.completed", "transfer.completed":
		switch event.Data.Status {
		case "successful", "SUCCESSFUL":
			payload.Outcome = OutcomeSuccess
		case "failed", "FAILED":
			payload.Outcome = OutcomeDeclined
		default:
			payload.Outcome = OutcomeAccepted
		}
	default:
		// EventID still identifies the delivery for dedup purposes.
		return payload, ErrUnknownEvent
	}
	return payload, nil
}
