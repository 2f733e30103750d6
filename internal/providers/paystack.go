package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const paystackBaseURL = "https://api.paystack.co"

// Paystack charges and pays out in the currency's minor unit (kobo for
// NGN), so amounts are scaled by 100 on the wire.
type Paystack struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	client        *http.Client
}

func NewPaystack(secretKey, webhookSecret, baseURL string) *Paystack {
	if baseURL == "" {
		baseURL = paystackBaseURL
	}
	return &Paystack{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Paystack) Name() string { return "paystack" }

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *Paystack) do(ctx context.Context, method, path string, body any, out *paystackEnvelope) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("paystack: decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func (p *Paystack) CreateCharge(ctx context.Context, req ChargeRequest) (*Result, error) {
	payload := map[string]any{
		"reference": req.Reference,
		"amount":    req.Amount.Mul(decimal.NewFromInt(100)).IntPart(),
		"currency":  req.Currency,
		"email":     req.Email,
		"metadata":  req.Metadata,
	}

	var env paystackEnvelope
	code, err := p.do(ctx, http.MethodPost, "/transaction/initialize", payload, &env)
	if err != nil {
		return &Result{Outcome: OutcomeTransient, Message: err.Error()}, nil
	}
	if code >= 500 {
		return &Result{Outcome: OutcomeTransient, Message: env.Message}, nil
	}
	if !env.Status {
		return &Result{Outcome: OutcomeDeclined, ReasonCode: "charge_rejected", Message: env.Message}, nil
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("paystack: charge data: %w", err)
	}
	return &Result{
		Outcome:           OutcomeAccepted,
		ProviderReference: data.Reference,
		RedirectURL:       data.AuthorizationURL,
	}, nil
}

func (p *Paystack) VerifyCharge(ctx context.Context, providerRef string) (*Result, error) {
	var env paystackEnvelope
	code, err := p.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(providerRef), nil, &env)
	if err != nil || code >= 500 {
		return &Result{Outcome: OutcomeTransient, Message: env.Message}, nil
	}
	if !env.Status {
		return &Result{Outcome: OutcomeTransient, Message: env.Message}, nil
	}

	var data struct {
		Status          string `json:"status"`
		GatewayResponse string `json:"gateway_response"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("paystack: verify data: %w", err)
	}
	return p.mapStatus(providerRef, data.Status, data.GatewayResponse), nil
}

func (p *Paystack) CreatePayout(ctx context.Context, req PayoutRequest) (*Result, error) {
	recipient, err := p.createRecipient(ctx, req)
	if err != nil {
		return &Result{Outcome: OutcomeTransient, Message: err.Error()}, nil
	}
	if recipient.Outcome != OutcomeSuccess {
		return recipient, nil
	}

	payload := map[string]any{
		"source":    "balance",
		"reference": req.Reference,
		"amount":    req.Amount.Mul(decimal.NewFromInt(100)).IntPart(),
		"currency":  req.Currency,
		"recipient": recipient.ProviderReference,
		"reason":    req.Narration,
	}

	var env paystackEnvelope
	code, err := p.do(ctx, http.MethodPost, "/transfer", payload, &env)
	if err != nil {
		return &Result{Outcome: OutcomeTransient, Message: err.Error()}, nil
	}
	if code >= 500 {
		return &Result{Outcome: OutcomeTransient, Message: env.Message}, nil
	}
	if !env.Status {
		return &Result{Outcome: OutcomeDeclined, ReasonCode: "payout_rejected", Message: env.Message}, nil
	}

	var data struct {
		TransferCode string `json:"transfer_code"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("paystack: payout data: %w", err)
	}
	if data.Status == "success" {
		return &Result{Outcome: OutcomeSuccess, ProviderReference: data.Reference}, nil
	}
	return &Result{Outcome: OutcomeAccepted, ProviderReference: data.Reference}, nil
}

// createRecipient registers the destination account before a transfer,
// as the Paystack transfer API requires a recipient code.
func (p *Paystack) createRecipient(ctx context.Context, req PayoutRequest) (*Result, error) {
	payload := map[string]any{
		"type":           "nuban",
		"name":           req.AccountName,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       req.Currency,
	}

	var env paystackEnvelope
	code, err := p.do(ctx, http.MethodPost, "/transferrecipient", payload, &env)
	if err != nil || code >= 500 {
		return nil, fmt.Errorf("paystack: create recipient: %v", env.Message)
	}
	if !env.Status {
		return &Result{Outcome: OutcomeDeclined, ReasonCode: "invalid_recipient", Message: env.Message}, nil
	}

	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeSuccess, ProviderReference: data.RecipientCode}, nil
}

func (p *Paystack) VerifyPayout(ctx context.Context, providerRef string) (*Result, error) {
	var env paystackEnvelope
	code, err := p.do(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(providerRef), nil, &env)
	if err != nil || code >= 500 {
		return &Result{Outcome: OutcomeTransient, Message: env.Message}, nil
	}
	if !env.Status {
		return &Result{Outcome: OutcomeTransient, Message: env.Message}, nil
	}

	var data struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("paystack: verify data: %w", err)
	}
	return p.mapStatus(providerRef, data.Status, data.Reason), nil
}

func (p *Paystack) mapStatus(ref, status, message string) *Result {
	switch status {
	case "success":
		return &Result{Outcome: OutcomeSuccess, ProviderReference: ref}
	case "failed", "abandoned", "reversed":
		return &Result{Outcome: OutcomeDeclined, ProviderReference: ref, ReasonCode: status, Message: message}
	default: // pending, ongoing, queued
		return &Result{Outcome: OutcomeAccepted, ProviderReference: ref}
	}
}

func (p *Paystack) ListBanks(ctx context.Context) ([]Bank, error) {
	var env paystackEnvelope
	code, err := p.do(ctx, http.MethodGet, "/bank?country=nigeria", nil, &env)
	if err != nil {
		return nil, err
	}
	if code >= 300 || !env.Status {
		return nil, fmt.Errorf("paystack: list banks: %s", env.Message)
	}

	var data []struct {
		Name string `json:"name"`
		Code string `json:"code"`
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

func (p *Paystack) ResolveAccount(ctx context.Context, bankCode, accountNumber string) (string, error) {
	path := fmt.Sprintf("/bank/resolve?account_number=%s&bank_code=%s",
		url.QueryEscape(accountNumber), url.QueryEscape(bankCode))

	var env paystackEnvelope
	code, err := p.do(ctx, http.MethodGet, path, nil, &env)
	if err != nil {
		return "", err
	}
	if code >= 300 || !env.Status {
		return "", fmt.Errorf("paystack: resolve account: %s", env.Message)
	}

	var data struct {
		AccountName string `json:"account_name"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", err
	}
	return data.AccountName, nil
}

// VerifySignature checks the x-paystack-signature header: hex HMAC-SHA512
// of the raw body under the webhook secret. Constant-time comparison.
func (p *Paystack) VerifySignature(signature string, body []byte) error {
	mac := hmac.New(sha512.New, []byte(p.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func (p *Paystack) ParseWebhook(body []byte) (*WebhookPayload, error) {
	var event struct {
		Event string `json:"event"`
		Data  struct {
			ID        int64           `json:"id"`
			Reference string          `json:"reference"`
			Status    string          `json:"status"`
			Amount    decimal.Decimal `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("paystack: webhook payload: %w", err)
	}

	payload := &WebhookPayload{
		EventID:   fmt.Sprintf("%s:%d", event.Event, event.Data.ID),
		Reference: event.Data.Reference,
		Amount:    event.Data.Amount.Div(decimal.NewFromInt(100)),
	}

	switch event.Event {
	case "charge.success":
		payload.Kind = "charge"
		payload.Outcome = OutcomeSuccess
	case "charge.failed":
		payload.Kind = "charge"
		payload.Outcome = OutcomeDeclined
	case "transfer.success":
		payload.Kind = "payout"
		payload.Outcome = OutcomeSuccess
	case "transfer.failed", "transfer.reversed":
		payload.Kind = "payout"
		payload.Outcome = OutcomeDeclined
	default:
		// EventID still identifies the delivery for dedup purposes.
		return payload, ErrUnknownEvent
	}
	return payload, nil
}
