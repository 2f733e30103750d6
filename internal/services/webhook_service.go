package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/flowpay/ledger/internal/models"
	"github.com/flowpay/ledger/internal/providers"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/spf13/viper"
)

const parkedWebhooksKey = "webhooks:parked"

// WebhookService is the single signed entry point per provider. It
// verifies signatures, dedupes on (provider, event_id), and translates
// provider events into engine Confirm calls; it never touches balances
// itself.
type WebhookService struct {
	db        *sql.DB
	redis     *redis.Client
	providers *providers.Registry
	engine    *TransactionService
	maxBody   int64
}

func NewWebhookService(db *sql.DB, redisClient *redis.Client, registry *providers.Registry, engine *TransactionService) *WebhookService {
	viper.SetDefault("max_webhook_body_bytes", 1048576)
	return &WebhookService{
		db:        db,
		redis:     redisClient,
		providers: registry,
		engine:    engine,
		maxBody:   viper.GetInt64("max_webhook_body_bytes"),
	}
}

// signatureHeader returns the provider's signature header value.
func signatureHeader(providerName string, r *http.Request) string {
	switch providerName {
	case "paystack":
		return r.Header.Get("x-paystack-signature")
	case "flutterwave":
		return r.Header.Get("verif-hash")
	default:
		return r.Header.Get("x-webhook-signature")
	}
}

// HandleWebhook handles POST /webhooks/{provider}.
func (s *WebhookService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	provider, err := s.providers.Get(providerName)
	if err != nil {
		SendErrorResponse(w, "Unknown provider", http.StatusNotFound, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		SendErrorResponse(w, "Request body too large", http.StatusRequestEntityTooLarge, nil)
		return
	}

	signature := signatureHeader(providerName, r)
	if err := provider.VerifySignature(signature, body); err != nil {
		log.Printf("[WEBHOOK] Signature rejected for %s", providerName)
		SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	payload, parseErr := provider.ParseWebhook(body)
	if parseErr != nil && !errors.Is(parseErr, providers.ErrUnknownEvent) {
		SendErrorResponse(w, "Malformed event payload", http.StatusBadRequest, nil)
		return
	}

	eventID := ""
	if payload != nil {
		eventID = payload.EventID
	}
	if eventID == "" {
		// Without a provider event ID the body itself is the dedup key;
		// an empty ID would collide on the unique index.
		sum := sha256.Sum256(body)
		eventID = "raw:" + hex.EncodeToString(sum[:8])
	}
	status, err := s.process(r.Context(), provider, eventID, signature, body, payload, parseErr)
	if err != nil {
		log.Printf("[WEBHOOK] Processing failed for %s event %s: %v", providerName, eventID, err)
		SendErrorResponse(w, "Failed to process event", http.StatusInternalServerError, nil)
		return
	}

	switch status {
	case models.WebhookDuplicate:
		SendJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case models.WebhookReceived: // parked
		SendJSON(w, http.StatusAccepted, map[string]string{"status": "parked"})
	default:
		SendJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	}
}

// process records the event and, when it maps to a known transaction,
// drives the engine transition in the same database transaction as the
// event status update. The returned string is the webhook's processing
// status.
func (s *WebhookService) process(ctx context.Context, provider providers.Provider, eventID, signature string, body []byte, payload *providers.WebhookPayload, parseErr error) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	// The provider reference lets the reconciler close rows that were
	// still RECEIVED when it resolved the transaction by verification.
	var reference any
	if payload != nil && payload.Reference != "" {
		reference = payload.Reference
	}

	var rowID int64
	err = tx.QueryRow(`
		INSERT INTO webhook_events (provider_name, event_id, provider_reference, signature, raw_payload, processing_status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		provider.Name(), eventID, reference, signature, body, models.WebhookReceived, time.Now()).Scan(&rowID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Redelivery. Transaction state is already settled; record
			// the duplicate without reprocessing.
			_, updErr := s.db.Exec(`
				UPDATE webhook_events SET processing_status = $1
				WHERE provider_name = $2 AND event_id = $3 AND processing_status = $4`,
				models.WebhookDuplicate, provider.Name(), eventID, models.WebhookProcessed)
			if updErr != nil {
				return "", updErr
			}
			return models.WebhookDuplicate, nil
		}
		return "", err
	}

	// Unknown event types are acknowledged and ignored.
	if errors.Is(parseErr, providers.ErrUnknownEvent) {
		if err := s.setStatusTx(tx, rowID, models.WebhookProcessed); err != nil {
			return "", err
		}
		return models.WebhookProcessed, tx.Commit()
	}

	txn, err := s.engine.FetchByProviderReference(provider.Name(), payload.Reference)
	if errors.Is(err, ErrTransactionNotFound) {
		// Webhook raced ahead of the initiate call; park it for the
		// reconciler to replay once the transaction is durable.
		if commitErr := tx.Commit(); commitErr != nil {
			return "", commitErr
		}
		s.park(ctx, provider.Name(), payload.EventID, body)
		return models.WebhookReceived, nil
	}
	if err != nil {
		return "", err
	}

	terminal, reason := outcomeToStatus(payload.Outcome)
	if terminal == "" {
		// Still pending on the provider side; nothing to confirm.
		if err := s.setStatusTx(tx, rowID, models.WebhookProcessed); err != nil {
			return "", err
		}
		return models.WebhookProcessed, tx.Commit()
	}

	// A success event settling a different amount is not evidence for
	// this transaction; reject it for operator review instead of
	// crediting the initiated amount.
	if terminal == models.TxCompleted && payload.Amount.Sign() > 0 && !payload.Amount.Equal(txn.Amount) {
		log.Printf("[WEBHOOK] Amount mismatch for %s: event says %s, transaction holds %s",
			txn.ID, payload.Amount, txn.Amount)
		if err := s.setStatusTx(tx, rowID, models.WebhookRejected); err != nil {
			return "", err
		}
		return models.WebhookRejected, tx.Commit()
	}

	if _, err := s.engine.ConfirmTx(tx, txn.ID, terminal, reason); err != nil {
		if errors.Is(err, ErrTerminalConflict) || errors.Is(err, ErrInvalidTransition) {
			if setErr := s.setStatusTx(tx, rowID, models.WebhookRejected); setErr != nil {
				return "", setErr
			}
			return models.WebhookRejected, tx.Commit()
		}
		return "", err
	}

	if err := s.setStatusTx(tx, rowID, models.WebhookProcessed); err != nil {
		return "", err
	}
	return models.WebhookProcessed, tx.Commit()
}

func (s *WebhookService) setStatusTx(tx *sql.Tx, rowID int64, status string) error {
	_, err := tx.Exec(`UPDATE webhook_events SET processing_status = $1 WHERE id = $2`, status, rowID)
	return err
}

type parkedWebhook struct {
	Provider string `json:"provider"`
	EventID  string `json:"event_id"`
	Body     []byte `json:"body"`
}

func (s *WebhookService) park(ctx context.Context, providerName, eventID string, body []byte) {
	if s.redis == nil {
		// Without Redis the reconciler's provider verification closes
		// the transaction instead.
		log.Printf("[WEBHOOK] No parking store, relying on reconciler for %s event %s", providerName, eventID)
		return
	}
	data, _ := json.Marshal(parkedWebhook{Provider: providerName, EventID: eventID, Body: body})
	if err := s.redis.RPush(ctx, parkedWebhooksKey, data).Err(); err != nil {
		log.Printf("[WEBHOOK] Failed to park event %s: %v", eventID, err)
	}
}

// ReplayParked re-processes parked events whose transactions have since
// become durable. Called from the reconciler loop.
func (s *WebhookService) ReplayParked(ctx context.Context) {
	if s.redis == nil {
		return
	}

	n, err := s.redis.LLen(ctx, parkedWebhooksKey).Result()
	if err != nil || n == 0 {
		return
	}

	for i := int64(0); i < n; i++ {
		data, err := s.redis.LPop(ctx, parkedWebhooksKey).Result()
		if err != nil {
			return
		}
		var parked parkedWebhook
		if err := json.Unmarshal([]byte(data), &parked); err != nil {
			continue
		}

		provider, err := s.providers.Get(parked.Provider)
		if err != nil {
			continue
		}
		payload, parseErr := provider.ParseWebhook(parked.Body)
		if parseErr != nil {
			continue
		}

		// The dedup row already exists from the original delivery, so
		// replay through the engine directly.
		txn, err := s.engine.FetchByProviderReference(parked.Provider, payload.Reference)
		if errors.Is(err, ErrTransactionNotFound) {
			// Still not durable; push back for a later pass.
			s.park(ctx, parked.Provider, parked.EventID, parked.Body)
			continue
		}
		if err != nil {
			continue
		}

		terminal, reason := outcomeToStatus(payload.Outcome)
		if terminal == "" {
			continue
		}
		if terminal == models.TxCompleted && payload.Amount.Sign() > 0 && !payload.Amount.Equal(txn.Amount) {
			log.Printf("[WEBHOOK] Replay amount mismatch for %s: event says %s, transaction holds %s",
				txn.ID, payload.Amount, txn.Amount)
			s.markEvent(parked.Provider, parked.EventID, models.WebhookRejected)
			continue
		}
		if _, err := s.engine.Confirm(ctx, txn.ID, terminal, reason); err != nil {
			log.Printf("[WEBHOOK] Replay confirm failed for %s: %v", txn.ID, err)
			continue
		}
		s.markEvent(parked.Provider, parked.EventID, models.WebhookProcessed)
	}
}

func (s *WebhookService) markEvent(providerName, eventID, status string) {
	if _, err := s.db.Exec(`
		UPDATE webhook_events SET processing_status = $1
		WHERE provider_name = $2 AND event_id = $3`,
		status, providerName, eventID); err != nil {
		log.Printf("[WEBHOOK] Status update failed for event %s: %v", eventID, err)
	}
}

// outcomeToStatus maps a provider outcome to the engine's terminal
// status, with an empty string for non-terminal outcomes.
func outcomeToStatus(outcome providers.Outcome) (string, string) {
	switch outcome {
	case providers.OutcomeSuccess:
		return models.TxCompleted, ""
	case providers.OutcomeDeclined:
		return models.TxFailed, "provider reported failure"
	default:
		return "", ""
	}
}
