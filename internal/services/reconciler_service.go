package services

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/flowpay/ledger/internal/models"
	"github.com/flowpay/ledger/internal/providers"
	"github.com/spf13/viper"
)

// ReconcilerService closes stale PENDING transactions by polling the
// provider. Multiple replicas are safe: claims use FOR UPDATE SKIP
// LOCKED and resolution goes through the engine's idempotent Confirm.
type ReconcilerService struct {
	db        *sql.DB
	providers *providers.Registry
	engine    *TransactionService
	webhooks  *WebhookService

	interval      time.Duration
	verifyAfter   time.Duration
	expiryAfter   time.Duration
	verifyTimeout time.Duration
	batchSize     int
}

func NewReconcilerService(db *sql.DB, registry *providers.Registry, engine *TransactionService, webhooks *WebhookService) *ReconcilerService {
	viper.SetDefault("reconciler.interval_seconds", 60)
	viper.SetDefault("reconciler.verify_after_seconds", 30)
	viper.SetDefault("reconciler.expiry_after_seconds", 86400)
	viper.SetDefault("reconciler.verify_timeout_seconds", 15)
	viper.SetDefault("reconciler.batch_size", 50)

	return &ReconcilerService{
		db:            db,
		providers:     registry,
		engine:        engine,
		webhooks:      webhooks,
		interval:      time.Duration(viper.GetInt("reconciler.interval_seconds")) * time.Second,
		verifyAfter:   time.Duration(viper.GetInt("reconciler.verify_after_seconds")) * time.Second,
		expiryAfter:   time.Duration(viper.GetInt("reconciler.expiry_after_seconds")) * time.Second,
		verifyTimeout: time.Duration(viper.GetInt("reconciler.verify_timeout_seconds")) * time.Second,
		batchSize:     viper.GetInt("reconciler.batch_size"),
	}
}

// Run loops until ctx is canceled.
func (s *ReconcilerService) Run(ctx context.Context) {
	log.Printf("[RECONCILER] Started: interval=%s verify_after=%s expiry_after=%s",
		s.interval, s.verifyAfter, s.expiryAfter)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RECONCILER] Stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one reconciliation pass: expire, verify, replay.
func (s *ReconcilerService) RunOnce(ctx context.Context) {
	if err := s.expireStale(ctx); err != nil {
		log.Printf("[RECONCILER] Expiry pass failed: %v", err)
	}
	if err := s.verifyPending(ctx); err != nil {
		log.Printf("[RECONCILER] Verify pass failed: %v", err)
	}
	if s.webhooks != nil {
		s.webhooks.ReplayParked(ctx)
	}
}

// expireStale transitions transactions stuck in PENDING beyond
// expiry_after to EXPIRED, which for withdrawals releases the hold with
// CANCEL. INITIATED withdrawals that never reached a provider are failed
// on the same schedule so their holds cannot leak.
func (s *ReconcilerService) expireStale(ctx context.Context) error {
	cutoff := time.Now().Add(-s.expiryAfter)

	ids, err := s.claimIDs(ctx, `
		SELECT id FROM transactions
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		models.TxPending, models.TxInitiated, cutoff, s.batchSize)
	if err != nil {
		return err
	}

	for _, id := range ids {
		txn, err := s.engine.fetchTransaction(id)
		if err != nil {
			continue
		}
		target := models.TxExpired
		reason := "no provider resolution before expiry"
		if txn.Status == models.TxInitiated {
			target = models.TxFailed
			reason = "expired before provider handoff"
		}
		if _, err := s.engine.Confirm(ctx, id, target, reason); err != nil {
			log.Printf("[RECONCILER] Expire failed for %s: %v", id, err)
			continue
		}
		log.Printf("[RECONCILER] Transaction %s -> %s", id, target)
	}
	return nil
}

// verifyPending re-checks PENDING transactions with their provider. The
// claim (bumping next_verify_at) is committed before the network call so
// no row lock is held across provider I/O.
func (s *ReconcilerService) verifyPending(ctx context.Context) error {
	now := time.Now()
	ids, err := s.claimVerifiable(ctx, now)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.verifyOne(ctx, id); err != nil {
			log.Printf("[RECONCILER] Verify failed for %s: %v", id, err)
		}
	}
	return nil
}

// claimVerifiable selects due PENDING transactions and pushes their
// next_verify_at into the future with exponential backoff, in one short
// transaction.
func (s *ReconcilerService) claimVerifiable(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, attempts FROM transactions
		WHERE status = $1
		  AND created_at < $2
		  AND (next_verify_at IS NULL OR next_verify_at <= $3)
		ORDER BY next_verify_at NULLS FIRST
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		models.TxPending, now.Add(-s.verifyAfter), now, s.batchSize)
	if err != nil {
		return nil, err
	}

	type claim struct {
		id       string
		attempts int
	}
	var claims []claim
	for rows.Next() {
		var c claim
		if err := rows.Scan(&c.id, &c.attempts); err != nil {
			rows.Close()
			return nil, err
		}
		claims = append(claims, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(claims))
	for _, c := range claims {
		next := now.Add(backoff(c.attempts + 1))
		if _, err := tx.Exec(`
			UPDATE transactions SET attempts = attempts + 1, next_verify_at = $1, updated_at = $2
			WHERE id = $3`,
			next, now, c.id); err != nil {
			return nil, err
		}
		ids = append(ids, c.id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *ReconcilerService) verifyOne(ctx context.Context, txnID string) error {
	txn, err := s.engine.fetchTransaction(txnID)
	if err != nil {
		return err
	}
	if txn.Status != models.TxPending || txn.Provider == nil || txn.ProviderReference == nil {
		return nil
	}

	provider, err := s.providers.Get(*txn.Provider)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()

	var result *providers.Result
	if txn.Type == models.TxWithdrawal {
		result, err = provider.VerifyPayout(callCtx, *txn.ProviderReference)
	} else {
		result, err = provider.VerifyCharge(callCtx, *txn.ProviderReference)
	}
	if err != nil {
		return err
	}

	switch result.Outcome {
	case providers.OutcomeSuccess:
		_, err = s.engine.Confirm(ctx, txnID, models.TxCompleted, "")
	case providers.OutcomeDeclined:
		_, err = s.engine.Confirm(ctx, txnID, models.TxFailed, result.Message)
	default:
		// Still pending or transient; the claimed backoff stands.
		return nil
	}
	if err != nil && !errors.Is(err, ErrTerminalConflict) {
		return err
	}
	s.closeReceivedEvents(*txn.Provider, *txn.ProviderReference)
	log.Printf("[RECONCILER] Transaction %s resolved: %s", txnID, result.Outcome)
	return nil
}

// closeReceivedEvents settles webhook rows that were recorded before
// their transaction was resolvable and are now answered by the verify
// pass rather than a replay.
func (s *ReconcilerService) closeReceivedEvents(providerName, providerRef string) {
	if _, err := s.db.Exec(`
		UPDATE webhook_events SET processing_status = $1
		WHERE provider_name = $2 AND provider_reference = $3 AND processing_status = $4`,
		models.WebhookProcessed, providerName, providerRef, models.WebhookReceived); err != nil {
		log.Printf("[RECONCILER] Webhook close failed for %s: %v", providerRef, err)
	}
}

func (s *ReconcilerService) claimIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

// backoff returns the delay before the next verification attempt:
// exponential base 2 with +/-20% jitter, capped at one hour.
func backoff(attempts int) time.Duration {
	seconds := math.Pow(2, float64(attempts))
	if seconds > 3600 {
		seconds = 3600
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(seconds * jitter * float64(time.Second))
}
