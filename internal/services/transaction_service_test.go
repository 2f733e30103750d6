package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flowpay/ledger/internal/models"
	"github.com/flowpay/ledger/internal/providers"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

const (
	srcWalletID = "11111111-1111-4111-8111-111111111111"
	dstWalletID = "22222222-2222-4222-8222-222222222222"
)

// stubProvider scripts initiation outcomes for engine tests.
type stubProvider struct {
	chargeResult *providers.Result
	payoutResult *providers.Result
	callErr      error
}

func (s *stubProvider) Name() string { return "mock" }

func (s *stubProvider) CreateCharge(_ context.Context, _ providers.ChargeRequest) (*providers.Result, error) {
	return s.chargeResult, s.callErr
}

func (s *stubProvider) VerifyCharge(_ context.Context, _ string) (*providers.Result, error) {
	return s.chargeResult, s.callErr
}

func (s *stubProvider) CreatePayout(_ context.Context, _ providers.PayoutRequest) (*providers.Result, error) {
	return s.payoutResult, s.callErr
}

func (s *stubProvider) VerifyPayout(_ context.Context, _ string) (*providers.Result, error) {
	return s.payoutResult, s.callErr
}

func (s *stubProvider) ListBanks(_ context.Context) ([]providers.Bank, error) { return nil, nil }

func (s *stubProvider) ResolveAccount(_ context.Context, _, _ string) (string, error) {
	return "", nil
}

func (s *stubProvider) VerifySignature(_ string, _ []byte) error { return nil }

func (s *stubProvider) ParseWebhook(_ []byte) (*providers.WebhookPayload, error) { return nil, nil }

func newTestEngine(t *testing.T, stub providers.Provider) (*TransactionService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	mock.ExpectQuery("SELECT code, name, symbol, decimal_places FROM currencies").
		WillReturnRows(currencyRows())

	wallets, err := NewWalletService(db)
	assert.NoError(t, err)

	registry := providers.NewRegistry()
	if stub != nil {
		registry.Register(stub)
	}

	engine := NewTransactionService(db, registry, NewLedgerService(db), wallets, NewOutboxService(db))
	return engine, mock, func() { db.Close() }
}

func fetchWalletRows(id, userID, currency, available, held, status, pinHash string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "currency", "available_balance", "held_balance", "status", "pin_hash", "created_at", "updated_at",
	}).AddRow(id, userID, currency, available, held, status, pinHash, time.Now(), time.Now())
}

func txnRowColumns() []string {
	return []string{
		"id", "type", "status", "source_wallet_id", "destination_wallet_id", "amount", "fee", "currency",
		"provider_name", "provider_reference", "client_idempotency_key", "failure_reason", "attempts", "next_verify_at",
		"created_at", "updated_at", "completed_at",
	}
}

func TestTransactionService_InitiateTransfer(t *testing.T) {
	stub := &stubProvider{}
	engine, mock, cleanup := newTestEngine(t, stub)
	defer cleanup()

	pinHash, err := hashPIN("1234")
	assert.NoError(t, err)

	req := transferRequest{
		SourceWalletID:      srcWalletID,
		DestinationWalletID: dstWalletID,
		Amount:              decimal.NewFromInt(100),
		IdempotencyKey:      "idem-1",
		PIN:                 "1234",
	}

	t.Run("completes synchronously", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, pin_hash, created_at, updated_at FROM wallets").
			WithArgs(srcWalletID).
			WillReturnRows(fetchWalletRows(srcWalletID, "user-1", "NGN", "500", "0", "ACTIVE", pinHash))
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, pin_hash, created_at, updated_at FROM wallets").
			WithArgs(dstWalletID).
			WillReturnRows(fetchWalletRows(dstWalletID, "user-2", "NGN", "50", "0", "ACTIVE", ""))
		mock.ExpectQuery("SELECT pin_hash FROM wallets WHERE id = \\$1").
			WithArgs(srcWalletID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash"}).AddRow(pinHash))

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs("user-1", "idem-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT transaction_id FROM idempotency_records").
			WithArgs("user-1", "idem-1").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}).AddRow("txn-1"))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Ledger locks wallets in ascending ID order, then posts.
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, sequence, version FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(srcWalletID).
			WillReturnRows(walletRows().AddRow(srcWalletID, "user-1", "NGN", "500", "0", "ACTIVE", 0, 1))
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, sequence, version FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(dstWalletID).
			WillReturnRows(walletRows().AddRow(dstWalletID, "user-2", "NGN", "50", "0", "ACTIVE", 0, 1))
		mock.ExpectExec("INSERT INTO postings").
			WithArgs("txn-1", srcWalletID, "DEBIT", sqlmock.AnyArg(), int64(1), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO postings").
			WithArgs("txn-1", dstWalletID, "CREDIT", sqlmock.AnyArg(), int64(1), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO outbox_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		txn, err := engine.InitiateTransfer(context.Background(), "user-1", req)
		assert.NoError(t, err)
		assert.Equal(t, models.TxCompleted, txn.Status)
		assert.NotNil(t, txn.CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same wallet rejected", func(t *testing.T) {
		bad := req
		bad.DestinationWalletID = bad.SourceWalletID
		_, err := engine.InitiateTransfer(context.Background(), "user-1", bad)
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("currency mismatch rejected", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, pin_hash, created_at, updated_at FROM wallets").
			WithArgs(srcWalletID).
			WillReturnRows(fetchWalletRows(srcWalletID, "user-1", "NGN", "500", "0", "ACTIVE", pinHash))
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, pin_hash, created_at, updated_at FROM wallets").
			WithArgs(dstWalletID).
			WillReturnRows(fetchWalletRows(dstWalletID, "user-2", "USD", "50", "0", "ACTIVE", ""))

		_, err := engine.InitiateTransfer(context.Background(), "user-1", req)
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong pin rejected", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, pin_hash, created_at, updated_at FROM wallets").
			WithArgs(srcWalletID).
			WillReturnRows(fetchWalletRows(srcWalletID, "user-1", "NGN", "500", "0", "ACTIVE", pinHash))
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, pin_hash, created_at, updated_at FROM wallets").
			WithArgs(dstWalletID).
			WillReturnRows(fetchWalletRows(dstWalletID, "user-2", "NGN", "50", "0", "ACTIVE", ""))
		mock.ExpectQuery("SELECT pin_hash FROM wallets WHERE id = \\$1").
			WithArgs(srcWalletID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash"}).AddRow(pinHash))

		bad := req
		bad.PIN = "4321"
		_, err := engine.InitiateTransfer(context.Background(), "user-1", bad)
		assert.ErrorIs(t, err, ErrInvalidPIN)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionService_claimIdempotency(t *testing.T) {
	engine, mock, cleanup := newTestEngine(t, nil)
	defer cleanup()

	hash := payloadHash("transfer", srcWalletID, dstWalletID, "100")

	t.Run("replay with same payload returns winner", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectQuery("SELECT payload_hash, transaction_id FROM idempotency_records").
			WithArgs("user-1", "idem-1").
			WillReturnRows(sqlmock.NewRows([]string{"payload_hash", "transaction_id"}).
				AddRow(hash, "txn-1"))

		tx, _ := engine.db.Begin()
		existingID, won, err := engine.claimIdempotency(tx, "user-1", "idem-1", hash)
		assert.NoError(t, err)
		assert.False(t, won)
		assert.Equal(t, "txn-1", existingID)
		tx.Rollback()
	})

	t.Run("same key different payload conflicts", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectQuery("SELECT payload_hash, transaction_id FROM idempotency_records").
			WithArgs("user-1", "idem-1").
			WillReturnRows(sqlmock.NewRows([]string{"payload_hash", "transaction_id"}).
				AddRow("some-other-hash", "txn-1"))

		tx, _ := engine.db.Begin()
		_, _, err := engine.claimIdempotency(tx, "user-1", "idem-1", hash)
		assert.ErrorIs(t, err, ErrIdempotencyConflict)
		tx.Rollback()
	})
}

func TestTransactionService_InitiateDeposit(t *testing.T) {
	req := depositRequest{
		WalletID:       dstWalletID,
		Amount:         decimal.NewFromInt(250),
		Provider:       "mock",
		IdempotencyKey: "dep-1",
	}

	expectCreate := func(mock sqlmock.Sqlmock, txnID string) {
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, pin_hash, created_at, updated_at FROM wallets").
			WithArgs(dstWalletID).
			WillReturnRows(fetchWalletRows(dstWalletID, "user-1", "NGN", "0", "0", "ACTIVE", ""))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT transaction_id FROM idempotency_records").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}).AddRow(txnID))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
	}

	t.Run("accepted goes pending with redirect", func(t *testing.T) {
		stub := &stubProvider{chargeResult: &providers.Result{
			Outcome:           providers.OutcomeAccepted,
			ProviderReference: "ps_ref_1",
			RedirectURL:       "https://checkout.test/ps_ref_1",
		}}
		engine, mock, cleanup := newTestEngine(t, stub)
		defer cleanup()

		expectCreate(mock, "txn-dep-1")
		mock.ExpectExec("UPDATE transactions").
			WithArgs("PENDING", "ps_ref_1", sqlmock.AnyArg(), sqlmock.AnyArg(), "txn-dep-1", "INITIATED").
			WillReturnResult(sqlmock.NewResult(0, 1))

		txn, redirect, err := engine.InitiateDeposit(context.Background(), "user-1", req)
		assert.NoError(t, err)
		assert.Equal(t, models.TxPending, txn.Status)
		assert.Equal(t, "https://checkout.test/ps_ref_1", redirect)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("declined fails the transaction", func(t *testing.T) {
		stub := &stubProvider{chargeResult: &providers.Result{
			Outcome:    providers.OutcomeDeclined,
			ReasonCode: "card_declined",
			Message:    "Card declined",
		}}
		engine, mock, cleanup := newTestEngine(t, stub)
		defer cleanup()

		expectCreate(mock, "txn-dep-2")

		// failInitiated locks the row and marks it FAILED.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-dep-2").
			WillReturnRows(sqlmock.NewRows(txnRowColumns()).
				AddRow("txn-dep-2", "DEPOSIT", "INITIATED", nil, dstWalletID, "250", "0", "NGN",
					"mock", nil, "dep-1", nil, 0, nil, time.Now(), time.Now(), nil))
		mock.ExpectExec("UPDATE transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO outbox_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		_, _, err := engine.InitiateDeposit(context.Background(), "user-1", req)
		var declined *ProviderDeclinedError
		assert.ErrorAs(t, err, &declined)
		assert.Equal(t, "card_declined", declined.ReasonCode)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transient leaves transaction initiated", func(t *testing.T) {
		stub := &stubProvider{chargeResult: &providers.Result{Outcome: providers.OutcomeTransient}}
		engine, mock, cleanup := newTestEngine(t, stub)
		defer cleanup()

		expectCreate(mock, "txn-dep-3")

		_, _, err := engine.InitiateDeposit(context.Background(), "user-1", req)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("frozen wallet rejected", func(t *testing.T) {
		engine, mock, cleanup := newTestEngine(t, &stubProvider{})
		defer cleanup()

		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, pin_hash, created_at, updated_at FROM wallets").
			WithArgs(dstWalletID).
			WillReturnRows(fetchWalletRows(dstWalletID, "user-1", "NGN", "0", "0", "FROZEN", ""))

		_, _, err := engine.InitiateDeposit(context.Background(), "user-1", req)
		assert.ErrorIs(t, err, ErrWalletNotActive)
	})
}

func TestTransactionService_Confirm(t *testing.T) {
	pendingDeposit := func() *sqlmock.Rows {
		return sqlmock.NewRows(txnRowColumns()).
			AddRow("txn-1", "DEPOSIT", "PENDING", nil, dstWalletID, "250", "0", "NGN",
				"mock", "ps_ref_1", "dep-1", nil, 1, time.Now(), time.Now(), time.Now(), nil)
	}

	t.Run("deposit completion credits wallet", func(t *testing.T) {
		engine, mock, cleanup := newTestEngine(t, nil)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-1").
			WillReturnRows(pendingDeposit())
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, sequence, version FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(dstWalletID).
			WillReturnRows(walletRows().AddRow(dstWalletID, "user-1", "NGN", "0", "0", "ACTIVE", 0, 1))
		mock.ExpectExec("INSERT INTO postings").
			WithArgs("txn-1", dstWalletID, "CREDIT", sqlmock.AnyArg(), int64(1), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO outbox_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		txn, err := engine.Confirm(context.Background(), "txn-1", models.TxCompleted, "")
		assert.NoError(t, err)
		assert.Equal(t, models.TxCompleted, txn.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("re-confirming same status is a no-op", func(t *testing.T) {
		engine, mock, cleanup := newTestEngine(t, nil)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-1").
			WillReturnRows(sqlmock.NewRows(txnRowColumns()).
				AddRow("txn-1", "DEPOSIT", "COMPLETED", nil, dstWalletID, "250", "0", "NGN",
					"mock", "ps_ref_1", "dep-1", nil, 1, nil, time.Now(), time.Now(), time.Now()))
		mock.ExpectCommit()

		txn, err := engine.Confirm(context.Background(), "txn-1", models.TxCompleted, "")
		assert.NoError(t, err)
		assert.Equal(t, models.TxCompleted, txn.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflicting terminal status rejected", func(t *testing.T) {
		engine, mock, cleanup := newTestEngine(t, nil)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-1").
			WillReturnRows(sqlmock.NewRows(txnRowColumns()).
				AddRow("txn-1", "DEPOSIT", "FAILED", nil, dstWalletID, "250", "0", "NGN",
					"mock", "ps_ref_1", "dep-1", "card_declined", 1, nil, time.Now(), time.Now(), nil))
		mock.ExpectRollback()

		_, err := engine.Confirm(context.Background(), "txn-1", models.TxCompleted, "")
		assert.ErrorIs(t, err, ErrTerminalConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("withdrawal failure releases the hold", func(t *testing.T) {
		engine, mock, cleanup := newTestEngine(t, nil)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-2").
			WillReturnRows(sqlmock.NewRows(txnRowColumns()).
				AddRow("txn-2", "WITHDRAWAL", "PENDING", srcWalletID, nil, "200", "1", "NGN",
					"mock", "pay_ref_1", "wd-1", nil, 1, time.Now(), time.Now(), time.Now(), nil))
		// Release CANCEL: held -> available, no posting written.
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, sequence, version FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(srcWalletID).
			WillReturnRows(walletRows().AddRow(srcWalletID, "user-1", "NGN", "100", "201", "ACTIVE", 4, 2))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO outbox_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		txn, err := engine.Confirm(context.Background(), "txn-2", models.TxFailed, "payout bounced")
		assert.NoError(t, err)
		assert.Equal(t, models.TxFailed, txn.Status)
		assert.NotNil(t, txn.FailureReason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionService_Cancel(t *testing.T) {
	engine, mock, cleanup := newTestEngine(t, nil)
	defer cleanup()

	t.Run("initiated withdrawal releases hold", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-1").
			WillReturnRows(sqlmock.NewRows(txnRowColumns()).
				AddRow("txn-1", "WITHDRAWAL", "INITIATED", srcWalletID, nil, "200", "1", "NGN",
					"mock", nil, "wd-1", nil, 0, nil, time.Now(), time.Now(), nil))
		mock.ExpectQuery("SELECT user_id FROM wallets WHERE id = \\$1").
			WithArgs(srcWalletID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, sequence, version FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(srcWalletID).
			WillReturnRows(walletRows().AddRow(srcWalletID, "user-1", "NGN", "100", "201", "ACTIVE", 4, 2))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO outbox_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		txn, err := engine.Cancel(context.Background(), "user-1", "txn-1")
		assert.NoError(t, err)
		assert.Equal(t, models.TxFailed, txn.Status)
		assert.Equal(t, "canceled_by_user", *txn.FailureReason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("withdrawal with provider reference cannot cancel", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-2").
			WillReturnRows(sqlmock.NewRows(txnRowColumns()).
				AddRow("txn-2", "WITHDRAWAL", "PENDING", srcWalletID, nil, "200", "1", "NGN",
					"mock", "pay_ref_1", "wd-2", nil, 1, time.Now(), time.Now(), time.Now(), nil))
		mock.ExpectQuery("SELECT user_id FROM wallets WHERE id = \\$1").
			WithArgs(srcWalletID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))
		mock.ExpectRollback()

		_, err := engine.Cancel(context.Background(), "user-1", "txn-2")
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("foreign transaction invisible", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-3").
			WillReturnRows(sqlmock.NewRows(txnRowColumns()).
				AddRow("txn-3", "WITHDRAWAL", "INITIATED", srcWalletID, nil, "200", "1", "NGN",
					"mock", nil, "wd-3", nil, 0, nil, time.Now(), time.Now(), nil))
		mock.ExpectQuery("SELECT user_id FROM wallets WHERE id = \\$1").
			WithArgs(srcWalletID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("someone-else"))
		mock.ExpectRollback()

		_, err := engine.Cancel(context.Background(), "user-1", "txn-3")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionService_Reverse(t *testing.T) {
	engine, mock, cleanup := newTestEngine(t, nil)
	defer cleanup()

	t.Run("completed transfer reversed via refund", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-1").
			WillReturnRows(sqlmock.NewRows(txnRowColumns()).
				AddRow("txn-1", "TRANSFER_INTERNAL", "COMPLETED", srcWalletID, dstWalletID, "100", "0", "NGN",
					nil, nil, "idem-1", nil, 0, nil, time.Now(), time.Now(), time.Now()))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Compensating postings flow the opposite way.
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, sequence, version FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(srcWalletID).
			WillReturnRows(walletRows().AddRow(srcWalletID, "user-1", "NGN", "400", "0", "ACTIVE", 1, 2))
		mock.ExpectQuery("SELECT id, user_id, currency, available_balance, held_balance, status, sequence, version FROM wallets WHERE id = \\$1 FOR UPDATE").
			WithArgs(dstWalletID).
			WillReturnRows(walletRows().AddRow(dstWalletID, "user-2", "NGN", "150", "0", "ACTIVE", 1, 2))
		mock.ExpectExec("INSERT INTO postings").
			WithArgs(sqlmock.AnyArg(), dstWalletID, "DEBIT", sqlmock.AnyArg(), int64(2), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO postings").
			WithArgs(sqlmock.AnyArg(), srcWalletID, "CREDIT", sqlmock.AnyArg(), int64(2), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE transactions").
			WillReturnResult(sqlmock.NewResult(0, 1)) // refund -> COMPLETED
		mock.ExpectExec("UPDATE transactions").
			WillReturnResult(sqlmock.NewResult(0, 1)) // original -> REVERSED
		mock.ExpectExec("INSERT INTO outbox_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO outbox_events").
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()

		refund, err := engine.Reverse(context.Background(), "txn-1")
		assert.NoError(t, err)
		assert.Equal(t, models.TxRefund, refund.Type)
		assert.Equal(t, models.TxCompleted, refund.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pending transaction cannot be reversed", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-2").
			WillReturnRows(sqlmock.NewRows(txnRowColumns()).
				AddRow("txn-2", "DEPOSIT", "PENDING", nil, dstWalletID, "100", "0", "NGN",
					"mock", "ps_ref", "dep-9", nil, 1, time.Now(), time.Now(), time.Now(), nil))
		mock.ExpectRollback()

		_, err := engine.Reverse(context.Background(), "txn-2")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionService_ReverseTransaction(t *testing.T) {
	t.Run("non-operator forbidden without side effects", func(t *testing.T) {
		engine, mock, cleanup := newTestEngine(t, nil)
		defer cleanup()

		// An authenticated caller who owns neither wallet must not be
		// able to pull funds back out of the payee's wallet.
		r := withURLParam(authedRequest("POST", "/transactions/txn-1/reverse", nil, "user-9"), "txId", "txn-1")
		w := httptest.NewRecorder()

		engine.ReverseTransaction(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("owner without operator role forbidden", func(t *testing.T) {
		engine, mock, cleanup := newTestEngine(t, nil)
		defer cleanup()

		r := withURLParam(authedRequest("POST", "/transactions/txn-1/reverse", nil, "user-1"), "txId", "txn-1")
		w := httptest.NewRecorder()

		engine.ReverseTransaction(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("operator passes the gate", func(t *testing.T) {
		engine, mock, cleanup := newTestEngine(t, nil)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("txn-404").
			WillReturnRows(sqlmock.NewRows(txnRowColumns()))
		mock.ExpectRollback()

		r := withURLParam(operatorRequest("POST", "/transactions/txn-404/reverse", nil, "ops-1"), "txId", "txn-404")
		w := httptest.NewRecorder()

		engine.ReverseTransaction(w, r)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPayloadHash(t *testing.T) {
	a := payloadHash("transfer", "w1", "w2", "100")
	b := payloadHash("transfer", "w1", "w2", "100")
	c := payloadHash("transfer", "w1", "w2", "101")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// Field boundaries matter: ("ab","c") must differ from ("a","bc").
	assert.NotEqual(t, payloadHash("ab", "c"), payloadHash("a", "bc"))
}
