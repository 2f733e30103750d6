package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/flowpay/ledger/internal/models"
	"github.com/flowpay/ledger/internal/providers"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// TransactionService orchestrates the deposit, withdrawal and internal
// transfer state machines. It is the only writer of transaction status
// and the only caller of the ledger; webhook ingestion and the
// reconciler drive it exclusively through Confirm.
type TransactionService struct {
	db        *sql.DB
	providers *providers.Registry
	ledger    *LedgerService
	wallets   *WalletService
	outbox    *OutboxService
	validator *ValidationHelper

	feePercentage   decimal.Decimal
	feeFixed        decimal.Decimal
	feeWalletID     string
	withdrawalMin   decimal.Decimal
	initiateTimeout time.Duration
	verifyAfter     time.Duration
}

func NewTransactionService(db *sql.DB, registry *providers.Registry, ledger *LedgerService, wallets *WalletService, outbox *OutboxService) *TransactionService {
	viper.SetDefault("fees.percentage", 0.5)
	viper.SetDefault("fees.fixed", 0)
	viper.SetDefault("withdrawal_min", 100)
	viper.SetDefault("provider.initiate_timeout_seconds", 30)
	viper.SetDefault("reconciler.verify_after_seconds", 30)

	return &TransactionService{
		db:              db,
		providers:       registry,
		ledger:          ledger,
		wallets:         wallets,
		outbox:          outbox,
		validator:       NewValidationHelper(),
		feePercentage:   decimal.NewFromFloat(viper.GetFloat64("fees.percentage")),
		feeFixed:        decimal.NewFromFloat(viper.GetFloat64("fees.fixed")),
		feeWalletID:     viper.GetString("fee_wallet_id"),
		withdrawalMin:   decimal.NewFromFloat(viper.GetFloat64("withdrawal_min")),
		initiateTimeout: time.Duration(viper.GetInt("provider.initiate_timeout_seconds")) * time.Second,
		verifyAfter:     time.Duration(viper.GetInt("reconciler.verify_after_seconds")) * time.Second,
	}
}

// ---------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------

type transferRequest struct {
	SourceWalletID      string          `json:"src" validate:"required,uuid4"`
	DestinationWalletID string          `json:"dst" validate:"required,uuid4"`
	Amount              decimal.Decimal `json:"amount" validate:"required"`
	IdempotencyKey      string          `json:"idem_key" validate:"required,max=64"`
	PIN                 string          `json:"pin" validate:"required,numeric,len=4"`
}

// Transfer handles POST /transactions/transfer.
func (ts *TransactionService) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req transferRequest
	if err := DecodeJSON(w, r, 1<<20, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	txn, err := ts.InitiateTransfer(r.Context(), userID, req)
	if err != nil {
		ts.sendEngineError(w, err)
		return
	}
	SendJSON(w, http.StatusCreated, txn)
}

type depositRequest struct {
	WalletID       string          `json:"wallet_id" validate:"required,uuid4"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	Provider       string          `json:"provider" validate:"required"`
	IdempotencyKey string          `json:"idem_key" validate:"required,max=64"`
	Email          string          `json:"email" validate:"omitempty,email"`
}

// Deposit handles POST /transactions/deposit.
func (ts *TransactionService) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req depositRequest
	if err := DecodeJSON(w, r, 1<<20, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	txn, redirectURL, err := ts.InitiateDeposit(r.Context(), userID, req)
	if err != nil {
		ts.sendEngineError(w, err)
		return
	}

	SendJSON(w, http.StatusAccepted, map[string]any{
		"transaction":           txn,
		"provider_redirect_url": redirectURL,
	})
}

type withdrawalRequest struct {
	WalletID       string          `json:"wallet_id" validate:"required,uuid4"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	Provider       string          `json:"provider" validate:"required"`
	BankCode       string          `json:"bank_code" validate:"required"`
	AccountNumber  string          `json:"account_number" validate:"required,numeric,len=10"`
	AccountName    string          `json:"account_name" validate:"required,max=120"`
	Narration      string          `json:"narration" validate:"max=200"`
	IdempotencyKey string          `json:"idem_key" validate:"required,max=64"`
	PIN            string          `json:"pin" validate:"required,numeric,len=4"`
}

// Withdraw handles POST /transactions/withdrawal.
func (ts *TransactionService) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req withdrawalRequest
	if err := DecodeJSON(w, r, 1<<20, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	txn, err := ts.InitiateWithdrawal(r.Context(), userID, req)
	if err != nil {
		ts.sendEngineError(w, err)
		return
	}
	SendJSON(w, http.StatusAccepted, map[string]any{"transaction": txn})
}

// GetTransaction handles GET /transactions/{txId}, returning the
// transaction with its postings.
func (ts *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	txID := chi.URLParam(r, "txId")

	txn, err := ts.fetchTransaction(txID)
	if err != nil {
		SendDomainError(w, err)
		return
	}
	owns, err := ts.userOwnsTransaction(userID, txn)
	if err != nil {
		log.Printf("[TRANSACTION] Ownership check failed: %v", err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}
	if !owns {
		SendDomainError(w, ErrTransactionNotFound)
		return
	}

	postings, err := ts.fetchPostings(txID)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to fetch postings: %v", err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}
	txn.Postings = postings

	SendJSON(w, http.StatusOK, txn)
}

// CancelTransaction handles POST /transactions/{txId}/cancel. Only
// withdrawals that have not yet been accepted by a provider can be
// canceled; anything later is a refund flow.
func (ts *TransactionService) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	txID := chi.URLParam(r, "txId")

	txn, err := ts.Cancel(r.Context(), userID, txID)
	if err != nil {
		ts.sendEngineError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, txn)
}

// ReverseTransaction handles POST /transactions/{txId}/reverse, the
// operator/dispute entry point. It creates a compensating REFUND
// transaction and marks the original REVERSED. Reversal pulls funds
// back out of the payee's wallet, so it is never available to ordinary
// callers regardless of ownership.
func (ts *TransactionService) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	role, _ := r.Context().Value("userRole").(string)
	if role != roleOperator {
		SendErrorResponse(w, "Operator access required", http.StatusForbidden, nil)
		return
	}
	txID := chi.URLParam(r, "txId")

	refund, err := ts.Reverse(r.Context(), txID)
	if err != nil {
		ts.sendEngineError(w, err)
		return
	}
	SendJSON(w, http.StatusCreated, refund)
}

func (ts *TransactionService) sendEngineError(w http.ResponseWriter, err error) {
	if errorStatus(err) == http.StatusInternalServerError {
		log.Printf("[TRANSACTION] Internal error: %v", err)
	}
	SendDomainError(w, err)
}

// ---------------------------------------------------------------------
// Engine operations
// ---------------------------------------------------------------------

// InitiateTransfer performs a same-currency internal transfer and
// completes it synchronously in a single database transaction.
func (ts *TransactionService) InitiateTransfer(ctx context.Context, userID string, req transferRequest) (*models.Transaction, error) {
	if req.SourceWalletID == req.DestinationWalletID {
		return nil, validationf("source and destination wallets must differ")
	}

	src, err := ts.wallets.fetchWallet(req.SourceWalletID)
	if err != nil {
		return nil, err
	}
	if src.UserID != userID {
		return nil, ErrWalletNotFound
	}
	dst, err := ts.wallets.fetchWallet(req.DestinationWalletID)
	if err != nil {
		return nil, err
	}
	if src.Currency != dst.Currency {
		return nil, validationf("wallets hold different currencies (%s vs %s)", src.Currency, dst.Currency)
	}
	if err := ts.checkAmount(src.Currency, req.Amount); err != nil {
		return nil, err
	}
	if err := ts.checkPIN(src.ID, req.PIN); err != nil {
		return nil, err
	}

	fee := ts.computeFee(src.Currency, req.Amount)
	hash := payloadHash("transfer", req.SourceWalletID, req.DestinationWalletID, req.Amount.String())

	tx, err := ts.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existingID, won, err := ts.claimIdempotency(tx, userID, req.IdempotencyKey, hash)
	if err != nil {
		return nil, err
	}
	if !won {
		return ts.fetchTransaction(existingID)
	}

	txn := &models.Transaction{
		ID:                   ts.idempotentTxnID(tx, userID, req.IdempotencyKey),
		Type:                 models.TxTransferInternal,
		Status:               models.TxInitiated,
		SourceWalletID:       &req.SourceWalletID,
		DestinationWalletID:  &req.DestinationWalletID,
		Amount:               req.Amount,
		Fee:                  fee,
		Currency:             src.Currency,
		ClientIdempotencyKey: &req.IdempotencyKey,
	}
	if err := ts.insertTransaction(tx, txn); err != nil {
		return nil, err
	}

	postings := []models.Posting{
		{WalletID: req.SourceWalletID, Direction: models.PostingDebit, Amount: txn.Total()},
		{WalletID: req.DestinationWalletID, Direction: models.PostingCredit, Amount: req.Amount},
	}
	if fee.Sign() > 0 && ts.feeWalletID != "" {
		postings = append(postings, models.Posting{
			WalletID: ts.feeWalletID, Direction: models.PostingCredit, Amount: fee,
		})
	}

	if err := ts.ledger.Apply(tx, txn, postings); err != nil {
		tx.Rollback()
		ts.persistFailed(userID, req.IdempotencyKey, hash, txn, err)
		return nil, err
	}

	now := time.Now()
	txn.Status = models.TxCompleted
	txn.CompletedAt = &now
	if err := ts.updateTransaction(tx, txn); err != nil {
		return nil, err
	}
	if err := ts.outbox.Enqueue(tx, terminalEvent(txn)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[TRANSACTION] Transfer %s completed: %s -> %s amount=%s fee=%s",
		txn.ID, req.SourceWalletID, req.DestinationWalletID, req.Amount, fee)
	return txn, nil
}

// InitiateDeposit creates the transaction and hands off to the provider.
// No wallet mutation happens until confirmation.
func (ts *TransactionService) InitiateDeposit(ctx context.Context, userID string, req depositRequest) (*models.Transaction, string, error) {
	wallet, err := ts.wallets.fetchWallet(req.WalletID)
	if err != nil {
		return nil, "", err
	}
	if wallet.UserID != userID {
		return nil, "", ErrWalletNotFound
	}
	if wallet.Status != models.WalletActive {
		return nil, "", ErrWalletNotActive
	}
	if err := ts.checkAmount(wallet.Currency, req.Amount); err != nil {
		return nil, "", err
	}
	provider, err := ts.providers.Get(strings.ToLower(req.Provider))
	if err != nil {
		return nil, "", validationf("unknown provider %q", req.Provider)
	}

	hash := payloadHash("deposit", req.WalletID, req.Provider, req.Amount.String())

	txn, resumed, err := ts.createOrResume(userID, req.IdempotencyKey, hash, func() *models.Transaction {
		name := provider.Name()
		return &models.Transaction{
			Type:                 models.TxDeposit,
			Status:               models.TxInitiated,
			DestinationWalletID:  &req.WalletID,
			Amount:               req.Amount,
			Fee:                  decimal.Zero,
			Currency:             wallet.Currency,
			Provider:             &name,
			ClientIdempotencyKey: &req.IdempotencyKey,
		}
	})
	if err != nil {
		return nil, "", err
	}
	if resumed {
		return txn, "", nil
	}

	callCtx, cancel := context.WithTimeout(ctx, ts.initiateTimeout)
	defer cancel()

	result, err := provider.CreateCharge(callCtx, providers.ChargeRequest{
		Reference: txn.ID,
		Amount:    req.Amount,
		Currency:  wallet.Currency,
		Email:     req.Email,
		Metadata:  map[string]string{"wallet_id": req.WalletID},
	})
	if err != nil {
		return nil, "", fmt.Errorf("create charge: %w", err)
	}

	switch result.Outcome {
	case providers.OutcomeAccepted:
		if err := ts.markPending(txn, result.ProviderReference); err != nil {
			return nil, "", err
		}
		return txn, result.RedirectURL, nil

	case providers.OutcomeSuccess:
		confirmed, err := ts.confirmWithReference(ctx, txn.ID, result.ProviderReference, models.TxCompleted, "")
		if err != nil {
			return nil, "", err
		}
		return confirmed, "", nil

	case providers.OutcomeDeclined:
		declined := &ProviderDeclinedError{ReasonCode: result.ReasonCode, Message: result.Message}
		if err := ts.failInitiated(txn, declined.Error()); err != nil {
			return nil, "", err
		}
		return nil, "", declined

	default:
		// Transient: leave INITIATED so a client retry with the same
		// idempotency key resumes the provider call.
		return nil, "", ErrProviderUnavailable
	}
}

// InitiateWithdrawal validates the PIN, places a hold covering amount
// plus fee, then hands off to the provider. The hold is only resolved by
// Confirm (CAPTURE on success, CANCEL on failure or expiry).
func (ts *TransactionService) InitiateWithdrawal(ctx context.Context, userID string, req withdrawalRequest) (*models.Transaction, error) {
	wallet, err := ts.wallets.fetchWallet(req.WalletID)
	if err != nil {
		return nil, err
	}
	if wallet.UserID != userID {
		return nil, ErrWalletNotFound
	}
	if err := ts.checkAmount(wallet.Currency, req.Amount); err != nil {
		return nil, err
	}
	if req.Amount.LessThan(ts.withdrawalMin) {
		return nil, validationf("amount below minimum withdrawal of %s", ts.withdrawalMin)
	}
	if err := ts.checkPIN(req.WalletID, req.PIN); err != nil {
		return nil, err
	}
	provider, err := ts.providers.Get(strings.ToLower(req.Provider))
	if err != nil {
		return nil, validationf("unknown provider %q", req.Provider)
	}

	fee := ts.computeFee(wallet.Currency, req.Amount)
	hash := payloadHash("withdrawal", req.WalletID, req.Provider, req.Amount.String(), req.BankCode, req.AccountNumber)

	var holdErr error
	txn, resumed, err := ts.createOrResumeWith(userID, req.IdempotencyKey, hash,
		func() *models.Transaction {
			name := provider.Name()
			return &models.Transaction{
				Type:                 models.TxWithdrawal,
				Status:               models.TxInitiated,
				SourceWalletID:       &req.WalletID,
				Amount:               req.Amount,
				Fee:                  fee,
				Currency:             wallet.Currency,
				Provider:             &name,
				ClientIdempotencyKey: &req.IdempotencyKey,
			}
		},
		func(tx *sql.Tx, txn *models.Transaction) error {
			holdErr = ts.ledger.Hold(tx, req.WalletID, txn.Total())
			return holdErr
		})
	if err != nil {
		if holdErr != nil {
			return nil, holdErr
		}
		return nil, err
	}
	if resumed {
		return txn, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, ts.initiateTimeout)
	defer cancel()

	result, err := provider.CreatePayout(callCtx, providers.PayoutRequest{
		Reference:     txn.ID,
		Amount:        req.Amount,
		Currency:      wallet.Currency,
		BankCode:      req.BankCode,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		Narration:     req.Narration,
	})
	if err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}

	switch result.Outcome {
	case providers.OutcomeAccepted:
		if err := ts.markPending(txn, result.ProviderReference); err != nil {
			return nil, err
		}
		return txn, nil

	case providers.OutcomeSuccess:
		return ts.confirmWithReference(ctx, txn.ID, result.ProviderReference, models.TxCompleted, "")

	case providers.OutcomeDeclined:
		declined := &ProviderDeclinedError{ReasonCode: result.ReasonCode, Message: result.Message}
		if err := ts.failWithdrawal(txn, declined.Error()); err != nil {
			return nil, err
		}
		return nil, declined

	default:
		return nil, ErrProviderUnavailable
	}
}

// Confirm drives a PENDING transaction to a terminal status. It is
// idempotent: re-confirming the same terminal status returns the current
// state; a different terminal status fails with ErrTerminalConflict.
func (ts *TransactionService) Confirm(ctx context.Context, txnID, terminalStatus, failureReason string) (*models.Transaction, error) {
	tx, err := ts.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := ts.ConfirmTx(tx, txnID, terminalStatus, failureReason)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// ConfirmTx is Confirm within a caller-owned database transaction, so
// the webhook ingestor can persist its event record atomically with the
// transition.
func (ts *TransactionService) ConfirmTx(tx *sql.Tx, txnID, terminalStatus, failureReason string) (*models.Transaction, error) {
	txn, err := ts.lockTransaction(tx, txnID)
	if err != nil {
		return nil, err
	}

	if txn.Status == terminalStatus {
		return txn, nil
	}
	if models.Terminal(txn.Status) {
		return nil, fmt.Errorf("transaction %s is %s: %w", txnID, txn.Status, ErrTerminalConflict)
	}
	if !models.CanTransition(txn.Status, terminalStatus) {
		return nil, fmt.Errorf("transaction %s: %s -> %s: %w", txnID, txn.Status, terminalStatus, ErrInvalidTransition)
	}

	switch txn.Type {
	case models.TxDeposit:
		if terminalStatus == models.TxCompleted {
			posting := []models.Posting{{
				WalletID:  *txn.DestinationWalletID,
				Direction: models.PostingCredit,
				Amount:    txn.Amount,
			}}
			if err := ts.ledger.Apply(tx, txn, posting); err != nil {
				return nil, err
			}
		}
	case models.TxWithdrawal:
		outcome := ReleaseCancel
		if terminalStatus == models.TxCompleted {
			outcome = ReleaseCapture
		}
		if err := ts.ledger.Release(tx, txn.ID, *txn.SourceWalletID, txn.Total(), outcome); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	txn.Status = terminalStatus
	if terminalStatus == models.TxCompleted {
		txn.CompletedAt = &now
	}
	if failureReason != "" {
		txn.FailureReason = &failureReason
	}
	if err := ts.updateTransaction(tx, txn); err != nil {
		return nil, err
	}
	if err := ts.outbox.Enqueue(tx, terminalEvent(txn)); err != nil {
		return nil, err
	}
	return txn, nil
}

// Cancel aborts a withdrawal that has not reached a provider yet.
func (ts *TransactionService) Cancel(ctx context.Context, userID, txnID string) (*models.Transaction, error) {
	tx, err := ts.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := ts.lockTransaction(tx, txnID)
	if err != nil {
		return nil, err
	}
	owns, err := ts.userOwnsTransaction(userID, txn)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, ErrTransactionNotFound
	}
	if txn.Type != models.TxWithdrawal {
		return nil, validationf("only withdrawals can be canceled")
	}
	if txn.Status != models.TxInitiated || txn.ProviderReference != nil {
		return nil, validationf("withdrawal already handed to provider; cancellation requires a provider reversal")
	}

	if err := ts.ledger.Release(tx, txn.ID, *txn.SourceWalletID, txn.Total(), ReleaseCancel); err != nil {
		return nil, err
	}

	reason := "canceled_by_user"
	txn.Status = models.TxFailed
	txn.FailureReason = &reason
	if err := ts.updateTransaction(tx, txn); err != nil {
		return nil, err
	}
	if err := ts.outbox.Enqueue(tx, terminalEvent(txn)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// Reverse flips a COMPLETED transaction to REVERSED and writes the
// compensating postings under a fresh REFUND transaction. Original
// postings are never mutated.
func (ts *TransactionService) Reverse(ctx context.Context, txnID string) (*models.Transaction, error) {
	tx, err := ts.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := ts.lockTransaction(tx, txnID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(txn.Status, models.TxReversed) {
		return nil, fmt.Errorf("transaction %s: %s -> REVERSED: %w", txnID, txn.Status, ErrInvalidTransition)
	}

	now := time.Now()
	refund := &models.Transaction{
		ID:                  uuid.NewString(),
		Type:                models.TxRefund,
		Status:              models.TxInitiated,
		SourceWalletID:      txn.DestinationWalletID,
		DestinationWalletID: txn.SourceWalletID,
		Amount:              txn.Amount,
		Fee:                 txn.Fee,
		Currency:            txn.Currency,
	}
	if err := ts.insertTransaction(tx, refund); err != nil {
		return nil, err
	}

	var postings []models.Posting
	switch txn.Type {
	case models.TxTransferInternal:
		postings = []models.Posting{
			{WalletID: *txn.DestinationWalletID, Direction: models.PostingDebit, Amount: txn.Amount},
			{WalletID: *txn.SourceWalletID, Direction: models.PostingCredit, Amount: txn.Total()},
		}
		if txn.Fee.Sign() > 0 && ts.feeWalletID != "" {
			postings = append(postings, models.Posting{
				WalletID: ts.feeWalletID, Direction: models.PostingDebit, Amount: txn.Fee,
			})
		}
	case models.TxDeposit:
		postings = []models.Posting{
			{WalletID: *txn.DestinationWalletID, Direction: models.PostingDebit, Amount: txn.Amount},
		}
	case models.TxWithdrawal:
		postings = []models.Posting{
			{WalletID: *txn.SourceWalletID, Direction: models.PostingCredit, Amount: txn.Total()},
		}
	default:
		return nil, validationf("transaction type %s cannot be reversed", txn.Type)
	}

	// Compensating postings bypass the status check only for frozen
	// wallets via ADJUSTMENT semantics; a reversal into a frozen wallet
	// is an operator decision.
	refund.Type = models.TxAdjustment
	if err := ts.ledger.Apply(tx, refund, postings); err != nil {
		return nil, err
	}
	refund.Type = models.TxRefund

	refund.Status = models.TxCompleted
	refund.CompletedAt = &now
	if err := ts.updateTransaction(tx, refund); err != nil {
		return nil, err
	}

	txn.Status = models.TxReversed
	if err := ts.updateTransaction(tx, txn); err != nil {
		return nil, err
	}

	if err := ts.outbox.Enqueue(tx, terminalEvent(txn)); err != nil {
		return nil, err
	}
	if err := ts.outbox.Enqueue(tx, terminalEvent(refund)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[TRANSACTION] Reversed %s via refund %s", txn.ID, refund.ID)
	return refund, nil
}

// ---------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------

func (ts *TransactionService) checkAmount(currency string, amount decimal.Decimal) error {
	c, ok := ts.wallets.Currency(currency)
	if !ok {
		return validationf("unknown currency %s", currency)
	}
	if !c.ValidAmount(amount) {
		return validationf("amount must be positive with at most %d decimal places", c.DecimalPlaces)
	}
	return nil
}

func (ts *TransactionService) checkPIN(walletID, pin string) error {
	ok, err := ts.wallets.VerifyPIN(walletID, pin)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidPIN
	}
	return nil
}

func (ts *TransactionService) computeFee(currency string, amount decimal.Decimal) decimal.Decimal {
	if ts.feeWalletID == "" {
		return decimal.Zero
	}
	c, _ := ts.wallets.Currency(currency)
	fee := amount.Mul(ts.feePercentage).Div(decimal.NewFromInt(100)).Add(ts.feeFixed)
	return fee.Round(c.DecimalPlaces)
}

func payloadHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// claimIdempotency inserts the client-key record; the unique index is
// the race arbiter. Losing callers get the winner's transaction ID, or
// ErrIdempotencyConflict when the payload hash differs.
func (ts *TransactionService) claimIdempotency(tx *sql.Tx, userID, key, hash string) (existingTxnID string, won bool, err error) {
	txnID := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO idempotency_records (scope, user_id, key, payload_hash, transaction_id, created_at)
		VALUES ('client_key', $1, $2, $3, $4, $5)`,
		userID, key, hash, txnID, time.Now())
	if err == nil {
		return "", true, nil
	}

	if pqErr, ok := err.(*pq.Error); !ok || pqErr.Code != "23505" {
		return "", false, err
	}

	// Lost the race (or a prior attempt exists): the record is visible
	// outside our aborted transaction scope.
	var existingHash string
	lookupErr := ts.db.QueryRow(`
		SELECT payload_hash, transaction_id
		FROM idempotency_records
		WHERE scope = 'client_key' AND user_id = $1 AND key = $2`,
		userID, key).Scan(&existingHash, &existingTxnID)
	if lookupErr != nil {
		return "", false, lookupErr
	}
	if existingHash != hash {
		return "", false, ErrIdempotencyConflict
	}
	return existingTxnID, false, nil
}

// idempotentTxnID returns the transaction ID reserved by claimIdempotency
// in the current database transaction.
func (ts *TransactionService) idempotentTxnID(tx *sql.Tx, userID, key string) string {
	var id string
	if err := tx.QueryRow(`
		SELECT transaction_id FROM idempotency_records
		WHERE scope = 'client_key' AND user_id = $1 AND key = $2`,
		userID, key).Scan(&id); err != nil {
		return uuid.NewString()
	}
	return id
}

// createOrResume claims the idempotency key and inserts an INITIATED
// transaction in one database transaction. A lost claim with a matching
// payload returns the existing transaction; an existing INITIATED
// transaction without a provider reference is resumed (resumed=false) so
// the provider call is retried.
func (ts *TransactionService) createOrResume(userID, key, hash string, build func() *models.Transaction) (*models.Transaction, bool, error) {
	return ts.createOrResumeWith(userID, key, hash, build, nil)
}

func (ts *TransactionService) createOrResumeWith(userID, key, hash string, build func() *models.Transaction, before func(*sql.Tx, *models.Transaction) error) (*models.Transaction, bool, error) {
	tx, err := ts.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existingID, won, err := ts.claimIdempotency(tx, userID, key, hash)
	if err != nil {
		return nil, false, err
	}
	if !won {
		existing, err := ts.fetchTransaction(existingID)
		if err != nil {
			return nil, false, err
		}
		if existing.Status == models.TxInitiated && existing.ProviderReference == nil {
			// Resume: hold (if any) is already in place; only the
			// provider handoff is outstanding.
			return existing, false, nil
		}
		return existing, true, nil
	}

	txn := build()
	txn.ID = ts.idempotentTxnID(tx, userID, key)
	if before != nil {
		if err := before(tx, txn); err != nil {
			return nil, false, err
		}
	}
	if err := ts.insertTransaction(tx, txn); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return txn, false, nil
}

// persistFailed records a synchronously failed transaction so repeated
// reads return an identical failure_reason. Best effort.
func (ts *TransactionService) persistFailed(userID, key, hash string, txn *models.Transaction, cause error) {
	tx, err := ts.db.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()

	if _, won, err := ts.claimIdempotency(tx, userID, key, hash); err != nil || !won {
		return
	}
	txn.ID = ts.idempotentTxnID(tx, userID, key)
	reason := cause.Error()
	txn.Status = models.TxFailed
	txn.FailureReason = &reason
	if err := ts.insertTransaction(tx, txn); err != nil {
		log.Printf("[TRANSACTION] Failed to persist failed transaction: %v", err)
		return
	}
	if err := ts.outbox.Enqueue(tx, terminalEvent(txn)); err != nil {
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("[TRANSACTION] Failed to persist failed transaction: %v", err)
	}
}

func (ts *TransactionService) markPending(txn *models.Transaction, providerRef string) error {
	nextVerify := time.Now().Add(ts.verifyAfter)
	_, err := ts.db.Exec(`
		UPDATE transactions
		SET status = $1, provider_reference = $2, next_verify_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		models.TxPending, providerRef, nextVerify, time.Now(), txn.ID, models.TxInitiated)
	if err != nil {
		return err
	}
	txn.Status = models.TxPending
	txn.ProviderReference = &providerRef
	return nil
}

func (ts *TransactionService) confirmWithReference(ctx context.Context, txnID, providerRef, status, reason string) (*models.Transaction, error) {
	tx, err := ts.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE transactions SET provider_reference = $1, status = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		providerRef, models.TxPending, time.Now(), txnID, models.TxInitiated); err != nil {
		return nil, err
	}

	txn, err := ts.ConfirmTx(tx, txnID, status, reason)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// failInitiated marks a deposit FAILED before any wallet mutation.
func (ts *TransactionService) failInitiated(txn *models.Transaction, reason string) error {
	tx, err := ts.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	locked, err := ts.lockTransaction(tx, txn.ID)
	if err != nil {
		return err
	}
	if models.Terminal(locked.Status) {
		return tx.Commit()
	}
	locked.Status = models.TxFailed
	locked.FailureReason = &reason
	if err := ts.updateTransaction(tx, locked); err != nil {
		return err
	}
	if err := ts.outbox.Enqueue(tx, terminalEvent(locked)); err != nil {
		return err
	}
	return tx.Commit()
}

// failWithdrawal releases the hold with CANCEL and marks the withdrawal
// FAILED after a provider decline.
func (ts *TransactionService) failWithdrawal(txn *models.Transaction, reason string) error {
	tx, err := ts.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	locked, err := ts.lockTransaction(tx, txn.ID)
	if err != nil {
		return err
	}
	if models.Terminal(locked.Status) {
		return tx.Commit()
	}
	if err := ts.ledger.Release(tx, locked.ID, *locked.SourceWalletID, locked.Total(), ReleaseCancel); err != nil {
		return err
	}
	locked.Status = models.TxFailed
	locked.FailureReason = &reason
	if err := ts.updateTransaction(tx, locked); err != nil {
		return err
	}
	if err := ts.outbox.Enqueue(tx, terminalEvent(locked)); err != nil {
		return err
	}
	return tx.Commit()
}

const transactionColumns = `id, type, status, source_wallet_id, destination_wallet_id, amount, fee, currency,
	provider_name, provider_reference, client_idempotency_key, failure_reason, attempts, next_verify_at,
	created_at, updated_at, completed_at`

func scanTransaction(row *sql.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &t.SourceWalletID, &t.DestinationWalletID, &t.Amount, &t.Fee, &t.Currency,
		&t.Provider, &t.ProviderReference, &t.ClientIdempotencyKey, &t.FailureReason, &t.Attempts, &t.NextVerifyAt,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (ts *TransactionService) fetchTransaction(txnID string) (*models.Transaction, error) {
	row := ts.db.QueryRow(`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, txnID)
	return scanTransaction(row)
}

// FetchByProviderReference looks a transaction up by its provider
// reference; used by the webhook ingestor.
func (ts *TransactionService) FetchByProviderReference(providerName, providerRef string) (*models.Transaction, error) {
	row := ts.db.QueryRow(`
		SELECT `+transactionColumns+` FROM transactions
		WHERE provider_name = $1 AND (provider_reference = $2 OR id = $2)`,
		providerName, providerRef)
	return scanTransaction(row)
}

func (ts *TransactionService) lockTransaction(tx *sql.Tx, txnID string) (*models.Transaction, error) {
	row := tx.QueryRow(`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, txnID)
	return scanTransaction(row)
}

func (ts *TransactionService) insertTransaction(tx *sql.Tx, t *models.Transaction) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := tx.Exec(`
		INSERT INTO transactions (id, type, status, source_wallet_id, destination_wallet_id, amount, fee, currency,
			provider_name, provider_reference, client_idempotency_key, failure_reason, attempts, next_verify_at,
			created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.Type, t.Status, t.SourceWalletID, t.DestinationWalletID, t.Amount, t.Fee, t.Currency,
		t.Provider, t.ProviderReference, t.ClientIdempotencyKey, t.FailureReason, t.Attempts, t.NextVerifyAt,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	return err
}

func (ts *TransactionService) updateTransaction(tx *sql.Tx, t *models.Transaction) error {
	t.UpdatedAt = time.Now()
	_, err := tx.Exec(`
		UPDATE transactions
		SET status = $1, provider_reference = $2, failure_reason = $3, attempts = $4, next_verify_at = $5,
			updated_at = $6, completed_at = $7
		WHERE id = $8`,
		t.Status, t.ProviderReference, t.FailureReason, t.Attempts, t.NextVerifyAt,
		t.UpdatedAt, t.CompletedAt, t.ID)
	return err
}

func (ts *TransactionService) fetchPostings(txnID string) ([]models.Posting, error) {
	rows, err := ts.db.Query(`
		SELECT id, transaction_id, wallet_id, direction, amount, sequence, created_at
		FROM postings
		WHERE transaction_id = $1
		ORDER BY id`, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var postings []models.Posting
	for rows.Next() {
		var p models.Posting
		if err := rows.Scan(&p.ID, &p.TransactionID, &p.WalletID, &p.Direction, &p.Amount, &p.Sequence, &p.CreatedAt); err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}
	return postings, rows.Err()
}

func (ts *TransactionService) userOwnsTransaction(userID string, txn *models.Transaction) (bool, error) {
	for _, walletID := range []*string{txn.SourceWalletID, txn.DestinationWalletID} {
		if walletID == nil {
			continue
		}
		var owner string
		err := ts.db.QueryRow(`SELECT user_id FROM wallets WHERE id = $1`, *walletID).Scan(&owner)
		if err != nil && err != sql.ErrNoRows {
			return false, err
		}
		if owner == userID {
			return true, nil
		}
	}
	return false, nil
}

func terminalEvent(txn *models.Transaction) models.DomainEvent {
	var walletIDs []string
	if txn.SourceWalletID != nil {
		walletIDs = append(walletIDs, *txn.SourceWalletID)
	}
	if txn.DestinationWalletID != nil {
		walletIDs = append(walletIDs, *txn.DestinationWalletID)
	}
	return models.DomainEvent{
		TransactionID: txn.ID,
		Type:          txn.Type,
		Status:        txn.Status,
		WalletIDs:     walletIDs,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Timestamp:     time.Now(),
	}
}
