package services

import (
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	cryptorand "crypto/rand"

	"github.com/flowpay/ledger/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

// WalletService is the wallet registry: creation with (user, currency)
// uniqueness, status lifecycle, and the PIN predicate consumed by the
// transaction engine before debit-initiating operations.
type WalletService struct {
	db         *sql.DB
	validator  *ValidationHelper
	currencies map[string]models.Currency
}

func NewWalletService(db *sql.DB) (*WalletService, error) {
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	s := &WalletService{
		db:        db,
		validator: NewValidationHelper(),
	}
	if err := s.loadCurrencies(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadCurrencies reads the immutable currency table once at startup.
// The map is never mutated afterwards.
func (s *WalletService) loadCurrencies() error {
	rows, err := s.db.Query(`SELECT code, name, symbol, decimal_places FROM currencies`)
	if err != nil {
		return fmt.Errorf("load currencies: %w", err)
	}
	defer rows.Close()

	currencies := make(map[string]models.Currency)
	for rows.Next() {
		var c models.Currency
		if err := rows.Scan(&c.Code, &c.Name, &c.Symbol, &c.DecimalPlaces); err != nil {
			return err
		}
		currencies[c.Code] = c
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.currencies = currencies
	log.Printf("[WALLET] Loaded %d currencies", len(currencies))
	return nil
}

// Currency returns the immutable currency definition for a code.
func (s *WalletService) Currency(code string) (models.Currency, bool) {
	c, ok := s.currencies[code]
	return c, ok
}

// CreateWallet handles POST /wallets. Creating a wallet the user already
// holds in that currency returns the existing wallet with 200.
func (s *WalletService) CreateWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Currency string `json:"currency" validate:"required,len=3"`
	}
	if err := DecodeJSON(w, r, 1<<20, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	req.Currency = strings.ToUpper(req.Currency)
	if _, ok := s.currencies[req.Currency]; !ok {
		SendErrorResponse(w, "Unknown currency", http.StatusBadRequest, nil)
		return
	}

	wallet := &models.Wallet{
		ID:       uuid.NewString(),
		UserID:   userID,
		Currency: req.Currency,
		Status:   models.WalletActive,
	}

	_, err := s.db.Exec(`
		INSERT INTO wallets (id, user_id, currency, available_balance, held_balance, status, sequence, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, 0, 1, $5, $5)`,
		wallet.ID, wallet.UserID, wallet.Currency, wallet.Status, time.Now())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			existing, lookupErr := s.findWallet(userID, req.Currency)
			if lookupErr != nil {
				log.Printf("[WALLET] Lookup after conflict failed: %v", lookupErr)
				SendDomainError(w, lookupErr)
				return
			}
			SendJSON(w, http.StatusOK, existing)
			return
		}
		log.Printf("[WALLET] Create failed: %v", err)
		SendErrorResponse(w, "Failed to create wallet", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusCreated, wallet)
}

// GetWallet handles GET /wallets/{walletId}.
func (s *WalletService) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	walletID := chi.URLParam(r, "walletId")

	wallet, err := s.fetchWallet(walletID)
	if err != nil {
		SendDomainError(w, err)
		return
	}
	if wallet.UserID != userID {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	SendJSON(w, http.StatusOK, wallet)
}

// UpdateStatus handles PUT /wallets/{walletId}/status. ACTIVE and FROZEN
// flip freely; CLOSED is terminal and requires both balances at zero.
// Only the wallet owner (or an operator) may change the status.
func (s *WalletService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	role, _ := r.Context().Value("userRole").(string)
	walletID := chi.URLParam(r, "walletId")

	var req struct {
		Status string `json:"status" validate:"required,oneof=ACTIVE FROZEN CLOSED"`
	}
	if err := DecodeJSON(w, r, 1<<20, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to update wallet", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	var owner, current string
	var available, held decimal.Decimal
	err = tx.QueryRow(`
		SELECT user_id, status, available_balance, held_balance FROM wallets WHERE id = $1 FOR UPDATE`,
		walletID).Scan(&owner, &current, &available, &held)
	if err == sql.ErrNoRows {
		SendDomainError(w, ErrWalletNotFound)
		return
	}
	if err != nil {
		log.Printf("[WALLET] Status lookup failed: %v", err)
		SendErrorResponse(w, "Failed to update wallet", http.StatusInternalServerError, nil)
		return
	}
	if owner != userID && role != roleOperator {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	if !models.CanTransitionStatus(current, req.Status) {
		SendErrorResponse(w, fmt.Sprintf("Cannot transition wallet from %s to %s", current, req.Status), http.StatusUnprocessableEntity, nil)
		return
	}
	if req.Status == models.WalletClosed && !(available.IsZero() && held.IsZero()) {
		SendErrorResponse(w, "Wallet balances must be zero before closing", http.StatusUnprocessableEntity, nil)
		return
	}

	if _, err := tx.Exec(`UPDATE wallets SET status = $1, updated_at = $2 WHERE id = $3`,
		req.Status, time.Now(), walletID); err != nil {
		log.Printf("[WALLET] Status update failed: %v", err)
		SendErrorResponse(w, "Failed to update wallet", http.StatusInternalServerError, nil)
		return
	}
	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to update wallet", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]string{"wallet_id": walletID, "status": req.Status})
}

// SetPIN handles POST /wallets/{walletId}/pin.
func (s *WalletService) SetPIN(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	walletID := chi.URLParam(r, "walletId")

	var req struct {
		PIN string `json:"pin" validate:"required,numeric,len=4"`
	}
	if err := DecodeJSON(w, r, 1<<20, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	wallet, err := s.fetchWallet(walletID)
	if err != nil {
		SendDomainError(w, err)
		return
	}
	if wallet.UserID != userID {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	hash, err := hashPIN(req.PIN)
	if err != nil {
		log.Printf("[WALLET] PIN hash failed: %v", err)
		SendErrorResponse(w, "Failed to set PIN", http.StatusInternalServerError, nil)
		return
	}

	if _, err := s.db.Exec(`UPDATE wallets SET pin_hash = $1, updated_at = $2 WHERE id = $3`,
		hash, time.Now(), walletID); err != nil {
		log.Printf("[WALLET] PIN update failed: %v", err)
		SendErrorResponse(w, "Failed to set PIN", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]string{"wallet_id": walletID, "message": "PIN updated"})
}

// VerifyPIN is the predicate the transaction engine calls before any
// debit-initiating transition.
func (s *WalletService) VerifyPIN(walletID, pin string) (bool, error) {
	var pinHash sql.NullString
	err := s.db.QueryRow(`SELECT pin_hash FROM wallets WHERE id = $1`, walletID).Scan(&pinHash)
	if err == sql.ErrNoRows {
		return false, ErrWalletNotFound
	}
	if err != nil {
		return false, err
	}
	if !pinHash.Valid || pinHash.String == "" {
		return false, nil
	}
	return verifyPIN(pin, pinHash.String), nil
}

func (s *WalletService) fetchWallet(walletID string) (*models.Wallet, error) {
	var w models.Wallet
	var pinHash sql.NullString
	err := s.db.QueryRow(`
		SELECT id, user_id, currency, available_balance, held_balance, status, pin_hash, created_at, updated_at
		FROM wallets
		WHERE id = $1`, walletID).Scan(
		&w.ID, &w.UserID, &w.Currency, &w.AvailableBalance, &w.HeldBalance,
		&w.Status, &pinHash, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	w.PINHash = pinHash.String
	return &w, nil
}

func (s *WalletService) findWallet(userID, currency string) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.QueryRow(`
		SELECT id, user_id, currency, available_balance, held_balance, status, created_at, updated_at
		FROM wallets
		WHERE user_id = $1 AND currency = $2`, userID, currency).Scan(
		&w.ID, &w.UserID, &w.Currency, &w.AvailableBalance, &w.HeldBalance,
		&w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	return &w, err
}

func hashPIN(pin string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(pin), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPIN(pin, hashedPIN string) bool {
	parts := strings.Split(hashedPIN, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(pin), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return subtle.ConstantTimeCompare(hash, computedHash) == 1
}
