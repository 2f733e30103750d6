package services

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/flowpay/ledger/internal/models"
	"github.com/shopspring/decimal"
)

// Release outcomes for held funds.
const (
	ReleaseCapture = "CAPTURE"
	ReleaseCancel  = "CANCEL"
)

// LedgerService is the append-only posting log with per-wallet balance
// projections. Every mutation runs inside a caller-supplied *sql.Tx so
// that postings, balance updates and the owning transaction's state
// change share one commit point.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// Apply atomically writes all postings for txn, adjusting each affected
// wallet's available balance and advancing its posting sequence. Debits
// that would push a balance negative fail with ErrInsufficientFunds;
// non-ACTIVE wallets fail with ErrWalletNotActive unless the transaction
// is an ADJUSTMENT.
func (s *LedgerService) Apply(tx *sql.Tx, txn *models.Transaction, postings []models.Posting) error {
	ids := make([]string, 0, len(postings))
	for _, p := range postings {
		ids = append(ids, p.WalletID)
	}

	wallets, err := s.lockWallets(tx, ids...)
	if err != nil {
		return err
	}

	for i := range postings {
		p := &postings[i]
		w := wallets[p.WalletID]

		if w.Status != models.WalletActive && txn.Type != models.TxAdjustment {
			return fmt.Errorf("wallet %s: %w", w.ID, ErrWalletNotActive)
		}
		if p.Amount.Sign() <= 0 {
			return fmt.Errorf("posting amount must be positive")
		}

		switch p.Direction {
		case models.PostingCredit:
			w.AvailableBalance = w.AvailableBalance.Add(p.Amount)
		case models.PostingDebit:
			w.AvailableBalance = w.AvailableBalance.Sub(p.Amount)
			if w.AvailableBalance.Sign() < 0 {
				return fmt.Errorf("wallet %s: %w", w.ID, ErrInsufficientFunds)
			}
		default:
			return fmt.Errorf("unknown posting direction %q", p.Direction)
		}

		w.Sequence++
		p.Sequence = w.Sequence
		p.TransactionID = txn.ID

		if err := s.insertPosting(tx, p); err != nil {
			return err
		}
	}

	for _, id := range sortedKeys(wallets) {
		if err := s.updateWalletBalances(tx, wallets[id]); err != nil {
			return err
		}
	}
	return nil
}

// Hold moves amount from available to held on a single wallet.
func (s *LedgerService) Hold(tx *sql.Tx, walletID string, amount decimal.Decimal) error {
	wallets, err := s.lockWallets(tx, walletID)
	if err != nil {
		return err
	}
	w := wallets[walletID]

	if w.Status != models.WalletActive {
		return fmt.Errorf("wallet %s: %w", w.ID, ErrWalletNotActive)
	}
	if w.AvailableBalance.LessThan(amount) {
		return fmt.Errorf("wallet %s: %w", w.ID, ErrInsufficientFunds)
	}

	w.AvailableBalance = w.AvailableBalance.Sub(amount)
	w.HeldBalance = w.HeldBalance.Add(amount)
	return s.updateWalletBalances(tx, w)
}

// Release settles a prior hold. CANCEL returns the amount to available;
// CAPTURE removes it from held and writes the DEBIT posting recording
// the funds leaving the wallet.
func (s *LedgerService) Release(tx *sql.Tx, txnID, walletID string, amount decimal.Decimal, outcome string) error {
	wallets, err := s.lockWallets(tx, walletID)
	if err != nil {
		return err
	}
	w := wallets[walletID]

	if w.HeldBalance.LessThan(amount) {
		return fmt.Errorf("wallet %s: release %s exceeds held balance %s", w.ID, amount, w.HeldBalance)
	}
	w.HeldBalance = w.HeldBalance.Sub(amount)

	switch outcome {
	case ReleaseCancel:
		w.AvailableBalance = w.AvailableBalance.Add(amount)
	case ReleaseCapture:
		w.Sequence++
		posting := &models.Posting{
			TransactionID: txnID,
			WalletID:      w.ID,
			Direction:     models.PostingDebit,
			Amount:        amount,
			Sequence:      w.Sequence,
		}
		if err := s.insertPosting(tx, posting); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown release outcome %q", outcome)
	}

	return s.updateWalletBalances(tx, w)
}

// Balance returns the committed (available, held, sequence) projection.
func (s *LedgerService) Balance(walletID string) (available, held decimal.Decimal, sequence int64, err error) {
	err = s.db.QueryRow(`
		SELECT available_balance, held_balance, sequence
		FROM wallets
		WHERE id = $1`, walletID).Scan(&available, &held, &sequence)
	if err == sql.ErrNoRows {
		err = ErrWalletNotFound
	}
	return available, held, sequence, err
}

// lockWallets acquires row locks in ascending wallet ID order to prevent
// deadlocks between concurrent multi-wallet operations.
func (s *LedgerService) lockWallets(tx *sql.Tx, ids ...string) (map[string]*models.Wallet, error) {
	seen := make(map[string]bool, len(ids))
	order := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	sort.Strings(order)

	wallets := make(map[string]*models.Wallet, len(order))
	for _, id := range order {
		w, err := s.lockWallet(tx, id)
		if err != nil {
			return nil, err
		}
		wallets[id] = w
	}
	return wallets, nil
}

func (s *LedgerService) lockWallet(tx *sql.Tx, walletID string) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.QueryRow(`
		SELECT id, user_id, currency, available_balance, held_balance, status, sequence, version
		FROM wallets
		WHERE id = $1
		FOR UPDATE`, walletID).Scan(
		&w.ID, &w.UserID, &w.Currency, &w.AvailableBalance, &w.HeldBalance,
		&w.Status, &w.Sequence, &w.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("wallet %s: %w", walletID, ErrWalletNotFound)
	}
	return &w, err
}

func (s *LedgerService) insertPosting(tx *sql.Tx, p *models.Posting) error {
	_, err := tx.Exec(`
		INSERT INTO postings (transaction_id, wallet_id, direction, amount, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.TransactionID, p.WalletID, p.Direction, p.Amount, p.Sequence, time.Now())
	return err
}

func (s *LedgerService) updateWalletBalances(tx *sql.Tx, w *models.Wallet) error {
	result, err := tx.Exec(`
		UPDATE wallets
		SET available_balance = $1, held_balance = $2, sequence = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		w.AvailableBalance, w.HeldBalance, w.Sequence, time.Now(), w.ID, w.Version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for wallet %s", w.ID)
	}
	return nil
}

func sortedKeys(m map[string]*models.Wallet) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
