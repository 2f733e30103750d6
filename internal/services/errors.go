package services

import (
	"errors"
	"fmt"
	"net/http"
)

// roleOperator is the JWT role claim required for back-office
// operations (reversals, foreign wallet status changes).
const roleOperator = "operator"

// Domain errors raised by the ledger, wallet registry and transaction
// engine. Handlers map these onto the HTTP taxonomy; storage and
// provider error details never reach clients.
var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrWalletNotActive     = errors.New("wallet is not active")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("invalid transaction state transition")
	ErrTerminalConflict    = errors.New("transaction already terminal with a different status")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")
	ErrInvalidPIN          = errors.New("invalid wallet pin")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// ValidationError carries a user-facing message for malformed or
// business-invalid input (currency mismatch, zero amount, same-wallet
// transfer, below-minimum withdrawal).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ProviderDeclinedError is a terminal provider rejection; ReasonCode is
// surfaced to the client alongside the failure reason.
type ProviderDeclinedError struct {
	ReasonCode string
	Message    string
}

func (e *ProviderDeclinedError) Error() string {
	return fmt.Sprintf("provider declined: %s (%s)", e.Message, e.ReasonCode)
}

// errorStatus maps a domain error to its HTTP status code.
func errorStatus(err error) int {
	var ve *ValidationError
	var pd *ProviderDeclinedError
	switch {
	case errors.As(err, &ve), errors.As(err, &pd):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrInvalidPIN):
		return http.StatusUnauthorized
	case errors.Is(err, ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrTerminalConflict),
		errors.Is(err, ErrWalletNotActive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
