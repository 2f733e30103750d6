package services

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/flowpay/ledger/internal/providers"
	"github.com/go-redis/redis/v8"
)

const bankCacheTTL = 24 * time.Hour

// BankService exposes the provider bank directories and account name
// resolution. Bank lists change rarely, so they are cached for a day.
type BankService struct {
	redis     *redis.Client
	providers *providers.Registry
	validator *ValidationHelper
}

func NewBankService(redisClient *redis.Client, registry *providers.Registry) *BankService {
	return &BankService{
		redis:     redisClient,
		providers: registry,
		validator: NewValidationHelper(),
	}
}

// GetBanks handles GET /banks?provider=.
func (bs *BankService) GetBanks(w http.ResponseWriter, r *http.Request) {
	providerName := r.URL.Query().Get("provider")
	if providerName == "" {
		SendErrorResponse(w, "provider query parameter is required", http.StatusBadRequest, nil)
		return
	}
	provider, err := bs.providers.Get(providerName)
	if err != nil {
		SendErrorResponse(w, "Unknown provider", http.StatusBadRequest, nil)
		return
	}

	banks, err := bs.listBanks(r.Context(), provider)
	if err != nil {
		log.Printf("[BANKS] List failed for %s: %v", providerName, err)
		SendDomainError(w, ErrProviderUnavailable)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=86400")
	SendJSON(w, http.StatusOK, banks)
}

func (bs *BankService) listBanks(ctx context.Context, provider providers.Provider) ([]providers.Bank, error) {
	cacheKey := "banks:" + provider.Name()

	if bs.redis != nil {
		if cached, err := bs.redis.Get(ctx, cacheKey).Result(); err == nil {
			var banks []providers.Bank
			if err := json.Unmarshal([]byte(cached), &banks); err == nil {
				return banks, nil
			}
		}
	}

	banks, err := provider.ListBanks(ctx)
	if err != nil {
		return nil, err
	}

	if bs.redis != nil {
		if data, err := json.Marshal(banks); err == nil {
			if err := bs.redis.Set(ctx, cacheKey, data, bankCacheTTL).Err(); err != nil {
				log.Printf("[BANKS] Cache write failed: %v", err)
			}
		}
	}
	return banks, nil
}

// ResolveAccount handles POST /accounts/resolve.
func (bs *BankService) ResolveAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider      string `json:"provider" validate:"required"`
		BankCode      string `json:"bank_code" validate:"required"`
		AccountNumber string `json:"account_number" validate:"required,numeric,len=10"`
	}
	if err := DecodeJSON(w, r, 1<<20, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := bs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	provider, err := bs.providers.Get(req.Provider)
	if err != nil {
		SendErrorResponse(w, "Unknown provider", http.StatusBadRequest, nil)
		return
	}

	name, err := provider.ResolveAccount(r.Context(), req.BankCode, req.AccountNumber)
	if err != nil {
		log.Printf("[BANKS] Account resolve failed: %v", err)
		SendErrorResponse(w, "Could not resolve account", http.StatusBadRequest, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]string{"account_name": name})
}
