package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/flowpay/ledger/internal/database"
	mW "github.com/flowpay/ledger/internal/middleware"
	"github.com/flowpay/ledger/internal/providers"
	"github.com/flowpay/ledger/internal/services"
	"github.com/spf13/viper"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("kafka.topic", "KAFKA_TOPIC")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("providers.paystack.secret_key", "PAYSTACK_SECRET_KEY")
	viper.BindEnv("providers.paystack.webhook_secret", "PAYSTACK_WEBHOOK_SECRET")
	viper.BindEnv("providers.flutterwave.secret_key", "FLUTTERWAVE_SECRET_KEY")
	viper.BindEnv("providers.flutterwave.webhook_secret", "FLUTTERWAVE_WEBHOOK_SECRET")
	viper.BindEnv("providers.mock.webhook_secret", "MOCK_WEBHOOK_SECRET")

	viper.BindEnv("fee_wallet_id", "FEE_WALLET_ID")
	viper.BindEnv("fees.percentage", "TRANSFER_FEE_PERCENTAGE")
	viper.BindEnv("fees.fixed", "TRANSFER_FEE_FIXED")
	viper.BindEnv("withdrawal_min", "WITHDRAWAL_MIN")

	viper.BindEnv("reconciler.interval_seconds", "RECONCILER_INTERVAL_SECONDS")
	viper.BindEnv("reconciler.verify_after_seconds", "VERIFY_AFTER_SECONDS")
	viper.BindEnv("reconciler.expiry_after_seconds", "EXPIRY_AFTER_SECONDS")
	viper.BindEnv("max_webhook_body_bytes", "MAX_WEBHOOK_BODY_BYTES")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize infrastructure
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Providers form a closed set, registered once at startup.
	registry := providers.NewRegistry()
	if key := viper.GetString("providers.paystack.secret_key"); key != "" {
		registry.Register(providers.NewPaystack(key,
			viper.GetString("providers.paystack.webhook_secret"),
			viper.GetString("providers.paystack.base_url")))
	}
	if key := viper.GetString("providers.flutterwave.secret_key"); key != "" {
		registry.Register(providers.NewFlutterwave(key,
			viper.GetString("providers.flutterwave.webhook_secret"),
			viper.GetString("providers.flutterwave.base_url")))
	}
	if secret := viper.GetString("providers.mock.webhook_secret"); secret != "" {
		registry.Register(providers.NewMockProvider(secret))
	}
	log.Printf("Registered providers: %v", registry.Names())

	// Initialize services
	walletService, err := services.NewWalletService(db)
	if err != nil {
		log.Fatalf("Failed to initialize wallet service: %v", err)
	}
	ledgerService := services.NewLedgerService(db)
	outboxService := services.NewOutboxService(db)
	transactionService := services.NewTransactionService(db, registry, ledgerService, walletService, outboxService)
	webhookService := services.NewWebhookService(db, redisClient, registry, transactionService)
	reconcilerService := services.NewReconcilerService(db, registry, transactionService, webhookService)
	bankService := services.NewBankService(redisClient, registry)

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go reconcilerService.Run(workerCtx)
	go outboxService.Run(workerCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Webhooks are authenticated by provider signature, not bearer token.
	r.Post("/webhooks/{provider}", webhookService.HandleWebhook)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Get("/banks", bankService.GetBanks)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/wallets", walletService.CreateWallet)
			r.Get("/wallets/{walletId}", walletService.GetWallet)
			r.Put("/wallets/{walletId}/status", walletService.UpdateStatus)
			r.Post("/wallets/{walletId}/pin", walletService.SetPIN)

			r.Post("/transactions/transfer", transactionService.Transfer)
			r.Post("/transactions/deposit", transactionService.Deposit)
			r.Post("/transactions/withdrawal", transactionService.Withdraw)
			r.Get("/transactions/{txId}", transactionService.GetTransaction)
			r.Post("/transactions/{txId}/cancel", transactionService.CancelTransaction)
			r.Post("/transactions/{txId}/reverse", transactionService.ReverseTransaction)

			r.Post("/accounts/resolve", bankService.ResolveAccount)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
