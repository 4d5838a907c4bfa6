package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ruralpay/walletcore/docs"
	"github.com/ruralpay/walletcore/internal/audit"
	"github.com/ruralpay/walletcore/internal/config"
	"github.com/ruralpay/walletcore/internal/database"
	"github.com/ruralpay/walletcore/internal/handlers"
	mW "github.com/ruralpay/walletcore/internal/middleware"
	"github.com/ruralpay/walletcore/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Wallet Core API
// @version 1.0
// @description Multi-currency wallet ledger with payments, exchange and agency commissions
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

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

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("server.port", "PORT")
	config.BindEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}
	viper.SetDefault("server.port", "8080")
	cfg := config.LoadLedgerConfig()

	// Initialize Swagger docs
	docs.SwaggerInfo.Host = "localhost:" + viper.GetString("server.port")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := database.InitDatabase(ctx)
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	redisClient := database.InitRedis(ctx, database.RedisOptions())
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize services
	auditLogger := audit.NewAuditLogger(redisClient)
	uow := services.NewUnitOfWork(db, cfg.LockTimeout)
	balances := services.NewBalanceStore(db)
	journal := services.NewJournal(db)
	accounts := services.NewAccountService(db)
	if err := accounts.EnsureSystemAccount(ctx, cfg.ReserveAccountID); err != nil {
		log.Fatalf("Failed to create reserve account: %v", err)
	}

	banks := services.NewBankDirectory()
	payouts := services.NewPayoutService(services.LogPayoutSender{}, banks, cfg.PayoutDebtorBIC)
	wallet := services.NewWalletService(uow, balances, journal, banks, payouts, auditLogger, cfg.SupportedCurrencies)

	rates := services.NewRateSource(cfg.FXBaseRate, cfg.FXSpread, cfg.FXJitter)
	exchange := services.NewExchangeService(uow, balances, journal, redisClient, rates, auditLogger,
		cfg.ReserveAccountID, cfg.FXQuoteTTL, cfg.SupportedCurrencies)

	hierarchy := services.NewHierarchyService(db, uow)
	commission := services.NewCommissionService(db, uow, balances, journal, hierarchy, accounts, auditLogger,
		cfg.CommissionMaxDepth, cfg.CommissionDefaultRate, cfg.CommissionBudget)
	dispatcher := services.NewCommissionDispatcher(redisClient, commission, auditLogger, cfg.CommissionWorkers)

	payments := services.NewPaymentService(db, uow, balances, journal, dispatcher, auditLogger, cfg.SupportedCurrencies)
	reconciler := services.NewReconciler(db, uow, balances, journal, dispatcher, auditLogger, cfg.ReserveAccountID)

	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			log.Printf("[COMMISSION] Dispatcher stopped: %v", err)
		}
	}()
	go releaseCommissions(ctx, commission, cfg.CommissionSettlementWindow)

	retry := handlers.RetryPolicy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay}
	walletHandler := handlers.NewWalletHandler(wallet, exchange, commission, retry)
	paymentHandler := handlers.NewPaymentHandler(payments, reconciler, retry)
	adminHandler := handlers.NewAdminHandler(accounts, wallet, commission, hierarchy, journal, cfg.CommissionSettlementWindow, retry)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
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
		status := "healthy"
		if err := db.PingContext(r.Context()); err != nil {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/banks", handlers.ListBanks(banks))
		r.Get("/payments/checkout/{token}", paymentHandler.GetCheckout)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/wallet/deposit", walletHandler.Deposit)
			r.Post("/wallet/withdraw", walletHandler.Withdraw)
			r.Post("/wallet/transfer", walletHandler.Transfer)
			r.Get("/wallet/exchange-rate", walletHandler.ExchangeRate)
			r.Post("/wallet/exchange", walletHandler.Exchange)
			r.Get("/wallet/balances", walletHandler.Balances)
			r.Get("/wallet/ledger", walletHandler.Ledger)
			r.Get("/commissions", walletHandler.Commissions)

			r.Post("/payments", paymentHandler.CreatePayment)
			r.Get("/payments/{paymentId}", paymentHandler.GetPayment)
			r.Post("/payments/{paymentId}/pay", paymentHandler.PayPayment)

			// Card processor status deliveries
			r.With(mW.RequireRole(mW.RoleSystem, mW.RoleAdmin)).
				Post("/internal/payments/reconcile", paymentHandler.Reconcile)

			r.Route("/admin", func(r chi.Router) {
				r.Use(mW.RequireRole(mW.RoleAdmin))

				r.Post("/accounts", adminHandler.CreateAccount)
				r.Get("/accounts/{accountId}", adminHandler.GetAccount)
				r.Post("/withdrawals/{entryId}/approve", adminHandler.ApproveWithdrawal)
				r.Post("/withdrawals/{entryId}/reject", adminHandler.RejectWithdrawal)
				r.Post("/commission-rules", adminHandler.CreateRule)
				r.Get("/commission-rules", adminHandler.ListRules)
				r.Delete("/commission-rules/{ruleId}", adminHandler.DeactivateRule)
				r.Post("/hierarchy", adminHandler.AddHierarchyEdge)
				r.Post("/commissions/distribute", adminHandler.Distribute)
				r.Post("/commissions/release", adminHandler.Release)
				r.Get("/ledger/correlations/{correlationId}", adminHandler.VerifyCorrelation)
			})
		})
	})

	port := viper.GetString("server.port")

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

// releaseCommissions posts matured pending commissions once per hour
func releaseCommissions(ctx context.Context, commission *services.CommissionService, window time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := commission.ReleaseMaturedCommissions(ctx, window); err != nil {
				log.Printf("[COMMISSION] Release failed: %v", err)
			}
		}
	}
}
