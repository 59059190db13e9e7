package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/account"
	"github.com/hedgemark/settlement-engine/internal/admin"
	"github.com/hedgemark/settlement-engine/internal/audit"
	"github.com/hedgemark/settlement-engine/internal/guard"
	"github.com/hedgemark/settlement-engine/internal/metrics"
	"github.com/hedgemark/settlement-engine/internal/oracle"
	"github.com/hedgemark/settlement-engine/internal/payout"
	"github.com/hedgemark/settlement-engine/internal/position"
	"github.com/hedgemark/settlement-engine/internal/prediction"
	"github.com/hedgemark/settlement-engine/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	updateFee := decimal.NewFromInt(1)
	if raw := os.Getenv("ORACLE_UPDATE_FEE"); raw != "" {
		fee, err := decimal.NewFromString(raw)
		if err != nil {
			slog.Error("invalid ORACLE_UPDATE_FEE", "err", err)
			os.Exit(1)
		}
		updateFee = fee
	}

	var oc *oracle.Client
	if oracleURL := os.Getenv("ORACLE_URL"); oracleURL != "" {
		oc = oracle.NewClient(oracle.NewHTTPOracle(oracleURL, updateFee))
		slog.Info("using remote price oracle", "url", oracleURL)
	} else {
		slog.Warn("ORACLE_URL not set, using static oracle (prices seeded via updates only)")
		oc = oracle.NewClient(oracle.NewStaticOracle(updateFee))
	}

	shortCoin := os.Getenv("SHORT_COIN")
	if shortCoin == "" {
		shortCoin = "BTC"
	}

	// --- Shared engine state ---
	gate := guard.NewGate()
	exec := payout.NewLedgerExecutor()

	hub := audit.NewHub()
	go hub.Run()

	// --- Services ---
	accountSvc := account.NewService(st)
	positionSvc := position.NewService(st, oc, exec, hub, gate, shortCoin)
	predictionSvc := prediction.NewService(st, oc, exec, hub, gate)

	ownerToken := os.Getenv("OWNER_TOKEN")
	if ownerToken == "" {
		slog.Warn("OWNER_TOKEN not set, admin routes disabled")
	}
	adminSvc := admin.NewService(st, exec, hub, gate, ownerToken)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Owner-Token")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the live audit event stream.
		r.Get("/ws", hub.HandleWS)

		// Account ledger.
		r.Post("/accounts/{account}/deposit", accountSvc.Deposit)
		r.Get("/accounts/{account}", accountSvc.GetBalance)

		// Collateralized shorts.
		r.Post("/positions/open", positionSvc.OpenShort)
		r.Post("/positions/close", positionSvc.CloseShort)
		r.Get("/positions/{account}", positionSvc.ViewPnL)

		// Loss-prediction metrics.
		r.Get("/metrics", predictionSvc.ListMetrics)
		r.Post("/metrics", predictionSvc.SubmitMetric)
		r.Get("/metrics/{metricID}", predictionSvc.GetMetric)
		r.Post("/metrics/{metricID}/stake", predictionSvc.Stake)
		r.Post("/metrics/{metricID}/resolve", predictionSvc.Resolve)

		// Owner-gated operations.
		if ownerToken != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(adminSvc.RequireOwner)
				r.Put("/coins/{coin}", adminSvc.SetCoin)
				r.Delete("/coins/{coin}", adminSvc.RemoveCoin)
				r.Put("/stake-amount", adminSvc.SetStakeAmount)
				r.Get("/treasury", adminSvc.Treasury)
				r.Post("/withdraw", adminSvc.Withdraw)
			})
		}
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}
