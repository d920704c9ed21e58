package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/fyrst/launch-engine/internal/config"
	"github.com/fyrst/launch-engine/internal/ledger"
	"github.com/fyrst/launch-engine/internal/metrics"
	"github.com/fyrst/launch-engine/internal/notify"
	"github.com/fyrst/launch-engine/internal/pricefeed"
	"github.com/fyrst/launch-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("FYRST_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DB.URL != "" {
		if err := store.Migrate(cfg.DB.MigrationsDir, cfg.DB.URL); err != nil {
			slog.Error("migrations failed", "err", err)
			os.Exit(1)
		}

		pool, err := pgxpool.New(context.Background(), cfg.DB.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("db.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event emitters ---
	wsHub := notify.NewHub()
	go wsHub.Run()

	emitters := notify.Multi{wsHub}
	if cfg.AMQP.URL != "" {
		conn, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			slog.Error("rabbitmq connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { conn.Close() })

		pub, err := notify.NewPublisher(conn, cfg.AMQP.Queue)
		if err != nil {
			slog.Error("rabbitmq publisher setup failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { pub.Close() })
		emitters = append(emitters, pub)
		slog.Info("RabbitMQ publisher enabled", "queue", cfg.AMQP.Queue)
	}

	// --- SOL price feed ---
	feed := pricefeed.NewFeed(cfg.PriceFeed.BaseURL, nil,
		pricefeed.NewCache(cfg.PriceFeed.CacheTTL))

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.PriceFeed.RefreshCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout)
		defer cancel()
		if _, err := feed.Refresh(ctx); err != nil {
			slog.Warn("sol price refresh failed", "err", err)
		}
	}); err != nil {
		slog.Error("invalid price refresh schedule", "cron", cfg.PriceFeed.RefreshCron, "err", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// --- Ledger service ---
	svc := ledger.NewService(st, emitters, feed, cfg.Authority.Token)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"launch-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time event updates.
		r.Get("/ws", wsHub.HandleWS)

		// Launch management.
		r.Get("/launches", svc.ListLaunches)
		r.Post("/launches", svc.CreateLaunch)
		r.Get("/launches/{mint}", svc.GetLaunch)
		r.Get("/launches/{mint}/price", svc.GetPrice)
		r.Get("/launches/{mint}/quote", svc.GetQuote)
		r.Get("/launches/{mint}/trades", svc.GetTrades)

		// Trade execution.
		r.Post("/trade", svc.ExecuteTrade)

		// Escrow lifecycle.
		r.Post("/escrow/{mint}/release", svc.ReleaseEscrow)
		r.Post("/escrow/{mint}/rug", svc.MarkRugged)

		// Refunds.
		r.Get("/refunds/{wallet}", svc.ListRefunds)
		r.Get("/refunds/{wallet}/eligibility", svc.GetEligibility)
		r.Post("/refunds/{wallet}/claim", svc.ClaimRefund)
		r.Get("/refunds/{wallet}/{id}", svc.GetRefundByID)

		r.Get("/portfolio/{wallet}", svc.GetPortfolio)

		// Deployer reputation and platform stats.
		r.Get("/deployers/{address}", svc.GetDeployer)
		r.Get("/stats", svc.GetStats)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("launch-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down launch-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("launch-engine stopped")
}
