package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/prokazin/telegram-trading-game/internal/config"
	"github.com/prokazin/telegram-trading-game/internal/limits"
	"github.com/prokazin/telegram-trading-game/internal/market"
	"github.com/prokazin/telegram-trading-game/internal/metrics"
	"github.com/prokazin/telegram-trading-game/internal/monitor"
	"github.com/prokazin/telegram-trading-game/internal/notify"
	"github.com/prokazin/telegram-trading-game/internal/ranking"
	"github.com/prokazin/telegram-trading-game/internal/store"
	"github.com/prokazin/telegram-trading-game/internal/trade"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("trading-game exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("trading-game stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache, price mirror, cycle lock) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Market data ---
	var provider market.Provider
	if cfg.Market.Disabled {
		slog.Warn("market data disabled, serving synthetic prices only")
	} else {
		provider = market.NewBinanceClient(cfg.Market.DataURL, cfg.Market.FetchTimeout.Duration)
	}
	var mirror market.Mirror
	if rdb != nil {
		mirror = market.NewRedisMirror(rdb)
	}
	feed := market.NewFeed(provider, market.NewSyntheticProvider(nil, 0), mirror, market.FeedConfig{
		Symbols:      cfg.Game.Symbols,
		FetchTimeout: cfg.Market.FetchTimeout.Duration,
		Retries:      uint(cfg.Market.Retries),
		RetryBackoff: cfg.Market.RetryBackoff.Duration,
		OHLCCacheTTL: cfg.Market.OHLCCacheTTL.Duration,
	}, logger)
	feed.Warm(ctx)

	// --- Order limits ---
	limiter := limits.NewOrderLimiter(
		cfg.Game.MinTradeAmount,
		cfg.Game.LeverageOptions,
		cfg.Game.MaxOpenPositions,
		cfg.Game.Symbols,
	)

	// --- Trade service ---
	tradeSvc := trade.NewService(st, limiter, feed, trade.Config{
		InitialBalance:        cfg.Game.InitialBalance,
		MaintenanceMarginRate: cfg.Game.MaintenanceMarginRate,
	}, logger)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(logger)

	// --- Notifications ---
	senders := []notify.Sender{wsHub}
	if cfg.Notify.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramURL))
		slog.Info("Telegram notifications enabled")
	}
	if cfg.Notify.KafkaBrokers != "" {
		kafkaSender := notify.NewKafkaSender(notify.NewKafkaWriter(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic))
		cleanup = append(cleanup, func() {
			if err := kafkaSender.Close(); err != nil {
				slog.Warn("kafka writer close failed", "err", err)
			}
		})
		senders = append(senders, kafkaSender)
		slog.Info("Kafka events enabled", "topic", cfg.Notify.KafkaTopic)
	}
	notifier := notify.NewDispatcher(senders, logger)

	// --- Engine cycle ---
	var locker monitor.Locker
	if rdb != nil {
		locker = monitor.NewRedisLocker(rdb)
	}
	loop := monitor.NewLoop(st, feed, tradeSvc, notifier, locker, wsHub, monitor.Config{
		Interval: cfg.Monitor.Interval.Duration,
		Budget:   cfg.Monitor.Budget.Duration,
	}, logger)
	janitor := monitor.NewJanitor(st, cfg.Game.Retention(), time.Hour, logger)
	rankingSvc := ranking.NewService(st, cfg.Ranking.Interval.Duration, logger)

	if len(cfg.Server.AdminIDs) == 0 {
		slog.Warn("ADMIN_IDS not set, admin routes will refuse every caller")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the chat front end.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-game"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for prices and forced closes.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Users.
			r.Post("/users/{userID}", tradeSvc.EnsureUserHandler)
			r.Get("/users/{userID}/portfolio", tradeSvc.GetPortfolio)
			r.Get("/users/{userID}/positions", tradeSvc.GetPositions)
			r.Get("/users/{userID}/transactions", tradeSvc.GetTransactions)

			// Trading.
			r.Post("/positions", tradeSvc.OpenPosition)
			r.Post("/positions/{positionID}/close", tradeSvc.ClosePosition)

			// Market data.
			r.Get("/prices", tradeSvc.GetPrices)
			r.Get("/ohlc", tradeSvc.GetOHLC)

			// Leaderboard.
			r.Get("/leaderboard", rankingSvc.GetLeaderboard)

			// Admin, restricted to ADMIN_IDS.
			r.Group(func(r chi.Router) {
				r.Use(trade.AdminOnly(cfg.Server.AdminIDs))
				r.Get("/users/{userID}/reconcile", tradeSvc.GetReconcile)
				r.Post("/leaderboard/recompute", rankingSvc.RecomputeHandler)
				r.Get("/admin/stats", tradeSvc.GetStats)
			})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return rankingSvc.Run(gctx) })
	g.Go(func() error { return janitor.Run(gctx) })
	g.Go(func() error {
		slog.Info("trading-game listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down trading-game...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
