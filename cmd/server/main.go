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
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/wager-engine/internal/bot"
	"github.com/atmx/wager-engine/internal/config"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/llm"
	"github.com/atmx/wager-engine/internal/lock"
	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/oracle"
	"github.com/atmx/wager-engine/internal/quorum"
	"github.com/atmx/wager-engine/internal/schedule"
	"github.com/atmx/wager-engine/internal/settlement"
	"github.com/atmx/wager-engine/internal/store"
	"github.com/atmx/wager-engine/internal/wager"
)

func main() {
	configPath := flag.String("config", "wager.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache and/or lock) ---
	var rdb *redis.Client
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Store.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Store.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL.Duration)
		}
	} else {
		slog.Warn("no postgres dsn configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Wager lock ---
	var locker lock.Locker = lock.NewKeyedMutex()
	if strings.EqualFold(cfg.Lock.Backend, "redis") {
		locker = lock.NewRedisLocker(rdb, cfg.Lock.TTL.Duration)
		slog.Info("using redis wager lock", "ttl", cfg.Lock.TTL.Duration)
	}

	// --- Oracle ---
	model, err := llm.New(llm.Config{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout.Duration,
		Retry: llm.RetryPolicy{
			MaxRetries: cfg.LLM.MaxRetries,
			Backoff:    cfg.LLM.RetryBackoff.Duration,
		},
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})
	if err != nil {
		slog.Error("llm client", "err", err)
		os.Exit(1)
	}
	gateway := oracle.New(model)

	games := schedule.NewClient(cfg.Schedule.APIKey,
		schedule.WithBaseURL(cfg.Schedule.BaseURL),
		schedule.WithAPIHost(cfg.Schedule.APIHost),
		schedule.WithHTTPClient(&http.Client{Timeout: cfg.Schedule.Timeout.Duration}),
		schedule.WithRateLimit(cfg.Schedule.RequestsPerSecond, cfg.Schedule.Burst),
	)

	// --- Settlement ---
	var ledger settlement.Connector = settlement.NopConnector{}
	if cfg.Settlement.Enabled {
		evm, err := settlement.DialEVM(ctx, settlement.EVMConfig{
			RPCURL:          cfg.Settlement.RPCURL,
			ContractAddress: cfg.Settlement.ContractAddress,
			PrivateKey:      cfg.Settlement.PrivateKey,
			ChainID:         cfg.Settlement.ChainID,
			TokenDecimals:   cfg.Settlement.TokenDecimals,
		})
		if err != nil {
			slog.Error("settlement connector", "err", err)
			os.Exit(1)
		}
		ledger = evm
		slog.Info("on-ledger settlement enabled", "contract", cfg.Settlement.ContractAddress, "chain_id", cfg.Settlement.ChainID)
	} else {
		slog.Warn("settlement disabled, wagers are tracked off-ledger only")
	}

	// --- Event sinks ---
	wsHub := wager.NewWSHub()
	sinks := []events.Sink{wsHub}

	if len(cfg.Kafka.Brokers) > 0 {
		kw := events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := kw.Close(); err != nil {
				slog.Error("kafka writer close", "err", err)
			}
		})
		sinks = append(sinks, events.NewKafkaPublisher(kw))
		slog.Info("kafka events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	if cfg.Archive.Bucket != "" {
		s3c, err := events.NewS3Client(ctx, events.S3Config{
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			Prefix:    cfg.Archive.Prefix,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
		})
		if err != nil {
			slog.Error("s3 client", "err", err)
			os.Exit(1)
		}
		sinks = append(sinks, events.NewS3Archiver(s3c, cfg.Archive.Bucket, cfg.Archive.Prefix))
		slog.Info("resolved wager archive enabled", "bucket", cfg.Archive.Bucket)
	}

	// --- Wager engine ---
	policy, err := quorum.ParsePolicy(cfg.Quorum.Policy)
	if err != nil {
		slog.Error("quorum policy", "err", err)
		os.Exit(1)
	}
	engine := wager.NewEngine(wager.Deps{
		Store:      st,
		Oracle:     gateway,
		Schedule:   games,
		Settlement: ledger,
		Locker:     locker,
		Events:     events.NewFanout(sinks...),
	}, wager.Config{
		OracleTimeout:     cfg.Engine.OracleTimeout.Duration,
		SettlementTimeout: cfg.Settlement.Timeout.Duration,
		Quorum:            policy,
	})

	chat := bot.New(engine, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wager-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for lifecycle events and group messages.
		r.Get("/ws", wsHub.HandleWS)

		// Inbound chat messages from the messaging transport. The oracle and
		// ledger calls behind a command can take minutes, so no Timeout here.
		r.Post("/messages", chat.HandleMessage)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/wagers", engine.ListWagers)
			r.Get("/wagers/{wagerID}", engine.GetWager)
		})
	})

	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wsHub.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("wager-engine listening", "port", cfg.Server.Port, "quorum", policy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down wager-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
	}
	fmt.Println("wager-engine stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
