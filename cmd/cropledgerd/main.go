package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/cropledger-labs/cropledger/pkg/anchor"
	"github.com/cropledger-labs/cropledger/pkg/config"
	"github.com/cropledger-labs/cropledger/pkg/ledger"
	"github.com/cropledger-labs/cropledger/pkg/observability"
	"github.com/cropledger-labs/cropledger/pkg/settlement"
	"github.com/cropledger-labs/cropledger/pkg/verify"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry first so every component picks up the global providers.
	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "cropledgerd",
		ServiceVersion: "0.1.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		log.Fatalf("telemetry init failed: %v", err)
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Fatalf("database open failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	tickets := anchor.NewSQLStore(db)
	if err := tickets.Init(ctx); err != nil {
		log.Fatalf("ticket store init failed: %v", err)
	}
	settlements := settlement.NewSQLStore(db)
	if err := settlements.Init(ctx); err != nil {
		log.Fatalf("settlement store init failed: %v", err)
	}
	logger.Info("stores ready", "driver", cfg.DatabaseDriver)

	// Ledger node and the single-writer client for our signing account.
	node := ledger.NewMemNode(cfg.FinalitySlots)
	client := ledger.NewClient(node, cfg.LedgerAccount, 0, ledger.RetryPolicy{
		MaxAttempts: cfg.RetryAttempts,
		Base:        cfg.RetryBase,
		Max:         cfg.RetryMax,
		MaxJitter:   cfg.RetryJitter,
	}, ledger.WithSubmitRate(cfg.SubmitRate, cfg.SubmitBurst))
	go client.Run(ctx)

	anchors := anchor.New(tickets, client,
		anchor.WithPollInterval(cfg.PollInterval),
		anchor.WithMaxPollCycles(cfg.MaxPollCycles),
		anchor.WithMetrics(telemetry),
	)
	go anchors.RunReconciler(ctx)

	policyFile, err := config.LoadPolicyFile(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("decision policy load failed: %v", err)
	}
	policy, err := settlement.SelectLatest(policyFile.Policies)
	if err != nil {
		log.Fatalf("decision policy compile failed: %v", err)
	}
	logger.Info("decision policy active", "version", policy.Version())

	oracle := settlement.NewMemOracle(policy)

	coordOpts := []settlement.CoordinatorOption{
		settlement.WithOracleTimeout(cfg.OracleTimeout),
		settlement.WithSweepInterval(cfg.SweepInterval),
		settlement.WithMetrics(telemetry),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping failed: %v", err)
		}
		coordOpts = append(coordOpts, settlement.WithDedup(settlement.NewRedisDedup(rdb, 24*time.Hour)))
		logger.Info("redis callback dedup enabled", "addr", cfg.RedisAddr)
	}

	coordinator := settlement.NewCoordinator(settlements, oracle, anchors, policy, coordOpts...)
	oracle.Subscribe(coordinator)
	go coordinator.RunTimeouts(ctx)

	verifier := verify.New(node)

	api := newAPIServer(anchors, coordinator, verifier, oracle, policyFile.Query, logger)
	mux := http.NewServeMux()
	api.register(mux)
	srv := &http.Server{
		Addr:              ":8080",
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("cropledgerd ready", "account", cfg.LedgerAccount)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	<-client.Done()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	driver := cfg.DatabaseDriver
	if driver == "postgres" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, err
		}
		return db, nil
	}
	return sql.Open("sqlite", cfg.DatabaseURL)
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envName() string {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		return v
	}
	return "development"
}
