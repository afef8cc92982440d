// Command actiongate runs the action governance service: policy
// evaluation, human review escalation, and the tamper-evident audit
// ledger, exposed over HTTP.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veridian-labs/actiongate/pkg/api"
	"github.com/veridian-labs/actiongate/pkg/archive"
	"github.com/veridian-labs/actiongate/pkg/config"
	"github.com/veridian-labs/actiongate/pkg/gateway"
	"github.com/veridian-labs/actiongate/pkg/ledger"
	"github.com/veridian-labs/actiongate/pkg/observability"
	"github.com/veridian-labs/actiongate/pkg/policy"
	"github.com/veridian-labs/actiongate/pkg/review"
	"github.com/veridian-labs/actiongate/pkg/verifier"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Telemetry first so everything below is instrumented.
	if cfg.OTLPEndpoint != "" {
		obs, err := observability.New(ctx, &observability.Config{
			ServiceName:    "actiongate",
			ServiceVersion: "1.0.0",
			Environment:    getenvDefault("ENVIRONMENT", "development"),
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
			Insecure:       true,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	// Scope profiles define ladders, payload schemas, and redaction paths.
	scopes, err := config.LoadScopes(cfg.ScopeProfilePath)
	if err != nil {
		return err
	}
	redactor := ledger.NewRedactor(scopes.RedactionPaths())

	// Audit ledger: postgres when DATABASE_URL is set, sqlite otherwise.
	db, led, err := openLedger(ctx, cfg, redactor)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	// Optional downstream export feed.
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		led = ledger.NewExportingLedger(led, ledger.NewRedisExporter(client, cfg.ExportStream))
		logger.Info("ledger export enabled", "stream", cfg.ExportStream)
	}

	// Policy store seeded from bundle files, then kept hot by the watcher.
	store, err := policy.NewStore()
	if err != nil {
		return err
	}
	loader := policy.NewLoader(store, cfg.BundleDir)
	if err := loader.LoadAll(); err != nil {
		logger.Warn("initial bundle load incomplete", "error", err)
	}
	go loader.Watch(ctx, 30*time.Second)

	schemas, err := gateway.NewSchemaRegistry(scopes.PayloadSchemas())
	if err != nil {
		return err
	}

	queue := review.NewQueue(review.WithNotifier(logNotifier{logger}))
	verdicts, err := openVerdictStore(cfg, db)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.StorePolicy{Store: store}, led, queue, verdicts, schemas, scopes)

	sweepInterval, err := time.ParseDuration(cfg.SweepInterval)
	if err != nil {
		return err
	}
	go gw.RunSweeper(ctx, sweepInterval)
	go verifier.New(led, nil).Run(ctx, time.Minute)

	// Sealed-segment archival to object storage, when configured.
	if cfg.ArchiveBackend != "" {
		archiveStore, err := archive.NewStoreFromEnv(ctx)
		if err != nil {
			return err
		}
		archiveInterval, err := time.ParseDuration(cfg.ArchiveInterval)
		if err != nil {
			return err
		}
		go archive.NewArchiver(led, archiveStore).Run(ctx, archiveInterval, cfg.ArchiveSegmentSize)
		logger.Info("segment archival enabled",
			"backend", cfg.ArchiveBackend,
			"interval", cfg.ArchiveInterval,
			"segment_size", cfg.ArchiveSegmentSize,
		)
	}

	// Periodic signed checkpoints anchor the chain head.
	if cfg.CheckpointSecret != "" {
		signer, err := ledger.NewCheckpointSigner([]byte(cfg.CheckpointSecret))
		if err != nil {
			return err
		}
		go runCheckpoints(ctx, signer, led, logger)
	}

	server := api.NewServer(gw, store, led)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(api.NewRateLimiter(50, 100)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openLedger(ctx context.Context, cfg *config.Config, redactor *ledger.Redactor) (*sql.DB, ledger.Ledger, error) {
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		led, err := ledger.NewPostgresLedger(db, redactor)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		slog.Info("ledger backend", "driver", "postgres")
		return db, led, nil
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	// modernc sqlite allows one writer; the ledger serializes its own
	// appends, but cap pool growth anyway.
	db.SetMaxOpenConns(1)
	led, err := ledger.NewSQLiteLedger(db, redactor)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	slog.Info("ledger backend", "driver", "sqlite", "path", cfg.DatabasePath)
	return db, led, nil
}

func openVerdictStore(cfg *config.Config, db *sql.DB) (gateway.VerdictStore, error) {
	if cfg.PostgresURL != "" {
		// Verdicts are rebuildable from the ledger; keep them in memory
		// until a postgres-backed store is needed.
		return gateway.NewMemoryVerdictStore(), nil
	}
	return gateway.NewSQLiteVerdictStore(db)
}

func runCheckpoints(ctx context.Context, signer *ledger.CheckpointSigner, led ledger.Ledger, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp, err := signer.Sign(ctx, led)
			if err != nil {
				logger.WarnContext(ctx, "checkpoint signing failed", "error", err)
				continue
			}
			logger.InfoContext(ctx, "checkpoint signed", "seq", cp.Seq, "head", cp.EntryHash)
		}
	}
}

type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) EscalationOpened(ctx context.Context, ticketID string, level int, deadline time.Time) {
	n.logger.InfoContext(ctx, "review required",
		"ticket_id", ticketID,
		"level", level,
		"deadline", deadline,
	)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
