package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/settld-labs/settld/pkg/api"
	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/ingest"
	"github.com/settld-labs/settld/pkg/observability"
	"github.com/settld-labs/settld/pkg/outbox"
	"github.com/settld-labs/settld/pkg/retention"
	"github.com/settld-labs/settld/pkg/store"
	"github.com/settld-labs/settld/pkg/trust"
)

func runServer(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", "", "deployment profile (YAML) with delivery destinations")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("store open failed", "error", err)
		return 2
	}
	defer st.Close()

	signer, err := loadSigner(os.Getenv)
	if err != nil {
		logger.Error("signing key invalid", "error", err)
		return 2
	}

	snap, err := trust.LoadEnv(os.Getenv)
	if err != nil {
		logger.Error("trust roots invalid", "error", err)
		return 2
	}

	var router *outbox.Router
	path := *profilePath
	if path == "" {
		path = config.Resolve(os.Getenv, "PROFILE")
	}
	if path != "" {
		profile, r, err := config.LoadProfile(path)
		if err != nil {
			logger.Error("profile invalid", "path", path, "error", err)
			return 2
		}
		router = r
		profile.Apply(&cfg.Worker)
	}

	limiter, closeLimiter, err := newLimiter(cfg)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		return 2
	}
	defer closeLimiter()

	obs, err := newObservability(ctx, os.Getenv, logger)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 2
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	srv := api.NewServer(st).
		WithSigner(signer).
		WithTrust(snap).
		WithRouter(router).
		WithLimiter(limiter).
		WithLogger(logger).
		WithOpsSecret(config.Resolve(os.Getenv, "OPS_JWT_SECRET"))

	mux := http.NewServeMux()
	if cfg.IngestSecret != "" {
		cas, err := artifacts.NewFromConfig(ctx, cfg, os.Getenv)
		if err != nil {
			logger.Error("bundle store init failed", "error", err)
			return 2
		}
		ing := ingest.NewService(cfg.DataDir, cfg.IngestSecret).
			WithIngestKey(config.Resolve(os.Getenv, "INGEST_KEY")).
			WithBaseURL(config.Resolve(os.Getenv, "BASE_URL")).
			WithBlobStore(cas)
		ing.Routes(mux, config.Resolve(os.Getenv, "INGEST_DEFAULT_TENANT"))
	}
	mux.Handle("/", srv.Handler())

	if !cfg.LiteMode {
		if router != nil {
			worker := outbox.NewWorker(st, router, outboxConfig(cfg.Worker)).WithLogger(logger)
			go func() {
				if err := worker.Run(ctx, cfg.Worker.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("outbox worker stopped", "error", err)
				}
			}()
		}
		gc := retention.NewWorker(st, cfg.Retention, cfg.DataDir).WithLogger(logger)
		go gc.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observedHandler(obs, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("listening", "addr", cfg.ListenAddr, "lite", cfg.LiteMode)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
		logger.Info("stopped")
		return 0
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		logger.Error("server failed", "error", err)
		return 2
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openStore selects the store from the database URL: empty runs in-memory,
// postgres:// URLs use lib/pq, anything else is treated as a SQLite path.
func openStore(cfg *config.Config) (store.Store, error) {
	dsn := cfg.DatabaseURL
	switch {
	case dsn == "":
		return store.NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return store.OpenSQL("postgres", dsn)
	default:
		return store.OpenSQL("sqlite", dsn)
	}
}

// loadSigner reads the Ed25519 private key from the environment, generating
// an ephemeral one when unset. Artifacts signed with an ephemeral key do not
// survive a restart as trusted, so production deployments set the key.
func loadSigner(get config.Getenv) (*crypto.Signer, error) {
	pem := config.Resolve(get, "SIGNING_KEY_PEM")
	if pem == "" {
		pair, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		pem = pair.PrivatePEM
	}
	return crypto.NewSigner(pem)
}

func newLimiter(cfg *config.Config) (api.Limiter, func(), error) {
	if cfg.RedisURL != "" {
		rl, err := api.NewRedisLimiter(cfg.RedisURL, cfg.RateLimitPerMinute)
		if err != nil {
			return nil, nil, err
		}
		return rl, func() { _ = rl.Close() }, nil
	}
	return api.NewLocalLimiter(cfg.RateLimitPerMinute), func() {}, nil
}

// observedHandler wraps every request in an Observe span so the RED
// instruments see the whole HTTP surface.
func observedHandler(obs *observability.Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = obs.Observe(r.Context(), "http."+r.Method, func(ctx context.Context) error {
			next.ServeHTTP(w, r.WithContext(ctx))
			return nil
		})
	})
}

func newObservability(ctx context.Context, get config.Getenv, logger *slog.Logger) (*observability.Provider, error) {
	oc := observability.DefaultConfig()
	oc.OTLPEndpoint = config.Resolve(get, "OTEL_EXPORTER_OTLP_ENDPOINT")
	oc.Environment = config.Resolve(get, "ENVIRONMENT")
	oc.Insecure = config.Resolve(get, "OTEL_EXPORTER_OTLP_INSECURE") == "true"
	oc.Enabled = oc.OTLPEndpoint != ""
	return observability.New(ctx, oc)
}

func outboxConfig(w config.WorkerConfig) outbox.Config {
	return outbox.Config{
		BatchSize:      w.BatchSize,
		LeaseFor:       w.LeaseFor,
		RequestTimeout: w.RequestTimeout,
		BackoffBase:    w.BackoffBase,
		BackoffCap:     w.BackoffCap,
		MaxAttempts:    w.MaxAttempts,
	}
}
