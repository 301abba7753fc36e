package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"business_search_backend/internal/businesses"
	"business_search_backend/internal/businesses/cache"
	"business_search_backend/internal/businesses/cursor"
	apphttp "business_search_backend/internal/http"
	"business_search_backend/internal/http/router"
	"business_search_backend/migrations"
	"business_search_backend/platform/config"
	"business_search_backend/platform/db"
	"business_search_backend/platform/logger"
	"business_search_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if cfg.MigrationsEnabled {
		if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func(ctx context.Context) error {
			return db.RunMigrations(ctx, cfg, migrations.FS, log)
		}); err != nil {
			return fmt.Errorf("run database migrations: %w", err)
		}
		log.Info("database migrations complete")
	}

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func(ctx context.Context) error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	log.Info("database connection established", "max_conns", cfg.GetPoolMaxConns(), "recycle", cfg.GetPoolRecycleMethod())

	leases := db.NewLeaseManager(db.NewAcquirer(pool), db.LeaseOptionsFrom(cfg), log)

	codec, err := newCursorCodec(cfg, log)
	if err != nil {
		return err
	}

	viewCache, err := cache.New(ctx, cfg, log)
	if err != nil {
		log.Warn("view cache unavailable; continuing without it", "error", err)
		viewCache = nil
	}
	if viewCache != nil {
		defer viewCache.Close()
		log.Info("view cache enabled", "ttl", cfg.GetViewCacheTTL())
	}

	// ========================================================================
	// Domain Modules
	// ========================================================================

	val := validator.New()
	businessesModule := businesses.NewModule(leases, codec, viewCache, val, cfg, log)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:  cfg,
		Logger:  log,
		Health:  leases,
		Modules: []apphttp.Module{businessesModule},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newCursorCodec(cfg *config.Config, log *logger.Logger) (*cursor.Codec, error) {
	key := cfg.GetCursorSigningKey()
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate cursor signing key: %w", err)
		}
		log.Warn("CURSOR_SIGNING_KEY not configured; using a per-process key, cursors will not survive restarts")
	}
	return cursor.NewCodec(key)
}

// withRetry runs fn up to attempts times with exponential backoff starting
// at baseDelay. The last error is returned wrapped with name.
func withRetry(ctx context.Context, log *logger.Logger, name string, attempts uint64, baseDelay time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	backoff := retry.WithMaxRetries(attempts-1, retry.NewExponential(baseDelay))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
