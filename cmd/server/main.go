package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pdvmarket/internal/cache"
	"pdvmarket/internal/checkout"
	"pdvmarket/internal/config"
	"pdvmarket/internal/httpapi"
	"pdvmarket/internal/invoice"
	"pdvmarket/internal/logger"
	"pdvmarket/internal/metrics"
	"pdvmarket/internal/service"
	"pdvmarket/internal/store"
	"pdvmarket/internal/store/memory"
	pgstore "pdvmarket/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal("repository unavailable", zap.Error(err))
	}

	saleCache := cache.SaleCache(cache.NoopSaleCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSaleCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, idempotency lookups go to the store", zap.Error(err))
			_ = redisCache.Close()
		} else {
			saleCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		log.Info("cache: noop")
	}

	last, err := invoice.NewAllocator(log).Recover(ctx, repo)
	if err != nil {
		closeAll(closers, log)
		log.Fatal("invoice sequence recovery failed", zap.Error(err))
	}
	log.Info("invoice sequence ready", zap.String("last_invoice", last.String()))

	checkoutMetrics := metrics.New()
	coordinator := checkout.New(repo,
		checkout.WithCache(saleCache),
		checkout.WithCacheTTL(cfg.IdempotencyTTL),
		checkout.WithMetrics(checkoutMetrics),
		checkout.WithLogger(log),
		checkout.WithCommitTimeout(cfg.CommitTimeout),
		checkout.WithMaxRetries(cfg.CommitMaxRetries),
	)
	svc := service.New(repo, coordinator, log, cfg.DefaultTerminalID)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL, cfg.ManagerPIN, repo, log)
	api := httpapi.New(svc, auth, checkoutMetrics, log, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.CommitTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	if err := serve(server, stop, closers, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server stopped")
}

// serve runs server until a signal arrives on stop or the listener fails.
// Either way the server is shut down and every closer runs before serve
// returns, so a failed listen never skips closing the store or cache.
func serve(server *http.Server, stop <-chan os.Signal, closers []func() error, log *zap.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		log.Info("pdv backend listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case sig := <-stop:
		log.Info("shutdown requested", zap.String("signal", sig.String()))
	case err := <-serverErr:
		runErr = fmt.Errorf("listen on %s: %w", server.Addr, err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	closeAll(closers, log)
	return runErr
}

func closeAll(closers []func() error, log *zap.Logger) {
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("close error", zap.Error(err))
		}
	}
}

// openRepository uses postgres when DATABASE_URL is set and never falls back
// to memory in that case.
func openRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, []func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Info("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}

	if cfg.AutoMigrate {
		migrator, err := pgstore.NewMigrator(cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open migrator: %w", err)
		}
		upErr := migrator.Up()
		closeErr := migrator.Close()
		if upErr != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", upErr)
		}
		if closeErr != nil {
			log.Warn("close migrator", zap.Error(closeErr))
		}
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	log.Info("repository: postgres")
	return pg, []func() error{pg.Close}, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	for _, r := range cfg.ManagerPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("MANAGER_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects repeated digits, straight runs such as 234567
// or 987654, and a short list of common PINs.
func validatePINStrength(pin string) error {
	common := map[string]bool{
		"123123": true, "121212": true, "112233": true, "102030": true,
		"159753": true, "147258": true, "010203": true, "202020": true,
	}
	if common[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	repeated, ascending, descending := true, true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 0 {
			repeated = false
		}
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	switch {
	case repeated:
		return fmt.Errorf("repeated-digit PIN not allowed")
	case ascending || descending:
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
