package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"ledger-service/internal/config"
	"ledger-service/internal/httpapi"
	"ledger-service/internal/rules"
	"ledger-service/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func main() {
	start := time.Now()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()

	logger.Info("startup begin", zap.String("addr", cfg.HTTPAddr), zap.Bool("migrate", cfg.DBMigrate))

	cpu := runtime.GOMAXPROCS(0)
	defMaxConns := clamp(cpu*4, 4, 50)
	maxConns := cfg.DBMaxConns
	if maxConns <= 0 {
		maxConns = int32(defMaxConns)
	}
	logger.Info("startup db pool sizing", zap.Int("cpu", cpu), zap.Int32("max_conns", maxConns))

	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startCancel()

	logger.Info("startup parsing db config")
	pgxCfg, err := pgxpool.ParseConfig(cfg.DBDSN)
	if err != nil {
		logger.Fatal("startup parse dsn failed", zap.Error(err))
	}

	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = 1
	pgxCfg.HealthCheckPeriod = 10 * time.Second
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	logger.Info("startup connecting to db")
	pool, err := pgxpool.NewWithConfig(startCtx, pgxCfg)
	if err != nil {
		logger.Fatal("startup db connect failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("startup ping db")
	if err := pool.Ping(startCtx); err != nil {
		logger.Fatal("startup db ping failed", zap.Error(err))
	}

	if cfg.DBMigrate {
		logger.Info("startup running migrations")
		if err := store.Migrate(startCtx, pool); err != nil {
			logger.Fatal("startup migrations failed", zap.Error(err))
		}
		logger.Info("startup migrations complete")
	} else {
		logger.Info("startup migrations disabled")
	}

	st := store.New(pool)
	ruleStore := rules.NewStore(pool)
	evaluator := rules.NewEvaluator(ruleStore, st)
	h := httpapi.NewHandlers(st, ruleStore, evaluator, logger)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.Router(h, httpapi.RouterConfig{
			MaxInFlight: cfg.HTTPMaxInFlight,
			CORSOrigins: cfg.CORSOrigins,
		}),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("startup ready",
		zap.Duration("elapsed", time.Since(start).Truncate(time.Millisecond)),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")
}
