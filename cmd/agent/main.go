package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kantinekoning/agent/internal/app/migrate"
	"github.com/kantinekoning/agent/internal/gateway"
	"github.com/kantinekoning/agent/internal/httpx"
	"github.com/kantinekoning/agent/internal/state"
	"github.com/kantinekoning/agent/internal/store"
	filestore "github.com/kantinekoning/agent/internal/store/file"
	pgstore "github.com/kantinekoning/agent/internal/store/postgres"
	"github.com/kantinekoning/agent/internal/ws"
	"github.com/kantinekoning/agent/pkg/config"
	"github.com/kantinekoning/agent/pkg/logger"
)

func main() {
	cfg := config.LoadAgentConfig()
	log := logger.New("agent", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st     store.Store
		health func(context.Context) error
	)
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		st = pgstore.New(pool)
		health = pool.Ping
	case "file":
		fs, err := filestore.New(cfg.StorePath, cfg.StoreSecret)
		if err != nil {
			log.Error("failed to open enrollment store", "error", err, "path", cfg.StorePath)
			os.Exit(1)
		}
		st = fs
	default:
		log.Error("unknown store driver", "driver", cfg.StoreDriver)
		os.Exit(1)
	}
	defer st.Close()

	identity := httpx.Identity{DeviceID: cfg.DeviceID, DeviceToken: cfg.DeviceToken}
	if identity.DeviceID == "" {
		identity.DeviceID = uuid.NewString()
	}
	if identity.DeviceToken == "" {
		identity.DeviceToken = uuid.NewString()
	}

	backend, err := gateway.New(cfg.BackendURL, gateway.WithTimeout(cfg.BackendTimeout))
	if err != nil {
		log.Error("invalid backend url", "error", err, "url", cfg.BackendURL)
		os.Exit(1)
	}
	hub := ws.NewHub()

	container := state.New(st, backend, hub, log)
	if err := container.Start(ctx); err != nil {
		log.Error("failed to load persisted state", "error", err)
		os.Exit(1)
	}

	if cfg.ShiftRefreshEvery > 0 {
		go refreshLoop(ctx, container, log, cfg.ShiftRefreshEvery)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, container, hub, identity, limiter, cfg.APIToken, health)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("agent starting", "addr", cfg.Addr, "device_id", identity.DeviceID, "store", cfg.StoreDriver)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("agent stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// refreshLoop keeps the shift cache warm while enrollments exist.
func refreshLoop(ctx context.Context, container *state.Container, log *slog.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(container.Enrollments()) == 0 {
				continue
			}
			if err := container.RefreshShifts(ctx); err != nil {
				log.Warn("scheduled shift refresh failed", "error", err)
			}
		}
	}
}
