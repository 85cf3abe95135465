package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/N0SAFE/deployer-sub002/internal/config"
	"github.com/N0SAFE/deployer-sub002/internal/docker"
	"github.com/N0SAFE/deployer-sub002/internal/httpx"
	"github.com/N0SAFE/deployer-sub002/internal/ingress"
	"github.com/N0SAFE/deployer-sub002/internal/locker"
	"github.com/N0SAFE/deployer-sub002/internal/logger"
	"github.com/N0SAFE/deployer-sub002/internal/logs"
	"github.com/N0SAFE/deployer-sub002/internal/metrics"
	"github.com/N0SAFE/deployer-sub002/internal/migrate"
	"github.com/N0SAFE/deployer-sub002/internal/monitor"
	"github.com/N0SAFE/deployer-sub002/internal/phase"
	"github.com/N0SAFE/deployer-sub002/internal/reconciler"
	"github.com/N0SAFE/deployer-sub002/internal/repository/postgres"
	"github.com/N0SAFE/deployer-sub002/internal/rollout"
	"github.com/N0SAFE/deployer-sub002/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New("deployerd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	engine, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	logHub := ws.NewHub(cfg.LogBuffer)
	logSvc := logs.New(repo, logHub, log)
	recorder := metrics.New()

	tracker := phase.New(repo, repo, log)

	switcher, err := rollout.New(cfg.StaticVolumeRoot, cfg.KeepReleases, log)
	if err != nil {
		log.Error("failed to prepare static root", "error", err)
		os.Exit(1)
	}

	var sweepLock locker.Locker
	if addr := strings.TrimSpace(cfg.SweepLockRedisAddr); addr != "" {
		redisLock, err := locker.NewRedisLocker(addr, cfg.SweepLockRedisPass, cfg.SweepLockRedisDB, cfg.SweepLockTTL, log)
		if err != nil {
			log.Warn("redis sweep lock unavailable, sweeps run unlocked", "error", err)
		} else {
			sweepLock = redisLock
		}
	}

	reloader := ingress.NewDockerReloader(engine, cfg.ProxyContainerName)

	rec := reconciler.New(engine, repo, reloader, sweepLock, recorder, log, cfg.ReconcileInterval, cfg.HelperMaxAge)
	go rec.Run(ctx)

	prober := monitor.NewProber(cfg.HTTPProbeTimeout)
	mon := monitor.New(repo, repo, repo, tracker, engine, prober, recorder, log,
		cfg.MonitorInterval, cfg.MonitorInitialDelay, cfg.StuckAfter)
	go mon.Run(ctx)

	router := httpx.New(log, rec, mon, switcher, logSvc, pool.Ping, engine.Ping)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployerd starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("deployerd stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
