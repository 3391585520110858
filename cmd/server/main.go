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

	"github.com/nulzo/novel-gateway/internal/analytics"
	"github.com/nulzo/novel-gateway/internal/cli"
	"github.com/nulzo/novel-gateway/internal/config"
	"github.com/nulzo/novel-gateway/internal/gateway"
	"github.com/nulzo/novel-gateway/internal/platform/logger"
	"github.com/nulzo/novel-gateway/internal/platform/otel"
	"github.com/nulzo/novel-gateway/internal/platform/version"
	"github.com/nulzo/novel-gateway/internal/server"
	v1 "github.com/nulzo/novel-gateway/internal/server/v1"
	"github.com/nulzo/novel-gateway/internal/store/cache"
	"github.com/nulzo/novel-gateway/internal/store/sqlite"
	"github.com/nulzo/novel-gateway/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", cli.CrossMark(), err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	logger.Initialize(logCfg)
	defer logger.Sync()
	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := otel.InitTracer(ctx, otel.Options{
			ServiceName:    "novel-gateway",
			ServiceVersion: version.Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
			Pretty:         cfg.Server.Env == "development",
		}, log)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	repo, err := sqlite.NewSQLiteStorage(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer func() { _ = repo.Close() }()

	checks := map[string]v1.Pinger{"database": repo.Ping}

	var replay cache.CacheService = cache.NewMemoryCache()
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("Redis unavailable, falling back to in-memory replay cache", zap.Error(err))
		} else {
			defer func() { _ = rc.Close() }()
			replay = rc
			checks["redis"] = rc.Ping
		}
	}

	gw := gateway.NewService(
		gateway.WithRetryPolicy(cfg.Retry),
		gateway.WithLogger(log.Named("gateway")),
	)
	ingestor := analytics.NewIngestor(log.Named("analytics"), repo)

	srv := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: server.New(cfg, log, server.Deps{
			Gateway:   gw,
			Analytics: analytics.NewService(repo),
			Ingestor:  ingestor,
			Cache:     replay,
			Checks:    checks,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// chapters stream for minutes
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	fmt.Print(cli.Banner("novel-gateway", version.Version,
		fmt.Sprintf("listening on %s", srv.Addr),
		fmt.Sprintf("%d provider profiles, retry %d x %s", len(cfg.Profiles), cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay),
	))

	if cfg.Server.Env == "development" && len(cfg.Profiles) > 0 {
		profiles := make([]api.ProfileInfo, 0, len(cfg.Profiles))
		for _, p := range cfg.Profiles {
			profiles = append(profiles, api.ProfileInfo{ID: p.ID, Provider: string(p.Provider), Model: p.Model})
		}
		fmt.Println(cli.PrettyFormat(profiles))
	}

	go checkForUpdates(ctx, log)

	g, gctx := errgroup.WithContext(ctx)

	// the ingestor outlives the server so in-flight requests still reach the ledger
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	g.Go(func() error {
		return ingestor.Run(ingestCtx)
	})

	g.Go(func() error {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer stopIngest()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

func checkForUpdates(ctx context.Context, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	latest, outdated, err := version.CheckForUpdates(ctx, version.DefaultReleaseURL)
	if err != nil {
		log.Debug("Release check skipped", zap.Error(err))
		return
	}
	if outdated {
		log.Warn("A newer release is available",
			zap.String("current", version.Version),
			zap.String("latest", latest),
		)
	}
}
