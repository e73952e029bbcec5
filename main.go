package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridianlabs/fathom/internal/config"
	"github.com/meridianlabs/fathom/internal/engine"
	"github.com/meridianlabs/fathom/internal/httpapi"
	"github.com/meridianlabs/fathom/internal/inference"
	_ "github.com/meridianlabs/fathom/internal/metrics" // register collectors
	"github.com/meridianlabs/fathom/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default $FATHOM_CONFIG)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workspace store: Redis when enabled and reachable, in-memory otherwise.
	var store workspace.Store
	if cfg.Redis.Enabled {
		rs, err := workspace.NewRedisStore(workspace.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Retention: cfg.Redis.Retention,
		}, logger)
		if err != nil {
			logger.Warn("Redis unavailable, falling back to in-memory workspace store",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err),
			)
			store = workspace.NewMemoryStore(cfg.Redis.Retention, logger)
		} else {
			store = rs
			logger.Info("Using Redis workspace store", zap.String("addr", cfg.Redis.Addr))
		}
	} else {
		store = workspace.NewMemoryStore(cfg.Redis.Retention, logger)
	}
	defer store.Close()

	client := inference.NewHTTPClient(inference.HTTPOptions{
		BaseURL:           cfg.Inference.URL,
		Timeout:           cfg.Inference.Timeout,
		RequestsPerSecond: cfg.Inference.RequestsPerSecond,
		Burst:             cfg.Inference.Burst,
	}, logger)

	eng := engine.New(store, client, cfg.Limits(), logger)

	// Config hot-reload: engine limits pick up file edits without restart.
	currentConfig := func() *config.Config { return cfg }
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, cfg, func(next *config.Config) {
			eng.SetDefaults(next.Limits())
		}, logger)
		if err != nil {
			logger.Warn("Config watcher unavailable, hot-reload disabled", zap.Error(err))
		} else {
			go watcher.Run(ctx)
			currentConfig = watcher.Current
		}
	}

	// Periodic sweep of expired workspaces.
	go func() {
		interval := cfg.Server.SweepInterval
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.Sweep(ctx)
				if err != nil {
					logger.Warn("Workspace sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("Swept expired workspaces", zap.Int("count", n))
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	httpapi.NewHandler(eng, store, currentConfig, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // processing runs block the response
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin HTTP server shutdown incomplete", zap.Error(err))
	}
}
