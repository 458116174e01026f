package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/star/orrery/internal/api"
	"github.com/star/orrery/internal/bodies"
	"github.com/star/orrery/internal/engine"
	"github.com/star/orrery/internal/frames"
	"github.com/star/orrery/internal/metrics"
	"github.com/star/orrery/internal/observability"
	"github.com/star/orrery/internal/stream"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	fileCfg, err := loadConfigFile(logger)
	if err != nil {
		logger.Error("invalid config file", "error", err)
		os.Exit(1)
	}
	loadLogLevel(logger, level, fileCfg.LogLevel)

	addr := fileCfg.HTTPAddr
	if v := os.Getenv("ORRERY_HTTP_ADDR"); v != "" {
		addr = v
	}

	authCfg, err := loadAuthConfig(logger, fileCfg.Auth)
	if err != nil {
		logger.Error("invalid auth configuration", "error", err)
		os.Exit(1)
	}

	engineCfg, bufSize, err := loadEngineConfig(logger, fileCfg.Simulation)
	if err != nil {
		logger.Error("invalid simulation configuration", "error", err)
		os.Exit(1)
	}
	bodiesCfg := loadBodiesConfig(logger, fileCfg.Bodies)
	streamCfg := loadStreamConfig(logger, fileCfg.Stream)
	controlLimiter := loadControlLimiter(logger, fileCfg.Control)
	tracingCfg := loadTracingConfig(logger, fileCfg.Tracing)

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, logger)
	if err != nil {
		logger.Error("invalid tracing configuration", "error", err)
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	store := bodies.NewStore()
	var fetcher *bodies.Fetcher
	if bodiesCfg.EnableFetch {
		fetcher = bodies.NewFetcher(bodiesCfg.SourceURL, bodiesCfg.Token, logger)
	}
	loader := bodies.NewLoader(fetcher, bodies.NewCache(bodiesCfg.CacheDir, bodiesCfg.MaxFiles), store,
		bodies.LoaderConfig{MaxAge: bodiesCfg.MaxAge, RetryInterval: bodiesCfg.RetryInterval}, logger)

	buf := frames.NewBuffer(bufSize)
	controller := engine.NewController(engineCfg, buf, logger)

	// LoadDataset ignores a dataset it already runs, so both paths may
	// hand it every result.
	load := func(ctx context.Context, ds *bodies.Dataset) error {
		if err := controller.LoadDataset(ctx, ds); err != nil {
			logger.Error("failed to load body dataset", "source", ds.Source, "error", err)
			return err
		}
		return nil
	}
	refresh := func(ctx context.Context) error {
		ds, _, err := loader.Refresh(ctx)
		if err != nil {
			return err
		}
		return load(ctx, ds)
	}

	streamHandler := stream.NewHandler(buf, controller, store, streamCfg, logger)
	srv := api.NewServer(addr, logger, api.Deps{
		Engine:         controller,
		Frames:         buf,
		Store:          store,
		Stream:         streamHandler,
		Refresh:        refresh,
		Auth:           authCfg,
		ControlLimiter: controlLimiter,
		TrustProxy:     streamCfg.TrustProxy,
	})
	// Streams end with the process context instead of holding Shutdown open.
	srv.HTTPServer().BaseContext = func(net.Listener) context.Context { return ctx }

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		controller.Start(ctx)
	}()

	go loader.Run(ctx, func(ds *bodies.Dataset) { load(ctx, ds) })

	// Background goroutine to update the dataset age gauge.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if age := store.AgeSeconds(); age >= 0 {
					metrics.SetDatasetAge(age)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("starting server", "addr", addr, "auth_enabled", authCfg.Enabled, "fetch_enabled", bodiesCfg.EnableFetch)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	<-engineDone

	logger.Info("server stopped")
}
