package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wbld/backend/pkg/admission"
	"github.com/wbld/backend/pkg/build"
	"github.com/wbld/backend/pkg/builder"
	"github.com/wbld/backend/pkg/config"
	"github.com/wbld/backend/pkg/platformio"
	"github.com/wbld/backend/pkg/publish"
	"github.com/wbld/backend/pkg/telemetry"
	"github.com/wbld/backend/pkg/workspace"
)

func main() {
	cfg, err := config.LoadBuilder()
	if err != nil {
		log.Fatalf("builder config: %v", err)
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdown := telemetry.InitTracer(ctx, "wbld-builder", os.Stdout, logger)
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	storeOpts := []build.StoreOption{build.WithLogger(logger)}
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		mirror, err := build.NewPostgresMirror(dsn)
		if err != nil {
			log.Fatalf("builder postgres init failed: %v", err)
		}
		defer func() {
			if err := mirror.Close(); err != nil {
				logger.Warn("builder postgres close error", "error", err)
			}
		}()
		storeOpts = append(storeOpts, build.WithObserver(mirror))
	}

	if _, err := build.Init(cfg.StorageDir, storeOpts...); err != nil {
		log.Fatalf("builder storage init failed: %v", err)
	}
	store := build.Default()

	var gate admission.Gate = admission.NewMemoryGate()
	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		redisGate, err := admission.NewRedisGate(url, cfg.BuildTimeout+time.Minute, logger)
		if err != nil {
			log.Fatalf("builder redis init failed: %v", err)
		}
		defer redisGate.Close()
		gate = redisGate
	}

	provider := workspace.NewProvider(workspace.NewGitCheckouter(cfg.RepositoryURL), workspace.WithLogger(logger))
	engine := builder.NewEngine(platformio.New(cfg.PioBinary, logger), provider, store,
		builder.WithLogger(logger),
		builder.WithJobs(cfg.Jobs),
		builder.WithVerbose(cfg.Verbose),
	)

	srv := &server{
		engine:          engine,
		catalog:         build.NewCatalog(store, logger),
		gate:            gate,
		logger:          logger,
		defaultRevision: cfg.DefaultRevision,
		baseURL:         strings.TrimSuffix(cfg.BaseURL, "/"),
		buildTimeout:    cfg.BuildTimeout,
	}
	if cfg.Publish.Enabled() {
		srv.publisher = publish.New(cfg.Publish, logger)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(cfg.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}()

	logger.Info("builder service listening", "addr", cfg.ListenAddr, "storage", store.Root())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("builder service failed: %v", err)
	}

	logger.Info("waiting for running builds")
	srv.wg.Wait()
}
