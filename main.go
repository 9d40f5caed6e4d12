package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keel/internal/api"
	"keel/internal/config"
	"keel/internal/logging"
	"keel/internal/metrics"
	"keel/internal/middleware"
	"keel/internal/repository"
	"keel/internal/safe"

	"go.uber.org/zap"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	registry, err := repository.OpenRegistry(ctx, cfg.Index, logger.Named("index").Logger)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}

	blobs, err := safe.Open(cfg.Blobs, logger.Named("blobs").Logger)
	if err != nil {
		registry.Close()
		return fmt.Errorf("opening blob store: %w", err)
	}
	defer blobs.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	service := repository.NewService(registry, blobs, logger.Named("repository").Logger, m)
	defer service.Close()

	mux := http.NewServeMux()
	api.NewHandler(service, logger, version).Routes(mux)
	if m != nil {
		mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
	}

	// Apply middleware
	handler := middleware.Chain(
		mux,
		middleware.RequestID,
		middleware.Logger(logger),
		middleware.Recover(logger),
		middleware.Metrics(m),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("address", addr),
			zap.String("version", version),
			zap.String("index", string(cfg.Index.Backend)),
			zap.String("blobs", string(cfg.Blobs.Backend)))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
