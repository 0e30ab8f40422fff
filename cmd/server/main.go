package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/podushkina/taskrelay/internal/api"
	"github.com/podushkina/taskrelay/internal/config"
	"github.com/podushkina/taskrelay/internal/delivery"
	"github.com/podushkina/taskrelay/internal/logging"
	"github.com/podushkina/taskrelay/internal/processor"
	"github.com/podushkina/taskrelay/internal/queue"
	"github.com/podushkina/taskrelay/internal/store"
	"github.com/podushkina/taskrelay/internal/tracing"
	"github.com/podushkina/taskrelay/internal/worker"
)

// backend is everything the server needs from a task store.
type backend interface {
	processor.Store
	api.Store
	io.Closer
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "taskrelay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	logger.Info("backend ready", zap.String("backend", cfg.Backend))

	var endpoint delivery.Endpoint = delivery.Static(http.StatusOK)
	if cfg.DeliveryURL != "" {
		endpoint = delivery.NewHTTPEndpoint(cfg.DeliveryURL, cfg.DeliveryTimeout)
		logger.Info("delivering over http", zap.String("url", cfg.DeliveryURL))
	} else {
		logger.Warn("no delivery url configured, every delivery answers 200")
	}

	proc := processor.New(b, endpoint,
		processor.WithRetry(cfg.MaxRetries, cfg.BaseDelay),
		processor.WithLogger(logger),
	)
	pool := worker.NewPool(proc, cfg.WorkerCount, cfg.PollInterval, logger)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      api.NewRouter(api.NewHandler(b, logger)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pool.Start(gctx)
		<-gctx.Done()
		pool.Stop()
		return nil
	})

	g.Go(func() error {
		logger.Info("server starting", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func openBackend(cfg *config.Config) (backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		q, err := queue.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return q, nil
	default:
		s, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}
