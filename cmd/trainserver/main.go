package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyvo/trainconsole/pkg/artifact"
	"github.com/vyvo/trainconsole/pkg/config"
	"github.com/vyvo/trainconsole/pkg/logging"
	"github.com/vyvo/trainconsole/pkg/telemetry"
	"github.com/vyvo/trainconsole/pkg/trainer"
	"github.com/vyvo/trainconsole/pkg/trainserver"
	"github.com/vyvo/trainconsole/pkg/trainstore"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TraceEnabled {
		shutdownTracer := telemetry.InitTracer(ctx, "trainserver", os.Stderr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(shutdownCtx)
		}()
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", "error", err)
	}
	defer store.Close()

	runner := trainer.NewRunner(store, trainer.Options{
		PrepareDelay:  cfg.PrepareDelay,
		EpochDuration: cfg.EpochDuration,
		ArtifactDir:   cfg.ArtifactDir,
		Logger:        logger.With("component", "trainer"),
	})
	defer runner.Shutdown()

	srv := trainserver.New(trainserver.Options{
		Store:      store,
		Runner:     runner,
		Exporter:   artifact.NewExporter(cfg.SSHKeyPath, logger.With("component", "artifact")),
		Logger:     logger.With("component", "http"),
		AuthScheme: cfg.AuthScheme,
		AuthToken:  cfg.AuthToken,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("trainserver shutdown error", "error", err)
		}
	}()

	logger.Info("trainserver listening", "addr", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("trainserver listen failed", "error", err)
	}

	<-ctx.Done()
	logger.Info("trainserver stopped")
}

func openStore(cfg config.ServerConfig, logger *logging.Logger) (trainstore.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		logger.Info("using postgres store")
		return trainstore.NewPostgresStore(cfg.DatabaseURL)
	case cfg.RedisURL != "":
		logger.Info("using redis store")
		return trainstore.NewRedisStore(cfg.RedisURL)
	default:
		logger.Info("using in-memory store")
		return trainstore.NewMemStore(), nil
	}
}
