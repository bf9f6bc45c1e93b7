package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/trainconsole/pkg/config"
	"github.com/vyvo/trainconsole/pkg/console"
	"github.com/vyvo/trainconsole/pkg/logging"
	"github.com/vyvo/trainconsole/pkg/monitor"
	"github.com/vyvo/trainconsole/pkg/telemetry"
	"github.com/vyvo/trainconsole/pkg/trainapi"
)

func main() {
	cfg, err := config.LoadConsole()
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
		shutdownTracer := telemetry.InitTracer(ctx, "trainconsole", os.Stderr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(shutdownCtx)
		}()
	}

	client := trainapi.NewClient(cfg.APIBaseURL, trainapi.Options{
		JobID:      cfg.JobID,
		AuthScheme: cfg.AuthScheme,
		AuthToken:  cfg.AuthToken,
		Timeout:    cfg.RequestTimeout,
	})

	mon := monitor.New(client,
		monitor.WithPollInterval(cfg.PollInterval),
		monitor.WithLogPage(1, cfg.LogsPageSize),
		monitor.WithLogger(logger.With("component", "monitor")),
	)
	defer mon.Close()

	initCtx, cancelInit := context.WithTimeout(ctx, cfg.RequestTimeout)
	mon.Initialize(initCtx)
	cancelInit()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(mon, logger.With("component", "console")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		mon.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("console shutdown error", "error", err)
		}
	}()

	logger.Info("console listening", "addr", cfg.ListenAddr, "api", cfg.APIBaseURL, "job_id", cfg.JobID)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("console listen failed", "error", err)
	}

	<-ctx.Done()
	logger.Info("console stopped")
}

func newRouter(mon *monitor.Monitor, logger console.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logging.AccessLog(logger))
	router.Use(middleware.Recoverer)
	router.Use(telemetry.Middleware("github.com/vyvo/trainconsole/cmd/trainconsole"))

	router.Get("/healthz", healthzHandler)
	router.Mount("/api/train", console.NewHandler(mon, logger).Routes())
	return router
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
