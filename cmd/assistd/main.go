package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftline/assistd/internal/api"
	"github.com/driftline/assistd/internal/config"
	"github.com/driftline/assistd/internal/eventbus"
	"github.com/driftline/assistd/internal/jobs"
	"github.com/driftline/assistd/internal/observability"
	"github.com/driftline/assistd/internal/pipeline"
	"github.com/driftline/assistd/internal/state"
	"github.com/driftline/assistd/internal/store"
	"github.com/driftline/assistd/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	metrics, metricsHandler, err := observability.NewMetrics(context.Background())
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	st := store.New(db, cfg.InternalKey)
	bus := eventbus.NewBus(db)
	ctrl := pipeline.New(st, bus, cfg.InternalKey, logger, metrics)
	runtime := jobs.NewRuntime(db, bus, jobs.Options{
		MaxAttempts: cfg.JobMaxAttempts,
		Logger:      logger,
		Metrics:     metrics,
	})

	w := worker.New(st, worker.SimulatedGenerator{}, cfg.InternalKey, cfg.ProcessingDelay, logger)
	if err := runtime.Register(w.Function()); err != nil {
		log.Fatalf("register worker: %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	if err := runtime.Start(serverCtx); err != nil {
		log.Fatalf("start job runtime: %v", err)
	}

	apiServer := &api.Server{
		Pipeline:       ctrl,
		Store:          st,
		Bus:            bus,
		Jobs:           runtime,
		AuthToken:      cfg.AuthToken,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		StartedAt:      time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr: cfg.HTTPAddr,
			DataDir:  cfg.DataDir,
			DBPath:   cfg.DBPath,
		},
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("assistd listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()

	// Let in-flight workers reach a suspension point; interrupted
	// instances resume from their checkpoints on the next start.
	if err := runtime.Close(shutdownCtx); err != nil {
		log.Printf("job runtime shutdown error: %v", err)
	}
	serverCancel()
}
