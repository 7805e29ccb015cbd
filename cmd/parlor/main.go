package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parlorchat/parlor/internal/api"
	"github.com/parlorchat/parlor/internal/chat"
	"github.com/parlorchat/parlor/internal/config"
	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/hub"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/recording"
	"github.com/parlorchat/parlor/internal/sfu"
	signalbridge "github.com/parlorchat/parlor/internal/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting parlor",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"postgres", cfg.UsesPostgres(),
	)

	// Open database and run migrations.
	var db *database.DB
	if cfg.UsesPostgres() {
		db, err = database.OpenPostgres(cfg.PostgresDSN())
	} else {
		db, err = database.Open(cfg.DataDir)
	}
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	users := database.NewUserRepository(db)
	rooms := database.NewRoomRepository(db)
	messages := database.NewMessageRepository(db)
	statuses := database.NewMessageStatusRepository(db)
	calls := database.NewCallRepository(db)
	recordings := database.NewRecordingRepository(db)

	// Media workers: one per CPU. An unusable UDP range is fatal, with a
	// short grace period so the error reaches log shippers.
	workers, err := sfu.SpawnWorkers(sfu.WorkerConfig{
		PortMin:  cfg.RTPPortMin,
		PortMax:  cfg.RTPPortMax,
		PublicIP: cfg.MediaIP(),
	})
	if err != nil {
		slog.Error("failed to spawn media workers", "error", err)
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}

	// The hub carries every websocket event; the services attach to it.
	h := hub.New(users, rooms, []byte(cfg.JWTSecret), cfg.CORSOriginList())

	chatSvc := chat.New(h, users, rooms, messages, statuses)
	signalSvc := signalbridge.New(h, calls, recordings)
	sfuSvc := sfu.New(h, workers)

	recorder := recording.NewController(recordings, signalSvc, recording.Config{
		Dir:        cfg.RecordingsDir,
		FFmpegPath: cfg.FFmpegPath,
		PortMin:    cfg.RecordPortMin,
		PortMax:    cfg.RecordPortMax,
	})
	sfuSvc.SetObserver(recorder)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	recording.StartCleanupTicker(appCtx, recordings, cfg.RecordingMaxDays, time.Hour)

	// Registration order matters: the SFU's disconnect hook must run before
	// the hub flips presence, and hooks fire in registration order.
	sfuSvc.Register()
	chatSvc.Register()
	signalSvc.Register()

	// Metrics: a scrape-time collector over the live components.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(
		h, sfuSvc, recorder, users, messages, calls, time.Now(),
	))

	handler := api.NewServer(cfg, db, chatSvc, h,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. Recordings flush first so artifacts
	// are finalized before the media plane goes away.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	recorder.Shutdown()
	sfuSvc.Shutdown()
	h.Shutdown()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("parlor stopped")
}
