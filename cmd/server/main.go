package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "ride-dispatch")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		trips  storage.TripStore
		checks []httpapi.ReadyCheck
	)
	if cfg.PGDSN != "" {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ps, err := storage.NewPostgresStore(pctx, cfg.PGDSN)
		cancel()
		if err != nil {
			return err
		}
		defer ps.Close()
		// optional migration: run basic migrations/001_create_rides.sql if requested
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, logger); err != nil {
				return err
			}
		}
		trips = ps
		checks = append(checks, httpapi.ReadyCheck{Name: "postgres", Check: ps.Ping})
	} else {
		logger.Info("PG_DSN not set, archiving trips in memory")
		trips = storage.NewMemoryStore()
	}
	archiver := storage.NewArchiver(trips, cfg.ArchiveBuffer, logging.Component(logger, "archive"))

	var publisher ingest.Publisher = ingest.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic, logging.Component(logger, "kafka"))
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Warn("kafka close", "error", err)
			}
		}()
		publisher = kp
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	reg := presence.NewRegistry()
	rides := storage.NewSessionStore()
	m := &matcher.Service{Drivers: reg, RadiusKm: cfg.MatchRadiusKm}
	wsreg := dispatch.NewWSRegistry(cfg.WSSendBuffer, logging.Component(logger, "ws"))
	coord := dispatch.New(reg, rides, m, wsreg, dispatch.Options{
		Publisher: publisher,
		Archive:   archiver,
		ETA:       estimator,
		InboxSize: cfg.InboxSize,
		Logger:    logging.Component(logger, "dispatch"),
	})

	coordCtx, stopCoord := context.WithCancel(context.Background())
	coordDone := make(chan struct{})
	go func() {
		coord.Run(coordCtx)
		close(coordDone)
	}()

	api := httpapi.NewServer(httpapi.Deps{
		Coordinator: coord,
		WSReg:       wsreg,
		Presence:    reg,
		Rides:       rides,
		Matcher:     m,
		Ready:       checks,
		Logger:      logging.Component(logger, "http"),
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "radius_km", cfg.MatchRadiusKm, "kafka", len(cfg.KafkaBrokers) > 0, "postgres", cfg.PGDSN != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// hijacked websocket connections are not covered by Shutdown
	wsreg.CloseAll()

	stopCoord()
	<-coordDone
	if err := archiver.Close(shutdownCtx); err != nil {
		logger.Warn("archive flush incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return serveErr
}

func migrate(ctx context.Context, ps *storage.PostgresStore, logger *slog.Logger) error {
	path := filepath.Join("migrations", "001_create_rides.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := ps.Migrate(ctx, string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", path)
	return nil
}
