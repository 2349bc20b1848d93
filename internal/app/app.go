// Package app wires the components together and owns their lifecycle.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lookout/internal/auth"
	"lookout/internal/config"
	"lookout/internal/db"
	"lookout/internal/geo"
	"lookout/internal/probe"
	"lookout/internal/registry"
	"lookout/internal/shell"
	"lookout/internal/telemetry"
	"lookout/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	sqlDB     *sql.DB
	reg       *registry.Registry
	broker    *telemetry.Broker
	scheduler *probe.Scheduler
	srv       *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sqlDB, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	repo := db.NewRepository(sqlDB)

	reg := registry.New(repo, cfg.SupersedeGrace, logger.With("module", "registry"))
	broker := telemetry.NewBroker(repo, reg, cfg.TelemetryInterval, logger.With("module", "telemetry"))
	scheduler := probe.NewScheduler(repo, reg, cfg.ProbeRetention, cfg.TargetCacheTTL, logger.With("module", "probe"))
	vault := shell.NewVault(repo)
	authSvc := auth.NewService(repo, cfg.TokenTTL)

	var resolver *geo.Resolver
	if !cfg.GeoDisabled {
		resolver = geo.NewResolver(cfg.GeoEndpoint)
	}

	server := web.NewServer(repo, reg, broker, scheduler, vault, shell.SSHDialer{}, authSvc, resolver,
		cfg.WSOrigins, cfg.SSHTimeout, logger.With("module", "web"))

	return &App{
		cfg:       cfg,
		log:       logger,
		sqlDB:     sqlDB,
		reg:       reg,
		broker:    broker,
		scheduler: scheduler,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run blocks until ctx is cancelled, then shuts everything down in order:
// HTTP listener first, then live agent sessions, then the database.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("listening", "addr", a.cfg.Addr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go a.broker.Run(ctx)
	go a.pruneLoop(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http shutdown", "err", err)
	}
	a.reg.CloseAll("server shutting down")
	if err := a.sqlDB.Close(); err != nil {
		a.log.Error("close database", "err", err)
	}
	return nil
}

// pruneLoop drops expired probe samples on a fixed cadence.
func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scheduler.PruneExpired(ctx)
		}
	}
}
