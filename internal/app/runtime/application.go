// Package runtime wires configuration, storage, services and the HTTP
// server into a runnable creditd instance.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/shopworks/creditcore/internal/app"
	"github.com/shopworks/creditcore/internal/app/httpapi"
	"github.com/shopworks/creditcore/internal/app/storage/postgres"
	"github.com/shopworks/creditcore/internal/config"
	"github.com/shopworks/creditcore/pkg/logger"
)

// Application wires core dependencies and manages the server lifecycle.
type Application struct {
	cfg        config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sqlx.DB
}

// NewApplication constructs an application from configuration.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig constructs an application from an explicit config.
func NewApplicationWithConfig(cfg config.Config) (*Application, error) {
	log := logger.New(cfg.Logging)

	var stores app.Stores
	var db *sqlx.DB
	if cfg.Database.Driver == "postgres" {
		var err error
		db, err = openDatabase(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		store := postgres.New(db)
		stores = app.Stores{
			Ledger:     store,
			Orders:     store,
			Settlement: store,
			Invites:    store,
			APIKeys:    store,
		}
		log.Info("using postgres storage")
	} else {
		log.Warn("using in-memory storage; data will not survive restarts")
	}

	application, err := app.New(stores, app.Config{
		WebhookSecret: cfg.Webhook.Secret,
		RewardPercent: cfg.Rewards.Percent,
		SweepSchedule: cfg.Sweeper.Schedule,
		PendingTTL:    cfg.Sweeper.PendingTTL,
	}, log)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("build application: %w", err)
	}

	handler, err := httpapi.Wrap(httpapi.NewHandler(application), httpapi.Options{
		JWTSecret:         []byte(cfg.Auth.JWTSecret),
		APIKeys:           application.APIKeys,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Log:               log,
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("build http handler: %w", err)
	}

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		app:        application,
		httpServer: httpSrv,
		db:         db,
	}, nil
}

// Run starts background services and the HTTP server, then blocks until
// the context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Addr())
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, background services and the
// database connection.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping services")
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
