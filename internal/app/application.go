package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/raysh454/kansa/internal/advisor"
	"github.com/raysh454/kansa/internal/cache"
	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/queue"
	"github.com/raysh454/kansa/internal/scanner"
	"github.com/raysh454/kansa/internal/server"
	"github.com/raysh454/kansa/internal/store"
	"github.com/raysh454/kansa/internal/webclient"
)

// Application is the global runtime state container. It owns the database
// handle and the long-lived services built on it, and wires them together at
// startup. Pass Application into code that needs shared state rather than
// using package-level variables.
type Application struct {
	Config *Config
	Logger logging.Logger
	Orch   *Orchestrator
	Server *server.Server

	db     *sql.DB
	cache  *cache.TTLCache
	ctx    context.Context
	cancel context.CancelFunc
}

// NewApplication builds the full service graph from config: storage, queue,
// web clients, the provider set, the advisor, the orchestrator and the HTTP
// server. Nothing starts running until Start is called.
func NewApplication(cfg *Config) (*Application, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := logging.NewLogrusLogger("kansa", cfg.LogLevel, os.Stderr)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	st, err := store.New(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	q, err := queue.New(db, cfg.Queue, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue: %w", err)
	}

	wc, err := webclient.New(cfg.WebClient, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init web client: %w", err)
	}

	var render webclient.WebClient
	if cfg.EnableRenderer {
		renderCfg := cfg.WebClient
		renderCfg.Backend = "chromedp"
		render, err = webclient.New(renderCfg, logger)
		if err != nil {
			// Deep content scans degrade to the plain client.
			logger.Warn("renderer unavailable",
				logging.Field{Key: "error", Value: err.Error()})
			render = nil
		}
	}

	gradeCache := cache.New(cfg.Orchestrator.GradeCacheTTL)
	providers := scanner.Build(cfg.Scanner, scanner.Deps{
		WC:     wc,
		Render: render,
		Cache:  gradeCache,
		Logger: logger,
	})
	adv := advisor.New(cfg.Advisor, wc, logger)

	orch := NewOrchestrator(cfg, st, q, providers, adv, logger)
	srv := server.New(cfg.Server, orch, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		Config: cfg,
		Logger: logger,
		Orch:   orch,
		Server: srv,
		db:     db,
		cache:  gradeCache,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the orchestrator workers and the HTTP listener. The HTTP
// server's fatal errors surface on the returned channel.
func (a *Application) Start() <-chan error {
	a.Orch.Start(a.ctx)
	errCh := a.Server.Start()
	a.Logger.Info("application started",
		logging.Field{Key: "addr", Value: a.Config.Server.Addr},
		logging.Field{Key: "db", Value: a.Config.DBPath})
	return errCh
}

// Shutdown stops the HTTP server first so no new jobs arrive, then drains the
// orchestrator, then closes the database. Each phase is bounded by ctx.
func (a *Application) Shutdown(ctx context.Context) error {
	a.Logger.Info("application shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("http shutdown error", logging.Field{Key: "error", Value: err.Error()})
		firstErr = err
	}
	if err := a.Orch.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("orchestrator shutdown error", logging.Field{Key: "error", Value: err.Error()})
		if firstErr == nil {
			firstErr = err
		}
	}

	a.cancel()
	if err := a.db.Close(); err != nil {
		a.Logger.Warn("database close error", logging.Field{Key: "error", Value: err.Error()})
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
