package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nugget/skein/internal/agent"
	"github.com/nugget/skein/internal/config"
	"github.com/nugget/skein/internal/embeddings"
	"github.com/nugget/skein/internal/engine"
	"github.com/nugget/skein/internal/events"
	"github.com/nugget/skein/internal/history"
	"github.com/nugget/skein/internal/llm"
	"github.com/nugget/skein/internal/mcp"
	"github.com/nugget/skein/internal/metatools"
	"github.com/nugget/skein/internal/notify"
	"github.com/nugget/skein/internal/telemetry"
	"github.com/nugget/skein/internal/thread"
	"github.com/nugget/skein/internal/thread/pgstore"
	"github.com/nugget/skein/internal/trigger"
	"github.com/nugget/skein/internal/wake"
)

// app holds the wired components of a running skein process.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *events.Bus
	store      thread.Store
	wakeStore  *wake.Store
	scheduler  *wake.Scheduler
	worker     *wake.Worker
	mqtt       *notify.MQTT
	history    *history.Index
	engine     *engine.Runner
	loop       *agent.Loop
	dispatcher *agent.Dispatcher

	closers []func(context.Context) error
}

// buildApp opens storage and wires every component. Nothing is started;
// serve starts the background parts.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	inst, shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.wakeStore, err = wake.NewStore(cfg.Wake.Path)
	if err != nil {
		return nil, fmt.Errorf("open wake store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.wakeStore.Close() })

	// The worker calls back into the dispatcher, which is built last.
	a.worker = wake.NewWorker(logger.With("component", "wake-worker"), func(ctx context.Context, job *wake.Job) error {
		return a.dispatcher.HandleWake(ctx, job)
	}, wake.WorkerConfig{QueueSize: cfg.Wake.QueueSize, Timeout: cfg.Wake.Timeout})
	a.scheduler = wake.New(logger.With("component", "wake"), a.wakeStore, a.worker.Deliver)

	notifiers := notify.Multi{}
	if cfg.MQTT.Configured() {
		a.mqtt = notify.NewMQTT(cfg.MQTT, logger)
		notifiers = append(notifiers, a.mqtt)
	}
	if cfg.Email.Configured() {
		notifiers = append(notifiers, notify.NewEmail(cfg.Email, logger))
	}

	var searcher metatools.Searcher
	if cfg.Embeddings.Enabled {
		emb := embeddings.New(embeddings.Config{BaseURL: cfg.Embeddings.BaseURL, Model: cfg.Embeddings.Model})
		a.history, err = history.Open(cfg.Embeddings.Path, emb, emb.Model(), logger)
		if err != nil {
			return nil, fmt.Errorf("open history index: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return a.history.Close() })
		searcher = a.history
		logger.Info("history search enabled", "model", cfg.Embeddings.Model)
	}

	meta := metatools.New(metatools.Config{
		Store:     a.store,
		Scheduler: a.scheduler,
		Notifier:  notifiers,
		History:   searcher,
		Events:    a.bus,
		Logger:    logger,
	})

	a.engine = engine.New(newLLMClient(cfg, logger), logger)
	a.loop = agent.NewLoop(agent.Config{
		Store:             a.store,
		Engine:            a.engine,
		MetaTools:         meta,
		DomainTools:       mcp.Load(ctx, cfg.MCP.Servers, logger),
		Events:            a.bus,
		Telemetry:         inst,
		Logger:            logger,
		DefaultModel:      cfg.Models.Default,
		SystemPrompt:      cfg.Agent.SystemPrompt,
		MaxIterations:     cfg.Agent.MaxIterations,
		MaxDuration:       cfg.Agent.MaxDuration,
		ReconcileAttempts: cfg.Agent.ReconcileAttempts,
		ReconcileBackoff:  cfg.Agent.ReconcileBackoff,
		TitleModel:        cfg.Agent.TitleModel,
		TitleTimeout:      cfg.Agent.TitleTimeout,
	})

	dcfg := agent.DispatcherConfig{
		Loop:     a.loop,
		Ingestor: trigger.NewIngestor(a.store, a.bus, logger),
		Store:    a.store,
		Wakes:    a.scheduler,
		Events:   a.bus,
		Logger:   logger,
	}
	if a.history != nil {
		dcfg.History = a.history
	}
	a.dispatcher = agent.NewDispatcher(dcfg)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Storage.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		s := pgstore.New(pool)
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("init postgres thread store: %w", err)
		}
		a.store = s
	default:
		if err := os.MkdirAll(filepath.Dir(a.cfg.Storage.Path), 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
		s, err := thread.OpenSQLite(a.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open thread store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		a.store = s
	}
	a.logger.Info("thread store opened", "driver", a.cfg.Storage.Driver)
	return nil
}

// newLLMClient routes models to Ollama by default and to Anthropic
// when configured. Models mapped to an unconfigured provider are not
// served, so admission rejects them.
func newLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Ollama.URL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)
	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:    cfg.Anthropic.APIKey,
			BaseURL:   cfg.Anthropic.BaseURL,
			MaxTokens: cfg.Anthropic.MaxTokens,
			Logger:    logger,
		}))
	}
	for model, provider := range cfg.Models.Providers {
		multi.AddModel(model, provider)
	}
	return multi
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown errors", "error", err)
	}
}
