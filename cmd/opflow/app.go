package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/opflow/internal/bridge"
	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/config"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/llm"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/remote"
	"github.com/rendis/opflow/internal/sandbox"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/tracing"
	"github.com/rendis/opflow/internal/validation"
)

// app holds the wired runtime shared by serve, run and mcp.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     store.Store
	hub       *streaming.MemoryHub
	catalog   catalog.Catalog
	validator *validation.Validator
	tokens    *bridge.Tokens
	tracing   *tracing.Provider
	engine    *engine.Engine
}

type appOptions struct {
	// memoryStore keeps sessions in process memory instead of the database.
	memoryStore bool
	// catalog overrides the workflows directory catalog.
	catalog catalog.Catalog
}

func loadConfig(g *globalFlags) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg config.Config) (*store.SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.DBDriver, "file:"+cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// newHub builds the event hub. Events a slow subscriber misses are counted
// in opflow_broadcast_dropped_total.
func newHub(opts ...streaming.HubOption) *streaming.MemoryHub {
	opts = append([]streaming.HubOption{
		streaming.WithDropHandler(func(streaming.StreamEvent) { metrics.RecordDropped() }),
	}, opts...)
	return streaming.NewMemoryHub(opts...)
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		hub:       newHub(),
		validator: validation.New(),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if opts.memoryStore {
		a.store = store.NewMemoryStore()
	} else {
		st, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.store = st
	}

	if opts.catalog != nil {
		a.catalog = opts.catalog
	} else {
		dir, err := catalog.NewDirCatalog(cfg.WorkflowsDir,
			catalog.WithPattern(cfg.WorkflowsGlob),
			catalog.WithCheck(a.validator.ValidateDefinition),
			catalog.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		n, err := dir.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load workflows: %w", err)
		}
		logger.Info("workflows loaded", slog.Int("count", n), slog.String("dir", cfg.WorkflowsDir))
		a.catalog = dir
	}

	a.tracing, err = tracing.NewProvider(cfg.Tracing, os.Stderr)
	if err != nil {
		return nil, err
	}
	a.tracing.Install()

	exprs, err := expressions.NewSet()
	if err != nil {
		return nil, fmt.Errorf("init expression engines: %w", err)
	}

	var llmClient llm.Client = llm.Unconfigured{}
	if cfg.LLMBaseURL != "" {
		llmClient = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, llm.WithDefaultModel(cfg.LLMModel))
	}

	deps := engine.Deps{
		Store:       a.store,
		Catalog:     a.catalog,
		Hub:         a.hub,
		Sandbox:     sandbox.NewDefaultRouter(logger),
		LLM:         llmClient,
		Expressions: exprs,
		Tracer:      a.tracing.Tracer(),
		Logger:      logger,
	}
	if cfg.BridgeSecret != "" {
		a.tokens, err = bridge.NewTokens([]byte(cfg.BridgeSecret),
			bridge.WithTTL(cfg.BridgeTokenTTL.Std()), bridge.WithIssuer(cfg.BridgeIssuer))
		if err != nil {
			return nil, err
		}
		deps.Tokens = a.tokens
	}
	if cfg.RemoteBaseURL != "" {
		if a.tokens == nil {
			return nil, errors.New("remote_base_url requires bridge_secret")
		}
		deps.Remote = remote.NewHTTPClient(cfg.RemoteBaseURL, cfg.RemoteRateLimit, nil)
	}

	a.engine, err = engine.New(deps, engine.Config{
		PoolSize:       cfg.PoolSize,
		MaxStepsPerRun: cfg.MaxStepsPerRun,
		MaxNestedDepth: cfg.MaxNestedDepth,
		CallbackURL:    cfg.CallbackURL,
		CircuitBreaker: engine.DefaultCircuitBreakerConfig(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// close drains the engine and releases storage and tracing.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			a.logger.Warn("engine shutdown", slog.String("error", err.Error()))
		}
	}
	if a.tracing != nil {
		_ = a.tracing.Shutdown(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}
