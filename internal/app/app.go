// Package app assembles an engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/interruptgraph/agent"
	"github.com/dshills/interruptgraph/config"
	"github.com/dshills/interruptgraph/enrich"
	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/graph/emit"
	"github.com/dshills/interruptgraph/graph/model"
	"github.com/dshills/interruptgraph/graph/model/anthropic"
	"github.com/dshills/interruptgraph/graph/model/google"
	"github.com/dshills/interruptgraph/graph/model/openai"
	"github.com/dshills/interruptgraph/graph/store"
	"github.com/dshills/interruptgraph/graph/tool"
	"github.com/dshills/interruptgraph/semantic"
)

// App is a wired engine together with the resources it owns.
type App struct {
	Engine   *graph.Engine
	Registry *prometheus.Registry
	Costs    *model.CostTracker

	// Enrich runs the metadata enrichment workflow. It is nil unless
	// enrich.tables is configured. Each engine keeps its runs in its own
	// namespace of the store, so a run ID may be reused across workflows.
	Enrich *graph.Engine
	// Repository receives the views Enrich publishes.
	Repository *enrich.MemSourceControl

	store   store.Store
	closers []func(context.Context) error
}

// Ping checks that the store is reachable, for stores that support it.
func (a *App) Ping(ctx context.Context) error {
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases everything Build opened, in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Build wires the query assistant workflow, and the enrichment workflow when
// configured, onto the configured store, model provider, catalog and
// emitter. The caller must Close the result.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Registry: prometheus.NewRegistry(), Costs: model.NewCostTracker()}
	app, err := a.build(ctx, cfg, logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, locker, err := a.openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.store = st

	chat, modelName, err := newChatModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	catalog, err := newCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	tools := tool.NewRegistry()
	if err := semantic.RegisterTools(tools, catalog); err != nil {
		return nil, fmt.Errorf("register catalog tools: %w", err)
	}

	retry := model.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Model.MaxAttempts
	completer := model.NewScopedCompleter(chat, modelName, tools,
		model.WithRetry(retry),
		model.WithCostTracker(a.Costs),
	)

	assistant, err := agent.New(completer, catalog, tools,
		agent.WithLogger(logger),
		agent.WithConfidenceThreshold(cfg.Agent.ConfidenceThreshold),
		agent.WithStepTimeout(cfg.Agent.StepTimeout.Std()),
	)
	if err != nil {
		return nil, err
	}
	g, err := assistant.Graph()
	if err != nil {
		return nil, fmt.Errorf("compile workflow: %w", err)
	}

	emitter, err := a.newEmitter(cfg.Events)
	if err != nil {
		return nil, err
	}

	engineOpts := func(namespace string) []graph.Option {
		opts := []graph.Option{
			graph.WithMaxSteps(cfg.Engine.MaxSteps),
			graph.WithConflictRetries(cfg.Engine.ConflictRetries),
			graph.WithConflictBackoff(cfg.Engine.ConflictBackoff.Std()),
			graph.WithDefaultStepTimeout(cfg.Engine.StepTimeout.Std()),
			graph.WithEmitter(emitter),
			graph.WithMetrics(graph.NewPrometheusMetrics(a.Registry, namespace)),
			graph.WithLogger(logger),
		}
		if locker != nil {
			opts = append(opts, graph.WithLocker(locker, cfg.Store.LockTTL.Std()))
		}
		return opts
	}

	a.Engine, err = graph.New(g, store.Namespaced(st, "query:"), engineOpts(graph.DefaultMetricsNamespace)...)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	if cfg.Enrich.Enabled() {
		if err := a.buildEnrich(cfg.Enrich, completer, st, logger, engineOpts(graph.DefaultMetricsNamespace+"_enrich")); err != nil {
			return nil, err
		}
	}

	logger.Info("engine ready",
		"store", cfg.Store.Driver,
		"model", cfg.Model.Provider,
		"catalog", cfg.Catalog.Kind,
		"emitter", cfg.Events.Emitter,
		"enrich", cfg.Enrich.Enabled(),
	)
	return a, nil
}

func (a *App) buildEnrich(cfg config.EnrichConfig, completer model.Completer, st store.Store, logger *slog.Logger, opts []graph.Option) error {
	tables, err := enrich.LoadTables(cfg.Tables)
	if err != nil {
		return err
	}
	a.Repository = enrich.NewMemSourceControl(cfg.BaseBranch, cfg.RepoURL)

	w, err := enrich.New(completer, tables, a.Repository,
		enrich.WithLogger(logger),
		enrich.WithBaseBranch(cfg.BaseBranch),
		enrich.WithViewsPath(cfg.ViewsPath),
		enrich.WithDataset(cfg.Dataset),
		enrich.WithStepTimeout(cfg.StepTimeout.Std()),
	)
	if err != nil {
		return err
	}
	g, err := w.Graph()
	if err != nil {
		return fmt.Errorf("compile enrichment workflow: %w", err)
	}
	a.Enrich, err = graph.New(g, store.Namespaced(st, "enrich:"), opts...)
	if err != nil {
		return fmt.Errorf("create enrichment engine: %w", err)
	}
	logger.Debug("enrichment workflow ready", "tables", len(tables.Names()))
	return nil
}

func (a *App) openStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, store.Locker, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return store.NewMemStore(), nil, nil

	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Debug("opened sqlite store", "path", st.Path())
		a.onClose(func(context.Context) error { return st.Close() })
		return st, nil, nil

	case "mysql":
		st, err := store.NewMySQLStore(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		a.onClose(func(context.Context) error { return st.Close() })
		return st, nil, nil

	case "redis":
		st := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, store.WithRedisPrefix(cfg.RedisPrefix))
		a.onClose(func(context.Context) error { return st.Close() })
		if cfg.LockTTL <= 0 {
			return st, nil, nil
		}
		return st, store.NewRedisLocker(st.Client(), cfg.RedisPrefix+"lock:"), nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func newChatModel(cfg config.ModelConfig) (model.ChatModel, string, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		m := anthropic.NewChatModel(cfg.APIKey, cfg.Name)
		return m, m.ModelName(), nil
	case "openai":
		m := openai.NewChatModel(cfg.APIKey, cfg.Name)
		return m, m.ModelName(), nil
	case "google":
		m := google.NewChatModel(cfg.APIKey, cfg.Name)
		return m, m.ModelName(), nil
	case "mock":
		// Empty completions send every step down its keyword fallback.
		return model.NopChatModel{}, "mock", nil
	}
	return nil, "", fmt.Errorf("unknown model provider %q", cfg.Provider)
}

func newCatalog(cfg config.CatalogConfig) (semantic.Catalog, error) {
	switch strings.ToLower(cfg.Kind) {
	case "static":
		c, err := semantic.LoadStaticCatalog(cfg.Path)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "http":
		opts := []semantic.HTTPOption{semantic.WithCallTimeout(cfg.Timeout.Std())}
		if cfg.Token != "" {
			opts = append(opts, semantic.WithHeader("Authorization", "Bearer "+cfg.Token))
		}
		c, err := semantic.NewHTTPCatalog(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown catalog kind %q", cfg.Kind)
}

func (a *App) newEmitter(cfg config.EventsConfig) (emit.Emitter, error) {
	switch strings.ToLower(cfg.Emitter) {
	case "log":
		return emit.NewLogEmitter(os.Stderr, cfg.JSON), nil
	case "null":
		return emit.NewNullEmitter(), nil
	case "otel":
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		oe := emit.NewOTelEmitter(tp.Tracer("github.com/dshills/interruptgraph"))
		a.onClose(func(ctx context.Context) error {
			if err := oe.Flush(ctx, tp); err != nil {
				return err
			}
			return tp.Shutdown(ctx)
		})
		return oe, nil
	}
	return nil, fmt.Errorf("unknown emitter %q", cfg.Emitter)
}
