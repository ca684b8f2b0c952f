// Package app builds every component from configuration. No business logic
// lives here, only wiring.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/nidhogg/flowforge/internal/alert"
	"github.com/nidhogg/flowforge/internal/api"
	"github.com/nidhogg/flowforge/internal/compiler"
	"github.com/nidhogg/flowforge/internal/config"
	"github.com/nidhogg/flowforge/internal/drift"
	"github.com/nidhogg/flowforge/internal/events"
	"github.com/nidhogg/flowforge/internal/knowledge"
	"github.com/nidhogg/flowforge/internal/litestore"
	"github.com/nidhogg/flowforge/internal/mcptools"
	"github.com/nidhogg/flowforge/internal/origin"
	"github.com/nidhogg/flowforge/internal/patterns"
	"github.com/nidhogg/flowforge/internal/refresh"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
	pgstore "github.com/nidhogg/flowforge/internal/store"
	"go.uber.org/zap"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Origin   *origin.Client
	Cache    *schemacache.Cache
	Stores   *knowledge.Stores
	Refresh  *refresh.Coordinator
	Drift    *drift.Detector
	Compiler *compiler.Compiler
	Alerts   *alert.Alerter
	Bus      *events.RedisBus // nil without Redis
	Patterns *patterns.Store  // nil without Neo4j

	logger  *zap.Logger
	closers []func(context.Context) error
}

// NewLogger builds the process logger for a configured level.
func NewLogger(level string) (*zap.Logger, error) {
	switch level {
	case "debug":
		return zap.NewDevelopment()
	case "", "info":
		return zap.NewProduction()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

type backend struct {
	cache  schemacache.Backend
	locker refresh.Locker
	jobs   refresh.JobStore
}

// New wires the application. Optional services (Redis, Neo4j) that cannot
// be reached are logged and left out; the cache backend is required.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	be, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	a.Origin = origin.NewClient(origin.Config{
		Name:           cfg.Origin.Name,
		BaseURL:        cfg.Origin.BaseURL,
		APIKey:         cfg.Origin.APIKey,
		Timeout:        cfg.Origin.Timeout(),
		MaxConcurrency: cfg.Origin.MaxConcurrency,
	}, logger)

	a.Cache = schemacache.New(be.cache, schemacache.Options{
		Origin:     cfg.Origin.Name,
		DefaultTTL: cfg.Cache.DefaultTTL(),
		ChunkSize:  cfg.Cache.ChunkSize,
	}, logger)

	publisher := a.openPublishers()

	a.Stores = knowledge.NewStores(a.Cache, a.Origin, logger)
	a.Refresh = refresh.New(a.Cache, a.Origin, be.locker, be.jobs, publisher, cfg.Refresh.Concurrency, logger)
	for _, k := range schema.AllKinds {
		a.Refresh.RegisterInvalidator(k, a.Stores.Provider(k))
	}

	a.Drift = drift.New(a.Cache, a.Origin, publisher, drift.Config{
		CountThreshold:  cfg.Drift.CountThreshold,
		RepairThreshold: cfg.Drift.RepairThreshold,
	}, logger)

	budget := knowledge.DefaultRepairBudget
	if cfg.Compiler.RepairBudget != nil {
		budget = *cfg.Compiler.RepairBudget
	}
	a.Compiler = compiler.New(a.Stores.Nodes, a.Stores.Credentials, a.Drift, budget, logger)

	a.openPatterns(ctx)

	logger.Info("flowforge wired",
		zap.String("origin", cfg.Origin.Name),
		zap.String("cache", cfg.Cache.Backend),
		zap.Bool("redis", a.Bus != nil),
		zap.Bool("neo4j", a.Patterns != nil),
		zap.Strings("alerts", a.Alerts.Platforms()))
	return a, nil
}

func (a *App) openBackend(ctx context.Context) (*backend, error) {
	cfg := a.Config
	switch cfg.Cache.Backend {
	case config.BackendPostgres:
		pg, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, a.logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pg.Close(); return nil })
		return &backend{cache: pg.CacheBackend(), locker: pg.Locker(), jobs: pg.Jobs()}, nil
	case config.BackendSQLite:
		lite, err := litestore.Open(cfg.Database.SQLite.Path, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return lite.Close() })
		return &backend{cache: lite.CacheBackend(), locker: lite.Locker(cfg.Database.SQLite.LeaseTTL()), jobs: lite.Jobs()}, nil
	case config.BackendMemory:
		a.logger.Warn("using the in-memory schema cache; nothing survives a restart")
		return &backend{cache: schemacache.NewMemoryBackend(), locker: refresh.NewLocalLocker(), jobs: refresh.NewMemoryJobStore()}, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}

func (a *App) openPublishers() events.Publisher {
	cfg := a.Config
	var pubs events.Multi

	if cfg.Database.Redis.URL != "" {
		bus, err := events.NewRedisBus(cfg.Database.Redis.URL, cfg.Database.Redis.StreamMaxLen, a.logger)
		if err != nil {
			a.logger.Warn("Redis unavailable, running without event stream", zap.Error(err))
		} else {
			a.Bus = bus
			a.closers = append(a.closers, func(context.Context) error { return bus.Close() })
			pubs = append(pubs, bus)
		}
	}

	var notifiers []alert.Notifier
	if s := cfg.Alerts.Slack; s.Enabled {
		notifiers = append(notifiers, alert.NewSlackNotifier(s.BotToken, s.Channel, a.logger))
	}
	if d := cfg.Alerts.Discord; d.Enabled {
		n, err := alert.NewDiscordNotifier(d.BotToken, d.ChannelID, a.logger)
		if err != nil {
			a.logger.Warn("Discord alerts disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, n)
		}
	}
	a.Alerts = alert.New(a.logger, notifiers...)
	if len(notifiers) > 0 {
		pubs = append(pubs, a.Alerts)
	}

	if len(pubs) == 0 {
		return events.Nop{}
	}
	return pubs
}

func (a *App) openPatterns(ctx context.Context) {
	n := a.Config.Database.Neo4j
	if n.URI == "" {
		return
	}
	ps, err := patterns.NewStore(n.URI, n.User, n.Password, a.logger)
	if err == nil {
		err = ps.Ping(ctx)
	}
	if err == nil {
		err = ps.EnsureSchema(ctx)
	}
	if err != nil {
		a.logger.Warn("Neo4j unavailable, running without pattern store", zap.Error(err))
		if ps != nil {
			_ = ps.Close(ctx)
		}
		return
	}
	a.Patterns = ps
	a.closers = append(a.closers, ps.Close)
}

// APIHandler builds the HTTP handler.
func (a *App) APIHandler() *api.Handler {
	deps := api.Deps{
		Compiler:    a.Compiler,
		Refresh:     a.Refresh,
		Cache:       a.Cache,
		Stores:      a.Stores,
		Drift:       a.Drift,
		CORSOrigins: a.Config.Server.CORSOrigins,
	}
	if a.Patterns != nil {
		deps.Patterns = a.Patterns
	}
	if a.Bus != nil {
		deps.Events = a.Bus
	}
	return api.NewHandler(deps, a.logger)
}

// MCPServer builds the MCP tool server.
func (a *App) MCPServer() *server.MCPServer {
	deps := mcptools.Deps{
		Compiler: a.Compiler,
		Refresh:  a.Refresh,
		Cache:    a.Cache,
		Drift:    a.Drift,
	}
	if a.Patterns != nil {
		deps.Seeds = a.Patterns
	}
	return mcptools.NewServer(a.Config.MCP.Name, a.Config.MCP.Version, deps)
}

// Close releases every opened resource in reverse order.
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
