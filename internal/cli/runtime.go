package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/bus"
	"github.com/raphaelgruber/lakeflow/internal/db"
	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/jobs"
	"github.com/raphaelgruber/lakeflow/internal/llm"
	"github.com/raphaelgruber/lakeflow/internal/memstore"
	"github.com/raphaelgruber/lakeflow/internal/metrics"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/raphaelgruber/lakeflow/internal/service"
)

// backend is a store that can also be seeded and browsed.
type backend interface {
	service.Store
	PutArchive(ctx context.Context, a *models.Archive) error
	PutVectorStore(ctx context.Context, vs *models.VectorStore) error
	ListJobs(ctx context.Context, parent *models.JobKey) ([]models.Job, error)
}

// runtimeOptions selects what a command needs from the runtime.
type runtimeOptions struct {
	// ai connects the model and embedder providers.
	ai bool
	// detached leaves published events for a worker instead of handling
	// them in this process.
	detached bool
}

// runtime is one process worth of workflow components.
type runtime struct {
	store   backend
	client  *db.Client
	engine  *service.Engine
	bus     *bus.Memory
	metrics *metrics.Collector
}

func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{metrics: metrics.NewCollector()}

	var (
		ai       llm.Invoker
		embedder *llm.Embedder
	)
	dimension := cfg.EmbedDimension
	if opts.ai {
		var err error
		ai, err = llm.NewInvoker(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init model: %w", err)
		}
		embedder, err = llm.NewEmbedder(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init embedder: %w", err)
		}
		dimension = embedder.Dimension()
		logger.Debug("embedder ready", "model", embedder.Model(), "dimension", dimension)
	}

	if memory {
		rt.store = memstore.New()
	} else {
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := client.InitSchema(ctx, dimension); err != nil {
			_ = client.Close(ctx)
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
		rt.client = client
		rt.store = client
	}

	deps := service.Dependencies{
		Jobs:     jobs.NewTracker(rt.store, logger),
		Settings: settings,
		Logger:   logger,
		Metrics:  rt.metrics,
	}.FromStore(rt.store)

	if ai != nil {
		deps.AI = llm.WithMetrics(ai, rt.metrics)
		deps.Embedder = embedder
	}

	if opts.detached {
		deps.Publisher = &bus.Recorder{}
		rt.engine = service.NewEngine(deps)
		return rt, nil
	}

	rt.bus = bus.NewMemory(bus.MemoryConfig{
		Workers:     cfg.WorkerConcurrency,
		MaxAttempts: 5,
		RetryDelay:  2 * time.Second,
	}, func(ctx context.Context, ev events.Event) error {
		return rt.engine.Handle(ctx, ev)
	}, logger)
	deps.Publisher = rt.bus
	rt.engine = service.NewEngine(deps)
	rt.bus.Start(ctx)
	return rt, nil
}

// close stops the bus and releases the database connection.
func (rt *runtime) close(ctx context.Context) {
	if rt.bus != nil {
		rt.bus.Stop()
	}
	if rt.client != nil {
		if err := rt.client.Close(ctx); err != nil {
			logger.Warn("close database", "error", err)
		}
	}
}

// requireDB rejects commands that only make sense against a shared store.
func requireDB(command string) error {
	if memory {
		return fmt.Errorf("%s needs SurrealDB; the in-memory store does not outlive the process", command)
	}
	return nil
}
