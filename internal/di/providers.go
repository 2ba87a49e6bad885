// Package di assembles the runtime from its components. Providers are plain
// constructors selected by capability flags: Postgres and Redis are optional
// tiers, everything else always runs.
package di

import (
	"context"
	"fmt"

	"github.com/google/wire"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"orderflow-backend/internal/application/pipeline"
	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/application/sagas"
	"orderflow-backend/internal/application/views"
	"orderflow-backend/internal/config"
	"orderflow-backend/internal/domain/events"
	"orderflow-backend/internal/infrastructure/messaging"
	"orderflow-backend/internal/infrastructure/persistence/eventlog"
	"orderflow-backend/internal/infrastructure/persistence/hotstore"
	"orderflow-backend/internal/infrastructure/persistence/memory"
	"orderflow-backend/internal/infrastructure/persistence/postgres"
	redisstore "orderflow-backend/internal/infrastructure/persistence/redis"
	"orderflow-backend/internal/infrastructure/persistence/sagastate"
	"orderflow-backend/internal/infrastructure/persistence/viewstore"
	"orderflow-backend/internal/infrastructure/persistence/writebehind"
	"orderflow-backend/internal/infrastructure/resilience"
	"orderflow-backend/internal/infrastructure/tracing"
	"orderflow-backend/pkg/observability"
)

// EventBatcher is the write-behind queue feeding the event durable tier.
// A distinct type keeps it apart from the view batcher in the graph.
type EventBatcher struct{ *writebehind.Batcher }

// ViewBatcher is the write-behind queue feeding the view durable tier.
type ViewBatcher struct{ *writebehind.Batcher }

// ProviderSet is the full wiring of the runtime.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideRegistry,
	ProvideMetrics,
	ProvideDB,
	ProvideEventDurable,
	ProvideViewDurable,
	ProvideOutboxStore,
	ProvideDeadLetterStore,
	ProvideSagaMirror,
	ProvideProjectionCache,
	ProvideHotStore,
	ProvideEventBatcher,
	ProvideViewBatcher,
	ProvideEventLog,
	ProvideViewStore,
	ProvideSagaState,
	ProvideBus,
	ProvideOutboxPublisher,
	ProvideDeadLetterQueue,
	ProvideBreakers,
	ProvideInvoker,
	ProvideSchemaRegistry,
	ProvideViewRegistry,
	ProvideTracker,
	ProvideOrchestrator,
	ProvideEngine,
	ProvideScheduler,
	wire.Bind(new(ports.EventLog), new(*eventlog.Log)),
	wire.Bind(new(ports.ViewStore), new(*viewstore.Store)),
	wire.Bind(new(ports.SagaStateStore), new(*sagastate.Store)),
	wire.Bind(new(ports.EventBus), new(*messaging.Bus)),
	wire.Struct(new(Container), "*"),
)

func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Environment == config.Production {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// ProvideRegistry gives each container its own metrics registry; exposition
// wiring mounts it wherever the deployment serves /metrics.
func ProvideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func ProvideMetrics(reg *prometheus.Registry) *observability.Metrics {
	return observability.NewMetrics("orderflow", reg)
}

// ProvideDB connects the relational tier, running migrations when configured.
// Returns nil when Postgres is disabled.
func ProvideDB(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	if !cfg.Postgres.Enabled {
		return nil, nil
	}
	db, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if cfg.Postgres.MigrateOnStart {
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return db, nil
}

func ProvideEventDurable(cfg *config.Config, db *sqlx.DB) ports.EventDurable {
	if cfg.Postgres.Enabled {
		return postgres.NewEventStore(db)
	}
	return memory.NewEventStore()
}

func ProvideViewDurable(cfg *config.Config, db *sqlx.DB) ports.ViewDurable {
	if cfg.Postgres.Enabled {
		return postgres.NewViewStore(db)
	}
	return memory.NewViewStore()
}

func ProvideOutboxStore(cfg *config.Config, db *sqlx.DB) ports.OutboxStore {
	if cfg.Postgres.Enabled {
		return postgres.NewOutboxStore(db)
	}
	return memory.NewOutbox()
}

func ProvideDeadLetterStore(cfg *config.Config, db *sqlx.DB) ports.DeadLetterStore {
	if cfg.Postgres.Enabled {
		return postgres.NewDeadLetterStore(db)
	}
	return memory.NewDeadLetter()
}

// ProvideSagaMirror returns the saga write-through mirror, nil without a
// relational tier.
func ProvideSagaMirror(cfg *config.Config, db *sqlx.DB) sagastate.Mirror {
	if cfg.Postgres.Enabled {
		return postgres.NewSagaStore(db)
	}
	return nil
}

// ProvideProjectionCache returns the Redis read cache, nil when disabled.
func ProvideProjectionCache(cfg *config.Config) ports.ProjectionCache {
	if !cfg.Redis.Enabled {
		return nil
	}
	return redisstore.NewViewCache(cfg.Redis)
}

func ProvideHotStore(cfg *config.Config, metrics *observability.Metrics) *hotstore.Store {
	return hotstore.New(cfg.Pipeline.PartitionCount, cfg.Persistence.HotCacheMaxPerPart, cfg.Persistence.EvictionPolicy, metrics)
}

func ProvideEventBatcher(cfg *config.Config, durable ports.EventDurable, hot *hotstore.Store, logger *zap.Logger, metrics *observability.Metrics) EventBatcher {
	if cfg.Persistence.DurableAppend {
		return EventBatcher{}
	}
	b := writebehind.New(cfg.Pipeline.PartitionCount, cfg.Persistence, durable, logger, metrics,
		writebehind.WithFlushedHook(eventlog.FlushedHook(hot)))
	return EventBatcher{b}
}

func ProvideViewBatcher(cfg *config.Config, durable ports.ViewDurable, hot *hotstore.Store, logger *zap.Logger, metrics *observability.Metrics) ViewBatcher {
	b := writebehind.New(cfg.Pipeline.PartitionCount, cfg.Persistence, durable, logger, metrics,
		writebehind.WithFlushedHook(viewstore.FlushedHook(hot)))
	return ViewBatcher{b}
}

func ProvideEventLog(cfg *config.Config, hot *hotstore.Store, batcher EventBatcher, durable ports.EventDurable, logger *zap.Logger) *eventlog.Log {
	return eventlog.New(hot, batcher.Batcher, durable, cfg.Persistence.DurableAppend, cfg.Persistence.ReadThrough, logger)
}

func ProvideViewStore(cfg *config.Config, hot *hotstore.Store, batcher ViewBatcher, durable ports.ViewDurable, cache ports.ProjectionCache, logger *zap.Logger) *viewstore.Store {
	return viewstore.New(hot, batcher.Batcher, durable, cache, cfg.Persistence.ReadThrough, logger)
}

// ProvideSagaState builds the saga store and hydrates it from the mirror.
func ProvideSagaState(ctx context.Context, mirror sagastate.Mirror, logger *zap.Logger) (*sagastate.Store, error) {
	s := sagastate.New(mirror, logger)
	if mirror != nil {
		if err := s.Hydrate(ctx); err != nil {
			return nil, fmt.Errorf("saga state hydrate: %w", err)
		}
	}
	return s, nil
}

func ProvideBus(logger *zap.Logger) *messaging.Bus {
	return messaging.NewBus(logger)
}

func ProvideOutboxPublisher(store ports.OutboxStore, dlq ports.DeadLetterStore, bus ports.EventBus, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) *messaging.OutboxPublisher {
	return messaging.NewOutboxPublisher(store, dlq, bus, cfg.Outbox, logger, metrics)
}

func ProvideDeadLetterQueue(store ports.DeadLetterStore, outbox ports.OutboxStore, logger *zap.Logger) *messaging.DeadLetterQueue {
	return messaging.NewDeadLetterQueue(store, outbox, logger)
}

func ProvideBreakers(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) *resilience.Breakers {
	return resilience.NewBreakers(cfg.Resilience, logger, metrics)
}

func ProvideInvoker(breakers *resilience.Breakers, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) *resilience.Invoker {
	return resilience.NewInvoker(breakers, cfg.Resilience, logger, metrics)
}

func ProvideSchemaRegistry() *events.SchemaRegistry {
	return events.NewSchemaRegistry()
}

func ProvideViewRegistry() *views.Registry {
	return views.NewRegistry()
}

func ProvideTracker(store ports.SagaStateStore, bus ports.EventBus, cfg *config.Config, logger *zap.Logger) *sagas.Tracker {
	return sagas.NewTracker(store, bus, cfg.Saga, logger)
}

func ProvideOrchestrator(store ports.SagaStateStore, invoker *resilience.Invoker, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) *sagas.Orchestrator {
	return sagas.NewOrchestrator(store, invoker, cfg.Saga, logger, metrics)
}

// ProvideEngine builds the pipeline and hooks the choreography tracker into
// its COMPLETE stage.
func ProvideEngine(
	cfg *config.Config,
	log *eventlog.Log,
	viewStore *viewstore.Store,
	registry *views.Registry,
	bus *messaging.Bus,
	outbox ports.OutboxStore,
	dlq ports.DeadLetterStore,
	invoker *resilience.Invoker,
	schemas *events.SchemaRegistry,
	tracker *sagas.Tracker,
	tp *tracing.TracerProvider,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *pipeline.Engine {
	engine := pipeline.New(cfg.Pipeline, log, viewStore, registry, bus, outbox, dlq, invoker, logger, metrics,
		pipeline.WithSchemas(schemas),
		pipeline.WithTracer(tp.Tracer()),
	)
	engine.OnComplete(tracker.Observe)
	return engine
}

func ProvideScheduler(store ports.SagaStateStore, orch *sagas.Orchestrator, tracker *sagas.Tracker, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) *sagas.Scheduler {
	return sagas.NewScheduler(store, orch, tracker, cfg.Saga, logger, metrics)
}
