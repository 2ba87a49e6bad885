package di

import (
	"context"

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
	"orderflow-backend/internal/infrastructure/persistence/sagastate"
	"orderflow-backend/internal/infrastructure/persistence/viewstore"
	"orderflow-backend/internal/infrastructure/resilience"
	"orderflow-backend/internal/infrastructure/tracing"
	"orderflow-backend/pkg/observability"
)

// Container holds the assembled runtime.
type Container struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Tracing  *tracing.TracerProvider

	DB           *sqlx.DB
	Hot          *hotstore.Store
	EventBatcher EventBatcher
	ViewBatcher  ViewBatcher
	EventLog     *eventlog.Log
	Views        *viewstore.Store
	SagaState    *sagastate.Store
	Cache        ports.ProjectionCache

	Bus         *messaging.Bus
	Outbox      ports.OutboxStore
	DeadLetters ports.DeadLetterStore
	DLQ         *messaging.DeadLetterQueue
	Publisher   *messaging.OutboxPublisher

	Breakers *resilience.Breakers
	Invoker  *resilience.Invoker

	Schemas      *events.SchemaRegistry
	ViewRegistry *views.Registry

	Engine       *pipeline.Engine
	Orchestrator *sagas.Orchestrator
	Tracker      *sagas.Tracker
	Scheduler    *sagas.Scheduler

	publisherStarted bool
}

// Start launches the background loops. The pipeline workers already run.
// The outbox publisher runs in every publish mode: dead-letter replays
// re-enter through the outbox even when the pipeline publishes directly.
func (c *Container) Start() {
	c.Scheduler.Start()
	c.Publisher.Start()
	c.publisherStarted = true
	c.Logger.Info("runtime started",
		zap.String("environment", string(c.Config.Environment)),
		zap.Bool("postgres", c.Config.Postgres.Enabled),
		zap.Bool("redis", c.Config.Redis.Enabled),
		zap.String("publish_mode", string(c.Config.Pipeline.PublishMode)),
	)
}

// Shutdown drains in order: ingress, scheduler, outbox, write-behind queues,
// then the external connections.
func (c *Container) Shutdown(ctx context.Context) {
	if err := c.Engine.Close(ctx); err != nil {
		c.Logger.Warn("pipeline drain incomplete", zap.Error(err))
	}
	c.Scheduler.Stop()
	if c.publisherStarted {
		if err := c.Publisher.Stop(ctx); err != nil {
			c.Logger.Warn("outbox publisher stop incomplete", zap.Error(err))
		}
	}
	if c.EventBatcher.Batcher != nil {
		if err := c.EventBatcher.Close(ctx); err != nil {
			c.Logger.Warn("event flush incomplete", zap.Error(err))
		}
	}
	if err := c.ViewBatcher.Close(ctx); err != nil {
		c.Logger.Warn("view flush incomplete", zap.Error(err))
	}
	if closer, ok := c.Cache.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			c.Logger.Warn("cache close failed", zap.Error(err))
		}
	}
	if c.Tracing != nil {
		if err := c.Tracing.Shutdown(ctx); err != nil {
			c.Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Logger.Warn("database close failed", zap.Error(err))
		}
	}
	c.Logger.Info("runtime stopped")
}
