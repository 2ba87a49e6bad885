// Package pipeline implements the six-stage event engine: SOURCE, ENRICH,
// PERSIST, UPDATE_VIEW, PUBLISH, COMPLETE. Work is sharded by (domain, key)
// across fixed partitions; each partition is a single ordered worker.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/application/views"
	"orderflow-backend/internal/config"
	"orderflow-backend/internal/domain/events"
	"orderflow-backend/internal/infrastructure/resilience"
	apperrors "orderflow-backend/pkg/errors"
	"orderflow-backend/pkg/observability"
)

// CompletionObserver sees every event that passed all mandatory stages. The
// choreographed saga tracker hangs off this hook.
type CompletionObserver func(ctx context.Context, domain string, seq int64, event *events.Envelope)

type item struct {
	domain     string
	event      *events.Envelope
	handle     *Handle
	enqueuedAt time.Time
}

// Engine is the per-process pipeline over all domains.
type Engine struct {
	cfg      config.PipelineConfig
	log      ports.EventLog
	views    ports.ViewStore
	registry *views.Registry
	bus      ports.EventBus
	outbox   ports.OutboxStore
	dlq      ports.DeadLetterStore
	invoker  *resilience.Invoker
	schemas  *events.SchemaRegistry

	parts []chan item
	wg    sync.WaitGroup

	mu        sync.Mutex
	domainMu  map[string]*sync.RWMutex
	observers []CompletionObserver
	depth     int

	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	stopOnce sync.Once
	stopped  chan struct{}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithTracer sets the tracer used for per-stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithSchemas enables payload validation for registered event types.
func WithSchemas(r *events.SchemaRegistry) Option {
	return func(e *Engine) { e.schemas = r }
}

// New creates the engine and starts its partition workers.
func New(
	cfg config.PipelineConfig,
	log ports.EventLog,
	viewStore ports.ViewStore,
	registry *views.Registry,
	bus ports.EventBus,
	outbox ports.OutboxStore,
	dlq ports.DeadLetterStore,
	invoker *resilience.Invoker,
	logger *zap.Logger,
	metrics *observability.Metrics,
	opts ...Option,
) *Engine {
	partitions := cfg.PartitionCount
	if partitions <= 0 {
		partitions = 1
	}
	perPart := cfg.IngressCapacity / partitions
	if perPart < 1 {
		perPart = 1
	}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		views:    viewStore,
		registry: registry,
		bus:      bus,
		outbox:   outbox,
		dlq:      dlq,
		invoker:  invoker,
		parts:    make([]chan item, partitions),
		domainMu: make(map[string]*sync.RWMutex),
		logger:   logger,
		metrics:  metrics,
		tracer:   noop.NewTracerProvider().Tracer("pipeline"),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	for i := range e.parts {
		e.parts[i] = make(chan item, perPart)
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

// OnComplete registers a completion observer. Call before any traffic.
func (e *Engine) OnComplete(fn CompletionObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) partitionOf(domain, key string) int {
	h := fnv.New32a()
	h.Write([]byte(domain))
	h.Write([]byte{'|'})
	h.Write([]byte(key))
	return int(h.Sum32()) % len(e.parts)
}

// Submit validates and admits one event. It returns a handle resolving at
// the COMPLETE stage, or BACKPRESSURE when the ingress stays full past the
// configured wait.
func (e *Engine) Submit(ctx context.Context, domain string, event *events.Envelope) (*Handle, error) {
	select {
	case <-e.stopped:
		return nil, apperrors.NewValidation("pipeline is shut down")
	default:
	}
	if domain == "" || event == nil || event.Key == "" {
		return nil, apperrors.NewValidation("submission needs a domain and an event with a key")
	}
	if e.schemas != nil {
		if _, known := e.schemas.Lookup(event.EventType); known {
			if err := e.schemas.Validate(event); err != nil {
				return nil, err
			}
		}
	}

	it := item{
		domain:     domain,
		event:      event,
		handle:     newHandle(),
		enqueuedAt: time.Now(),
	}
	ch := e.parts[e.partitionOf(domain, event.Key)]
	select {
	case ch <- it:
		e.trackDepth(1)
		return it.handle, nil
	default:
	}

	timer := time.NewTimer(e.cfg.BackpressureWait)
	defer timer.Stop()
	select {
	case ch <- it:
		e.trackDepth(1)
		return it.handle, nil
	case <-timer.C:
		if e.metrics != nil {
			e.metrics.RecordIngressRejected()
		}
		return nil, apperrors.NewBackpressure("pipeline ingress full")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) trackDepth(delta int) {
	if e.metrics == nil {
		return
	}
	e.mu.Lock()
	e.depth += delta
	d := e.depth
	e.mu.Unlock()
	e.metrics.SetIngressDepth(d)
}

// domainLock returns the suspension lock for a domain.
func (e *Engine) domainLock(domain string) *sync.RWMutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.domainMu[domain]
	if !ok {
		l = &sync.RWMutex{}
		e.domainMu[domain] = l
	}
	return l
}

// worker is the single ordered consumer of one partition.
func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for it := range e.parts[id] {
		e.trackDepth(-1)
		l := e.domainLock(it.domain)
		l.RLock()
		e.process(context.Background(), it)
		l.RUnlock()
	}
}

// Close stops ingress, drains the partitions and waits for in-flight work.
func (e *Engine) Close(ctx context.Context) error {
	e.stopOnce.Do(func() {
		close(e.stopped)
		for _, ch := range e.parts {
			close(ch)
		}
	})
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline drain interrupted: %w", ctx.Err())
	}
}
