// Package writebehind implements the coalescing batched async path from the
// hot in-memory tier to the durable tier. Each partition owns a bounded
// queue and a single flush worker, so per-key write order is preserved.
package writebehind

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderflow-backend/internal/config"
	apperrors "orderflow-backend/pkg/errors"
	"orderflow-backend/pkg/observability"
)

// Record is the shared durable row shape for event and view entries.
type Record struct {
	Domain    string
	Key       string
	Sequence  *int64
	Payload   []byte
	Delete    bool
	UpdatedAt time.Time
}

// CacheKey identifies the hot-tier entry this record backs, for pinning.
func (r Record) CacheKey() string {
	if r.Sequence != nil {
		return fmt.Sprintf("%s|%s|%d", r.Domain, r.Key, *r.Sequence)
	}
	return fmt.Sprintf("%s|%s", r.Domain, r.Key)
}

func (r Record) size() int { return len(r.Payload) + len(r.Domain) + len(r.Key) }

// Flusher persists one batch in a single transaction.
type Flusher interface {
	Flush(ctx context.Context, records []Record) error
}

// FlusherFunc adapts a function to the Flusher interface.
type FlusherFunc func(ctx context.Context, records []Record) error

func (f FlusherFunc) Flush(ctx context.Context, records []Record) error { return f(ctx, records) }

// Batcher coalesces writes per partition and flushes them on size, delay or
// shutdown.
type Batcher struct {
	cfg     config.PersistenceConfig
	flusher Flusher
	parts   []*worker
	logger  *zap.Logger
	metrics *observability.Metrics

	// onFlushed is called with the cache keys of durably written records.
	onFlushed func(keys []string)
	// onDeadLetter receives records whose flush exhausted its retries.
	onDeadLetter func(rec Record, err error)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

type worker struct {
	id     int
	ch     chan Record
	stopCh chan struct{}
}

// Option customizes a Batcher.
type Option func(*Batcher)

// WithFlushedHook registers the unpin hook.
func WithFlushedHook(fn func(keys []string)) Option {
	return func(b *Batcher) { b.onFlushed = fn }
}

// WithDeadLetterHook registers the poisoned-record sink.
func WithDeadLetterHook(fn func(rec Record, err error)) Option {
	return func(b *Batcher) { b.onDeadLetter = fn }
}

// New creates a batcher with one worker per partition and starts it.
func New(partitions int, cfg config.PersistenceConfig, flusher Flusher, logger *zap.Logger, metrics *observability.Metrics, opts ...Option) *Batcher {
	if partitions <= 0 {
		partitions = 1
	}
	b := &Batcher{
		cfg:     cfg,
		flusher: flusher,
		parts:   make([]*worker, partitions),
		logger:  logger,
		metrics: metrics,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	for i := range b.parts {
		w := &worker{
			id:     i,
			ch:     make(chan Record, cfg.QueueCapacity),
			stopCh: make(chan struct{}),
		}
		b.parts[i] = w
		b.wg.Add(1)
		go b.run(w)
	}
	return b
}

// Enqueue admits a record to its partition queue. When the queue is full the
// call blocks up to the configured deadline, then fails with backpressure.
func (b *Batcher) Enqueue(ctx context.Context, rec Record) error {
	select {
	case <-b.stopped:
		return apperrors.NewStorage("write-behind batcher is stopped", nil)
	default:
	}
	w := b.parts[b.partitionOf(rec)]
	select {
	case w.ch <- rec:
		return nil
	default:
	}
	timer := time.NewTimer(b.cfg.EnqueueBlockTimeout)
	defer timer.Stop()
	select {
	case w.ch <- rec:
		return nil
	case <-timer.C:
		return apperrors.NewBackpressure("write-behind queue full")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes all pending batches and stops the workers.
func (b *Batcher) Close(ctx context.Context) error {
	b.stopOnce.Do(func() {
		close(b.stopped)
		for _, w := range b.parts {
			close(w.stopCh)
		}
	})
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) partitionOf(rec Record) int {
	h := fnv.New32a()
	h.Write([]byte(rec.Domain))
	h.Write([]byte{'|'})
	h.Write([]byte(rec.Key))
	return int(h.Sum32()) % len(b.parts)
}

// run is the per-partition flush loop. Coalescing keeps the latest record
// per cache key while preserving first-enqueue order across keys.
func (b *Batcher) run(w *worker) {
	defer b.wg.Done()

	pending := make(map[string]*Record)
	order := make([]string, 0, b.cfg.BatchSize)
	pendingBytes := 0
	var delay *time.Timer
	var delayC <-chan time.Time

	stopDelay := func() {
		if delay != nil {
			delay.Stop()
			delay, delayC = nil, nil
		}
	}

	add := func(rec Record) {
		ck := rec.CacheKey()
		if prev, ok := pending[ck]; ok && b.cfg.Coalesce {
			pendingBytes -= prev.size()
			*prev = rec // last writer wins in enqueue order
			pendingBytes += rec.size()
		} else {
			r := rec
			pending[ck] = &r
			order = append(order, ck)
			pendingBytes += rec.size()
		}
		b.reportDepth(w, len(order), pendingBytes)
	}

	flush := func() {
		stopDelay()
		if len(order) == 0 {
			return
		}
		records := make([]Record, 0, len(order))
		keys := make([]string, 0, len(order))
		for _, ck := range order {
			records = append(records, *pending[ck])
			keys = append(keys, ck)
		}
		pending = make(map[string]*Record)
		order = order[:0]
		pendingBytes = 0
		b.reportDepth(w, 0, 0)
		b.flushWithRetry(w, records, keys)
	}

	for {
		select {
		case rec := <-w.ch:
			add(rec)
			if len(order) >= b.cfg.BatchSize {
				flush()
			} else if delay == nil {
				delay = time.NewTimer(b.cfg.WriteDelay)
				delayC = delay.C
			}
		case <-delayC:
			delay, delayC = nil, nil
			flush()
		case <-w.stopCh:
			// Drain whatever was admitted before shutdown, then flush.
			for {
				select {
				case rec := <-w.ch:
					add(rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *Batcher) reportDepth(w *worker, depth, bytes int) {
	if b.metrics != nil {
		b.metrics.SetWriteBehindDepth(fmt.Sprintf("%d", w.id), depth+len(w.ch), bytes)
	}
}

// flushWithRetry issues the upsert transaction, retrying with exponential
// backoff. Exhausted batches are routed record-by-record to the dead-letter
// sink with their original payloads preserved.
func (b *Batcher) flushWithRetry(w *worker, records []Record, keys []string) {
	var lastErr error
	attempts := b.cfg.FlushMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(flushBackoff(attempt))
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := b.flusher.Flush(ctx, records)
		cancel()
		if b.metrics != nil {
			b.metrics.RecordFlush(time.Since(start), err)
		}
		if err == nil {
			if b.onFlushed != nil {
				b.onFlushed(keys)
			}
			return
		}
		lastErr = err
		b.logger.Warn("write-behind flush failed",
			zap.Int("partition", w.id),
			zap.Int("attempt", attempt+1),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
		if !apperrors.IsRetryable(err) {
			break
		}
	}

	b.logger.Error("write-behind flush exhausted retries, dead-lettering batch",
		zap.Int("partition", w.id),
		zap.Int("records", len(records)),
		zap.Error(lastErr),
	)
	if b.onDeadLetter != nil {
		for _, rec := range records {
			b.onDeadLetter(rec, lastErr)
		}
	}
	if b.onFlushed != nil {
		b.onFlushed(keys) // release pins; the payloads are parked in the DLQ
	}
}

func flushBackoff(attempt int) time.Duration {
	base := 100 * time.Millisecond
	backoff := float64(base) * math.Pow(2, float64(attempt-1))
	jitter := backoff * 0.1 * (rand.Float64() - 0.5) * 2
	d := time.Duration(backoff + jitter)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
