// Package eventlog implements the append-only, partition-ordered event log.
// The hot tier holds recent envelopes; durable rows flow through the
// write-behind batcher, or synchronously when durable append is configured.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/domain/events"
	"orderflow-backend/internal/infrastructure/persistence/hotstore"
	"orderflow-backend/internal/infrastructure/persistence/writebehind"
	apperrors "orderflow-backend/pkg/errors"
)

// ref locates one appended event without holding its payload.
type ref struct {
	Key     string
	Seq     int64
	EventID string
}

// domainState is the single-writer allocation state for one domain.
type domainState struct {
	mu       sync.Mutex
	hydrated bool
	lastSeq  map[string]int64    // key -> last assigned sequence
	ids      map[string]struct{} // event_id dedup set
	order    []ref               // append order; inverse index ordinal -> event
}

// Log is the event log facade over the hot and durable tiers.
type Log struct {
	mu      sync.Mutex
	domains map[string]*domainState

	hot           *hotstore.Store
	batcher       *writebehind.Batcher
	durable       ports.EventDurable
	durableAppend bool
	readThrough   bool
	logger        *zap.Logger
}

// New creates a log. The batcher may be nil when durableAppend is set.
func New(hot *hotstore.Store, batcher *writebehind.Batcher, durable ports.EventDurable, durableAppend, readThrough bool, logger *zap.Logger) *Log {
	return &Log{
		domains:       make(map[string]*domainState),
		hot:           hot,
		batcher:       batcher,
		durable:       durable,
		durableAppend: durableAppend,
		readThrough:   readThrough,
		logger:        logger,
	}
}

// HotKeyPrefix namespaces event entries in the shared hot tier. A hot key is
// the prefix plus the write-behind record cache key.
const HotKeyPrefix = "evt|"

func cacheKey(domain, key string, seq int64) string {
	return fmt.Sprintf("%s%s|%s|%d", HotKeyPrefix, domain, key, seq)
}

// FlushedHook returns the batcher hook that releases pins once rows are
// durably written.
func FlushedHook(hot *hotstore.Store) func(keys []string) {
	return func(keys []string) {
		for _, k := range keys {
			hot.Unpin(HotKeyPrefix + k)
		}
	}
}

func (l *Log) domain(name string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ds, ok := l.domains[name]
	if !ok {
		ds = &domainState{
			lastSeq: make(map[string]int64),
			ids:     make(map[string]struct{}),
		}
		l.domains[name] = ds
	}
	return ds
}

// hydrate rebuilds allocation state from the durable tier on cold start.
// Caller holds ds.mu.
func (l *Log) hydrate(ctx context.Context, name string, ds *domainState) error {
	if ds.hydrated {
		return nil
	}
	err := l.durable.LoadDomain(ctx, name, func(se ports.StoredEvent) error {
		if se.Sequence > ds.lastSeq[se.Key] {
			ds.lastSeq[se.Key] = se.Sequence
		}
		ds.ids[se.Envelope.EventID] = struct{}{}
		ds.order = append(ds.order, ref{Key: se.Key, Seq: se.Sequence, EventID: se.Envelope.EventID})
		return nil
	})
	if err != nil {
		return apperrors.NewStorage("failed to hydrate event log", err)
	}
	ds.hydrated = true
	return nil
}

// Append assigns the next sequence for (domain, key), persists the event and
// returns the sequence. Duplicate event IDs fail with DUPLICATE_EVENT.
func (l *Log) Append(ctx context.Context, domain, key string, event *events.Envelope) (int64, error) {
	ds := l.domain(domain)
	ds.mu.Lock()
	if err := l.hydrate(ctx, domain, ds); err != nil {
		ds.mu.Unlock()
		return 0, err
	}
	if _, dup := ds.ids[event.EventID]; dup {
		ds.mu.Unlock()
		return 0, apperrors.NewDuplicateEvent(event.EventID)
	}
	seq := ds.lastSeq[key] + 1

	payload, err := json.Marshal(event)
	if err != nil {
		ds.mu.Unlock()
		return 0, apperrors.NewValidation(fmt.Sprintf("event %s is not serializable: %v", event.EventID, err))
	}
	rec := writebehind.Record{
		Domain:    domain,
		Key:       key,
		Sequence:  &seq,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	}

	ck := cacheKey(domain, key, seq)
	l.hot.Put(ck, event)

	if l.durableAppend {
		// Synchronous path fails loud; nothing was allocated on error.
		if err := l.durable.Append(ctx, rec); err != nil {
			l.hot.Delete(ck)
			ds.mu.Unlock()
			return 0, apperrors.NewStorage("durable append failed", err)
		}
	} else {
		l.hot.Pin(ck)
		if err := l.batcher.Enqueue(ctx, rec); err != nil {
			l.hot.Unpin(ck)
			l.hot.Delete(ck)
			ds.mu.Unlock()
			return 0, err
		}
	}

	ds.lastSeq[key] = seq
	ds.ids[event.EventID] = struct{}{}
	ds.order = append(ds.order, ref{Key: key, Seq: seq, EventID: event.EventID})
	ds.mu.Unlock()
	return seq, nil
}

// GetByKey returns the events for (domain, key) ordered by sequence.
func (l *Log) GetByKey(ctx context.Context, domain, key string) ([]*events.Envelope, error) {
	ds := l.domain(domain)
	ds.mu.Lock()
	if err := l.hydrate(ctx, domain, ds); err != nil {
		ds.mu.Unlock()
		return nil, err
	}
	last := ds.lastSeq[key]
	ds.mu.Unlock()
	if last == 0 {
		return nil, nil
	}

	out := make([]*events.Envelope, last)
	missing := false
	for seq := int64(1); seq <= last; seq++ {
		if v, ok := l.hot.Get(cacheKey(domain, key, seq)); ok {
			out[seq-1] = v.(*events.Envelope)
		} else {
			missing = true
		}
	}
	if missing {
		stored, err := l.durable.LoadByKey(ctx, domain, key)
		if err != nil {
			return nil, apperrors.NewStorage("failed to load events", err)
		}
		for _, se := range stored {
			if se.Sequence >= 1 && se.Sequence <= last && out[se.Sequence-1] == nil {
				out[se.Sequence-1] = se.Envelope
				if l.readThrough {
					l.hot.Put(cacheKey(domain, key, se.Sequence), se.Envelope)
				}
			}
		}
	}
	for seq, e := range out {
		if e == nil {
			return nil, apperrors.NewConsistency(fmt.Sprintf("gap at %s/%s sequence %d", domain, key, seq+1))
		}
	}
	return out, nil
}

// ReplayAll visits every event of the domain exactly once in append order.
// The visitor sees the per-key sequence number, so restarts are idempotent.
func (l *Log) ReplayAll(ctx context.Context, domain string, visit func(seq int64, event *events.Envelope) error) error {
	ds := l.domain(domain)
	ds.mu.Lock()
	if err := l.hydrate(ctx, domain, ds); err != nil {
		ds.mu.Unlock()
		return err
	}
	order := make([]ref, len(ds.order))
	copy(order, ds.order)
	ds.mu.Unlock()

	// Prefetch durable rows once; unflushed events are pinned hot.
	durableByLoc := make(map[string]*events.Envelope)
	err := l.durable.LoadDomain(ctx, domain, func(se ports.StoredEvent) error {
		durableByLoc[cacheKey(se.Domain, se.Key, se.Sequence)] = se.Envelope
		return nil
	})
	if err != nil {
		return apperrors.NewStorage("failed to load domain for replay", err)
	}

	for _, r := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		ck := cacheKey(domain, r.Key, r.Seq)
		var env *events.Envelope
		if v, ok := l.hot.Get(ck); ok {
			env = v.(*events.Envelope)
		} else if e, ok := durableByLoc[ck]; ok {
			env = e
		} else {
			return apperrors.NewConsistency(fmt.Sprintf("replay missing event %s at %s", r.EventID, ck))
		}
		if err := visit(r.Seq, env); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of events stored in the domain.
func (l *Log) Count(ctx context.Context, domain string) (int64, error) {
	ds := l.domain(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if err := l.hydrate(ctx, domain, ds); err != nil {
		return 0, err
	}
	return int64(len(ds.order)), nil
}

var _ ports.EventLog = (*Log)(nil)
