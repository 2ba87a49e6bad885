// Package viewstore implements the keyed projection store over the hot tier,
// the write-behind batcher and the relational tier. An optional remote cache
// sits in front of durable loads.
package viewstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/infrastructure/persistence/hotstore"
	"orderflow-backend/internal/infrastructure/persistence/writebehind"
	apperrors "orderflow-backend/pkg/errors"
)

// HotKeyPrefix namespaces view entries in the shared hot tier.
const HotKeyPrefix = "view|"

func hotKey(view, key string) string { return HotKeyPrefix + view + "|" + key }

// FlushedHook returns the batcher hook that releases pins once view rows are
// durably written.
func FlushedHook(hot *hotstore.Store) func(keys []string) {
	return func(keys []string) {
		for _, k := range keys {
			hot.Unpin(HotKeyPrefix + k)
		}
	}
}

// viewState tracks the known keys of one view. Values may be evicted from
// the hot tier; the key set is what makes Scan complete.
type viewState struct {
	hydrated bool
	keys     map[string]struct{}
	locks    map[string]*sync.Mutex
}

// Store implements ports.ViewStore.
type Store struct {
	mu    sync.Mutex
	views map[string]*viewState

	hot         *hotstore.Store
	batcher     *writebehind.Batcher
	durable     ports.ViewDurable
	cache       ports.ProjectionCache
	readThrough bool
	logger      *zap.Logger
}

// New creates a view store. cache may be nil.
func New(hot *hotstore.Store, batcher *writebehind.Batcher, durable ports.ViewDurable, cache ports.ProjectionCache, readThrough bool, logger *zap.Logger) *Store {
	return &Store{
		views:       make(map[string]*viewState),
		hot:         hot,
		batcher:     batcher,
		durable:     durable,
		cache:       cache,
		readThrough: readThrough,
		logger:      logger,
	}
}

// state returns the view's tracking state, hydrating the key set from the
// durable tier the first time the view is touched.
func (s *Store) state(ctx context.Context, view string) (*viewState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.views[view]
	if !ok {
		vs = &viewState{
			keys:  make(map[string]struct{}),
			locks: make(map[string]*sync.Mutex),
		}
		s.views[view] = vs
	}
	if !vs.hydrated {
		err := s.durable.ScanAll(ctx, view, func(key string, _ map[string]any) error {
			vs.keys[key] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, apperrors.NewStorage(fmt.Sprintf("failed to hydrate view %s", view), err)
		}
		vs.hydrated = true
	}
	return vs, nil
}

func (s *Store) keyLock(vs *viewState, key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := vs.locks[key]
	if !ok {
		l = &sync.Mutex{}
		vs.locks[key] = l
	}
	return l
}

// Get returns the current record for (view, key).
func (s *Store) Get(ctx context.Context, view, key string) (map[string]any, bool, error) {
	vs, err := s.state(ctx, view)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	_, known := vs.keys[key]
	s.mu.Unlock()
	if !known {
		return nil, false, nil
	}
	return s.load(ctx, view, key)
}

// load resolves hot tier, then remote cache, then durable tier.
func (s *Store) load(ctx context.Context, view, key string) (map[string]any, bool, error) {
	if v, ok := s.hot.Get(hotKey(view, key)); ok {
		return v.(map[string]any), true, nil
	}
	if s.cache != nil {
		if record, ok, err := s.cache.Get(ctx, view, key); err == nil && ok {
			if s.readThrough {
				s.hot.Put(hotKey(view, key), record)
			}
			return record, true, nil
		} else if err != nil {
			s.logger.Warn("projection cache read failed, falling through",
				zap.String("view", view), zap.Error(err))
		}
	}
	record, ok, err := s.durable.Load(ctx, view, key)
	if err != nil {
		return nil, false, apperrors.NewStorage("failed to load view record", err)
	}
	if !ok {
		return nil, false, nil
	}
	if s.readThrough {
		s.hot.Put(hotKey(view, key), record)
		if s.cache != nil {
			if err := s.cache.Set(ctx, view, key, record); err != nil {
				s.logger.Warn("projection cache populate failed",
					zap.String("view", view), zap.Error(err))
			}
		}
	}
	return record, true, nil
}

// Put replaces the record for (view, key).
func (s *Store) Put(ctx context.Context, view, key string, record map[string]any) error {
	vs, err := s.state(ctx, view)
	if err != nil {
		return err
	}
	l := s.keyLock(vs, key)
	l.Lock()
	defer l.Unlock()
	return s.write(ctx, vs, view, key, record, false)
}

// Delete removes the record for (view, key). Deleting an absent key is a
// no-op.
func (s *Store) Delete(ctx context.Context, view, key string) error {
	vs, err := s.state(ctx, view)
	if err != nil {
		return err
	}
	l := s.keyLock(vs, key)
	l.Lock()
	defer l.Unlock()
	s.mu.Lock()
	_, known := vs.keys[key]
	s.mu.Unlock()
	if !known {
		return nil
	}
	return s.write(ctx, vs, view, key, nil, true)
}

// write applies one mutation: hot tier, key index, cache invalidation, then
// the write-behind record. Caller holds the per-key lock.
func (s *Store) write(ctx context.Context, vs *viewState, view, key string, record map[string]any, del bool) error {
	payload := []byte(nil)
	if !del {
		var err error
		payload, err = json.Marshal(record)
		if err != nil {
			return apperrors.NewValidation(fmt.Sprintf("view record %s/%s is not serializable: %v", view, key, err))
		}
	}
	rec := writebehind.Record{
		Domain:    view,
		Key:       key,
		Payload:   payload,
		Delete:    del,
		UpdatedAt: time.Now().UTC(),
	}

	hk := hotKey(view, key)
	if del {
		s.hot.Delete(hk)
	} else {
		s.hot.Put(hk, record)
		s.hot.Pin(hk)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, view, key); err != nil {
			s.logger.Warn("projection cache invalidate failed",
				zap.String("view", view), zap.Error(err))
		}
	}
	if err := s.batcher.Enqueue(ctx, rec); err != nil {
		if !del {
			s.hot.Unpin(hk)
		}
		return err
	}

	s.mu.Lock()
	if del {
		delete(vs.keys, key)
	} else {
		vs.keys[key] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

// Clear drops every record of the view from all tiers. Pending write-behind
// entries for the view become harmless overwrites; callers suspend ingestion
// for the domain before clearing.
func (s *Store) Clear(ctx context.Context, view string) error {
	vs, err := s.state(ctx, view)
	if err != nil {
		return err
	}
	s.hot.ClearPrefix(HotKeyPrefix + view + "|")
	s.mu.Lock()
	keys := make([]string, 0, len(vs.keys))
	for k := range vs.keys {
		keys = append(keys, k)
	}
	vs.keys = make(map[string]struct{})
	s.mu.Unlock()
	if s.cache != nil {
		for _, k := range keys {
			if err := s.cache.Invalidate(ctx, view, k); err != nil {
				s.logger.Warn("projection cache invalidate failed",
					zap.String("view", view), zap.Error(err))
			}
		}
	}
	if err := s.durable.Clear(ctx, view); err != nil {
		return apperrors.NewStorage(fmt.Sprintf("failed to clear view %s", view), err)
	}
	return nil
}

// Scan visits every record of the view. Order is unspecified; visit returning
// false stops the scan.
func (s *Store) Scan(ctx context.Context, view string, visit func(key string, record map[string]any) bool) error {
	vs, err := s.state(ctx, view)
	if err != nil {
		return err
	}
	s.mu.Lock()
	keys := make([]string, 0, len(vs.keys))
	for k := range vs.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, ok, err := s.load(ctx, view, key)
		if err != nil {
			return err
		}
		if !ok {
			continue // deleted since the snapshot
		}
		if !visit(key, record) {
			return nil
		}
	}
	return nil
}

// AtomicUpdate runs a read-modify-write under the per-key lock, so two
// updaters for the same key never interleave.
func (s *Store) AtomicUpdate(ctx context.Context, view, key string, fn ports.ViewUpdateFn) error {
	vs, err := s.state(ctx, view)
	if err != nil {
		return err
	}
	l := s.keyLock(vs, key)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	_, known := vs.keys[key]
	s.mu.Unlock()
	var current map[string]any
	if known {
		record, ok, err := s.load(ctx, view, key)
		if err != nil {
			return err
		}
		if ok {
			current = record
		} else {
			known = false
		}
	}

	next, op := fn(current, known)
	switch op {
	case ports.ViewOpPut:
		return s.write(ctx, vs, view, key, next, false)
	case ports.ViewOpDelete:
		if !known {
			return nil
		}
		return s.write(ctx, vs, view, key, nil, true)
	default:
		return nil
	}
}

var _ ports.ViewStore = (*Store)(nil)
