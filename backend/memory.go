package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
	"github.com/unfazed-dev/nexus-store-sub009/query"
	"github.com/unfazed-dev/nexus-store-sub009/stream"
)

// MemoryBackend is the in-process driver. The remote side is simulated by a
// second map with injectable failures, latency and a connectivity toggle,
// which makes it the reference driver for engine tests and the default for
// cache-only stores.
type MemoryBackend[T any, ID comparable] struct {
	name string
	idOf func(T) ID

	mu       sync.RWMutex
	local    map[ID]T
	remote   map[ID]T
	watchers map[int]*localWatcher[T]
	nextID   int
	ready    bool

	connected bool
	connCh    *stream.Replay[bool]

	// Test hooks. When set, they run before the simulated remote op; a
	// returned error aborts the op.
	OnGetRemote    func(id ID) error
	OnSaveRemote   func(item T) error
	OnDeleteRemote func(id ID) error
	RemoteLatency  time.Duration
}

type localWatcher[T any] struct {
	q  *query.Query
	ch *stream.Replay[[]T]
}

// MemoryOption configures a MemoryBackend.
type MemoryOption[T any, ID comparable] func(*MemoryBackend[T, ID])

// WithSeedRemote pre-populates the simulated remote side.
func WithSeedRemote[T any, ID comparable](items ...T) MemoryOption[T, ID] {
	return func(b *MemoryBackend[T, ID]) {
		for _, it := range items {
			b.remote[b.idOf(it)] = it
		}
	}
}

// NewMemory creates a memory driver for entity type name.
func NewMemory[T any, ID comparable](name string, idOf func(T) ID, opts ...MemoryOption[T, ID]) *MemoryBackend[T, ID] {
	b := &MemoryBackend[T, ID]{
		name:      name,
		idOf:      idOf,
		local:     make(map[ID]T),
		remote:    make(map[ID]T),
		watchers:  make(map[int]*localWatcher[T]),
		connected: true,
		connCh: stream.NewReplay[bool](
			stream.WithEquality[bool](func(a, b bool) bool { return a == b })),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBackend[T, ID]) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = true
	return nil
}

func (b *MemoryBackend[T, ID]) Dispose(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	for id, w := range b.watchers {
		w.ch.Close()
		delete(b.watchers, id)
	}
	b.connCh.Close()
	return nil
}

func (b *MemoryBackend[T, ID]) Name() string { return b.name }

func (b *MemoryBackend[T, ID]) Capabilities() Capabilities {
	return Capabilities{Offline: true, Realtime: true, FieldOps: true}
}

func (b *MemoryBackend[T, ID]) IDOf(item T) ID { return b.idOf(item) }

func (b *MemoryBackend[T, ID]) ToJSON(item T) (map[string]any, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", b.name, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: encode: %w", b.name, err)
	}
	return doc, nil
}

func (b *MemoryBackend[T, ID]) FromJSON(doc map[string]any) (T, error) {
	var item T
	raw, err := json.Marshal(doc)
	if err != nil {
		return item, fmt.Errorf("%s: decode: %w", b.name, err)
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, fmt.Errorf("%s: decode: %w", b.name, err)
	}
	return item, nil
}

// Local ops

func (b *MemoryBackend[T, ID]) GetLocal(ctx context.Context, id ID) (*T, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if item, ok := b.local[id]; ok {
		return &item, nil
	}
	return nil, nil
}

func (b *MemoryBackend[T, ID]) GetAllLocal(ctx context.Context, q *query.Query) ([]T, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.selectLocked(q)
}

// selectLocked applies q over the local map. Caller holds at least a read lock.
func (b *MemoryBackend[T, ID]) selectLocked(q *query.Query) ([]T, error) {
	items := make([]T, 0, len(b.local))
	docs := make([][]byte, 0, len(b.local))
	ids := make([]string, 0, len(b.local))
	for id, item := range b.local {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("%s: encode: %w", b.name, err)
		}
		items = append(items, item)
		docs = append(docs, raw)
		ids = append(ids, fmt.Sprint(id))
	}

	selected := query.Select(q, docs, ids)
	out := make([]T, 0, len(selected))
	for _, i := range selected {
		out = append(out, items[i])
	}
	return out, nil
}

func (b *MemoryBackend[T, ID]) SaveLocal(ctx context.Context, item T) (T, error) {
	b.mu.Lock()
	b.local[b.idOf(item)] = item
	b.mu.Unlock()
	b.notifyWatchers()
	return item, nil
}

func (b *MemoryBackend[T, ID]) DeleteLocal(ctx context.Context, id ID) (bool, error) {
	b.mu.Lock()
	_, ok := b.local[id]
	delete(b.local, id)
	b.mu.Unlock()
	if ok {
		b.notifyWatchers()
	}
	return ok, nil
}

func (b *MemoryBackend[T, ID]) WatchLocal(ctx context.Context, q *query.Query) (<-chan []T, error) {
	b.mu.Lock()
	w := &localWatcher[T]{q: q, ch: stream.NewReplay[[]T]()}
	id := b.nextID
	b.nextID++
	b.watchers[id] = w
	seed, err := b.selectLocked(q)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	w.ch.Publish(seed)
	return w.ch.Subscribe(ctx), nil
}

func (b *MemoryBackend[T, ID]) notifyWatchers() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, w := range b.watchers {
		if result, err := b.selectLocked(w.q); err == nil {
			w.ch.Publish(result)
		}
	}
}

// Remote ops

func (b *MemoryBackend[T, ID]) remoteCheck(op string) error {
	b.mu.RLock()
	connected := b.connected
	b.mu.RUnlock()
	if !connected {
		return nexuserr.Network(op, fmt.Errorf("%s: not connected", b.name))
	}
	if b.RemoteLatency > 0 {
		time.Sleep(b.RemoteLatency)
	}
	return nil
}

func (b *MemoryBackend[T, ID]) GetRemote(ctx context.Context, id ID) (*T, error) {
	if err := b.remoteCheck("get_remote"); err != nil {
		return nil, err
	}
	if b.OnGetRemote != nil {
		if err := b.OnGetRemote(id); err != nil {
			return nil, err
		}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if item, ok := b.remote[id]; ok {
		return &item, nil
	}
	return nil, nil
}

func (b *MemoryBackend[T, ID]) GetAllRemote(ctx context.Context, q *query.Query) ([]T, error) {
	if err := b.remoteCheck("get_all_remote"); err != nil {
		return nil, err
	}

	b.mu.RLock()
	items := make([]T, 0, len(b.remote))
	docs := make([][]byte, 0, len(b.remote))
	ids := make([]string, 0, len(b.remote))
	for id, item := range b.remote {
		raw, err := json.Marshal(item)
		if err != nil {
			b.mu.RUnlock()
			return nil, fmt.Errorf("%s: encode: %w", b.name, err)
		}
		items = append(items, item)
		docs = append(docs, raw)
		ids = append(ids, fmt.Sprint(id))
	}
	b.mu.RUnlock()

	selected := query.Select(q, docs, ids)
	out := make([]T, 0, len(selected))
	for _, i := range selected {
		out = append(out, items[i])
	}
	return out, nil
}

func (b *MemoryBackend[T, ID]) SaveRemote(ctx context.Context, item T) (T, error) {
	var zero T
	if err := b.remoteCheck("save_remote"); err != nil {
		return zero, err
	}
	if b.OnSaveRemote != nil {
		if err := b.OnSaveRemote(item); err != nil {
			return zero, err
		}
	}
	b.mu.Lock()
	b.remote[b.idOf(item)] = item
	b.mu.Unlock()
	return item, nil
}

func (b *MemoryBackend[T, ID]) DeleteRemote(ctx context.Context, id ID) (bool, error) {
	if err := b.remoteCheck("delete_remote"); err != nil {
		return false, err
	}
	if b.OnDeleteRemote != nil {
		if err := b.OnDeleteRemote(id); err != nil {
			return false, err
		}
	}
	b.mu.Lock()
	_, ok := b.remote[id]
	delete(b.remote, id)
	b.mu.Unlock()
	return ok, nil
}

// Connectivity

func (b *MemoryBackend[T, ID]) IsConnected(ctx context.Context) (<-chan bool, error) {
	b.mu.RLock()
	current := b.connected
	b.mu.RUnlock()
	b.connCh.Publish(current)
	return b.connCh.Subscribe(ctx), nil
}

// SetConnected flips the simulated connectivity and notifies subscribers.
func (b *MemoryBackend[T, ID]) SetConnected(connected bool) {
	b.mu.Lock()
	b.connected = connected
	b.mu.Unlock()
	b.connCh.Publish(connected)
}

// RemoteSnapshot returns a copy of the simulated remote map.
func (b *MemoryBackend[T, ID]) RemoteSnapshot() map[ID]T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[ID]T, len(b.remote))
	for id, item := range b.remote {
		out[id] = item
	}
	return out
}

// Field ops

func (b *MemoryBackend[T, ID]) GetField(ctx context.Context, id ID, field string) (any, error) {
	b.mu.RLock()
	item, ok := b.local[id]
	b.mu.RUnlock()
	if !ok {
		return nil, nexuserr.NotFound(b.name, fmt.Sprint(id))
	}
	doc, err := b.ToJSON(item)
	if err != nil {
		return nil, err
	}
	return doc[field], nil
}

func (b *MemoryBackend[T, ID]) GetFieldBatch(ctx context.Context, ids []ID, field string) (map[ID]any, error) {
	out := make(map[ID]any, len(ids))
	for _, id := range ids {
		v, err := b.GetField(ctx, id, field)
		if err != nil {
			if nexuserr.KindOf(err) == nexuserr.KindNotFound {
				continue
			}
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}
