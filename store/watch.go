package store

import (
	"context"

	"github.com/unfazed-dev/nexus-store-sub009/query"
	"github.com/unfazed-dev/nexus-store-sub009/stream"
)

// Watch returns a live stream of values for id. The latest value is replayed
// on subscribe; nil means deleted or absent. The channel closes when ctx is
// cancelled or the store is disposed.
func (s *Store[T, ID]) Watch(ctx context.Context, id ID) (<-chan *T, error) {
	if err := s.checkReady("watch"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	ch, ok := s.itemStreams[id]
	if !ok {
		ch = stream.NewReplay[*T](stream.WithEquality[*T](s.ptrEquals))
		s.itemStreams[id] = ch
		// Seed from the current cache state so late watchers do not wait for
		// the next write.
		if v, _, present, err := s.cachedLocked(ctx, id); err == nil && present {
			ch.Publish(v)
		}
	}
	s.mu.Unlock()

	return ch.Subscribe(ctx), nil
}

// WatchAll returns a live stream of the full result set for q, re-emitted on
// every cache mutation that can affect it. The latest result is replayed on
// subscribe.
func (s *Store[T, ID]) WatchAll(ctx context.Context, q *query.Query) (<-chan []T, error) {
	if err := s.checkReady("watch_all"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	qs := s.queryStreamLocked(ctx, q)
	s.mu.Unlock()

	return qs.ch.Subscribe(ctx), nil
}

// queryStreamLocked returns the stream registered for q's structural key,
// creating and seeding it from the local view on first use.
func (s *Store[T, ID]) queryStreamLocked(ctx context.Context, q *query.Query) *queryStream[T] {
	key := q.Key()
	if qs, ok := s.queryStreams[key]; ok {
		return qs
	}

	qs := &queryStream[T]{
		q:  q,
		ch: stream.NewReplay[[]T](stream.WithEquality[[]T](s.sliceEquals)),
	}
	s.queryStreams[key] = qs

	if seed, err := s.localResultLocked(ctx, q); err == nil {
		qs.ch.Publish(seed)
	} else {
		s.logger.WithError(err).Warn("Query stream seed failed")
	}
	return qs
}

// SyncStatusStream returns a live stream of the global sync condition.
func (s *Store[T, ID]) SyncStatusStream(ctx context.Context) (<-chan SyncStatus, error) {
	if err := s.checkReady("sync_status"); err != nil {
		return nil, err
	}
	return s.statusCh.Subscribe(ctx), nil
}
