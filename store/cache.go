package store

import (
	"context"
	"time"

	"github.com/unfazed-dev/nexus-store-sub009/query"
	"github.com/unfazed-dev/nexus-store-sub009/stream"
)

// queryStream pairs a registered query with its replay channel.
type queryStream[T any] struct {
	q  *query.Query
	ch *stream.Replay[[]T]
}

// commitSave writes the entity through to the backend's local storage,
// updates the entry metadata and fans the mutation out. item is plaintext;
// encryption happens at the backend boundary inside. All cache commits are
// serialized under s.mu, so commit order is the logical order.
func (s *Store[T, ID]) commitSave(ctx context.Context, item T, origin Origin) error {
	stored, err := s.encryptItem(ctx, item)
	if err != nil {
		return err
	}
	id := s.backend.IDOf(item)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.backend.SaveLocal(ctx, stored); err != nil {
		return err
	}

	now := time.Now()
	m := &entryMeta{fetchedAt: now, origin: origin}
	if s.cfg.StaleDuration > 0 {
		m.staleAt = now.Add(s.cfg.StaleDuration)
	}
	if s.tagger != nil {
		m.tags = make(map[string]struct{})
		for _, tag := range s.tagger(item) {
			m.tags[tag] = struct{}{}
		}
	}
	s.meta[id] = m

	s.publishItemLocked(id, &item)
	s.recomputeQueryStreamsLocked(ctx)
	return nil
}

// commitDelete removes the entity locally, records a tombstone and fans out.
func (s *Store[T, ID]) commitDelete(ctx context.Context, id ID, origin Origin) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := s.backend.DeleteLocal(ctx, id)
	if err != nil {
		return false, err
	}

	now := time.Now()
	m := &entryMeta{fetchedAt: now, origin: origin, tombstone: true}
	if s.cfg.StaleDuration > 0 {
		m.staleAt = now.Add(s.cfg.StaleDuration)
	}
	s.meta[id] = m

	s.publishItemLocked(id, nil)
	s.recomputeQueryStreamsLocked(ctx)
	return existed, nil
}

// commitBatch upserts a set of remote results with a single fan-out pass.
func (s *Store[T, ID]) commitBatch(ctx context.Context, items []T, origin Origin) error {
	stored := make([]T, len(items))
	for i, item := range items {
		enc, err := s.encryptItem(ctx, item)
		if err != nil {
			return err
		}
		stored[i] = enc
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i, item := range items {
		if _, err := s.backend.SaveLocal(ctx, stored[i]); err != nil {
			return err
		}
		id := s.backend.IDOf(item)
		m := &entryMeta{fetchedAt: now, origin: origin}
		if s.cfg.StaleDuration > 0 {
			m.staleAt = now.Add(s.cfg.StaleDuration)
		}
		s.meta[id] = m
		it := item
		s.publishItemLocked(id, &it)
	}
	s.recomputeQueryStreamsLocked(ctx)
	return nil
}

// publishItemLocked emits the new value on the item stream for id, creating
// the stream on first write so late watchers replay the latest value.
func (s *Store[T, ID]) publishItemLocked(id ID, value *T) {
	ch, ok := s.itemStreams[id]
	if !ok {
		ch = stream.NewReplay[*T](stream.WithEquality[*T](s.ptrEquals))
		s.itemStreams[id] = ch
	}
	ch.Publish(value)
}

// recomputeQueryStreamsLocked re-evaluates every registered query against
// the backend's local view and emits changed result sets.
func (s *Store[T, ID]) recomputeQueryStreamsLocked(ctx context.Context) {
	for _, qs := range s.queryStreams {
		result, err := s.localResultLocked(ctx, qs.q)
		if err != nil {
			s.logger.WithError(err).Warn("Query stream recompute failed")
			continue
		}
		qs.ch.Publish(result)
	}
}

// localResultLocked reads and decrypts the local result set for q.
func (s *Store[T, ID]) localResultLocked(ctx context.Context, q *query.Query) ([]T, error) {
	items, err := s.backend.GetAllLocal(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		plain, err := s.decryptItem(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, plain)
	}
	return out, nil
}

// cachedLocked reads the cache entry for id. present is true when a value or
// tombstone exists; value is nil for tombstones.
func (s *Store[T, ID]) cachedLocked(ctx context.Context, id ID) (value *T, m *entryMeta, present bool, err error) {
	m = s.meta[id]
	item, err := s.backend.GetLocal(ctx, id)
	if err != nil {
		return nil, m, false, err
	}
	if item != nil {
		plain, err := s.decryptItem(ctx, *item)
		if err != nil {
			return nil, m, false, err
		}
		if m == nil {
			// Value pre-seeded in the backend outside the engine.
			m = &entryMeta{fetchedAt: time.Now(), origin: OriginLocal}
			s.meta[id] = m
		}
		return &plain, m, true, nil
	}
	if m != nil && m.tombstone {
		return nil, m, true, nil
	}
	return nil, m, false, nil
}

// Invalidate marks the entry for id stale, forcing the next policy-driven
// read to consult the remote.
func (s *Store[T, ID]) Invalidate(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.meta[id]; ok {
		m.invalidated = true
	}
}

// InvalidateAll marks every entry stale; with tags, only entries carrying at
// least one of the tags.
func (s *Store[T, ID]) InvalidateAll(tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.meta {
		if len(tags) == 0 {
			m.invalidated = true
			continue
		}
		for _, tag := range tags {
			if _, ok := m.tags[tag]; ok {
				m.invalidated = true
				break
			}
		}
	}
}
