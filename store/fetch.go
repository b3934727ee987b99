package store

import (
	"context"
	"time"

	"github.com/unfazed-dev/nexus-store-sub009/audit"
	"github.com/unfazed-dev/nexus-store-sub009/backend"
	"github.com/unfazed-dev/nexus-store-sub009/config"
	"github.com/unfazed-dev/nexus-store-sub009/interceptor"
	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
	"github.com/unfazed-dev/nexus-store-sub009/query"
	"github.com/unfazed-dev/nexus-store-sub009/resilience"
)

func (s *Store[T, ID]) fetchPolicy(override []config.FetchPolicy) config.FetchPolicy {
	if len(override) > 0 && override[0] != "" {
		return override[0]
	}
	return s.cfg.FetchPolicy
}

// Get returns the entity for id, or nil when absent. The policy parameter
// overrides the configured default for this call.
func (s *Store[T, ID]) Get(ctx context.Context, id ID, policy ...config.FetchPolicy) (*T, error) {
	if err := s.checkReady("get"); err != nil {
		return nil, err
	}
	p := s.fetchPolicy(policy)

	result, err := s.runOp(ctx, interceptor.KindGet, string(p), id, func(ctx context.Context) (any, error) {
		v, err := s.doGet(ctx, id, p)
		return v, err
	})
	s.recordAudit(ctx, audit.ActionRead, s.idString(id), err == nil, nil)
	if err != nil {
		return nil, err
	}
	v, _ := result.(*T)
	return v, nil
}

func (s *Store[T, ID]) doGet(ctx context.Context, id ID, p config.FetchPolicy) (*T, error) {
	switch p {
	case config.FetchCacheOnly:
		v, _, _, err := s.cached(ctx, id)
		return v, err

	case config.FetchCacheFirst:
		v, m, present, err := s.cached(ctx, id)
		if err != nil {
			return nil, err
		}
		s.metrics.ObserveCache(s.Name(), present)
		if present && !m.stale(time.Now()) {
			return v, nil
		}
		return s.fetchRemote(ctx, id)

	case config.FetchNetworkFirst:
		v, err := s.fetchRemote(ctx, id)
		if err == nil {
			return v, nil
		}
		if nexuserr.IsRetryable(err) {
			if cv, _, present, cerr := s.cached(ctx, id); cerr == nil && present {
				return cv, nil
			}
		}
		return nil, err

	case config.FetchNetworkOnly:
		r, err := s.backend.GetRemote(ctx, id)
		if err != nil {
			return nil, s.opErr(err, "get", id)
		}
		if r == nil {
			return nil, nil
		}
		plain, err := s.decryptItem(ctx, *r)
		if err != nil {
			return nil, err
		}
		if err := s.commitSave(ctx, plain, OriginRemote); err != nil {
			return nil, err
		}
		return &plain, nil

	case config.FetchCacheAndNetwork, config.FetchStaleWhileRevalidate:
		v, _, present, err := s.cached(ctx, id)
		if err != nil {
			return nil, err
		}
		if present {
			s.mu.Lock()
			s.publishItemLocked(id, v)
			s.mu.Unlock()
			s.revalidateItem(id)
			return v, nil
		}
		if p == config.FetchStaleWhileRevalidate {
			return s.doGet(ctx, id, config.FetchNetworkFirst)
		}
		return s.fetchRemote(ctx, id)

	default:
		return nil, nexuserr.Validation("policy", "unknown fetch policy "+string(p)).
			WithOp("get", s.Name())
	}
}

func (s *Store[T, ID]) cached(ctx context.Context, id ID) (*T, *entryMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedLocked(ctx, id)
}

// fetchRemote fetches one entity, commits the result (value or tombstone)
// and returns the plaintext.
func (s *Store[T, ID]) fetchRemote(ctx context.Context, id ID) (*T, error) {
	r, err := s.backend.GetRemote(ctx, id)
	if err != nil {
		return nil, s.opErr(err, "get", id)
	}
	if r == nil {
		if _, err := s.commitDelete(ctx, id, OriginRemote); err != nil {
			return nil, err
		}
		return nil, nil
	}
	plain, err := s.decryptItem(ctx, *r)
	if err != nil {
		return nil, err
	}
	if err := s.commitSave(ctx, plain, OriginRemote); err != nil {
		return nil, err
	}
	return &plain, nil
}

// revalidateItem refreshes id in the background. Errors are non-fatal: they
// are logged and counted, never surfaced to the original caller.
func (s *Store[T, ID]) revalidateItem(id ID) {
	s.mu.Lock()
	loopCtx := s.loopCtx
	s.mu.Unlock()
	if loopCtx == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.revalLimiter.Wait(loopCtx); err != nil {
			return
		}
		err := resilience.Retry(loopCtx, s.cfg.Retry, func() error {
			_, err := s.fetchRemote(loopCtx, id)
			return err
		})
		if err != nil {
			s.metrics.ObserveError(s.Name(), string(nexuserr.KindOf(err)), "revalidate")
			s.logger.WithError(err).Debug("Background revalidation failed")
		}
	}()
}

// GetAll returns the entities matching q, ordered by the query's order-by
// clauses then stable by id. A nil query matches everything.
func (s *Store[T, ID]) GetAll(ctx context.Context, q *query.Query, policy ...config.FetchPolicy) ([]T, error) {
	if err := s.checkReady("get_all"); err != nil {
		return nil, err
	}
	p := s.fetchPolicy(policy)

	result, err := s.runOp(ctx, interceptor.KindGetAll, string(p), q, func(ctx context.Context) (any, error) {
		items, err := s.doGetAll(ctx, q, p)
		return items, err
	})
	s.recordAudit(ctx, audit.ActionList, "", err == nil, map[string]any{"query": q.Key()})
	if err != nil {
		return nil, err
	}
	items, _ := result.([]T)
	return items, nil
}

func (s *Store[T, ID]) doGetAll(ctx context.Context, q *query.Query, p config.FetchPolicy) ([]T, error) {
	switch p {
	case config.FetchCacheOnly:
		return s.localResult(ctx, q)

	case config.FetchCacheFirst:
		local, err := s.localResult(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(local) > 0 && !s.anyStale(local) {
			return local, nil
		}
		return s.fetchAllRemote(ctx, q)

	case config.FetchNetworkFirst:
		items, err := s.fetchAllRemote(ctx, q)
		if err == nil {
			return items, nil
		}
		if nexuserr.IsRetryable(err) {
			if local, lerr := s.localResult(ctx, q); lerr == nil && len(local) > 0 {
				return local, nil
			}
		}
		return nil, err

	case config.FetchNetworkOnly:
		return s.fetchAllRemote(ctx, q)

	case config.FetchCacheAndNetwork, config.FetchStaleWhileRevalidate:
		local, err := s.localResult(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(local) > 0 {
			s.mu.Lock()
			qs := s.queryStreamLocked(ctx, q)
			qs.ch.Publish(local)
			s.mu.Unlock()
			s.revalidateQuery(q)
			return local, nil
		}
		if p == config.FetchStaleWhileRevalidate {
			return s.doGetAll(ctx, q, config.FetchNetworkFirst)
		}
		return s.fetchAllRemote(ctx, q)

	default:
		return nil, nexuserr.Validation("policy", "unknown fetch policy "+string(p)).
			WithOp("get_all", s.Name())
	}
}

func (s *Store[T, ID]) localResult(ctx context.Context, q *query.Query) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localResultLocked(ctx, q)
}

func (s *Store[T, ID]) anyStale(items []T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, item := range items {
		if m, ok := s.meta[s.backend.IDOf(item)]; ok && m.stale(now) {
			return true
		}
	}
	return false
}

// fetchAllRemote fetches the remote result set, merges it into the local
// cache and returns the canonical local ordering of the merged view.
func (s *Store[T, ID]) fetchAllRemote(ctx context.Context, q *query.Query) ([]T, error) {
	remote, err := s.backend.GetAllRemote(ctx, q)
	if err != nil {
		return nil, s.opErrQuery(err, "get_all", q)
	}

	plain := make([]T, 0, len(remote))
	for _, item := range remote {
		p, err := s.decryptItem(ctx, item)
		if err != nil {
			return nil, err
		}
		plain = append(plain, p)
	}
	if err := s.commitBatch(ctx, plain, OriginRemote); err != nil {
		return nil, err
	}
	return s.localResult(ctx, q)
}

// revalidateQuery refreshes a query result set in the background.
func (s *Store[T, ID]) revalidateQuery(q *query.Query) {
	s.mu.Lock()
	loopCtx := s.loopCtx
	s.mu.Unlock()
	if loopCtx == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.revalLimiter.Wait(loopCtx); err != nil {
			return
		}
		err := resilience.Retry(loopCtx, s.cfg.Retry, func() error {
			_, err := s.fetchAllRemote(loopCtx, q)
			return err
		})
		if err != nil {
			s.metrics.ObserveError(s.Name(), string(nexuserr.KindOf(err)), "revalidate")
			s.logger.WithError(err).Debug("Background revalidation failed")
		}
	}()
}

// GetField reads a single field, using the driver's lazy-field support when
// available and the field is not under field-level encryption.
func (s *Store[T, ID]) GetField(ctx context.Context, id ID, field string) (any, error) {
	if err := s.checkReady("get_field"); err != nil {
		return nil, err
	}

	result, err := s.runOp(ctx, interceptor.KindGetField, "", field, func(ctx context.Context) (any, error) {
		if fr, ok := s.backend.(backend.FieldReader[T, ID]); ok &&
			s.backend.Capabilities().FieldOps && (s.codec == nil || !s.codec.Handles(field)) {
			return fr.GetField(ctx, id, field)
		}
		item, err := s.doGet(ctx, id, s.cfg.FetchPolicy)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, nexuserr.NotFound(s.Name(), s.idString(id))
		}
		doc, err := s.backend.ToJSON(*item)
		if err != nil {
			return nil, err
		}
		return doc[field], nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetFieldBatch reads one field across many ids, chunked by the lazy-load
// batch size when configured.
func (s *Store[T, ID]) GetFieldBatch(ctx context.Context, ids []ID, field string) (map[ID]any, error) {
	if err := s.checkReady("get_field_batch"); err != nil {
		return nil, err
	}

	batch := s.cfg.LazyLoad.BatchSize
	if batch <= 0 {
		batch = len(ids)
	}

	out := make(map[ID]any, len(ids))
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		if fr, ok := s.backend.(backend.FieldReader[T, ID]); ok &&
			s.backend.Capabilities().FieldOps && (s.codec == nil || !s.codec.Handles(field)) {
			part, err := fr.GetFieldBatch(ctx, chunk, field)
			if err != nil {
				return nil, err
			}
			for id, v := range part {
				out[id] = v
			}
		} else {
			for _, id := range chunk {
				v, err := s.GetField(ctx, id, field)
				if err != nil {
					if nexuserr.KindOf(err) == nexuserr.KindNotFound {
						continue
					}
					return nil, err
				}
				out[id] = v
			}
		}

		if s.cfg.LazyLoad.BatchDelay > 0 && end < len(ids) {
			time.Sleep(s.cfg.LazyLoad.BatchDelay)
		}
	}
	return out, nil
}

// opErr attaches operation context to a backend error.
func (s *Store[T, ID]) opErr(err error, op string, id ID) error {
	if e := nexuserr.As(err); e != nil {
		return e.WithOp(op, s.Name()).WithKey(s.idString(id))
	}
	return nexuserr.Network(op, err).WithOp(op, s.Name()).WithKey(s.idString(id))
}

func (s *Store[T, ID]) opErrQuery(err error, op string, q *query.Query) error {
	if e := nexuserr.As(err); e != nil {
		return e.WithOp(op, s.Name()).WithKey(q.Key())
	}
	return nexuserr.Network(op, err).WithOp(op, s.Name()).WithKey(q.Key())
}
