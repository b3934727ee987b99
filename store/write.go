package store

import (
	"context"

	"time"

	"github.com/unfazed-dev/nexus-store-sub009/audit"
	"github.com/unfazed-dev/nexus-store-sub009/backend"
	"github.com/unfazed-dev/nexus-store-sub009/config"
	"github.com/unfazed-dev/nexus-store-sub009/interceptor"
	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
)

func (s *Store[T, ID]) writePolicy(override []config.WritePolicy) config.WritePolicy {
	if len(override) > 0 && override[0] != "" {
		return override[0]
	}
	return s.cfg.WritePolicy
}

// Save upserts the item: created iff absent by id. The returned value is the
// item as persisted.
func (s *Store[T, ID]) Save(ctx context.Context, item T, policy ...config.WritePolicy) (T, error) {
	var zero T
	if err := s.checkReady("save"); err != nil {
		return zero, err
	}
	p := s.writePolicy(policy)

	id := s.backend.IDOf(item)
	_, _, existed, _ := s.cached(ctx, id)

	result, err := s.runOp(ctx, interceptor.KindSave, string(p), item, func(ctx context.Context) (any, error) {
		v, err := s.doSave(ctx, item, p)
		return v, err
	})

	action := audit.ActionCreate
	if existed {
		action = audit.ActionUpdate
	}
	s.recordAudit(ctx, action, s.idString(id), err == nil, nil)
	if err != nil {
		return zero, err
	}
	saved, _ := result.(T)
	return saved, nil
}

func (s *Store[T, ID]) doSave(ctx context.Context, item T, p config.WritePolicy) (T, error) {
	var zero T
	id := s.backend.IDOf(item)

	switch p {
	case config.WriteCacheOnly:
		// Cache only: no pending change, sync status untouched.
		if err := s.commitSave(ctx, item, OriginLocal); err != nil {
			return zero, err
		}
		return item, nil

	case config.WriteCacheFirst:
		before, _, _, err := s.cached(ctx, id)
		if err != nil {
			return zero, err
		}
		if err := s.commitSave(ctx, item, OriginLocal); err != nil {
			return zero, err
		}
		s.enqueueChange(opSave, id, before, &item)
		s.markPending()
		s.notifyWrite()
		return item, nil

	case config.WriteNetworkFirst:
		enc, err := s.encryptItem(ctx, item)
		if err != nil {
			return zero, err
		}
		saved, err := s.backend.SaveRemote(ctx, enc)
		if err != nil {
			if nexuserr.KindOf(err) == nexuserr.KindConflict {
				return s.resolveDirectConflict(ctx, item, err)
			}
			return zero, s.opErr(err, "save", id)
		}
		plain, err := s.decryptItem(ctx, saved)
		if err != nil {
			return zero, err
		}
		if err := s.commitSave(ctx, plain, OriginRemote); err != nil {
			return zero, err
		}
		return plain, nil

	case config.WriteCacheAndNetwork:
		return s.saveOptimistic(ctx, item)

	default:
		return zero, nexuserr.Validation("policy", "unknown write policy "+string(p)).
			WithOp("save", s.Name())
	}
}

// saveOptimistic commits the cache first, then attempts the remote inline.
// Retryable failures strand the pending change for the sync loop; definitive
// rejections roll the cache back and surface the error.
func (s *Store[T, ID]) saveOptimistic(ctx context.Context, item T) (T, error) {
	var zero T
	id := s.backend.IDOf(item)

	before, _, _, err := s.cached(ctx, id)
	if err != nil {
		return zero, err
	}
	if err := s.commitSave(ctx, item, OriginOptimistic); err != nil {
		return zero, err
	}
	s.enqueueChange(opSave, id, before, &item)

	ch := s.pendingFor(id)
	pushErr := s.pushChange(ctx, ch)
	switch {
	case pushErr == nil:
		s.confirmChange(id)
		return item, nil

	case nexuserr.KindOf(pushErr) == nexuserr.KindConflict:
		resolved, rerr := s.resolveConflict(ctx, ch)
		if resolved {
			if v, _, present, err := s.cached(ctx, id); err == nil && present && v != nil {
				return *v, nil
			}
			return item, nil
		}
		s.setStatus(backend.StatusConflict)
		if rerr != nil {
			return zero, rerr
		}
		return zero, s.opErr(pushErr, "save", id)

	case nexuserr.IsRetryable(pushErr, s.cfg.Retry.RetryableKinds...):
		s.bumpAttempt(id)
		s.markPending()
		s.notifyWrite()
		return item, nil

	default:
		s.removeChange(id)
		s.rollback(ctx, &pendingChange[T, ID]{Op: opSave, ID: id, Before: before})
		return zero, s.opErr(pushErr, "save", id)
	}
}

func (s *Store[T, ID]) pendingFor(id ID) *pendingChange[T, ID] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

func (s *Store[T, ID]) bumpAttempt(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.pending[id]; ok {
		ch.Attempts++
		ch.NextAttempt = time.Now().Add(s.cfg.Retry.Delay(ch.Attempts))
	}
}

// resolveDirectConflict handles a conflict on the network-first write path,
// where no pending change exists.
func (s *Store[T, ID]) resolveDirectConflict(ctx context.Context, item T, cause error) (T, error) {
	var zero T
	id := s.backend.IDOf(item)
	ch := &pendingChange[T, ID]{Op: opSave, ID: id, After: &item}

	// Borrow the queued-change resolution; the change is synthetic so confirm
	// and remove are no-ops on the queue.
	resolved, rerr := s.resolveConflict(ctx, ch)
	if resolved {
		if v, _, present, err := s.cached(ctx, id); err == nil && present && v != nil {
			return *v, nil
		}
		return item, nil
	}
	s.setStatus(backend.StatusConflict)
	if rerr != nil {
		return zero, rerr
	}
	return zero, s.opErr(cause, "save", id)
}

// SaveAll saves items in input order. On failure the cache stays consistent
// with the successes already applied and the error carries the failing index.
func (s *Store[T, ID]) SaveAll(ctx context.Context, items []T, policy ...config.WritePolicy) ([]T, error) {
	if err := s.checkReady("save_all"); err != nil {
		return nil, err
	}
	p := s.writePolicy(policy)

	result, err := s.runOp(ctx, interceptor.KindSaveAll, string(p), items, func(ctx context.Context) (any, error) {
		out := make([]T, 0, len(items))
		for i, item := range items {
			saved, err := s.doSave(ctx, item, p)
			if err != nil {
				return out, s.indexedErr(err, i)
			}
			out = append(out, saved)
		}
		return out, nil
	})
	s.recordAudit(ctx, audit.ActionUpdate, "", err == nil, map[string]any{"count": len(items)})
	saved, _ := result.([]T)
	if err != nil {
		return saved, err
	}
	return saved, nil
}

// Delete removes the entity for id. It is idempotent: deleting an absent id
// returns false without error.
func (s *Store[T, ID]) Delete(ctx context.Context, id ID, policy ...config.WritePolicy) (bool, error) {
	if err := s.checkReady("delete"); err != nil {
		return false, err
	}
	p := s.writePolicy(policy)

	result, err := s.runOp(ctx, interceptor.KindDelete, string(p), id, func(ctx context.Context) (any, error) {
		deleted, err := s.doDelete(ctx, id, p)
		return deleted, err
	})
	s.recordAudit(ctx, audit.ActionDelete, s.idString(id), err == nil, nil)
	if err != nil {
		return false, err
	}
	deleted, _ := result.(bool)
	return deleted, nil
}

func (s *Store[T, ID]) doDelete(ctx context.Context, id ID, p config.WritePolicy) (bool, error) {
	switch p {
	case config.WriteCacheOnly:
		return s.commitDelete(ctx, id, OriginLocal)

	case config.WriteCacheFirst:
		before, _, _, err := s.cached(ctx, id)
		if err != nil {
			return false, err
		}
		existed, err := s.commitDelete(ctx, id, OriginLocal)
		if err != nil {
			return false, err
		}
		s.enqueueChange(opDelete, id, before, nil)
		s.markPending()
		s.notifyWrite()
		return existed, nil

	case config.WriteNetworkFirst:
		remoteDeleted, err := s.backend.DeleteRemote(ctx, id)
		if err != nil {
			return false, s.opErr(err, "delete", id)
		}
		localExisted, err := s.commitDelete(ctx, id, OriginRemote)
		if err != nil {
			return false, err
		}
		return remoteDeleted || localExisted, nil

	case config.WriteCacheAndNetwork:
		return s.deleteOptimistic(ctx, id)

	default:
		return false, nexuserr.Validation("policy", "unknown write policy "+string(p)).
			WithOp("delete", s.Name())
	}
}

func (s *Store[T, ID]) deleteOptimistic(ctx context.Context, id ID) (bool, error) {
	before, _, _, err := s.cached(ctx, id)
	if err != nil {
		return false, err
	}
	existed, err := s.commitDelete(ctx, id, OriginOptimistic)
	if err != nil {
		return false, err
	}
	s.enqueueChange(opDelete, id, before, nil)

	ch := s.pendingFor(id)
	pushErr := s.pushChange(ctx, ch)
	switch {
	case pushErr == nil:
		s.confirmChange(id)
		return existed, nil

	case nexuserr.KindOf(pushErr) == nexuserr.KindConflict:
		resolved, rerr := s.resolveConflict(ctx, ch)
		if resolved {
			return existed, nil
		}
		s.setStatus(backend.StatusConflict)
		if rerr != nil {
			return false, rerr
		}
		return false, s.opErr(pushErr, "delete", id)

	case nexuserr.IsRetryable(pushErr, s.cfg.Retry.RetryableKinds...):
		s.bumpAttempt(id)
		s.markPending()
		s.notifyWrite()
		return existed, nil

	default:
		s.removeChange(id)
		s.rollback(ctx, &pendingChange[T, ID]{Op: opDelete, ID: id, Before: before})
		return false, s.opErr(pushErr, "delete", id)
	}
}

// DeleteAll deletes ids in input order and returns the count deleted. On
// failure the error carries the failing index.
func (s *Store[T, ID]) DeleteAll(ctx context.Context, ids []ID, policy ...config.WritePolicy) (int, error) {
	if err := s.checkReady("delete_all"); err != nil {
		return 0, err
	}
	p := s.writePolicy(policy)

	result, err := s.runOp(ctx, interceptor.KindDeleteAll, string(p), ids, func(ctx context.Context) (any, error) {
		count := 0
		for i, id := range ids {
			deleted, err := s.doDelete(ctx, id, p)
			if err != nil {
				return count, s.indexedErr(err, i)
			}
			if deleted {
				count++
			}
		}
		return count, nil
	})
	s.recordAudit(ctx, audit.ActionDelete, "", err == nil, map[string]any{"count": len(ids)})
	count, _ := result.(int)
	if err != nil {
		return count, err
	}
	return count, nil
}

// indexedErr attaches the failing batch index to an item-level cause.
func (s *Store[T, ID]) indexedErr(err error, index int) error {
	if e := nexuserr.As(err); e != nil {
		return e.WithDetail("index", index)
	}
	return nexuserr.Unknown(err).WithDetail("index", index)
}
