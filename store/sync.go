package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/unfazed-dev/nexus-store-sub009/audit"
	"github.com/unfazed-dev/nexus-store-sub009/backend"
	"github.com/unfazed-dev/nexus-store-sub009/config"
	"github.com/unfazed-dev/nexus-store-sub009/interceptor"
	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
	"github.com/unfazed-dev/nexus-store-sub009/resilience"
)

// SyncStatus re-exports the shared status enum.
type SyncStatus = backend.SyncStatus

type changeOp string

const (
	opSave   changeOp = "save"
	opDelete changeOp = "delete"
)

// pendingChange is a locally committed write not yet confirmed by the
// remote. A change is outstanding until confirmed or replaced by a newer
// change for the same id.
type pendingChange[T any, ID comparable] struct {
	Op          changeOp
	ID          ID
	Before      *T
	After       *T
	Delta       map[string]any
	EnqueuedAt  time.Time
	Attempts    int
	NextAttempt time.Time
}

// PendingChangesCount reports the number of outstanding pending changes.
func (s *Store[T, ID]) PendingChangesCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Status returns the current sync condition.
func (s *Store[T, ID]) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Store[T, ID]) setStatusLocked(to SyncStatus) {
	if s.status == to {
		return
	}
	from := s.status
	s.status = to
	s.metrics.ObserveSyncTransition(s.Name(), string(from), string(to))
	s.logger.LogSyncTransition(s.Name(), string(from), string(to), len(s.pending))
	s.statusCh.Publish(to)
}

func (s *Store[T, ID]) setStatus(to SyncStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(to)
}

// enqueueChange queues a change, replacing any outstanding change for the
// same id. The original Before snapshot survives replacement so rollback
// restores the pre-optimistic state.
func (s *Store[T, ID]) enqueueChange(op changeOp, id ID, before, after *T) {
	var delta map[string]any
	if s.cfg.DeltaSync && before != nil && after != nil {
		delta = s.computeDelta(*before, *after)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := &pendingChange[T, ID]{
		Op:         op,
		ID:         id,
		Before:     before,
		After:      after,
		Delta:      delta,
		EnqueuedAt: time.Now(),
	}
	if prior, ok := s.pending[id]; ok {
		ch.Before = prior.Before
		s.pending[id] = ch
	} else {
		s.pending[id] = ch
		s.pendingOrder = append(s.pendingOrder, id)
	}
	s.metrics.SetPending(s.Name(), len(s.pending))
}

// markPending raises the status for deferred or stranded changes.
func (s *Store[T, ID]) markPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 && (s.status == backend.StatusSynced || s.status == backend.StatusError) {
		s.setStatusLocked(backend.StatusPending)
	}
}

func (s *Store[T, ID]) removeChangeLocked(id ID) {
	if _, ok := s.pending[id]; !ok {
		return
	}
	delete(s.pending, id)
	for i, pid := range s.pendingOrder {
		if pid == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
	s.metrics.SetPending(s.Name(), len(s.pending))
}

func (s *Store[T, ID]) removeChange(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeChangeLocked(id)
}

// confirmChange marks a change as accepted by the remote.
func (s *Store[T, ID]) confirmChange(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeChangeLocked(id)
	if m, ok := s.meta[id]; ok {
		m.origin = OriginRemote
	}
}

func (s *Store[T, ID]) computeDelta(before, after T) map[string]any {
	bdoc, err1 := s.backend.ToJSON(before)
	adoc, err2 := s.backend.ToJSON(after)
	if err1 != nil || err2 != nil {
		return nil
	}
	delta := make(map[string]any)
	for k, av := range adoc {
		if bv, ok := bdoc[k]; !ok || !reflect.DeepEqual(bv, av) {
			delta[k] = av
		}
	}
	for k := range bdoc {
		if _, ok := adoc[k]; !ok {
			delta[k] = nil
		}
	}
	return delta
}

// kick wakes the sync loop without blocking.
func (s *Store[T, ID]) kick() {
	select {
	case s.syncKick <- struct{}{}:
	default:
	}
}

// notifyWrite wakes the loop for modes that react to new changes.
func (s *Store[T, ID]) notifyWrite() {
	switch s.cfg.SyncMode {
	case config.SyncRealtime:
		s.kick()
	}
}

// NotifySync wakes the sync loop from an external trigger. This is the
// drain signal for the event_driven sync mode.
func (s *Store[T, ID]) NotifySync() {
	s.kick()
}

// watchConnectivity pipes the driver's connectivity feed into the state
// machine: down pauses an active drain, up restores the prior state and
// drains. The first value reflects the current state and is applied before
// Initialize returns so early writes route correctly.
func (s *Store[T, ID]) watchConnectivity(ctx context.Context) {
	ch, err := s.backend.IsConnected(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Connectivity feed unavailable")
		return
	}

	select {
	case connected, ok := <-ch:
		if ok {
			s.mu.Lock()
			s.connected = connected
			s.mu.Unlock()
		}
	case <-ctx.Done():
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for connected := range ch {
			s.mu.Lock()
			s.connected = connected
			if !connected {
				// Interrupting an active drain pauses it; an idle store stays
				// where it is and moves to pending on the next enqueue.
				if s.status == backend.StatusSyncing {
					s.statusPrior = s.status
					s.setStatusLocked(backend.StatusPaused)
				}
				s.mu.Unlock()
				continue
			}

			if s.status == backend.StatusPaused {
				prior := s.statusPrior
				if prior == "" {
					prior = backend.StatusSynced
				}
				s.setStatusLocked(prior)
			}
			if len(s.pending) > 0 {
				s.setStatusLocked(backend.StatusPending)
			}
			pendingLeft := len(s.pending) > 0
			s.mu.Unlock()
			if pendingLeft {
				s.kick()
			}
		}
	}()
}

// Pause suspends the sync loop; Resume restores the prior status.
func (s *Store[T, ID]) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != backend.StatusPaused {
		s.statusPrior = s.status
		s.setStatusLocked(backend.StatusPaused)
	}
}

// Resume lifts an explicit pause and drains any backlog.
func (s *Store[T, ID]) Resume() {
	s.mu.Lock()
	if s.status == backend.StatusPaused {
		prior := s.statusPrior
		if prior == "" {
			prior = backend.StatusSynced
		}
		s.setStatusLocked(prior)
	}
	pendingLeft := len(s.pending) > 0 && s.connected
	if pendingLeft {
		s.setStatusLocked(backend.StatusPending)
	}
	s.mu.Unlock()
	if pendingLeft {
		s.kick()
	}
}

// startSyncLoop launches the drain goroutine per the configured mode.
func (s *Store[T, ID]) startSyncLoop(ctx context.Context) {
	switch s.cfg.SyncMode {
	case config.SyncManual, config.SyncDisabled:
		return
	case config.SyncPeriodic:
		interval := s.cfg.SyncInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		cr := cron.New()
		if _, err := cr.AddFunc(fmt.Sprintf("@every %s", interval), s.kick); err != nil {
			s.logger.WithError(err).Warn("Periodic sync schedule failed")
		} else {
			cr.Start()
			s.mu.Lock()
			s.cron = cr
			s.mu.Unlock()
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.syncKick:
				if err := s.processQueue(ctx); err != nil {
					s.logger.WithError(err).Warn("Sync pass failed")
				}
			}
		}
	}()
}

// Sync drains the pending queue now.
func (s *Store[T, ID]) Sync(ctx context.Context) error {
	if err := s.checkReady("sync"); err != nil {
		return err
	}
	_, err := s.runOp(ctx, interceptor.KindSync, "", nil, func(ctx context.Context) (any, error) {
		return nil, s.processQueue(ctx)
	})
	return err
}

// processQueue pushes outstanding changes in enqueue order. Retryable
// failures reschedule with backoff; non-retryable failures roll the cache
// back and surface through the status machine.
func (s *Store[T, ID]) processQueue(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateReady || !s.connected || s.status == backend.StatusPaused {
		s.mu.Unlock()
		return nil
	}
	if len(s.pendingOrder) == 0 {
		if s.status == backend.StatusSyncing || s.status == backend.StatusPending {
			s.setStatusLocked(backend.StatusSynced)
		}
		s.mu.Unlock()
		return nil
	}
	s.setStatusLocked(backend.StatusSyncing)
	order := append([]ID(nil), s.pendingOrder...)
	s.mu.Unlock()

	var firstErr error
	now := time.Now()
	unresolvedConflict := false

	for _, id := range order {
		s.mu.Lock()
		ch, ok := s.pending[id]
		if !ok || now.Before(ch.NextAttempt) {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		// The breaker stops hammering a failing remote; only transient
		// failures count toward opening it.
		err := s.breaker.Execute(ctx, func() error {
			return s.pushChange(ctx, ch)
		})
		switch {
		case err == nil:
			s.confirmChange(id)
			s.recordAudit(ctx, audit.ActionSync, s.idString(id), true, s.syncDetails(ch))

		case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
			s.mu.Lock()
			ch.NextAttempt = time.Now().Add(s.cfg.Retry.Delay(ch.Attempts + 1))
			s.mu.Unlock()

		case nexuserr.KindOf(err) == nexuserr.KindConflict:
			resolved, rerr := s.resolveConflict(ctx, ch)
			if !resolved {
				s.setStatus(backend.StatusConflict)
				unresolvedConflict = true
				if firstErr == nil {
					if rerr != nil {
						firstErr = rerr
					} else {
						firstErr = err
					}
				}
			}

		case nexuserr.IsRetryable(err, s.cfg.Retry.RetryableKinds...):
			s.mu.Lock()
			ch.Attempts++
			exhausted := ch.Attempts >= s.cfg.Retry.MaxAttempts
			if !exhausted {
				ch.NextAttempt = time.Now().Add(s.cfg.Retry.Delay(ch.Attempts))
			}
			s.mu.Unlock()
			if exhausted {
				s.failChange(ctx, ch, err)
				if firstErr == nil {
					firstErr = err
				}
			}

		default:
			s.failChange(ctx, ch, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.mu.Lock()
	switch {
	case len(s.pending) == 0:
		s.setStatusLocked(backend.StatusSynced)
	case unresolvedConflict:
		// Status already set to conflict.
	case firstErr != nil:
		s.setStatusLocked(backend.StatusError)
	default:
		s.setStatusLocked(backend.StatusPending)
		s.scheduleRetryWakeLocked()
	}
	s.mu.Unlock()

	return firstErr
}

// scheduleRetryWakeLocked arms a one-shot wake for the earliest backoff
// deadline among the remaining changes.
func (s *Store[T, ID]) scheduleRetryWakeLocked() {
	var earliest time.Time
	for _, ch := range s.pending {
		if earliest.IsZero() || ch.NextAttempt.Before(earliest) {
			earliest = ch.NextAttempt
		}
	}
	if earliest.IsZero() {
		return
	}
	d := time.Until(earliest)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, s.kick)
}

func (s *Store[T, ID]) syncDetails(ch *pendingChange[T, ID]) map[string]any {
	details := map[string]any{"op": string(ch.Op), "attempts": ch.Attempts}
	if len(ch.Delta) > 0 {
		details["delta_fields"] = len(ch.Delta)
	}
	return details
}

// pushChange executes one change against the remote.
func (s *Store[T, ID]) pushChange(ctx context.Context, ch *pendingChange[T, ID]) error {
	switch ch.Op {
	case opSave:
		enc, err := s.encryptItem(ctx, *ch.After)
		if err != nil {
			return err
		}
		_, err = s.backend.SaveRemote(ctx, enc)
		return err
	case opDelete:
		_, err := s.backend.DeleteRemote(ctx, ch.ID)
		return err
	default:
		return nexuserr.Sync("unknown change op", nil)
	}
}

// failChange removes a change the remote definitively rejected and rolls the
// cache back to the pre-change snapshot.
func (s *Store[T, ID]) failChange(ctx context.Context, ch *pendingChange[T, ID], cause error) {
	s.removeChange(ch.ID)
	s.rollback(ctx, ch)
	s.recordAudit(ctx, audit.ActionSync, s.idString(ch.ID), false,
		map[string]any{"op": string(ch.Op), "error": cause.Error()})
}

func (s *Store[T, ID]) rollback(ctx context.Context, ch *pendingChange[T, ID]) {
	if ch.Before != nil {
		if err := s.commitSave(ctx, *ch.Before, OriginLocal); err != nil {
			s.logger.WithError(err).Error("Rollback failed")
		}
		return
	}
	if _, err := s.commitDelete(ctx, ch.ID, OriginLocal); err != nil {
		s.logger.WithError(err).Error("Rollback failed")
	}
}

// resolveConflict applies the configured conflict-resolution strategy to a
// queued change. It returns false when the conflict stays unresolved.
func (s *Store[T, ID]) resolveConflict(ctx context.Context, ch *pendingChange[T, ID]) (bool, error) {
	switch s.cfg.ConflictResolution {
	case config.ConflictServerWins:
		remote, err := s.backend.GetRemote(ctx, ch.ID)
		if err != nil {
			return false, err
		}
		s.removeChange(ch.ID)
		if remote == nil {
			_, err = s.commitDelete(ctx, ch.ID, OriginRemote)
			return err == nil, err
		}
		plain, err := s.decryptItem(ctx, *remote)
		if err != nil {
			return false, err
		}
		if err := s.commitSave(ctx, plain, OriginRemote); err != nil {
			return false, err
		}
		return true, nil

	case config.ConflictClientWins:
		if err := s.pushChange(ctx, ch); err != nil {
			return false, err
		}
		s.confirmChange(ch.ID)
		return true, nil

	case config.ConflictLatestWins:
		if s.updatedAt == nil || ch.After == nil {
			return false, nexuserr.Conflict("latest_wins requires an updated-at extractor")
		}
		remote, err := s.backend.GetRemote(ctx, ch.ID)
		if err != nil {
			return false, err
		}
		if remote == nil {
			return s.retryAsClient(ctx, ch)
		}
		plainRemote, err := s.decryptItem(ctx, *remote)
		if err != nil {
			return false, err
		}
		if s.updatedAt(*ch.After).After(s.updatedAt(plainRemote)) {
			return s.retryAsClient(ctx, ch)
		}
		s.removeChange(ch.ID)
		if err := s.commitSave(ctx, plainRemote, OriginRemote); err != nil {
			return false, err
		}
		return true, nil

	case config.ConflictMerge, config.ConflictCustom:
		if s.merge == nil || ch.After == nil {
			return false, nexuserr.Conflict("merge resolution requires a merge function")
		}
		remote, err := s.backend.GetRemote(ctx, ch.ID)
		if err != nil {
			return false, err
		}
		if remote == nil {
			return s.retryAsClient(ctx, ch)
		}
		plainRemote, err := s.decryptItem(ctx, *remote)
		if err != nil {
			return false, err
		}
		merged, ok := s.merge(*ch.After, plainRemote)
		if !ok {
			return false, nil
		}
		if err := s.commitSave(ctx, merged, OriginOptimistic); err != nil {
			return false, err
		}
		s.mu.Lock()
		ch.After = &merged
		ch.Attempts = 0
		ch.NextAttempt = time.Time{}
		s.mu.Unlock()
		s.kick()
		return true, nil

	case config.ConflictCRDT:
		// The driver owns CRDT merging; a conflict here means it already
		// converged on the server side.
		s.confirmChange(ch.ID)
		return true, nil

	default:
		return false, nil
	}
}

func (s *Store[T, ID]) retryAsClient(ctx context.Context, ch *pendingChange[T, ID]) (bool, error) {
	if err := s.pushChange(ctx, ch); err != nil {
		return false, err
	}
	s.confirmChange(ch.ID)
	return true, nil
}
