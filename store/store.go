// Package store implements the reactive data-store core: a policy-driven
// CRUD + streaming facade over any backend driver.
package store

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/unfazed-dev/nexus-store-sub009/audit"
	"github.com/unfazed-dev/nexus-store-sub009/backend"
	"github.com/unfazed-dev/nexus-store-sub009/config"
	"github.com/unfazed-dev/nexus-store-sub009/fieldcrypt"
	"github.com/unfazed-dev/nexus-store-sub009/interceptor"
	"github.com/unfazed-dev/nexus-store-sub009/logging"
	"github.com/unfazed-dev/nexus-store-sub009/metrics"
	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
	"github.com/unfazed-dev/nexus-store-sub009/resilience"
	"github.com/unfazed-dev/nexus-store-sub009/stream"
)

type lifecycleState int

const (
	stateCreated lifecycleState = iota
	stateReady
	stateDisposed
)

func (s lifecycleState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateReady:
		return "ready"
	case stateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Origin records where a cache entry came from.
type Origin string

const (
	OriginRemote     Origin = "remote"
	OriginLocal      Origin = "local"
	OriginOptimistic Origin = "optimistic"
)

// entryMeta is the engine-side bookkeeping beside each cached value. The
// value itself lives in the backend's local storage.
type entryMeta struct {
	fetchedAt   time.Time
	staleAt     time.Time // zero means never stale
	origin      Origin
	tombstone   bool
	tags        map[string]struct{}
	invalidated bool
}

func (m *entryMeta) stale(now time.Time) bool {
	if m.invalidated {
		return true
	}
	return !m.staleAt.IsZero() && now.After(m.staleAt)
}

// Store is the public facade for one entity collection. T is the entity
// type, ID its identifier. The cache and reactive indices are owned
// exclusively by the store.
type Store[T any, ID comparable] struct {
	backend  backend.Backend[T, ID]
	cfg      config.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	auditLog *audit.Log
	chain    *interceptor.Chain
	codec    *fieldcrypt.Codec

	equals    func(a, b T) bool
	tagger    func(T) []string
	updatedAt func(T) time.Time
	merge     func(local, remote T) (T, bool)
	breaker   *resilience.CircuitBreaker

	mu           sync.Mutex
	state        lifecycleState
	meta         map[ID]*entryMeta
	itemStreams  map[ID]*stream.Replay[*T]
	queryStreams map[string]*queryStream[T]

	pending      map[ID]*pendingChange[T, ID]
	pendingOrder []ID
	status       backend.SyncStatus
	statusPrior  backend.SyncStatus
	statusCh     *stream.Replay[backend.SyncStatus]
	syncKick     chan struct{}
	connected    bool

	revalLimiter *rate.Limiter
	cron         *cron.Cron
	loopCtx      context.Context
	cancelLoop   context.CancelFunc
	wg           sync.WaitGroup
}

// Option customizes a store at construction time.
type Option[T any, ID comparable] func(*Store[T, ID])

// WithLogger sets the logger; the default discards output.
func WithLogger[T any, ID comparable](l *logging.Logger) Option[T, ID] {
	return func(s *Store[T, ID]) { s.logger = l }
}

// WithMetrics attaches a metrics bundle.
func WithMetrics[T any, ID comparable](m *metrics.Metrics) Option[T, ID] {
	return func(s *Store[T, ID]) { s.metrics = m }
}

// WithAuditLog attaches an audit log; required when cfg.EnableAudit is set.
func WithAuditLog[T any, ID comparable](l *audit.Log) Option[T, ID] {
	return func(s *Store[T, ID]) { s.auditLog = l }
}

// WithEquality overrides the equality used to coalesce redundant emissions.
// The default is reflect.DeepEqual.
func WithEquality[T any, ID comparable](eq func(a, b T) bool) Option[T, ID] {
	return func(s *Store[T, ID]) { s.equals = eq }
}

// WithTagger derives invalidation tags for each cached entity.
func WithTagger[T any, ID comparable](fn func(T) []string) Option[T, ID] {
	return func(s *Store[T, ID]) { s.tagger = fn }
}

// WithUpdatedAt supplies the timestamp extractor used by latest_wins
// conflict resolution.
func WithUpdatedAt[T any, ID comparable](fn func(T) time.Time) Option[T, ID] {
	return func(s *Store[T, ID]) { s.updatedAt = fn }
}

// WithMerge supplies the merge function for merge/custom conflict
// resolution. Returning false means the conflict is unresolved.
func WithMerge[T any, ID comparable](fn func(local, remote T) (T, bool)) Option[T, ID] {
	return func(s *Store[T, ID]) { s.merge = fn }
}

// New builds a store over a backend. Call Initialize before use.
func New[T any, ID comparable](b backend.Backend[T, ID], cfg config.Config, opts ...Option[T, ID]) (*Store[T, ID], error) {
	if b == nil {
		return nil, fmt.Errorf("store: backend is required")
	}

	s := &Store[T, ID]{
		backend:      b,
		cfg:          cfg,
		logger:       logging.Nop(),
		meta:         make(map[ID]*entryMeta),
		itemStreams:  make(map[ID]*stream.Replay[*T]),
		queryStreams: make(map[string]*queryStream[T]),
		pending:      make(map[ID]*pendingChange[T, ID]),
		status:       backend.StatusSynced,
		syncKick:     make(chan struct{}, 1),
		connected:    true,
		revalLimiter: rate.NewLimiter(rate.Limit(50), 100),
		breaker:      resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.equals == nil {
		s.equals = func(a, b T) bool { return reflect.DeepEqual(a, b) }
	}
	s.statusCh = stream.NewReplay[backend.SyncStatus](
		stream.WithEquality[backend.SyncStatus](func(a, b backend.SyncStatus) bool { return a == b }))
	s.chain = interceptor.NewChain(cfg.Interceptors...)

	if cfg.Encryption.Mode == config.EncryptionFieldLevel {
		codec, err := fieldcrypt.NewCodec(fieldcrypt.Config{
			Fields:      cfg.Encryption.Fields,
			KeyProvider: cfg.Encryption.KeyProvider,
			Algorithm:   cfg.Encryption.Algorithm,
			Version:     cfg.Encryption.Version,
		})
		if err != nil {
			return nil, err
		}
		s.codec = codec
	}

	if cfg.EnableAudit && s.auditLog == nil {
		s.auditLog = audit.NewLog(nil, s.logger)
	}

	return s, nil
}

// Name returns the entity type name.
func (s *Store[T, ID]) Name() string { return s.backend.Name() }

// Backend exposes the driver, mainly for composition layers.
func (s *Store[T, ID]) Backend() backend.Backend[T, ID] { return s.backend }

// Initialize opens the backend, seeds the reactive indices and starts the
// sync loop. Operations before Initialize fail with a not-ready error.
func (s *Store[T, ID]) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateCreated {
		state := s.state
		s.mu.Unlock()
		return nexuserr.NotReady(state.String()).WithOp("initialize", s.Name())
	}
	s.mu.Unlock()

	if s.cfg.Encryption.Mode == config.EncryptionDBLevel {
		if enc, ok := s.backend.(backend.DBEncryption); ok {
			if err := enc.ConfigureDBEncryption(ctx, s.cfg.Encryption.KeyProvider, s.cfg.Encryption.KDFIterations); err != nil {
				return nexuserr.EncryptionFailed(err).WithOp("initialize", s.Name())
			}
		}
	}

	if err := s.backend.Initialize(ctx); err != nil {
		return nexuserr.Sync("backend initialization failed", err).WithOp("initialize", s.Name())
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.state = stateReady
	s.loopCtx = loopCtx
	s.cancelLoop = cancel
	s.mu.Unlock()

	s.watchConnectivity(loopCtx)
	s.startSyncLoop(loopCtx)

	s.mu.Lock()
	s.statusCh.Publish(s.status)
	s.mu.Unlock()
	return nil
}

// Dispose cancels the sync loop, closes every replay stream and releases
// the backend. In-flight saga executions are not cancelled.
func (s *Store[T, ID]) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateDisposed
	cancel := s.cancelLoop
	cr := s.cron
	s.cron = nil

	for id, ch := range s.itemStreams {
		ch.Close()
		delete(s.itemStreams, id)
	}
	for key, qs := range s.queryStreams {
		qs.ch.Close()
		delete(s.queryStreams, key)
	}
	s.statusCh.Close()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cr != nil {
		cr.Stop()
	}
	s.wg.Wait()

	return s.backend.Dispose(ctx)
}

// checkReady returns a typed not-ready error outside the ready state.
func (s *Store[T, ID]) checkReady(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateReady {
		return nexuserr.NotReady(s.state.String()).WithOp(op, s.Name())
	}
	return nil
}

// runOp wraps an operation with the interceptor chain, metrics and logging.
func (s *Store[T, ID]) runOp(ctx context.Context, kind interceptor.Kind, policy string, input any, op func(ctx context.Context) (any, error)) (any, error) {
	started := time.Now()
	opCtx := &interceptor.OpContext{
		Ctx:    ctx,
		Op:     kind,
		Entity: s.Name(),
		Policy: policy,
		Input:  input,
	}

	result, err := s.chain.Run(opCtx, op)

	d := time.Since(started)
	s.metrics.ObserveOp(s.Name(), string(kind), policy, err, d)
	if err != nil {
		s.metrics.ObserveError(s.Name(), string(nexuserr.KindOf(err)), string(kind))
	}
	s.logger.LogOperation(ctx, string(kind), s.Name(), d, err)
	return result, err
}

// recordAudit appends an audit entry when auditing is enabled.
func (s *Store[T, ID]) recordAudit(ctx context.Context, action audit.Action, entityID string, success bool, details map[string]any) {
	if !s.cfg.EnableAudit || s.auditLog == nil {
		return
	}
	if err := s.auditLog.Record(ctx, action, s.Name(), entityID, success, details); err == nil {
		s.metrics.ObserveAudit(string(action))
	}
}

func (s *Store[T, ID]) idString(id ID) string {
	return fmt.Sprint(id)
}

func (s *Store[T, ID]) ptrEquals(a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return s.equals(*a, *b)
}

func (s *Store[T, ID]) sliceEquals(a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !s.equals(a[i], b[i]) {
			return false
		}
	}
	return true
}
