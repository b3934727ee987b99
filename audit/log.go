package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/unfazed-dev/nexus-store-sub009/logging"
)

// Log is the engine-facing audit API on top of a Storage.
type Log struct {
	storage Storage
	logger  *logging.Logger
}

// NewLog wraps a storage. A nil storage gets the in-memory default.
func NewLog(storage Storage, logger *logging.Logger) *Log {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Log{storage: storage, logger: logger}
}

// Record appends one entry. The actor is taken from the context.
func (l *Log) Record(ctx context.Context, action Action, entityType, entityID string, success bool, details map[string]any) error {
	e := &Entry{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		ActorID:    logging.GetActorID(ctx),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Success:    success,
		Details:    details,
	}
	if err := l.storage.Append(ctx, e); err != nil {
		l.logger.WithError(err).Error("Audit append failed")
		return err
	}
	return nil
}

// Query returns entries in commit order.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return l.storage.Query(ctx, f)
}

// Verify recomputes the chain; an empty result means intact.
func (l *Log) Verify(ctx context.Context) ([]int, error) {
	return l.storage.VerifyIntegrity(ctx)
}

// ExportEnvelope is the canonical export format. Its checksum is the final
// chain hash.
type ExportEnvelope struct {
	Entries    []Entry   `json:"entries"`
	ChainRoot  string    `json:"chain_root"`
	ExportedAt time.Time `json:"exported_at"`
}

// Export produces the stable canonical-JSON envelope of the full log.
func (l *Log) Export(ctx context.Context) (*ExportEnvelope, error) {
	entries, err := l.storage.Query(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	root := ChainSeed
	if len(entries) > 0 {
		root = entries[len(entries)-1].Hash
	}
	return &ExportEnvelope{
		Entries:    entries,
		ChainRoot:  root,
		ExportedAt: time.Now().UTC(),
	}, nil
}

// MarshalCanonical returns the envelope as canonical JSON bytes.
func (e *ExportEnvelope) MarshalCanonical() ([]byte, error) {
	return json.Marshal(e)
}
