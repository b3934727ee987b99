// Package backend defines the contract the engine consumes from any concrete
// driver, plus the in-process default driver.
package backend

import (
	"context"

	"github.com/unfazed-dev/nexus-store-sub009/fieldcrypt"
	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
	"github.com/unfazed-dev/nexus-store-sub009/query"
)

// Capabilities advertises optional driver features.
type Capabilities struct {
	Offline      bool
	Realtime     bool
	Transactions bool
	FieldOps     bool
}

// SyncStatus is the global sync condition shared between drivers and the
// engine's sync state machine.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusError    SyncStatus = "error"
	StatusPaused   SyncStatus = "paused"
	StatusConflict SyncStatus = "conflict"
)

// Backend is the driver contract. Local ops back the cache path, remote ops
// the network path. Drivers must raise network errors for transient failures,
// timeout for exceeded deadlines, conflict for version mismatches and
// authentication for credential failures, using the nexuserr kinds.
//
// SaveLocal must make the new value visible to the next GetLocal and cause
// WatchLocal to re-emit.
type Backend[T any, ID comparable] interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	Dispose(ctx context.Context) error

	// Metadata
	Name() string
	Capabilities() Capabilities
	IDOf(item T) ID
	ToJSON(item T) (map[string]any, error)
	FromJSON(doc map[string]any) (T, error)

	// Local ops
	GetLocal(ctx context.Context, id ID) (*T, error)
	GetAllLocal(ctx context.Context, q *query.Query) ([]T, error)
	SaveLocal(ctx context.Context, item T) (T, error)
	DeleteLocal(ctx context.Context, id ID) (bool, error)
	WatchLocal(ctx context.Context, q *query.Query) (<-chan []T, error)

	// Remote ops
	GetRemote(ctx context.Context, id ID) (*T, error)
	GetAllRemote(ctx context.Context, q *query.Query) ([]T, error)
	SaveRemote(ctx context.Context, item T) (T, error)
	DeleteRemote(ctx context.Context, id ID) (bool, error)

	// Connectivity. The first value reflects the current state.
	IsConnected(ctx context.Context) (<-chan bool, error)
}

// FieldReader is implemented by drivers advertising the FieldOps capability.
type FieldReader[T any, ID comparable] interface {
	GetField(ctx context.Context, id ID, field string) (any, error)
	GetFieldBatch(ctx context.Context, ids []ID, field string) (map[ID]any, error)
}

// DBEncryption is implemented by drivers that support encrypted-at-rest
// storage. The engine performs no database encryption itself; it only
// forwards the configured key provider and KDF iteration count.
type DBEncryption interface {
	ConfigureDBEncryption(ctx context.Context, keyProvider fieldcrypt.KeyProvider, kdfIterations int) error
}

// Syncer is implemented by drivers with native offline sync. The store does
// not call it: every driver gets the engine's sync queue and state machine.
type Syncer interface {
	Sync(ctx context.Context) error
	PendingChangesCount(ctx context.Context) (int, error)
	SyncStatus(ctx context.Context) (<-chan SyncStatus, error)
}

// ErrFieldOpsUnsupported is returned for lazy-field ops on drivers without
// the FieldOps capability.
func ErrFieldOpsUnsupported(name string) error {
	return nexuserr.Validation("field_ops", "backend "+name+" does not support field operations")
}
