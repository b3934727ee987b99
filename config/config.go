// Package config provides the store configuration value types and loading
// helpers.
package config

import (
	"time"

	"github.com/unfazed-dev/nexus-store-sub009/fieldcrypt"
	"github.com/unfazed-dev/nexus-store-sub009/interceptor"
	"github.com/unfazed-dev/nexus-store-sub009/metrics"
	"github.com/unfazed-dev/nexus-store-sub009/resilience"
)

// FetchPolicy selects the read-path routing algorithm.
type FetchPolicy string

const (
	FetchCacheFirst           FetchPolicy = "cacheFirst"
	FetchNetworkFirst         FetchPolicy = "networkFirst"
	FetchCacheAndNetwork      FetchPolicy = "cacheAndNetwork"
	FetchCacheOnly            FetchPolicy = "cacheOnly"
	FetchNetworkOnly          FetchPolicy = "networkOnly"
	FetchStaleWhileRevalidate FetchPolicy = "staleWhileRevalidate"
)

// WritePolicy selects the write-path routing algorithm.
type WritePolicy string

const (
	WriteCacheAndNetwork WritePolicy = "cacheAndNetwork" // optimistic
	WriteNetworkFirst    WritePolicy = "networkFirst"
	WriteCacheFirst      WritePolicy = "cacheFirst" // offline-first
	WriteCacheOnly       WritePolicy = "cacheOnly"
)

// SyncMode selects when the sync loop drains pending changes.
type SyncMode string

const (
	SyncRealtime    SyncMode = "realtime"
	SyncPeriodic    SyncMode = "periodic"
	SyncManual      SyncMode = "manual"
	SyncEventDriven SyncMode = "event_driven"
	SyncDisabled    SyncMode = "disabled"
)

// ConflictResolution selects how remote write conflicts resolve.
type ConflictResolution string

const (
	ConflictServerWins ConflictResolution = "server_wins"
	ConflictClientWins ConflictResolution = "client_wins"
	ConflictLatestWins ConflictResolution = "latest_wins"
	ConflictMerge      ConflictResolution = "merge"
	ConflictCRDT       ConflictResolution = "crdt"
	ConflictCustom     ConflictResolution = "custom"
)

// EncryptionMode selects the encryption layer.
type EncryptionMode string

const (
	EncryptionNone       EncryptionMode = "none"
	EncryptionDBLevel    EncryptionMode = "db_level"
	EncryptionFieldLevel EncryptionMode = "field_level"
)

// EncryptionConfig configures either layer. DB-level settings are passed
// through to backends that support encrypted-at-rest storage; field-level
// settings drive the engine's own codec.
type EncryptionConfig struct {
	Mode          EncryptionMode
	Fields        []string
	KeyProvider   fieldcrypt.KeyProvider
	Algorithm     fieldcrypt.Algorithm
	Version       string
	KDFIterations int
}

// GDPRConfig configures the compliance service.
type GDPRConfig struct {
	SubjectIDField    string
	RetentionPolicies map[string]time.Duration
	Purposes          map[string][]string
}

// LazyLoadConfig configures deferred field loading.
type LazyLoadConfig struct {
	Fields     []string
	BatchSize  int
	BatchDelay time.Duration
}

// Config bundles every store option. The zero value is not usable; start
// from Default.
type Config struct {
	FetchPolicy        FetchPolicy
	WritePolicy        WritePolicy
	SyncMode           SyncMode
	ConflictResolution ConflictResolution

	Retry      resilience.RetryConfig
	Encryption EncryptionConfig

	EnableAudit bool
	EnableGDPR  bool
	GDPR        GDPRConfig

	// StaleDuration of zero means cache entries never go stale.
	StaleDuration      time.Duration
	SyncInterval       time.Duration
	TransactionTimeout time.Duration

	Interceptors []interceptor.Interceptor

	Metrics metrics.Config

	DeltaSync bool
	LazyLoad  LazyLoadConfig
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		FetchPolicy:        FetchCacheFirst,
		WritePolicy:        WriteCacheAndNetwork,
		SyncMode:           SyncRealtime,
		ConflictResolution: ConflictServerWins,
		Retry:              resilience.DefaultRetryConfig(),
		Encryption:         EncryptionConfig{Mode: EncryptionNone},
		SyncInterval:       30 * time.Second,
		TransactionTimeout: 30 * time.Second,
		Metrics:            metrics.DefaultConfig(),
	}
}
