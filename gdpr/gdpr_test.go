package gdpr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unfazed-dev/nexus-store-sub009/audit"
	"github.com/unfazed-dev/nexus-store-sub009/backend"
	"github.com/unfazed-dev/nexus-store-sub009/config"
	. "github.com/unfazed-dev/nexus-store-sub009/gdpr"
	"github.com/unfazed-dev/nexus-store-sub009/store"
)

type order struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Total     int    `json:"total"`
	CreatedAt string `json:"created_at,omitempty"`
}

type profile struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Email   string `json:"email"`
}

func newOrderStore(t *testing.T) *store.Store[order, string] {
	t.Helper()
	b := backend.NewMemory[order, string]("orders", func(o order) string { return o.ID })
	s, err := store.New[order, string](b, config.Default())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Dispose(context.Background()) })
	return s
}

func newProfileStore(t *testing.T) *store.Store[profile, string] {
	t.Helper()
	b := backend.NewMemory[profile, string]("profiles", func(p profile) string { return p.ID })
	s, err := store.New[profile, string](b, config.Default())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Dispose(context.Background()) })
	return s
}

func seed(t *testing.T, orders *store.Store[order, string], profiles *store.Store[profile, string]) {
	t.Helper()
	ctx := context.Background()

	_, err := orders.SaveAll(ctx, []order{
		{ID: "o1", OwnerID: "alice", Total: 100, CreatedAt: time.Now().UTC().Format(time.RFC3339)},
		{ID: "o2", OwnerID: "alice", Total: 250},
		{ID: "o3", OwnerID: "bob", Total: 75},
	})
	require.NoError(t, err)

	_, err = profiles.Save(ctx, profile{ID: "p1", OwnerID: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
}

func newService(t *testing.T, log *audit.Log, policies map[string]EntityPolicy) (*Service, *store.Store[order, string], *store.Store[profile, string]) {
	t.Helper()
	orders := newOrderStore(t)
	profiles := newProfileStore(t)
	seed(t, orders, profiles)

	svc, err := NewService(Config{
		SubjectIDField: "owner_id",
		Policies:       policies,
		Categories: map[string][]string{
			"orders":   {"financial"},
			"profiles": {"contact"},
		},
		Purposes: map[string][]string{
			"orders": {"order fulfilment"},
		},
	}, log, nil, orders, profiles)
	require.NoError(t, err)
	return svc, orders, profiles
}

func TestExport(t *testing.T) {
	log := audit.NewLog(nil, nil)
	svc, _, _ := newService(t, log, nil)
	ctx := context.Background()

	result, err := svc.Export(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", result.SubjectID)
	require.Len(t, result.Entities, 2)

	byType := map[string][]map[string]any{}
	for _, e := range result.Entities {
		byType[e.EntityType] = e.Items
	}
	assert.Len(t, byType["orders"], 2)
	assert.Len(t, byType["profiles"], 1)
	assert.Equal(t, "alice@example.com", byType["profiles"][0]["email"])
	assert.ElementsMatch(t, []string{"financial", "contact"}, result.Categories)

	entries, err := log.Query(ctx, audit.Filter{Action: audit.ActionExport})
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one export entry per entity type")
}

func TestEraseHardDelete(t *testing.T) {
	log := audit.NewLog(nil, nil)
	svc, orders, profiles := newService(t, log, nil)
	ctx := context.Background()

	result, err := svc.Erase(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, 3, result.DeletedCount)
	assert.ElementsMatch(t, []string{"orders", "profiles"}, result.AffectedTypes)
	assert.False(t, result.CompletedAt.IsZero())

	remaining, err := orders.GetAll(ctx, nil, config.FetchCacheOnly)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "bob", remaining[0].OwnerID)

	gone, err := profiles.Get(ctx, "p1", config.FetchCacheOnly)
	require.NoError(t, err)
	assert.Nil(t, gone)

	entries, err := log.Query(ctx, audit.Filter{Action: audit.ActionErase})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestEraseAnonymize(t *testing.T) {
	svc, _, profiles := newService(t, nil, map[string]EntityPolicy{
		"profiles": {Mode: Anonymize, AnonymizeFields: []string{"owner_id", "email"}},
	})
	ctx := context.Background()

	result, err := svc.Erase(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, result.DeletedCount)

	kept, err := profiles.Get(ctx, "p1", config.FetchCacheOnly)
	require.NoError(t, err)
	require.NotNil(t, kept, "anonymized record survives")
	assert.Equal(t, AnonymizedToken, kept.OwnerID)
	assert.Equal(t, AnonymizedToken, kept.Email)
}

func TestAccessReport(t *testing.T) {
	svc, _, _ := newService(t, nil, nil)
	ctx := context.Background()

	report, err := svc.Access(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, 2, report.Counts["orders"])
	assert.Equal(t, 1, report.Counts["profiles"])
	assert.ElementsMatch(t, []string{"financial", "contact"}, report.Categories)
	assert.Equal(t, []string{"order fulfilment"}, report.Purposes["orders"])
	assert.False(t, report.Earliest.IsZero(), "created_at timestamps feed the bounds")

	empty, err := svc.Access(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Counts["orders"])
	assert.Empty(t, empty.Categories)
}

func TestSubjectFieldRequired(t *testing.T) {
	_, err := NewService(Config{}, nil, nil)
	require.Error(t, err)
}
