// Package audit provides a tamper-evident, hash-chained audit log.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ChainSeed is the well-known seed hash for entry 0.
const ChainSeed = "0000000000000000000000000000000000000000000000000000000000000000"

// Action identifies the audited operation.
type Action string

const (
	ActionCreate       Action = "create"
	ActionRead         Action = "read"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionList         Action = "list"
	ActionExport       Action = "export"
	ActionErase        Action = "erase"
	ActionAccessDenied Action = "access_denied"
	ActionSync         Action = "sync"
	ActionKeyRotation  Action = "key_rotation"
)

// Entry is one audit record. Hash covers PrevHash and the canonical JSON of
// every other field.
type Entry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     Action         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Success    bool           `json:"success"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

// entryBody is the hashed portion of an entry. Field order is fixed; together
// with json.Marshal's deterministic struct encoding this yields a canonical
// byte form.
type entryBody struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	ActorID    string         `json:"actor_id"`
	Action     Action         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Success    bool           `json:"success"`
	Details    map[string]any `json:"details,omitempty"`
}

func canonicalBody(e *Entry) []byte {
	body := entryBody{
		ID:         e.ID,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		ActorID:    e.ActorID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Success:    e.Success,
		Details:    e.Details,
	}
	data, _ := json.Marshal(body)
	return data
}

// ComputeHash returns hex(SHA-256(prevHash || canonical_json(body))).
func ComputeHash(prevHash string, e *Entry) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalBody(e))
	return hex.EncodeToString(h.Sum(nil))
}

// Filter narrows a Query call. Zero values mean "any".
type Filter struct {
	EntityType string
	EntityID   string
	Action     Action
	ActorID    string
	From       time.Time
	To         time.Time
}

func (f Filter) matches(e *Entry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
