package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStorage persists the chain in an append-only table. The chain head
// is the last committed row; Append reads it and inserts inside one
// transaction so the hash assignment is atomic with the write.
type PostgresStorage struct {
	db    *sqlx.DB
	table string
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL DEFAULT '',
	success     BOOLEAN NOT NULL,
	details     JSONB,
	prev_hash   TEXT NOT NULL,
	hash        TEXT NOT NULL
)`

type pgEntry struct {
	Seq        int64          `db:"seq"`
	ID         string         `db:"id"`
	TS         time.Time      `db:"ts"`
	ActorID    string         `db:"actor_id"`
	Action     string         `db:"action"`
	EntityType string         `db:"entity_type"`
	EntityID   string         `db:"entity_id"`
	Success    bool           `db:"success"`
	Details    sql.NullString `db:"details"`
	PrevHash   string         `db:"prev_hash"`
	Hash       string         `db:"hash"`
}

// NewPostgresStorage connects and ensures the table exists.
func NewPostgresStorage(dsn, table string) (*PostgresStorage, error) {
	if table == "" {
		table = "audit_entries"
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(createTableSQL, table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}
	return &PostgresStorage{db: db, table: table}, nil
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func (s *PostgresStorage) Append(ctx context.Context, e *Entry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	defer tx.Rollback()

	var head string
	q := fmt.Sprintf("SELECT hash FROM %s ORDER BY seq DESC LIMIT 1 FOR UPDATE", s.table)
	if err := tx.GetContext(ctx, &head, q); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("audit: read head: %w", err)
		}
		head = ChainSeed
	}

	// TIMESTAMPTZ keeps microseconds; hash the value as it will be read back.
	e.Timestamp = e.Timestamp.Truncate(time.Microsecond)
	e.PrevHash = head
	e.Hash = ComputeHash(e.PrevHash, e)

	var details any
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("audit: encode details: %w", err)
		}
		details = string(raw)
	}

	ins := fmt.Sprintf(`INSERT INTO %s
		(id, ts, actor_id, action, entity_type, entity_id, success, details, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.table)
	if _, err := tx.ExecContext(ctx, ins,
		e.ID, e.Timestamp, e.ActorID, string(e.Action), e.EntityType, e.EntityID,
		e.Success, details, e.PrevHash, e.Hash); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStorage) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To)
	}

	q := fmt.Sprintf("SELECT * FROM %s", s.table)
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY seq ASC"

	var rows []pgEntry
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			ID:         r.ID,
			Timestamp:  r.TS,
			ActorID:    r.ActorID,
			Action:     Action(r.Action),
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			Success:    r.Success,
			PrevHash:   r.PrevHash,
			Hash:       r.Hash,
		}
		if r.Details.Valid && r.Details.String != "" {
			_ = json.Unmarshal([]byte(r.Details.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *PostgresStorage) VerifyIntegrity(ctx context.Context) ([]int, error) {
	entries, err := s.Query(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return verifyChain(entries), nil
}
