package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pumpctl.org/internal/audit"
)

// Store persists the command audit trail. Device state itself is never
// stored; it lives in the sessions.
type Store struct {
	db *sql.DB
}

var _ audit.Sink = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Small pool; audit writes are one row per command.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle (tests use sqlmock).
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const schema = `
create table if not exists audit_events (
	id          text primary key,
	occurred_at timestamptz not null,
	event       text not null,
	request_id  text not null default '',
	actor       text not null default '',
	device      text not null default '',
	fields      jsonb not null default '{}'::jsonb
);
create index if not exists audit_events_device_idx on audit_events(device, occurred_at desc)`

// EnsureSchema creates the audit table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pg: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("pg: encode fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_events(id, occurred_at, event, request_id, actor, device, fields)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (id) do nothing
	`, e.ID, e.At, e.Event, e.RequestID, e.Actor, e.Device, string(fields))
	if err != nil {
		return fmt.Errorf("pg: append audit %s: %w", e.Event, err)
	}
	return nil
}

// Recent returns the newest entries for a device, newest first. An empty
// device lists entries across all devices.
func (s *Store) Recent(ctx context.Context, device string, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, occurred_at, event, request_id, actor, device, fields
		from audit_events
		where $1 = '' or device = $1
		order by occurred_at desc
		limit $2
	`, device, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e   audit.Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.At, &e.Event, &e.RequestID, &e.Actor, &e.Device, &raw); err != nil {
			return nil, err
		}
		e.Fields = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Fields); err != nil {
				return nil, fmt.Errorf("pg: decode fields of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
