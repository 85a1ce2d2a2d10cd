// Package postgres provides a Postgres-backed scan.Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/securescan/internal/scan"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable holds one row per scan.
const DefaultTable = "scans"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists scan records in a single table; findings live in a JSONB
// column and are replaced wholesale.
type Store struct {
	pool  pool
	table string
	clock scan.Clock
	ids   scan.IDGenerator
}

// New creates a Store backed by a fresh pgx pool.
func New(ctx context.Context, cfg Config, clock scan.Clock, ids scan.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table, clock, ids)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, clock scan.Clock, ids scan.IDGenerator) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table, clock: clock, ids: ids}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the scans table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	target_url  TEXT NOT NULL,
	status      TEXT NOT NULL,
	findings    JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Create inserts a queued record.
func (s *Store) Create(ctx context.Context, targetURL string) (scan.Record, error) {
	raw, err := s.ids.NewID()
	if err != nil {
		return scan.Record{}, fmt.Errorf("generate scan id: %w", err)
	}
	rec := scan.Record{
		ID:        scan.ID(raw),
		TargetURL: targetURL,
		Status:    scan.StatusQueued,
		Findings:  []scan.Finding{},
		CreatedAt: s.clock.Now(),
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, target_url, status, findings, created_at)
VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		string(rec.ID), rec.TargetURL, string(rec.Status), []byte("[]"), rec.CreatedAt,
	); err != nil {
		return scan.Record{}, fmt.Errorf("insert scan: %w", err)
	}
	return rec, nil
}

// Get fetches a record by ID.
func (s *Store) Get(ctx context.Context, id scan.ID) (scan.Record, error) {
	query := fmt.Sprintf(`
SELECT id, target_url, status, findings, created_at, finished_at
FROM %s
WHERE id = $1`, s.table)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, string(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Record{}, scan.ErrNotFound
		}
		return scan.Record{}, fmt.Errorf("get scan: %w", err)
	}
	return rec, nil
}

// SetStatus applies a transition. The WHERE clause only matches rows whose
// current status may move to the requested one, so disallowed transitions
// and unknown ids update nothing.
func (s *Store) SetStatus(ctx context.Context, id scan.ID, status scan.Status) error {
	sources := scan.SourcesOf(status)
	if len(sources) == 0 {
		return nil
	}
	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1,
	finished_at = CASE WHEN $2::boolean AND finished_at IS NULL THEN $3 ELSE finished_at END
WHERE id = $4 AND status = ANY($5)`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		string(status), status.IsTerminal(), s.clock.Now(), string(id), from,
	); err != nil {
		return fmt.Errorf("update scan status: %w", err)
	}
	return nil
}

// SetFindings replaces the findings of a record.
func (s *Store) SetFindings(ctx context.Context, id scan.ID, findings []scan.Finding) error {
	payload, err := json.Marshal(scan.CloneFindings(findings))
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET findings = $1 WHERE id = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, payload, string(id)); err != nil {
		return fmt.Errorf("update scan findings: %w", err)
	}
	return nil
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]scan.Record, error) {
	query := fmt.Sprintf(`
SELECT id, target_url, status, findings, created_at, finished_at
FROM %s
ORDER BY created_at DESC, id ASC`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	records := []scan.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (scan.Record, error) {
	var (
		id, target, status string
		findings           []byte
		rec                scan.Record
	)
	if err := row.Scan(&id, &target, &status, &findings, &rec.CreatedAt, &rec.FinishedAt); err != nil {
		return scan.Record{}, err
	}
	rec.ID = scan.ID(id)
	rec.TargetURL = target
	rec.Status = scan.Status(status)
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &rec.Findings); err != nil {
			return scan.Record{}, fmt.Errorf("decode findings: %w", err)
		}
	}
	if rec.Findings == nil {
		rec.Findings = []scan.Finding{}
	}
	return rec, nil
}
