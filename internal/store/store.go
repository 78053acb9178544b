// Package store is the SQLite-backed durable state for the collection
// pipeline: sources and their schedules, the run queue, ingested assets
// and records, and the duplicate-candidate ledger.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL UNIQUE,
    payload_ciphertext BLOB NOT NULL,
    created_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS schedule_groups (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL,
    timezone             TEXT NOT NULL,
    run_at_hhmm          TEXT NOT NULL,
    last_triggered_on    TEXT,
    enabled              INTEGER NOT NULL DEFAULT 1,
    max_parallel_sources INTEGER NOT NULL DEFAULT 0,
    created_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sources (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    source_type       TEXT NOT NULL,
    enabled           INTEGER NOT NULL DEFAULT 1,
    config            TEXT NOT NULL DEFAULT '{}',
    credential_id     TEXT REFERENCES credentials(id),
    schedule_group_id TEXT REFERENCES schedule_groups(id),
    created_at        DATETIME NOT NULL,
    deleted_at        DATETIME
);

CREATE TABLE IF NOT EXISTS runs (
    id                TEXT PRIMARY KEY,
    source_id         TEXT NOT NULL REFERENCES sources(id),
    schedule_group_id TEXT,
    mode              TEXT NOT NULL,
    trigger_type      TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'Queued',
    created_at        DATETIME NOT NULL,
    started_at        DATETIME,
    finished_at       DATETIME,
    detect_result     TEXT,
    stats             TEXT,
    warnings          TEXT,
    errors            TEXT,
    error_summary     TEXT,
    recycle_count     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source_id, mode);

CREATE TABLE IF NOT EXISTS assets (
    uuid          TEXT PRIMARY KEY,
    asset_type    TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'in_service',
    display_name  TEXT,
    first_seen_at DATETIME NOT NULL,
    last_seen_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS asset_source_links (
    id            TEXT PRIMARY KEY,
    source_id     TEXT NOT NULL REFERENCES sources(id),
    external_kind TEXT NOT NULL,
    external_id   TEXT NOT NULL,
    asset_uuid    TEXT NOT NULL REFERENCES assets(uuid),
    first_seen_at DATETIME NOT NULL,
    last_seen_at  DATETIME NOT NULL,
    UNIQUE(source_id, external_kind, external_id)
);

CREATE TABLE IF NOT EXISTS source_records (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL REFERENCES runs(id),
    source_id       TEXT NOT NULL,
    link_id         TEXT NOT NULL,
    asset_uuid      TEXT NOT NULL,
    external_kind   TEXT NOT NULL,
    external_id     TEXT NOT NULL,
    collected_at    DATETIME NOT NULL,
    normalized      TEXT NOT NULL,
    raw             BLOB,
    raw_compression TEXT,
    raw_size_bytes  INTEGER NOT NULL DEFAULT 0,
    raw_hash        TEXT,
    raw_excerpt     TEXT
);

CREATE INDEX IF NOT EXISTS idx_source_records_asset ON source_records(asset_uuid, collected_at);
CREATE INDEX IF NOT EXISTS idx_source_records_run ON source_records(run_id);

CREATE TABLE IF NOT EXISTS relations (
    id              TEXT PRIMARY KEY,
    relation_type   TEXT NOT NULL,
    from_asset_uuid TEXT NOT NULL,
    to_asset_uuid   TEXT NOT NULL,
    source_id       TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'active',
    first_seen_at   DATETIME NOT NULL,
    last_seen_at    DATETIME NOT NULL,
    UNIQUE(relation_type, from_asset_uuid, to_asset_uuid, source_id)
);

CREATE TABLE IF NOT EXISTS asset_run_snapshots (
    id         TEXT PRIMARY KEY,
    asset_uuid TEXT NOT NULL,
    run_id     TEXT NOT NULL,
    canonical  TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(asset_uuid, run_id)
);

CREATE TABLE IF NOT EXISTS duplicate_candidates (
    id               TEXT PRIMARY KEY,
    asset_uuid_a     TEXT NOT NULL,
    asset_uuid_b     TEXT NOT NULL,
    score            INTEGER NOT NULL,
    reasons          TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'open',
    first_seen_at    DATETIME NOT NULL,
    last_observed_at DATETIME NOT NULL,
    UNIQUE(asset_uuid_a, asset_uuid_b)
);

CREATE INDEX IF NOT EXISTS idx_dup_candidates_status ON duplicate_candidates(status, score);

CREATE TABLE IF NOT EXISTS duplicate_candidate_jobs (
    id            TEXT PRIMARY KEY,
    run_id        TEXT NOT NULL UNIQUE,
    status        TEXT NOT NULL DEFAULT 'Queued',
    attempts      INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME,
    error_summary TEXT
);
`

// Store wraps the SQLite database behind typed pipeline operations.
// Queue claims rely on SQLite's single-writer serialization: a claim is
// one UPDATE ... RETURNING statement, so two workers can never claim the
// same row.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return &Store{db: db}, nil
}

// Init creates the database schema if it doesn't exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
