package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source      TEXT NOT NULL,
	bearer      TEXT NOT NULL DEFAULT '',
	cache_id    TEXT NOT NULL,
	cache_url   TEXT NOT NULL DEFAULT '',
	cookies     TEXT NOT NULL DEFAULT '{}',
	expires_at  INTEGER NOT NULL DEFAULT 0,
	acquired_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	channels    INTEGER NOT NULL DEFAULT 0,
	programmes  INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);`

// RunSummary is one harvest run as recorded in the store.
type RunSummary struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Source     string // credential strategy that produced the session
	Channels   int
	Programmes int
	Failed     int
	Err        string
}

// Store persists accepted sessions and run summaries in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save appends s as the newest session.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return errors.New("session store: nil session")
	}
	cookies, err := json.Marshal(sess.Cookies)
	if err != nil {
		return err
	}
	var exp int64
	if !sess.ExpiresAt.IsZero() {
		exp = sess.ExpiresAt.Unix()
	}
	acquired := sess.AcquiredAt
	if acquired.IsZero() {
		acquired = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (source, bearer, cache_id, cache_url, cookies, expires_at, acquired_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.Source, sess.Bearer, sess.CacheID, sess.CacheURL, string(cookies), exp, acquired.Unix())
	if err != nil {
		return fmt.Errorf("session store save: %w", err)
	}
	return nil
}

// Latest returns the most recently saved session, or nil when the store is empty.
func (s *Store) Latest(ctx context.Context) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source, bearer, cache_id, cache_url, cookies, expires_at, acquired_at FROM sessions ORDER BY id DESC LIMIT 1`)
	var (
		sess          Session
		cookies       string
		exp, acquired int64
	)
	if err := row.Scan(&sess.Source, &sess.Bearer, &sess.CacheID, &sess.CacheURL, &cookies, &exp, &acquired); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session store latest: %w", err)
	}
	if cookies != "" {
		if err := json.Unmarshal([]byte(cookies), &sess.Cookies); err != nil {
			return nil, fmt.Errorf("session store cookies: %w", err)
		}
	}
	if exp > 0 {
		sess.ExpiresAt = time.Unix(exp, 0).UTC()
	}
	sess.AcquiredAt = time.Unix(acquired, 0).UTC()
	return &sess, nil
}

// RecordRun stores a run summary.
func (s *Store) RecordRun(ctx context.Context, r RunSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, started_at, finished_at, source, channels, programmes, failed, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.Unix(), r.FinishedAt.Unix(), r.Source, r.Channels, r.Programmes, r.Failed, r.Err)
	if err != nil {
		return fmt.Errorf("session store record run: %w", err)
	}
	return nil
}

// Runs returns up to limit runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, source, channels, programmes, failed, error FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("session store runs: %w", err)
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var (
			r                 RunSummary
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Source, &r.Channels, &r.Programmes, &r.Failed, &r.Err); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		r.FinishedAt = time.Unix(finished, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
