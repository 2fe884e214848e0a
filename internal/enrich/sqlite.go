package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sightline-analytics/pulse/internal/model"
)

// SQLiteStore is the persistent cache tier backed by modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database at the given DSN and configures WAL
// mode.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "enrich: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const cacheMigration = `
CREATE TABLE IF NOT EXISTS profile_cache (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	fetched_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_profile_cache_expires_at ON profile_cache(expires_at);
`

// Migrate creates the cache table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, cacheMigration)
	return eris.Wrap(err, "enrich: migrate")
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the cached profile for key, or nil when absent or expired.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*model.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM profile_cache
		 WHERE key = ? AND expires_at > datetime('now')`,
		key,
	)

	var valueJSON string
	err := row.Scan(&valueJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "enrich: get cached profile")
	}

	var p model.Profile
	if err := json.Unmarshal([]byte(valueJSON), &p); err != nil {
		return nil, eris.Wrap(err, "enrich: unmarshal cached profile")
	}
	return &p, nil
}

// Put stores a profile, replacing any prior entry wholesale.
func (s *SQLiteStore) Put(ctx context.Context, key string, p model.Profile, ttl time.Duration) error {
	valueJSON, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "enrich: marshal profile")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profile_cache (key, value, fetched_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		   fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		key, string(valueJSON), now, now.Add(ttl),
	)
	return eris.Wrap(err, "enrich: put cached profile")
}

// Purge removes one key.
func (s *SQLiteStore) Purge(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profile_cache WHERE key = ?`, key)
	return eris.Wrap(err, "enrich: purge")
}

// DeleteExpired removes entries past their TTL and reports how many.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM profile_cache WHERE expires_at <= datetime('now')`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "enrich: delete expired")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "enrich: rows affected")
}
