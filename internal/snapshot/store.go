// Package snapshot persists period aggregates to an embedded analytical
// store and computes prior-period comparisons.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sightline-analytics/pulse/internal/model"
)

// Store persists snapshots in DuckDB. Writes are idempotent: the snapshot id
// is derived from (period_type, period_start), so re-running a period
// overwrites its row instead of duplicating it.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at path. An empty path opens
// an in-memory database, which is what the tests use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: open duckdb")
	}
	return &Store{db: db}, nil
}

const snapshotMigration = `
CREATE TABLE IF NOT EXISTS snapshots (
	id           VARCHAR PRIMARY KEY,
	period_type  VARCHAR NOT NULL,
	period_start TIMESTAMP NOT NULL,
	period_end   TIMESTAMP NOT NULL,
	metrics      VARCHAR NOT NULL,
	version      INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
`

// Migrate creates the snapshots table.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, snapshotMigration)
	return eris.Wrap(err, "snapshot: migrate")
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists snap under its deterministic id. Validation failures are
// logged but do not block persistence; a malformed snapshot is better kept
// than dropped.
func (s *Store) Save(ctx context.Context, snap model.Snapshot) (model.Snapshot, error) {
	snap.ID = model.SnapshotID(snap.PeriodType, snap.PeriodStart)
	if snap.Version == 0 {
		snap.Version = model.SnapshotSchemaVersion
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	if err := snap.Validate(); err != nil {
		zap.L().Warn("snapshot failed validation, persisting anyway",
			zap.String("id", snap.ID),
			zap.String("period_type", string(snap.PeriodType)),
			zap.Error(err),
		)
	}

	metricsJSON, err := json.Marshal(snap.Metrics)
	if err != nil {
		return model.Snapshot{}, eris.Wrap(err, "snapshot: marshal metrics")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, period_type, period_start, period_end, metrics, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   period_end = excluded.period_end,
		   metrics    = excluded.metrics,
		   version    = excluded.version,
		   created_at = excluded.created_at`,
		snap.ID, string(snap.PeriodType), snap.PeriodStart.UTC(), snap.PeriodEnd.UTC(),
		string(metricsJSON), snap.Version, snap.CreatedAt,
	)
	if err != nil {
		return model.Snapshot{}, eris.Wrap(err, "snapshot: save")
	}
	return snap, nil
}

// Get returns the snapshot for one period, or nil when absent.
func (s *Store) Get(ctx context.Context, periodType model.PeriodType, periodStart time.Time) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, period_type, period_start, period_end, metrics, version, created_at
		 FROM snapshots WHERE id = ?`,
		model.SnapshotID(periodType, periodStart),
	)
	return scanSnapshot(row)
}

// GetPrior returns the most recent snapshot of the same granularity strictly
// before the given period start, or nil when none exists.
func (s *Store) GetPrior(ctx context.Context, periodType model.PeriodType, before time.Time) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, period_type, period_start, period_end, metrics, version, created_at
		 FROM snapshots
		 WHERE period_type = ? AND period_start < ?
		 ORDER BY period_start DESC
		 LIMIT 1`,
		string(periodType), before.UTC(),
	)
	return scanSnapshot(row)
}

// List returns up to limit snapshots of one granularity, newest first.
func (s *Store) List(ctx context.Context, periodType model.PeriodType, limit int) ([]model.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, period_type, period_start, period_end, metrics, version, created_at
		 FROM snapshots
		 WHERE period_type = ?
		 ORDER BY period_start DESC
		 LIMIT ?`,
		string(periodType), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: list")
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, eris.Wrap(rows.Err(), "snapshot: list rows")
}

func scanSnapshot(row *sql.Row) (*model.Snapshot, error) {
	snap, err := scanSnapshotRow(row.Scan)
	if eris.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func scanSnapshotRow(scan func(dest ...any) error) (model.Snapshot, error) {
	var (
		snap        model.Snapshot
		periodType  string
		metricsJSON string
	)
	if err := scan(&snap.ID, &periodType, &snap.PeriodStart, &snap.PeriodEnd,
		&metricsJSON, &snap.Version, &snap.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Snapshot{}, err
		}
		return model.Snapshot{}, eris.Wrap(err, "snapshot: scan")
	}
	snap.PeriodType = model.PeriodType(periodType)
	snap.PeriodStart = snap.PeriodStart.UTC()
	snap.PeriodEnd = snap.PeriodEnd.UTC()
	if err := json.Unmarshal([]byte(metricsJSON), &snap.Metrics); err != nil {
		return model.Snapshot{}, eris.Wrap(err, "snapshot: unmarshal metrics")
	}
	return snap, nil
}
