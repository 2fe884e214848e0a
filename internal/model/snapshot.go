package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SnapshotSchemaVersion is bumped when the persisted snapshot layout changes.
const SnapshotSchemaVersion = 1

// PeriodType labels the granularity of a snapshot.
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

// Valid reports whether p is a known granularity.
func (p PeriodType) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// Snapshot is a compact persisted aggregate for one labeled period, used for
// trend comparison against the prior period of the same granularity.
type Snapshot struct {
	ID          string             `json:"id"`
	PeriodType  PeriodType         `json:"period_type"`
	PeriodStart time.Time          `json:"period_start"`
	PeriodEnd   time.Time          `json:"period_end"`
	Metrics     map[string]float64 `json:"metrics"`
	Version     int                `json:"version"`
	CreatedAt   time.Time          `json:"created_at"`
}

// SnapshotID derives the deterministic snapshot id for a period. Repeated
// writes for the same (period_type, period_start) share one id and overwrite.
func SnapshotID(periodType PeriodType, periodStart time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", periodType, periodStart.UTC().Format(time.RFC3339))))
	return hex.EncodeToString(sum[:16])
}

// Validate checks snapshot invariants. A failed validation does not prevent
// persistence; the store logs and keeps the raw payload.
func (s Snapshot) Validate() error {
	if !s.PeriodType.Valid() {
		return fmt.Errorf("unknown period type %q", s.PeriodType)
	}
	if s.PeriodEnd.Before(s.PeriodStart) {
		return fmt.Errorf("period end %s before start %s", s.PeriodEnd, s.PeriodStart)
	}
	if len(s.Metrics) == 0 {
		return fmt.Errorf("snapshot has no metrics")
	}
	return nil
}

// MetricDelta is the change of one metric between two snapshots.
type MetricDelta struct {
	Current float64 `json:"current"`
	Prior   float64 `json:"prior"`
	Delta   float64 `json:"delta"`
	Pct     float64 `json:"pct"`
}
