package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sightline-analytics/pulse/internal/fetch"
	"github.com/sightline-analytics/pulse/internal/model"
	"github.com/sightline-analytics/pulse/internal/snapshot"
)

// SnapshotStore is the persistence surface the runner needs. Satisfied by
// *snapshot.Store.
type SnapshotStore interface {
	Save(ctx context.Context, snap model.Snapshot) (model.Snapshot, error)
	GetPrior(ctx context.Context, periodType model.PeriodType, before time.Time) (*model.Snapshot, error)
}

// Runner drives one report run end to end: fetch the window, run the stage
// pipeline, persist the period snapshot, and assemble the report payload.
type Runner struct {
	fetcher   *fetch.Fetcher
	orch      *Orchestrator
	snapshots SnapshotStore
}

// NewRunner creates a runner. snapshots may be nil to skip persistence and
// comparison.
func NewRunner(fetcher *fetch.Fetcher, orch *Orchestrator, snapshots SnapshotStore) *Runner {
	return &Runner{fetcher: fetcher, orch: orch, snapshots: snapshots}
}

// Run executes one report run. A fetch failure with partial records degrades
// the run rather than aborting it; a fetch failure with nothing recovered is
// an error. The report payload is returned even for failed runs so callers
// can surface what happened.
func (r *Runner) Run(ctx context.Context, cfg model.RunConfig) (*model.ReportPayload, error) {
	if !cfg.End.After(cfg.Start) {
		return nil, eris.Errorf("pipeline: range end %s not after start %s", cfg.End, cfg.Start)
	}
	periodType := cfg.PeriodType
	if periodType == "" {
		periodType = model.PeriodWeekly
	}
	if !periodType.Valid() {
		return nil, eris.Errorf("pipeline: unknown period type %q", periodType)
	}

	runID := uuid.NewString()
	log := zap.L().With(zap.String("run_id", runID))
	window := model.FetchWindow{Start: cfg.Start.UTC(), End: cfg.End.UTC()}

	records, fetchErr := r.fetcher.FetchRange(ctx, window.Start, window.End)
	fetchDegraded := false
	if fetchErr != nil {
		var fe *fetch.FetchError
		if !errors.As(fetchErr, &fe) || len(fe.Partial) == 0 {
			return nil, eris.Wrap(fetchErr, "pipeline: fetch")
		}
		records = fe.Partial
		fetchDegraded = true
		log.Warn("fetch returned partial results, continuing degraded",
			zap.Int("records", len(records)),
			zap.Error(fetchErr),
		)
	}

	rc := model.NewRunContext(runID, window, records)
	if fetchErr != nil {
		rc.AddError(model.RunError{Message: fetchErr.Error()})
	}

	status, err := r.orch.Run(ctx, rc, cfg.Stages)
	if err != nil {
		return FinalReport(rc, model.RunFailed), err
	}
	if fetchDegraded && status == model.RunCompleted {
		status = model.RunCompletedDegraded
	}

	report := FinalReport(rc, status)

	if r.snapshots == nil || status == model.RunFailed {
		return report, nil
	}
	metricsRes, resErr := rc.StageResult(model.StageMetrics)
	if resErr != nil || !metricsRes.Success {
		return report, nil
	}
	metrics, ok := metricsRes.Data.(map[string]float64)
	if !ok {
		return report, nil
	}

	periodStart, periodEnd := periodBounds(periodType, window.Start)
	saved, err := r.snapshots.Save(ctx, model.Snapshot{
		PeriodType:  periodType,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Metrics:     metrics,
	})
	if err != nil {
		rc.AddError(model.RunError{Message: eris.Wrap(err, "save snapshot").Error()})
		report.Errors = rc.Errors()
		return report, nil
	}
	report.Snapshot = &saved

	prior, err := r.snapshots.GetPrior(ctx, periodType, periodStart)
	if err != nil {
		log.Warn("prior snapshot lookup failed, skipping comparison", zap.Error(err))
		return report, nil
	}
	report.Comparison = snapshot.Compare(saved, prior)
	return report, nil
}

// periodBounds normalizes an instant to its enclosing period. Weekly periods
// start on Monday.
func periodBounds(periodType model.PeriodType, t time.Time) (start, end time.Time) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch periodType {
	case model.PeriodDaily:
		return day, day.AddDate(0, 0, 1)
	case model.PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	default:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}
