// Package pipeline orchestrates the analysis stages for one report run over
// a shared run context.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sightline-analytics/pulse/internal/model"
	"github.com/sightline-analytics/pulse/internal/stage"
)

// Orchestrator schedules stages in dependency waves: every stage whose
// dependencies have completed runs concurrently in the current wave. A
// required stage failure stops scheduling; optional failures substitute a
// default result and degrade the run.
type Orchestrator struct {
	registry *stage.Registry
}

// NewOrchestrator creates an orchestrator over a closed stage registry.
func NewOrchestrator(registry *stage.Registry) *Orchestrator {
	return &Orchestrator{registry: registry}
}

// Run executes the selected stages (empty means all) against rc and returns
// the overall run status. The context is returned as-is on failure so the
// caller can still report partial results.
func (o *Orchestrator) Run(ctx context.Context, rc *model.RunContext, keys []model.StageKey) (model.RunStatus, error) {
	stages, err := o.registry.Select(keys)
	if err != nil {
		return model.RunFailed, err
	}

	log := zap.L().With(zap.String("run_id", rc.RunID))
	log.Info("run starting",
		zap.Int("stages", len(stages)),
		zap.Int("records", len(rc.Records())),
		zap.Time("window_start", rc.Window.Start),
		zap.Time("window_end", rc.Window.End),
	)

	var (
		completed      = make(map[model.StageKey]bool, len(stages))
		remaining      = append([]stage.Stage(nil), stages...)
		degraded       bool
		requiredFailed bool
	)

	trackStage := func(gctx context.Context, s stage.Stage) model.StageResult {
		name := s.Name()
		start := time.Now()

		res := o.runStage(gctx, s, rc)
		res.Stage = name
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}

		if !rc.SetStageResult(res) {
			log.Warn("stage ran twice, keeping first result", zap.String("stage", string(name)))
		}
		if res.Success {
			log.Info("stage complete",
				zap.String("stage", string(name)),
				zap.Duration("duration", res.Duration),
				zap.Float64("confidence", res.Confidence),
				zap.Bool("degraded", res.Degraded),
			)
		} else {
			log.Error("stage failed",
				zap.String("stage", string(name)),
				zap.Duration("duration", res.Duration),
				zap.String("error", res.Error),
			)
		}
		return res
	}

	for len(remaining) > 0 && !requiredFailed {
		wave, rest := nextWave(remaining, completed)
		if len(wave) == 0 {
			return model.RunFailed, eris.Errorf("pipeline: no runnable stage among %d remaining", len(remaining))
		}
		remaining = rest

		results := make([]model.StageResult, len(wave))
		g, gctx := errgroup.WithContext(ctx)
		for i, s := range wave {
			g.Go(func() error {
				results[i] = trackStage(gctx, s)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return model.RunFailed, err
		}
		if ctx.Err() != nil {
			return model.RunFailed, eris.Wrap(ctx.Err(), "pipeline: run interrupted")
		}

		for i, s := range wave {
			res := results[i]
			if res.Success {
				completed[s.Name()] = true
				degraded = degraded || res.Degraded
				continue
			}
			if s.Required() {
				requiredFailed = true
				continue
			}
			// Optional stage: mark complete so dependents can still read the
			// recorded default, and degrade the run.
			completed[s.Name()] = true
			degraded = true
		}
	}

	switch {
	case requiredFailed:
		log.Error("run failed", zap.Int("errors", len(rc.Errors())))
		return model.RunFailed, nil
	case degraded:
		log.Warn("run completed degraded", zap.Int("errors", len(rc.Errors())))
		return model.RunCompletedDegraded, nil
	default:
		log.Info("run completed")
		return model.RunCompleted, nil
	}
}

// runStage wraps one stage execution with its input and output validation.
func (o *Orchestrator) runStage(ctx context.Context, s stage.Stage, rc *model.RunContext) model.StageResult {
	if err := s.ValidateInput(rc); err != nil {
		return model.StageResult{
			Stage:   s.Name(),
			Success: false,
			Error:   eris.Wrap(err, "input validation").Error(),
		}
	}

	res := s.Execute(ctx, rc)

	if err := s.ValidateOutput(res); err != nil {
		return model.StageResult{
			Stage:    s.Name(),
			Success:  false,
			Duration: res.Duration,
			Error:    eris.Wrap(err, "output validation").Error(),
		}
	}
	return res
}

// nextWave splits remaining into the stages whose dependencies are all
// completed and those still blocked.
func nextWave(remaining []stage.Stage, completed map[model.StageKey]bool) (wave, rest []stage.Stage) {
	for _, s := range remaining {
		ready := true
		for _, dep := range s.DependsOn() {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, s)
		} else {
			rest = append(rest, s)
		}
	}
	return wave, rest
}

// FinalReport assembles the single report payload handed to rendering and
// delivery. The run context is read-only from here on.
func FinalReport(rc *model.RunContext, status model.RunStatus) *model.ReportPayload {
	return &model.ReportPayload{
		RunID:        rc.RunID,
		Window:       rc.Window,
		Status:       status,
		RecordCount:  len(rc.Records()),
		StageResults: rc.StageResults(),
		Errors:       rc.Errors(),
		GeneratedAt:  time.Now().UTC(),
	}
}
