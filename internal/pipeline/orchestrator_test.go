package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightline-analytics/pulse/internal/model"
	"github.com/sightline-analytics/pulse/internal/stage"
)

// fakeStage is a scriptable stage for orchestration tests.
type fakeStage struct {
	name      model.StageKey
	required  bool
	deps      []model.StageKey
	fail      bool
	degraded  bool
	inputErr  error
	outputErr error
	ran       atomic.Bool
	execOrder *atomic.Int64
	order     int64
}

func (f *fakeStage) Name() model.StageKey        { return f.name }
func (f *fakeStage) Required() bool              { return f.required }
func (f *fakeStage) DependsOn() []model.StageKey { return f.deps }

func (f *fakeStage) ValidateInput(*model.RunContext) error { return f.inputErr }

func (f *fakeStage) Execute(ctx context.Context, rc *model.RunContext) model.StageResult {
	f.ran.Store(true)
	if f.execOrder != nil {
		f.order = f.execOrder.Add(1)
	}
	if f.fail {
		return model.StageResult{Stage: f.name, Success: false, Error: "scripted failure"}
	}
	return model.StageResult{
		Stage:      f.name,
		Success:    true,
		Data:       string(f.name) + " output",
		Confidence: 1,
		Degraded:   f.degraded,
	}
}

func (f *fakeStage) ValidateOutput(model.StageResult) error { return f.outputErr }

func newTestContext() *model.RunContext {
	window := model.FetchWindow{
		Start: time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.March, 9, 0, 0, 0, 0, time.UTC),
	}
	return model.NewRunContext("run-test", window, []model.Record{{ID: "r1"}, {ID: "r2"}})
}

func mustRegistry(t *testing.T, stages ...stage.Stage) *stage.Registry {
	t.Helper()
	reg, err := stage.NewRegistry(stages...)
	require.NoError(t, err)
	return reg
}

func TestRunAllStagesSucceed(t *testing.T) {
	var counter atomic.Int64
	a := &fakeStage{name: model.StageCategory, required: true, execOrder: &counter}
	b := &fakeStage{name: model.StageMetrics, required: true, deps: []model.StageKey{model.StageCategory}, execOrder: &counter}
	orch := NewOrchestrator(mustRegistry(t, a, b))
	rc := newTestContext()

	status, err := orch.Run(context.Background(), rc, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, status)
	assert.True(t, a.ran.Load())
	assert.True(t, b.ran.Load())
	assert.Less(t, a.order, b.order, "dependency runs in an earlier wave")

	res, err := rc.StageResult(model.StageMetrics)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRunOptionalFailureDegrades(t *testing.T) {
	a := &fakeStage{name: model.StageCategory, required: true}
	opt := &fakeStage{name: model.StageSentiment, fail: true}
	b := &fakeStage{name: model.StageMetrics, required: true, deps: []model.StageKey{model.StageCategory}}
	orch := NewOrchestrator(mustRegistry(t, a, opt, b))
	rc := newTestContext()

	status, err := orch.Run(context.Background(), rc, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompletedDegraded, status)
	assert.True(t, b.ran.Load(), "required stages still run after an optional failure")

	res, err := rc.StageResult(model.StageSentiment)
	require.NoError(t, err, "the failed optional result is still recorded")
	assert.False(t, res.Success)
}

func TestRunDegradedResultDegradesRun(t *testing.T) {
	a := &fakeStage{name: model.StageCategory, required: true, degraded: true}
	orch := NewOrchestrator(mustRegistry(t, a))
	rc := newTestContext()

	status, err := orch.Run(context.Background(), rc, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompletedDegraded, status)
}

func TestRunRequiredFailureStopsScheduling(t *testing.T) {
	a := &fakeStage{name: model.StageCategory, required: true, fail: true}
	b := &fakeStage{name: model.StageMetrics, required: true, deps: []model.StageKey{model.StageCategory}}
	orch := NewOrchestrator(mustRegistry(t, a, b))
	rc := newTestContext()

	status, err := orch.Run(context.Background(), rc, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, status)
	assert.False(t, b.ran.Load(), "dependents of a failed required stage never run")

	_, resErr := rc.StageResult(model.StageMetrics)
	var missing *model.MissingStageError
	assert.ErrorAs(t, resErr, &missing)
}

func TestRunValidationFailuresAreStageFailures(t *testing.T) {
	in := &fakeStage{name: model.StageCategory, required: true, inputErr: eris.New("bad input")}
	orch := NewOrchestrator(mustRegistry(t, in))
	rc := newTestContext()

	status, err := orch.Run(context.Background(), rc, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, status)
	assert.False(t, in.ran.Load(), "execute is skipped when input validation fails")

	out := &fakeStage{name: model.StageCategory, required: true, outputErr: eris.New("bad output")}
	orch = NewOrchestrator(mustRegistry(t, out))
	rc = newTestContext()

	status, err = orch.Run(context.Background(), rc, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, status)
}

func TestRunSelectedSubset(t *testing.T) {
	a := &fakeStage{name: model.StageCategory, required: true}
	opt := &fakeStage{name: model.StageSentiment}
	orch := NewOrchestrator(mustRegistry(t, a, opt))
	rc := newTestContext()

	status, err := orch.Run(context.Background(), rc, []model.StageKey{model.StageCategory})
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, status)
	assert.False(t, opt.ran.Load())
}

func TestRunCancelledContext(t *testing.T) {
	a := &fakeStage{name: model.StageCategory, required: true}
	orch := NewOrchestrator(mustRegistry(t, a))
	rc := newTestContext()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := orch.Run(ctx, rc, nil)
	require.Error(t, err)
	assert.Equal(t, model.RunFailed, status)
}

func TestFinalReport(t *testing.T) {
	rc := newTestContext()
	rc.SetStageResult(model.StageResult{Stage: model.StageCategory, Success: true})
	rc.AddError(model.RunError{Message: "one thing went sideways"})

	report := FinalReport(rc, model.RunCompletedDegraded)
	assert.Equal(t, "run-test", report.RunID)
	assert.Equal(t, model.RunCompletedDegraded, report.Status)
	assert.Equal(t, 2, report.RecordCount)
	assert.Len(t, report.StageResults, 1)
	assert.Len(t, report.Errors, 1)
	assert.False(t, report.GeneratedAt.IsZero())
}
