package model

import (
	"fmt"
	"time"
)

// StageKey identifies a pipeline stage. The set is closed: stages register
// under one of these keys and write only to their own slot in the RunContext.
type StageKey string

const (
	StageCategory     StageKey = "category"
	StageSentiment    StageKey = "sentiment"
	StageContributors StageKey = "contributors"
	StageMetrics      StageKey = "metrics"
)

// AllStageKeys lists every known stage key in default execution order.
func AllStageKeys() []StageKey {
	return []StageKey{StageCategory, StageSentiment, StageContributors, StageMetrics}
}

// StageResult is the outcome of one stage for one run. Produced exactly once
// per stage per run and immutable after creation.
type StageResult struct {
	Stage      StageKey      `json:"stage"`
	Success    bool          `json:"success"`
	Data       any           `json:"data,omitempty"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Degraded   bool          `json:"degraded,omitempty"`
}

// MissingStageError is returned when a stage output is read before the stage
// has produced it.
type MissingStageError struct {
	Stage StageKey
}

func (e *MissingStageError) Error() string {
	return fmt.Sprintf("no output recorded for stage %q", e.Stage)
}

// RunStatus is the orchestrator's overall outcome.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	// RunCompleted means every stage succeeded.
	RunCompleted RunStatus = "completed"
	// RunCompletedDegraded means all required stages succeeded but at least
	// one optional stage failed and was substituted with a default.
	RunCompletedDegraded RunStatus = "completed_degraded"
	// RunFailed means a required stage failed; the partial context is still
	// returned.
	RunFailed RunStatus = "failed"
)
