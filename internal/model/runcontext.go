package model

import (
	"sync"
	"time"
)

// RunError records a non-fatal problem observed during a run, with enough
// context to reproduce it.
type RunError struct {
	Stage    StageKey  `json:"stage,omitempty"`
	RecordID string    `json:"record_id,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// RunContext is the shared accumulator threaded through the pipeline for one
// run. Each stage reads and writes only its own key in the result map; the
// record list is never mutated after ingestion.
type RunContext struct {
	RunID  string
	Window FetchWindow

	mu      sync.RWMutex
	records []Record
	results map[StageKey]StageResult
	errs    []RunError
}

// NewRunContext creates a RunContext over an ingested record set.
func NewRunContext(runID string, window FetchWindow, records []Record) *RunContext {
	return &RunContext{
		RunID:   runID,
		Window:  window,
		records: records,
		results: make(map[StageKey]StageResult),
	}
}

// Records returns the ingested record list. Callers must not modify it.
func (rc *RunContext) Records() []Record {
	return rc.records
}

// SetStageResult records a stage's output under its own key. Overwriting an
// existing key indicates a stage ran twice and is reported to the caller.
func (rc *RunContext) SetStageResult(res StageResult) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.results[res.Stage]; exists {
		return false
	}
	rc.results[res.Stage] = res
	return true
}

// StageResult returns the recorded output for a stage, or a
// *MissingStageError when the stage has not produced one. Missing output is
// a typed error, never a silent zero value.
func (rc *RunContext) StageResult(key StageKey) (StageResult, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	res, ok := rc.results[key]
	if !ok {
		return StageResult{}, &MissingStageError{Stage: key}
	}
	return res, nil
}

// StageResults returns a copy of all recorded stage outputs.
func (rc *RunContext) StageResults() map[StageKey]StageResult {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[StageKey]StageResult, len(rc.results))
	for k, v := range rc.results {
		out[k] = v
	}
	return out
}

// AddError appends a non-fatal run error.
func (rc *RunContext) AddError(e RunError) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	rc.mu.Lock()
	rc.errs = append(rc.errs, e)
	rc.mu.Unlock()
}

// Errors returns a copy of the accumulated run errors.
func (rc *RunContext) Errors() []RunError {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]RunError, len(rc.errs))
	copy(out, rc.errs)
	return out
}
