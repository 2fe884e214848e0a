package model

import "time"

// RunConfig is the caller-supplied shape of one report run. It arrives from
// out-of-scope CLI/config loading; the core treats it as data.
type RunConfig struct {
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	Stages      []StageKey     `json:"stages,omitempty"` // empty = all registered
	Concurrency map[string]int `json:"concurrency,omitempty"`
	PeriodType  PeriodType     `json:"period_type"`
}

// ReportPayload is the single finalized-context view handed to out-of-scope
// rendering and delivery collaborators.
type ReportPayload struct {
	RunID        string                   `json:"run_id"`
	Window       FetchWindow              `json:"window"`
	Status       RunStatus                `json:"status"`
	RecordCount  int                      `json:"record_count"`
	StageResults map[StageKey]StageResult `json:"stage_results"`
	Errors       []RunError               `json:"errors,omitempty"`
	Snapshot     *Snapshot                `json:"snapshot,omitempty"`
	Comparison   map[string]MetricDelta   `json:"comparison,omitempty"`
	GeneratedAt  time.Time                `json:"generated_at"`
}
