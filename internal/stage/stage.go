// Package stage defines the analysis stages run by the orchestrator and the
// closed registry that enumerates them.
package stage

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sightline-analytics/pulse/internal/model"
)

// Stage is one unit of transformation over the shared run context. A stage
// writes only to its own key in the context and never mutates the record
// list or other stages' outputs.
type Stage interface {
	Name() model.StageKey
	// Required stages abort the run on failure; optional stages degrade it.
	Required() bool
	// DependsOn lists stages whose output must exist before this one runs.
	DependsOn() []model.StageKey

	ValidateInput(rc *model.RunContext) error
	Execute(ctx context.Context, rc *model.RunContext) model.StageResult
	ValidateOutput(res model.StageResult) error
}

// Registry holds the closed set of stages for a deployment. Stages are
// enumerated explicitly at construction, never probed at runtime.
type Registry struct {
	stages map[model.StageKey]Stage
	order  []model.StageKey
}

// NewRegistry builds a registry, rejecting duplicate keys and dependencies
// on unregistered stages.
func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{stages: make(map[model.StageKey]Stage, len(stages))}
	for _, s := range stages {
		if _, dup := r.stages[s.Name()]; dup {
			return nil, eris.Errorf("stage: duplicate registration %q", s.Name())
		}
		r.stages[s.Name()] = s
		r.order = append(r.order, s.Name())
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn() {
			if _, ok := r.stages[dep]; !ok {
				return nil, eris.Errorf("stage: %q depends on unregistered stage %q", s.Name(), dep)
			}
		}
	}
	return r, nil
}

// Get returns the stage registered under key.
func (r *Registry) Get(key model.StageKey) (Stage, bool) {
	s, ok := r.stages[key]
	return s, ok
}

// Select returns the stages for the requested keys in registration order.
// An empty selection means every registered stage. Selecting a stage whose
// dependency is excluded is an error.
func (r *Registry) Select(keys []model.StageKey) ([]Stage, error) {
	if len(keys) == 0 {
		out := make([]Stage, 0, len(r.order))
		for _, k := range r.order {
			out = append(out, r.stages[k])
		}
		return out, nil
	}

	selected := make(map[model.StageKey]bool, len(keys))
	for _, k := range keys {
		if _, ok := r.stages[k]; !ok {
			return nil, eris.Errorf("stage: unknown stage %q", k)
		}
		selected[k] = true
	}
	var out []Stage
	for _, k := range r.order {
		if !selected[k] {
			continue
		}
		s := r.stages[k]
		for _, dep := range s.DependsOn() {
			if !selected[dep] {
				return nil, eris.Errorf("stage: %q requires excluded stage %q", k, dep)
			}
		}
		out = append(out, s)
	}
	return out, nil
}
