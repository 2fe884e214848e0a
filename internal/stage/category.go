package stage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sightline-analytics/pulse/internal/model"
)

// DefaultCategories is the work taxonomy applied when none is configured.
var DefaultCategories = []string{"bug", "feature", "question", "maintenance"}

const categoryInstructions = "Classify the following work item into exactly one category " +
	"describing the kind of work it represents."

// CategorySummary is the category stage's recorded output.
type CategorySummary struct {
	Counts           map[string]int    `json:"counts"`
	PerRecord        map[string]string `json:"per_record"`
	ModelResolved    int               `json:"model_resolved"`
	FallbackResolved int               `json:"fallback_resolved"`
}

// CategoryStage classifies every record into the work taxonomy. It is
// required: without categories the metrics stage has nothing to aggregate.
type CategoryStage struct {
	labeler    Labeler
	categories []string
	workers    int
}

// NewCategoryStage creates the category stage. workers bounds in-flight
// classifications on top of the provider's permit pool.
func NewCategoryStage(labeler Labeler, categories []string, workers int) *CategoryStage {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	return &CategoryStage{labeler: labeler, categories: categories, workers: workers}
}

func (s *CategoryStage) Name() model.StageKey        { return model.StageCategory }
func (s *CategoryStage) Required() bool              { return true }
func (s *CategoryStage) DependsOn() []model.StageKey { return nil }

func (s *CategoryStage) ValidateInput(rc *model.RunContext) error {
	if len(rc.Records()) == 0 {
		return eris.New("category: no records to classify")
	}
	return nil
}

func (s *CategoryStage) Execute(ctx context.Context, rc *model.RunContext) model.StageResult {
	start := time.Now()

	summary, confidence, err := labelRecords(ctx, rc, s.labeler, categoryInstructions, s.categories, s.workers)
	if err != nil {
		return model.StageResult{
			Stage:    model.StageCategory,
			Success:  false,
			Duration: time.Since(start),
			Error:    err.Error(),
		}
	}

	summary.Usage.LogCost("", string(model.StageCategory))
	zap.L().Info("category stage complete",
		zap.Int("records", len(rc.Records())),
		zap.Int("model_resolved", summary.ModelResolved),
		zap.Int("fallback_resolved", summary.FallbackResolved),
	)

	return model.StageResult{
		Stage:   model.StageCategory,
		Success: true,
		Data: CategorySummary{
			Counts:           summary.Counts,
			PerRecord:        summary.PerRecord,
			ModelResolved:    summary.ModelResolved,
			FallbackResolved: summary.FallbackResolved,
		},
		Confidence: confidence,
		Duration:   time.Since(start),
		Degraded:   summary.FallbackResolved > 0,
	}
}

func (s *CategoryStage) ValidateOutput(res model.StageResult) error {
	if !res.Success {
		return nil
	}
	data, ok := res.Data.(CategorySummary)
	if !ok {
		return eris.Errorf("category: unexpected output type %T", res.Data)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return eris.Errorf("category: confidence %f out of range", res.Confidence)
	}
	total := 0
	for _, n := range data.Counts {
		total += n
	}
	if total != len(data.PerRecord) {
		return eris.Errorf("category: count total %d disagrees with %d labeled records", total, len(data.PerRecord))
	}
	return nil
}
