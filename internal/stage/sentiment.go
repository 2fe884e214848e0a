package stage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sightline-analytics/pulse/internal/model"
)

// SentimentLabels is the closed tone taxonomy.
var SentimentLabels = []string{"positive", "neutral", "negative"}

const sentimentInstructions = "Assess the overall tone of the following work item discussion."

// SentimentSummary is the sentiment stage's recorded output.
type SentimentSummary struct {
	Counts           map[string]int    `json:"counts"`
	PerRecord        map[string]string `json:"per_record"`
	ModelResolved    int               `json:"model_resolved"`
	FallbackResolved int               `json:"fallback_resolved"`
}

// NegativeShare returns the fraction of records labeled negative.
func (s SentimentSummary) NegativeShare() float64 {
	total := len(s.PerRecord)
	if total == 0 {
		return 0
	}
	return float64(s.Counts["negative"]) / float64(total)
}

// SentimentStage labels record tone. Optional: a failure degrades the run
// instead of aborting it.
type SentimentStage struct {
	labeler Labeler
	workers int
}

// NewSentimentStage creates the sentiment stage.
func NewSentimentStage(labeler Labeler, workers int) *SentimentStage {
	return &SentimentStage{labeler: labeler, workers: workers}
}

func (s *SentimentStage) Name() model.StageKey        { return model.StageSentiment }
func (s *SentimentStage) Required() bool              { return false }
func (s *SentimentStage) DependsOn() []model.StageKey { return nil }

func (s *SentimentStage) ValidateInput(rc *model.RunContext) error {
	if len(rc.Records()) == 0 {
		return eris.New("sentiment: no records to assess")
	}
	return nil
}

func (s *SentimentStage) Execute(ctx context.Context, rc *model.RunContext) model.StageResult {
	start := time.Now()

	summary, confidence, err := labelRecords(ctx, rc, s.labeler, sentimentInstructions, SentimentLabels, s.workers)
	if err != nil {
		return model.StageResult{
			Stage:    model.StageSentiment,
			Success:  false,
			Duration: time.Since(start),
			Error:    err.Error(),
		}
	}

	return model.StageResult{
		Stage:   model.StageSentiment,
		Success: true,
		Data: SentimentSummary{
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

func (s *SentimentStage) ValidateOutput(res model.StageResult) error {
	if !res.Success {
		return nil
	}
	if _, ok := res.Data.(SentimentSummary); !ok {
		return eris.Errorf("sentiment: unexpected output type %T", res.Data)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return eris.Errorf("sentiment: confidence %f out of range", res.Confidence)
	}
	return nil
}
