package stage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sightline-analytics/pulse/internal/model"
)

// MetricsStage folds the record set and upstream stage outputs into the flat
// numeric metrics persisted with each snapshot. It requires the category
// stage; sentiment and contributor outputs enrich the metrics when present.
type MetricsStage struct{}

// NewMetricsStage creates the metrics stage.
func NewMetricsStage() *MetricsStage {
	return &MetricsStage{}
}

func (s *MetricsStage) Name() model.StageKey { return model.StageMetrics }
func (s *MetricsStage) Required() bool       { return true }

func (s *MetricsStage) DependsOn() []model.StageKey {
	return []model.StageKey{model.StageCategory}
}

func (s *MetricsStage) ValidateInput(rc *model.RunContext) error {
	if _, err := rc.StageResult(model.StageCategory); err != nil {
		return err
	}
	return nil
}

func (s *MetricsStage) Execute(ctx context.Context, rc *model.RunContext) model.StageResult {
	start := time.Now()
	records := rc.Records()

	metrics := map[string]float64{
		"records_total": float64(len(records)),
	}

	var closed int
	for _, rec := range records {
		if rec.State == "closed" {
			closed++
		}
	}
	metrics["records_closed"] = float64(closed)
	if len(records) > 0 {
		metrics["resolution_rate"] = float64(closed) / float64(len(records))
	} else {
		metrics["resolution_rate"] = 0
	}

	catRes, err := rc.StageResult(model.StageCategory)
	if err != nil {
		return model.StageResult{
			Stage:    model.StageMetrics,
			Success:  false,
			Duration: time.Since(start),
			Error:    err.Error(),
		}
	}
	catSummary, ok := catRes.Data.(CategorySummary)
	if !ok {
		return model.StageResult{
			Stage:    model.StageMetrics,
			Success:  false,
			Duration: time.Since(start),
			Error:    eris.Errorf("metrics: category output has type %T", catRes.Data).Error(),
		}
	}
	for label, count := range catSummary.Counts {
		metrics["category_"+label] = float64(count)
	}

	degraded := catRes.Degraded

	if sentRes, err := rc.StageResult(model.StageSentiment); err == nil && sentRes.Success {
		if sent, ok := sentRes.Data.(SentimentSummary); ok {
			for label, count := range sent.Counts {
				metrics["sentiment_"+label] = float64(count)
			}
			metrics["sentiment_negative_share"] = sent.NegativeShare()
			degraded = degraded || sentRes.Degraded
		}
	}

	if conRes, err := rc.StageResult(model.StageContributors); err == nil && conRes.Success {
		if con, ok := conRes.Data.(ContributorSummary); ok {
			metrics["contributors_active"] = float64(len(con.Authored))
			metrics["contributors_bots"] = float64(con.BotCount)
			degraded = degraded || conRes.Degraded
		}
	}

	zap.L().Info("metrics stage complete",
		zap.Int("records", len(records)),
		zap.Int("metrics", len(metrics)),
		zap.Duration("duration", time.Since(start)),
	)

	return model.StageResult{
		Stage:      model.StageMetrics,
		Success:    true,
		Data:       metrics,
		Confidence: catRes.Confidence,
		Duration:   time.Since(start),
		Degraded:   degraded,
	}
}

func (s *MetricsStage) ValidateOutput(res model.StageResult) error {
	if !res.Success {
		return nil
	}
	metrics, ok := res.Data.(map[string]float64)
	if !ok {
		return eris.Errorf("metrics: unexpected output type %T", res.Data)
	}
	if _, ok := metrics["records_total"]; !ok {
		return eris.New("metrics: records_total missing")
	}
	return nil
}
