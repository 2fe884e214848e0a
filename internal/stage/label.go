package stage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sightline-analytics/pulse/internal/model"
	"github.com/sightline-analytics/pulse/pkg/classifier"
)

// Labeler is the classification surface stages call per record.
type Labeler interface {
	Classify(ctx context.Context, req classifier.Request) (classifier.Outcome, error)
}

// maxInputRunes bounds the text sent per record.
const maxInputRunes = 4000

// labelSummary aggregates per-record classification for one stage.
type labelSummary struct {
	PerRecord        map[string]string     `json:"per_record"`
	Counts           map[string]int        `json:"counts"`
	ModelResolved    int                   `json:"model_resolved"`
	FallbackResolved int                   `json:"fallback_resolved"`
	Usage            classifier.TokenUsage `json:"-"`
}

// labelRecords classifies every record concurrently, bounded by workers (the
// provider's permit pool bounds actual outbound calls). The returned
// confidence is the fraction of records resolved via the model path. A
// classification error (fatal provider error or cancellation) aborts the
// whole batch.
func labelRecords(ctx context.Context, rc *model.RunContext, labeler Labeler, instructions string, labels []string, workers int) (*labelSummary, float64, error) {
	records := rc.Records()
	summary := &labelSummary{
		PerRecord: make(map[string]string, len(records)),
		Counts:    make(map[string]int),
	}
	if len(records) == 0 {
		return summary, 1.0, nil
	}

	if workers <= 0 {
		workers = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	for _, rec := range records {
		g.Go(func() error {
			out, err := labeler.Classify(gctx, classifier.Request{
				Instructions: instructions,
				Input:        truncate(rec.Title+"\n\n"+rec.Body, maxInputRunes),
				Labels:       labels,
			})
			if err != nil {
				rc.AddError(model.RunError{
					RecordID: rec.ID,
					Message:  err.Error(),
					At:       time.Now().UTC(),
				})
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			summary.PerRecord[rec.ID] = out.Label
			summary.Counts[out.Label]++
			if out.Source == classifier.SourceModel {
				summary.ModelResolved++
			} else {
				summary.FallbackResolved++
			}
			summary.Usage.Add(out.Usage)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	confidence := float64(summary.ModelResolved) / float64(len(records))
	return summary, confidence, nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
