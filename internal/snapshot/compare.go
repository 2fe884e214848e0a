package snapshot

import "github.com/sightline-analytics/pulse/internal/model"

// Compare computes per-metric deltas between current and prior. It is pure:
// no storage access, no clock. Metrics absent from prior compare against
// zero, and a zero prior value reports a zero percentage change rather than
// dividing by it. A nil prior means no comparison.
func Compare(current model.Snapshot, prior *model.Snapshot) map[string]model.MetricDelta {
	if prior == nil {
		return nil
	}

	out := make(map[string]model.MetricDelta, len(current.Metrics))
	for name, cur := range current.Metrics {
		prev := prior.Metrics[name]
		delta := model.MetricDelta{
			Current: cur,
			Prior:   prev,
			Delta:   cur - prev,
		}
		if prev != 0 {
			delta.Pct = (cur - prev) / prev * 100
		}
		out[name] = delta
	}
	return out
}
