package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightline-analytics/pulse/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func weekOf(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func testSnapshot(start time.Time, metrics map[string]float64) model.Snapshot {
	return model.Snapshot{
		PeriodType:  model.PeriodWeekly,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 0, 7),
		Metrics:     metrics,
	}
}

func TestSaveAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	start := weekOf(2026, time.March, 2)
	saved, err := store.Save(ctx, testSnapshot(start, map[string]float64{"records_total": 42}))
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotID(model.PeriodWeekly, start), saved.ID)
	assert.Equal(t, model.SnapshotSchemaVersion, saved.Version)

	got, err := store.Get(ctx, model.PeriodWeekly, start)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, 42.0, got.Metrics["records_total"])
	assert.True(t, got.PeriodStart.Equal(start))
}

func TestSaveIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	start := weekOf(2026, time.March, 2)
	_, err := store.Save(ctx, testSnapshot(start, map[string]float64{"records_total": 42}))
	require.NoError(t, err)
	_, err = store.Save(ctx, testSnapshot(start, map[string]float64{"records_total": 50}))
	require.NoError(t, err)

	all, err := store.List(ctx, model.PeriodWeekly, 10)
	require.NoError(t, err)
	require.Len(t, all, 1, "re-running a period overwrites, never duplicates")
	assert.Equal(t, 50.0, all[0].Metrics["records_total"])
}

func TestSavePersistsInvalidSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	start := weekOf(2026, time.March, 2)
	snap := testSnapshot(start, nil)
	snap.PeriodEnd = start.AddDate(0, 0, -1)

	saved, err := store.Save(ctx, snap)
	require.NoError(t, err, "validation failures are logged, not fatal")

	got, err := store.Get(ctx, model.PeriodWeekly, start)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, saved.ID, got.ID)
}

func TestGetPrior(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	weeks := []time.Time{
		weekOf(2026, time.February, 16),
		weekOf(2026, time.February, 23),
		weekOf(2026, time.March, 2),
	}
	for i, start := range weeks {
		_, err := store.Save(ctx, testSnapshot(start, map[string]float64{"records_total": float64(i)}))
		require.NoError(t, err)
	}

	prior, err := store.GetPrior(ctx, model.PeriodWeekly, weeks[2])
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.True(t, prior.PeriodStart.Equal(weeks[1]), "prior is the immediately preceding period")

	prior, err = store.GetPrior(ctx, model.PeriodWeekly, weeks[0])
	require.NoError(t, err)
	assert.Nil(t, prior, "first period has no prior")

	prior, err = store.GetPrior(ctx, model.PeriodDaily, weeks[2])
	require.NoError(t, err)
	assert.Nil(t, prior, "granularities never mix")
}

func TestCompare(t *testing.T) {
	current := testSnapshot(weekOf(2026, time.March, 2), map[string]float64{
		"records_total": 120,
		"new_metric":    5,
		"zero_prior":    3,
	})
	prior := testSnapshot(weekOf(2026, time.February, 23), map[string]float64{
		"records_total": 100,
		"zero_prior":    0,
	})

	deltas := Compare(current, &prior)
	require.NotNil(t, deltas)

	rt := deltas["records_total"]
	assert.Equal(t, 120.0, rt.Current)
	assert.Equal(t, 100.0, rt.Prior)
	assert.Equal(t, 20.0, rt.Delta)
	assert.InDelta(t, 20.0, rt.Pct, 1e-9)

	nm := deltas["new_metric"]
	assert.Equal(t, 5.0, nm.Delta, "metric absent from prior compares against zero")
	assert.Equal(t, 0.0, nm.Pct)

	zp := deltas["zero_prior"]
	assert.Equal(t, 3.0, zp.Delta)
	assert.Equal(t, 0.0, zp.Pct, "zero prior reports zero percent, not infinity")

	assert.Nil(t, Compare(current, nil), "no prior means no comparison")
}
