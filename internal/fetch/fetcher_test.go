package fetch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightline-analytics/pulse/internal/model"
	"github.com/sightline-analytics/pulse/internal/resilience"
	"github.com/sightline-analytics/pulse/pkg/tracker"
)

var rangeStart = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// fakeTracker serves synthetic items per requested window and can be
// scripted to fail.
type fakeTracker struct {
	items   []tracker.Item
	calls   []tracker.SearchRequest
	failFor func(req tracker.SearchRequest) error
}

func (f *fakeTracker) SearchPage(_ context.Context, req tracker.SearchRequest) (*tracker.SearchPage, error) {
	f.calls = append(f.calls, req)
	if f.failFor != nil {
		if err := f.failFor(req); err != nil {
			return nil, err
		}
	}

	var matched []tracker.Item
	for _, it := range f.items {
		if !it.UpdatedAt.Before(req.Start) && it.UpdatedAt.Before(req.End) {
			matched = append(matched, it)
		}
	}

	offset := 0
	if req.Cursor != "" {
		fmt.Sscanf(req.Cursor, "o%d", &offset)
	}
	end := offset + req.PageSize
	next := ""
	if end < len(matched) {
		next = fmt.Sprintf("o%d", end)
	} else {
		end = len(matched)
	}
	return &tracker.SearchPage{Records: matched[offset:end], NextCursor: next}, nil
}

func (f *fakeTracker) Actor(context.Context, string) (*tracker.Actor, error) {
	return nil, errors.New("not implemented")
}

// makeItems places n items inside the given day, the first `shared` of them
// reusing ids from a previous day so overlap handling is exercised.
func makeItems(day time.Time, n int, idPrefix string) []tracker.Item {
	items := make([]tracker.Item, n)
	for i := range items {
		items[i] = tracker.Item{
			ID:          fmt.Sprintf("%s-%d", idPrefix, i),
			Number:      i,
			Title:       fmt.Sprintf("item %s-%d", idPrefix, i),
			AuthorLogin: "dev",
			UpdatedAt:   day.Add(time.Duration(i) * time.Minute),
			CreatedAt:   day,
		}
	}
	return items
}

func newTestFetcher(ft *fakeTracker, opts Options) *Fetcher {
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	return New(ft, opts)
}

func TestFetchRange_SimpleMode_Paginates(t *testing.T) {
	ft := &fakeTracker{items: makeItems(rangeStart, 120, "w1")}
	f := newTestFetcher(ft, Options{PageSize: 50})

	recs, err := f.FetchRange(context.Background(), rangeStart, rangeStart.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, recs, 120)
	// 3 pages, one window.
	assert.Len(t, ft.calls, 3)
}

func TestFetchRange_ChunkedScenario(t *testing.T) {
	day1 := rangeStart
	day2 := rangeStart.Add(24 * time.Hour)
	day3 := rangeStart.Add(48 * time.Hour)
	day4 := rangeStart.Add(72 * time.Hour)

	// Windows return 50, 60, and 55 records; 10 of window 2's ids are shared
	// with window 1.
	var items []tracker.Item
	items = append(items, makeItems(day1, 50, "d1")...)
	items = append(items, makeItems(day2, 50, "d2")...)
	items = append(items, makeItems(day3, 55, "d3")...)
	for i := 0; i < 10; i++ {
		dup := items[i]
		dup.UpdatedAt = day2.Add(12*time.Hour + time.Duration(i)*time.Minute)
		items = append(items, dup)
	}

	ft := &fakeTracker{items: items}
	var events []Progress
	f := newTestFetcher(ft, Options{
		OnProgress: func(p Progress) { events = append(events, p) },
	})

	recs, err := f.FetchRange(context.Background(), day1, day4)
	require.NoError(t, err)
	assert.Len(t, recs, 155, "shared ids merge once")

	require.Len(t, events, 3, "one progress event per completed sub-window")
	assert.Equal(t, day1, events[0].Window.Start)
	assert.Equal(t, day2, events[1].Window.Start)
	assert.Equal(t, day3, events[2].Window.Start)
}

func TestFetchRange_DeduplicatesSharedIDs(t *testing.T) {
	day1 := rangeStart
	day2 := rangeStart.Add(24 * time.Hour)

	items := makeItems(day1, 50, "d1")
	items = append(items, makeItems(day2, 60, "d2")...)
	for i := 0; i < 10; i++ {
		dup := items[i]
		dup.UpdatedAt = day2.Add(time.Duration(i) * time.Minute)
		items = append(items, dup)
	}

	ft := &fakeTracker{items: items}
	f := newTestFetcher(ft, Options{ChunkThreshold: 24 * time.Hour})

	recs, err := f.FetchRange(context.Background(), day1, rangeStart.Add(48*time.Hour))
	require.NoError(t, err)

	ids := make(map[string]int)
	for _, r := range recs {
		ids[r.ID]++
	}
	for id, n := range ids {
		assert.Equal(t, 1, n, "record %s appeared %d times", id, n)
	}
	assert.Len(t, recs, 110)
}

func TestFetchRange_Idempotent(t *testing.T) {
	ft := &fakeTracker{items: makeItems(rangeStart, 80, "w")}
	f := newTestFetcher(ft, Options{})

	first, err := f.FetchRange(context.Background(), rangeStart, rangeStart.Add(24*time.Hour))
	require.NoError(t, err)
	second, err := f.FetchRange(context.Background(), rangeStart, rangeStart.Add(24*time.Hour))
	require.NoError(t, err)

	members := func(recs []model.Record) map[string]struct{} {
		m := make(map[string]struct{}, len(recs))
		for _, r := range recs {
			m[r.ID] = struct{}{}
		}
		return m
	}
	assert.Equal(t, members(first), members(second))
}

func TestFetchRange_RetryBoundThenFetchError(t *testing.T) {
	ft := &fakeTracker{
		failFor: func(tracker.SearchRequest) error {
			return resilience.NewTransientError(errors.New("deadline exceeded"), 0)
		},
	}
	f := newTestFetcher(ft, Options{MaxRetries: 3})

	_, err := f.FetchRange(context.Background(), rangeStart, rangeStart.Add(24*time.Hour))
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	// Initial attempt plus exactly MaxRetries retries.
	assert.Len(t, ft.calls, 4)
}

func TestFetchRange_SpanHalvesOnRetry(t *testing.T) {
	var failures int
	ft := &fakeTracker{
		failFor: func(req tracker.SearchRequest) error {
			if failures < 2 && req.Cursor == "" {
				failures++
				return resilience.NewTransientError(errors.New("timeout"), 0)
			}
			return nil
		},
	}
	f := newTestFetcher(ft, Options{ChunkThreshold: time.Hour, ChunkSize: 24 * time.Hour, MaxRetries: 3})

	_, err := f.FetchRange(context.Background(), rangeStart, rangeStart.Add(24*time.Hour))
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(ft.calls), 3)
	assert.Equal(t, 24*time.Hour, ft.calls[0].End.Sub(ft.calls[0].Start))
	assert.Equal(t, 12*time.Hour, ft.calls[1].End.Sub(ft.calls[1].Start))
	assert.Equal(t, 6*time.Hour, ft.calls[2].End.Sub(ft.calls[2].Start))
}

func TestFetchRange_FatalAbortsImmediately(t *testing.T) {
	ft := &fakeTracker{
		failFor: func(tracker.SearchRequest) error {
			return resilience.NewFatalError(errors.New("forbidden"), 403)
		},
	}
	f := newTestFetcher(ft, Options{MaxRetries: 3})

	_, err := f.FetchRange(context.Background(), rangeStart, rangeStart.Add(24*time.Hour))
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, resilience.IsFatal(err))
	assert.Len(t, ft.calls, 1, "fatal errors must not be retried")
}

func TestFetchRange_FetchErrorCarriesPartialRecords(t *testing.T) {
	day1 := rangeStart
	day2 := rangeStart.Add(24 * time.Hour)

	ft := &fakeTracker{
		items: makeItems(day1, 30, "d1"),
		failFor: func(req tracker.SearchRequest) error {
			if !req.Start.Before(day2) {
				return resilience.NewFatalError(errors.New("unauthorized"), 401)
			}
			return nil
		},
	}
	f := newTestFetcher(ft, Options{ChunkThreshold: 24 * time.Hour})

	_, err := f.FetchRange(context.Background(), day1, rangeStart.Add(48*time.Hour))
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Len(t, fe.Partial, 30, "records merged before the failure are carried in the error")
	assert.Equal(t, day2, fe.Window.Start)
}

func TestFetchRange_EmptyRangeIsFatal(t *testing.T) {
	f := newTestFetcher(&fakeTracker{}, Options{})
	_, err := f.FetchRange(context.Background(), rangeStart, rangeStart)
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
}
