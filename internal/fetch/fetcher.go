// Package fetch retrieves all work items in a date range from the tracker's
// paginated search API, chunking large ranges into daily sub-windows.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sightline-analytics/pulse/internal/model"
	"github.com/sightline-analytics/pulse/internal/resilience"
	"github.com/sightline-analytics/pulse/pkg/tracker"
)

// Progress is emitted once per completed sub-window.
type Progress struct {
	Window  model.FetchWindow
	Records int
}

// ProgressFunc observes sub-window completion. Called synchronously on the
// fetch goroutine.
type ProgressFunc func(Progress)

// FetchError reports a failed fetch along with whatever records were already
// merged before the failure.
type FetchError struct {
	Window  model.FetchWindow
	Partial []model.Record
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch window [%s, %s) failed after %d records: %v",
		e.Window.Start.Format(time.RFC3339), e.Window.End.Format(time.RFC3339), len(e.Partial), e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Options configures the fetcher.
type Options struct {
	// ChunkThreshold is the range span above which chunked mode engages.
	// Default: 3 days.
	ChunkThreshold time.Duration

	// ChunkSize is the initial sub-window span in chunked mode. Default: 1 day.
	ChunkSize time.Duration

	// MinChunkSize floors the span-halving on retry. Default: 1 hour.
	MinChunkSize time.Duration

	// PageSize is the fixed search page size. Default: 50.
	PageSize int

	// MaxRetries bounds transient retries per sub-window. Default: 3.
	MaxRetries int

	// Backoff is the delay before the first sub-window retry, doubling each
	// attempt. Default: 500ms.
	Backoff time.Duration

	// Pool bounds concurrently outstanding tracker calls. Optional.
	Pool *resilience.Pool

	// OnProgress receives one event per completed sub-window. Optional.
	OnProgress ProgressFunc
}

func (o Options) withDefaults() Options {
	if o.ChunkThreshold <= 0 {
		o.ChunkThreshold = 3 * 24 * time.Hour
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 24 * time.Hour
	}
	if o.MinChunkSize <= 0 {
		o.MinChunkSize = time.Hour
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	return o
}

// Fetcher retrieves deduplicated, timestamp-filtered record sets.
type Fetcher struct {
	client tracker.Client
	opts   Options
}

// New creates a Fetcher over the given tracker client.
func New(client tracker.Client, opts Options) *Fetcher {
	return &Fetcher{client: client, opts: opts.withDefaults()}
}

// FetchRange returns every record updated in [start, end), deduplicated by
// id across all sub-windows. Ranges at or below the chunk threshold run as a
// single cursor loop; larger ranges are split into sub-windows processed
// strictly sequentially so a shared provider quota is never amplified.
func (f *Fetcher) FetchRange(ctx context.Context, start, end time.Time) ([]model.Record, error) {
	if !end.After(start) {
		return nil, resilience.NewFatalError(eris.Errorf("fetch: empty range [%s, %s)", start, end), 0)
	}

	log := zap.L().With(
		zap.Time("start", start),
		zap.Time("end", end),
	)

	seen := make(map[string]struct{})
	var merged []model.Record

	if end.Sub(start) <= f.opts.ChunkThreshold {
		log.Debug("fetch: simple mode")
		return f.fetchChunk(ctx, model.FetchWindow{Start: start, End: end}, seen, merged)
	}

	log.Debug("fetch: chunked mode", zap.Duration("chunk_size", f.opts.ChunkSize))

	for cur := start; cur.Before(end); {
		chunkEnd := cur.Add(f.opts.ChunkSize)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		var err error
		merged, err = f.fetchChunk(ctx, model.FetchWindow{Start: cur, End: chunkEnd}, seen, merged)
		if err != nil {
			return nil, err
		}
		cur = chunkEnd
	}

	log.Info("fetch: range complete", zap.Int("records", len(merged)))
	return merged, nil
}

// fetchChunk fetches one sub-window, retrying transient failures with
// exponential backoff and halving the attempted span on each retry. Records
// fetched before a terminal failure are carried in the returned FetchError.
func (f *Fetcher) fetchChunk(ctx context.Context, window model.FetchWindow, seen map[string]struct{}, merged []model.Record) ([]model.Record, error) {
	var (
		retries int
		span    = window.Span()
		cur     = window.Start
		added   int
	)

	for cur.Before(window.End) {
		attemptEnd := cur.Add(span)
		if attemptEnd.After(window.End) {
			attemptEnd = window.End
		}
		attempt := model.FetchWindow{Start: cur, End: attemptEnd, Status: model.WindowFetching}

		records, err := f.fetchPages(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil || !resilience.IsTransient(err) {
				// Cancellation and fatal failures abort without retry.
				return nil, &FetchError{Window: attempt, Partial: merged, Err: err}
			}

			retries++
			if retries > f.opts.MaxRetries {
				return nil, &FetchError{
					Window:  attempt,
					Partial: merged,
					Err:     eris.Wrapf(err, "fetch: %d retries exhausted", f.opts.MaxRetries),
				}
			}

			// Shrink the attempted span so the next call stays under the
			// provider's safe timeout.
			if span/2 >= f.opts.MinChunkSize {
				span /= 2
			}

			delay := f.opts.Backoff << (retries - 1)
			zap.L().Warn("fetch: sub-window retry",
				zap.Time("window_start", attempt.Start),
				zap.Time("window_end", attempt.End),
				zap.Int("retry", retries),
				zap.Duration("next_span", span),
				zap.Error(err),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &FetchError{Window: attempt, Partial: merged, Err: ctx.Err()}
			case <-timer.C:
			}
			continue
		}

		for _, rec := range records {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			if !window.Contains(rec.UpdatedAt) && !rec.UpdatedAt.Equal(window.End) {
				// Providers occasionally return items just outside the
				// requested bounds; drop them rather than double-count.
				continue
			}
			seen[rec.ID] = struct{}{}
			merged = append(merged, rec)
			added++
		}
		cur = attemptEnd
	}

	if f.opts.OnProgress != nil {
		f.opts.OnProgress(Progress{
			Window:  model.FetchWindow{Start: window.Start, End: window.End, Status: model.WindowComplete},
			Records: added,
		})
	}
	return merged, nil
}

// fetchPages runs the cursor loop for one attempted window.
func (f *Fetcher) fetchPages(ctx context.Context, window model.FetchWindow) ([]model.Record, error) {
	var out []model.Record
	cursor := ""

	for {
		page, err := f.searchOne(ctx, tracker.SearchRequest{
			Start:    window.Start,
			End:      window.End,
			PageSize: f.opts.PageSize,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, err
		}

		for _, item := range page.Records {
			out = append(out, toRecord(item))
		}

		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// searchOne issues a single page call under the tracker's permit pool.
func (f *Fetcher) searchOne(ctx context.Context, req tracker.SearchRequest) (*tracker.SearchPage, error) {
	if f.opts.Pool == nil {
		return f.client.SearchPage(ctx, req)
	}

	release, err := f.opts.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return f.client.SearchPage(ctx, req)
}

func toRecord(item tracker.Item) model.Record {
	return model.Record{
		ID:            item.ID,
		Number:        item.Number,
		Title:         item.Title,
		Body:          item.Body,
		Labels:        item.Labels,
		State:         item.State,
		AuthorLogin:   item.AuthorLogin,
		AssigneeLogin: item.AssigneeLogin,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
		ClosedAt:      item.ClosedAt,
	}
}
