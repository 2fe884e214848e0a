// Package tracker provides a client for the work-item tracker's
// cursor-paginated search API.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sightline-analytics/pulse/internal/resilience"
)

// Client defines the tracker API operations used by the fetch engine and
// the enrichment lookups.
type Client interface {
	// SearchPage returns one page of work items updated inside the request's
	// time range, plus the cursor for the next page ("" when exhausted).
	SearchPage(ctx context.Context, req SearchRequest) (*SearchPage, error)
	// Actor resolves a login to its tracker profile.
	Actor(ctx context.Context, login string) (*Actor, error)
}

// SearchRequest selects one page of items in [Start, End).
type SearchRequest struct {
	Start    time.Time
	End      time.Time
	PageSize int
	Cursor   string
}

// Item is a raw work item as returned by the tracker.
type Item struct {
	ID            string     `json:"id"`
	Number        int        `json:"number"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	Labels        []string   `json:"labels"`
	State         string     `json:"state"`
	AuthorLogin   string     `json:"author_login"`
	AssigneeLogin string     `json:"assignee_login"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ClosedAt      *time.Time `json:"closed_at"`
}

// SearchPage is one page of search results.
type SearchPage struct {
	Records    []Item `json:"records"`
	NextCursor string `json:"next_cursor"`
}

// Actor is a tracker user profile.
type Actor struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Team  string `json:"team"`
	Bot   bool   `json:"bot"`
}

// Option configures the tracker client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRequestsPerMinute spaces outbound calls to stay conservatively under
// the provider's documented quota. Server-side throttling is not assumed to
// save us.
func WithRequestsPerMinute(rpm float64) Option {
	return func(c *httpClient) {
		if rpm > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rpm/60.0), 1)
		}
	}
}

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a tracker API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.tracker.example.com/v1",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *httpClient) SearchPage(ctx context.Context, req SearchRequest) (*SearchPage, error) {
	if req.PageSize <= 0 {
		req.PageSize = 50
	}
	if !req.End.After(req.Start) {
		return nil, resilience.NewFatalError(
			eris.Errorf("tracker: malformed range [%s, %s)", req.Start, req.End), 0)
	}

	q := url.Values{}
	q.Set("since", req.Start.UTC().Format(time.RFC3339))
	q.Set("until", req.End.UTC().Format(time.RFC3339))
	q.Set("page_size", strconv.Itoa(req.PageSize))
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}

	var page SearchPage
	if err := c.getJSON(ctx, "/items/search?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *httpClient) Actor(ctx context.Context, login string) (*Actor, error) {
	if login == "" {
		return nil, resilience.NewFatalError(eris.New("tracker: empty login"), 0)
	}
	var actor Actor
	if err := c.getJSON(ctx, "/actors/"+url.PathEscape(login), &actor); err != nil {
		return nil, err
	}
	return &actor, nil
}

// getJSON performs one GET and decodes the body. Non-2xx statuses are
// classified transient or fatal so callers can hand the error straight to
// the retry policy.
func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	if err := c.wait(ctx); err != nil {
		return eris.Wrap(err, "tracker: rate limit")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return resilience.NewFatalError(eris.Wrap(err, "tracker: build request"), 0)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Transport errors (timeouts, resets) are classified by IsTransient.
		return eris.Wrap(err, "tracker: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resilience.ClassifyHTTPStatus(
			eris.New(fmt.Sprintf("tracker: status %d: %s", resp.StatusCode, string(body))),
			resp.StatusCode,
		)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrap(err, "tracker: decode response")
	}
	return nil
}
