package model

import "time"

// Record is a single work item retrieved from the tracker. Records are
// immutable after ingestion; stages annotate derived data into the
// RunContext, never the record itself.
type Record struct {
	ID        string     `json:"id"`
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	Labels    []string   `json:"labels,omitempty"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	// AuthorLogin is who actually authored the item. AssigneeLogin is who
	// it is assigned to. These are distinct on purpose: attribution credit
	// is keyed to authorship, never to assignment.
	AuthorLogin   string `json:"author_login"`
	AssigneeLogin string `json:"assignee_login,omitempty"`
}

// WindowStatus tracks the lifecycle of a fetch sub-window.
type WindowStatus string

const (
	WindowPending  WindowStatus = "pending"
	WindowFetching WindowStatus = "fetching"
	WindowComplete WindowStatus = "complete"
	WindowFailed   WindowStatus = "failed"
)

// FetchWindow is one bounded date sub-range fetched as a retryable unit.
// Span may shrink on retry to reduce per-call latency.
type FetchWindow struct {
	Start  time.Time    `json:"start"`
	End    time.Time    `json:"end"`
	Status WindowStatus `json:"status"`
}

// Span returns the window's duration.
func (w FetchWindow) Span() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls in [Start, End).
func (w FetchWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Profile is the resolved identity for a tracker login, produced by the
// enrichment lookup.
type Profile struct {
	Login     string    `json:"login"`
	Name      string    `json:"name,omitempty"`
	Team      string    `json:"team,omitempty"`
	Bot       bool      `json:"bot"`
	FetchedAt time.Time `json:"fetched_at"`
}
