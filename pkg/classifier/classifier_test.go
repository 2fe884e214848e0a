package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightline-analytics/pulse/internal/resilience"
)

type fakeProvider struct {
	calls int
	fn    func(req Request) (*Completion, error)
}

func (f *fakeProvider) Complete(_ context.Context, req Request) (*Completion, error) {
	f.calls++
	return f.fn(req)
}

func testRules() *RuleSet {
	return NewRuleSet("other").
		Add("bug", "panic", "crash", "error").
		Add("feature", "add support", "implement")
}

func fastOptions() Options {
	return Options{
		CallTimeout: time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
		},
	}
}

func TestClassify_ModelPath(t *testing.T) {
	p := &fakeProvider{fn: func(Request) (*Completion, error) {
		return &Completion{Label: "bug", Confidence: 0.93, Usage: TokenUsage{InputTokens: 100}}, nil
	}}
	c := New(p, testRules(), fastOptions())

	out, err := c.Classify(context.Background(), Request{Input: "app crashes on start", Labels: []string{"bug", "feature", "other"}})
	require.NoError(t, err)
	assert.Equal(t, SourceModel, out.Source)
	assert.Equal(t, "bug", out.Label)
	assert.InDelta(t, 0.93, out.Confidence, 1e-9)
	assert.Equal(t, int64(100), out.Usage.InputTokens)
}

func TestClassify_TransientFailureFallsBack(t *testing.T) {
	p := &fakeProvider{fn: func(Request) (*Completion, error) {
		return nil, resilience.NewTransientError(errors.New("overloaded"), 529)
	}}
	c := New(p, testRules(), fastOptions())

	out, err := c.Classify(context.Background(), Request{Input: "panic in worker loop"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls, "transient errors are retried before falling back")
	assert.Equal(t, SourceFallback, out.Source)
	assert.Equal(t, "bug", out.Label, "keyword rules resolve the label")
	assert.InDelta(t, 0.5, out.Confidence, 1e-9)
	assert.NotEmpty(t, out.Reason)
}

func TestClassify_FallbackDefaultLabel(t *testing.T) {
	p := &fakeProvider{fn: func(Request) (*Completion, error) {
		return nil, resilience.NewTransientError(errors.New("unavailable"), 503)
	}}
	c := New(p, testRules(), fastOptions())

	out, err := c.Classify(context.Background(), Request{Input: "general housekeeping"})
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, out.Source)
	assert.Equal(t, "other", out.Label)
	assert.InDelta(t, 0.2, out.Confidence, 1e-9, "unmatched fallback carries low confidence")
}

func TestClassify_FatalErrorPropagates(t *testing.T) {
	p := &fakeProvider{fn: func(Request) (*Completion, error) {
		return nil, resilience.NewFatalError(errors.New("invalid api key"), 401)
	}}
	c := New(p, testRules(), fastOptions())

	_, err := c.Classify(context.Background(), Request{Input: "panic"})
	require.Error(t, err)
	assert.Equal(t, 1, p.calls, "fatal errors are not retried")
}

func TestClassify_CircuitOpenUsesFallback(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	p := &fakeProvider{fn: func(Request) (*Completion, error) {
		return nil, resilience.NewTransientError(errors.New("down"), 503)
	}}
	opts := fastOptions()
	opts.Breaker = breaker
	c := New(p, testRules(), opts)

	// First call trips the breaker, second is rejected without a provider call.
	_, err := c.Classify(context.Background(), Request{Input: "panic"})
	require.NoError(t, err)
	callsAfterFirst := p.calls

	out, err := c.Classify(context.Background(), Request{Input: "crash on boot"})
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, p.calls, "open circuit must skip the provider")
	assert.Equal(t, SourceFallback, out.Source)
	assert.Equal(t, "circuit open", out.Reason)
}

func TestClassify_CancelledContextPropagates(t *testing.T) {
	p := &fakeProvider{fn: func(Request) (*Completion, error) {
		return nil, context.Canceled
	}}
	c := New(p, testRules(), fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Classify(ctx, Request{Input: "panic"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRuleSet_Match(t *testing.T) {
	rs := testRules()

	label, matched := rs.Match("Fix PANIC when parsing empty file")
	assert.True(t, matched)
	assert.Equal(t, "bug", label)

	label, matched = rs.Match("please Add Support for exports")
	assert.True(t, matched)
	assert.Equal(t, "feature", label)

	label, matched = rs.Match("update readme")
	assert.False(t, matched)
	assert.Equal(t, "other", label)
}
