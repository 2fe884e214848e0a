package classifier

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sightline-analytics/pulse/internal/resilience"
)

// Source distinguishes the two ways an outcome can be produced. Callers
// branch on the variant instead of catching errors for control flow.
type Source string

const (
	// SourceModel means the label came from the analysis provider.
	SourceModel Source = "model"
	// SourceFallback means the deterministic keyword rules produced the
	// label after the model path was unavailable.
	SourceFallback Source = "fallback"
)

// Outcome is the two-variant classification result.
type Outcome struct {
	Source     Source
	Label      string
	Confidence float64
	Reason     string // populated for fallback outcomes
	Usage      TokenUsage
}

// Options configures a Classifier.
type Options struct {
	// CallTimeout bounds each model call. Default: 30s.
	CallTimeout time.Duration

	// Retry controls transient-error retries on the model path.
	Retry resilience.RetryConfig

	// Breaker optionally short-circuits the model path after repeated
	// provider failures.
	Breaker *resilience.CircuitBreaker

	// Pool bounds concurrently outstanding provider calls.
	Pool *resilience.Pool
}

// Classifier routes classification through the model with retry, timeout,
// and circuit breaking, falling back to deterministic rules when the model
// path is unavailable. Fatal provider errors (bad credentials, malformed
// requests) are returned as errors: retrying or falling back would hide a
// configuration problem.
type Classifier struct {
	provider Provider
	rules    *RuleSet
	opts     Options
}

// New creates a Classifier. rules must not be nil.
func New(provider Provider, rules *RuleSet, opts Options) *Classifier {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &Classifier{provider: provider, rules: rules, opts: opts}
}

// Classify produces an Outcome for the input. Transient provider failures
// and per-call timeouts degrade to the fallback variant; only fatal errors
// propagate.
func (c *Classifier) Classify(ctx context.Context, req Request) (Outcome, error) {
	comp, err := c.completeWithPolicy(ctx, req)
	if err == nil {
		return Outcome{
			Source:     SourceModel,
			Label:      comp.Label,
			Confidence: comp.Confidence,
			Usage:      comp.Usage,
		}, nil
	}

	if resilience.IsFatal(err) {
		return Outcome{}, eris.Wrap(err, "classifier: provider rejected request")
	}
	if ctx.Err() != nil {
		// The caller's own deadline expired; don't fabricate a fallback.
		return Outcome{}, ctx.Err()
	}

	label, matched := c.rules.Match(req.Input)
	reason := "model path unavailable"
	if eris.Is(err, resilience.ErrCircuitOpen) {
		reason = "circuit open"
	}
	zap.L().Debug("classifier: using fallback",
		zap.String("label", label),
		zap.String("reason", reason),
		zap.Error(err),
	)

	confidence := 0.5
	if !matched {
		confidence = 0.2
	}
	return Outcome{
		Source:     SourceFallback,
		Label:      label,
		Confidence: confidence,
		Reason:     reason,
	}, nil
}

func (c *Classifier) completeWithPolicy(ctx context.Context, req Request) (*Completion, error) {
	call := func(ctx context.Context) (*Completion, error) {
		if c.opts.Pool != nil {
			release, err := c.opts.Pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			defer release()
		}

		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
		return c.provider.Complete(callCtx, req)
	}

	if c.opts.Breaker != nil {
		return resilience.ExecuteVal(ctx, c.opts.Breaker, func(ctx context.Context) (*Completion, error) {
			return resilience.DoVal(ctx, c.opts.Retry, call)
		})
	}
	return resilience.DoVal(ctx, c.opts.Retry, call)
}
