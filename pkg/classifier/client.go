// Package classifier wraps the Anthropic API for single-label text
// classification with a deterministic keyword fallback.
package classifier

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Provider defines the raw model call used by the classifier.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Request asks for one label from a closed set.
type Request struct {
	Instructions string
	Input        string
	Labels       []string
}

// Completion is the raw model response.
type Completion struct {
	Label      string
	Confidence float64
	Usage      TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// LogCost logs token usage with structured zap fields.
func (u TokenUsage) LogCost(model, stage string) {
	zap.L().Info("classifier usage",
		zap.String("model", model),
		zap.String("stage", stage),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
	)
}

// sdkProvider implements Provider using the official anthropic-sdk-go.
type sdkProvider struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewSDKProvider creates a Provider backed by the Anthropic SDK.
func NewSDKProvider(apiKey, model string) Provider {
	return &sdkProvider{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: 256,
	}
}

// completionSchema is the structured shape the model is instructed to emit.
type completionSchema struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

func (p *sdkProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	system := req.Instructions +
		"\nRespond with a single JSON object {\"label\": <one of: " +
		strings.Join(req.Labels, ", ") +
		">, \"confidence\": <0..1>} and nothing else."

	msg, err := p.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Input)),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "classifier: create message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var parsed completionSchema
	if err := json.Unmarshal([]byte(strings.TrimSpace(text.String())), &parsed); err != nil {
		return nil, eris.Wrapf(err, "classifier: parse response %q", text.String())
	}
	if !validLabel(parsed.Label, req.Labels) {
		return nil, eris.Errorf("classifier: model returned unknown label %q", parsed.Label)
	}

	return &Completion{
		Label:      parsed.Label,
		Confidence: clamp01(parsed.Confidence),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}, nil
}

func validLabel(label string, labels []string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
