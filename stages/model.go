package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/topspinlab/topspin/pipeline"
)

// ModelClient issues one completion against a generative model. The
// diagnosis and coaching stages depend on this narrow surface only, so
// tests can substitute a stub.
type ModelClient interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. It is satisfied by *sdk.MessageService so callers can pass
// either a real client or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// ModelOptions configures the Anthropic-backed model client.
type ModelOptions struct {
	// Model is the Claude model identifier. Use the typed constants from
	// github.com/anthropics/anthropic-sdk-go.
	Model string
	// MaxTokens caps each completion.
	MaxTokens int
	// Temperature applies when positive.
	Temperature float64
}

// AnthropicClient implements ModelClient on top of Anthropic Claude
// Messages. Rate limiting and server-side trouble surface as transient
// errors so the stage runner retries them.
type AnthropicClient struct {
	msg    MessagesClient
	model  string
	maxTok int
	temp   float64
}

var _ ModelClient = (*AnthropicClient)(nil)

// NewAnthropicClient builds a model client from the provided Messages
// client and options.
func NewAnthropicClient(msg MessagesClient, opts ModelOptions) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 2048
	}
	return &AnthropicClient{msg: msg, model: opts.Model, maxTok: maxTok, temp: opts.Temperature}, nil
}

// NewAnthropicClientFromAPIKey constructs a client using the default
// Anthropic HTTP client.
func NewAnthropicClientFromAPIKey(apiKey string, opts ModelOptions) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClient(&ac.Messages, opts)
}

// Complete issues a non-streaming Messages.New request and concatenates the
// text blocks of the response.
func (c *AnthropicClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTok),
		Model:     sdk.Model(c.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRetryableAPIError(err) {
			return "", pipeline.Transient(fmt.Errorf("anthropic messages.new: %w", err))
		}
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", pipeline.Transient(errors.New("anthropic: response contained no text"))
	}
	return sb.String(), nil
}

// isRetryableAPIError reports whether the API error is worth retrying:
// rate limiting, overload, or a server-side failure.
func isRetryableAPIError(err error) bool {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return false
	}
	switch apierr.StatusCode {
	case 429, 500, 502, 503, 504, 529:
		return true
	}
	return false
}
