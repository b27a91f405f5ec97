// Package anthropic provides a remote collaborator backed by the Anthropic
// Messages API. The credential secret supplied per call becomes the API key,
// so the same adapter serves every credential in the pool.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/dispatchmesh/core"
)

// Options configure the Anthropic collaborator (model id, temperature, max
// tokens). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
}

// Collaborator wraps the Anthropic Messages API behind the generic
// core.Collaborator interface.
type Collaborator struct {
	client *anthropic.Client
	opts   Options
}

// Compile-time check that Collaborator satisfies core.Collaborator.
var _ core.Collaborator = (*Collaborator)(nil)

// New creates a new Anthropic collaborator using the official client.
func New(optFns ...func(o *Options)) *Collaborator {
	client := anthropic.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new Anthropic collaborator from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Collaborator {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Collaborator{client: client, opts: opts}
}

// Call implements core.Collaborator. The request's query field becomes a
// single user message; any error (API or transport) is returned as-is for the
// engine to treat as a retryable failure.
func (c *Collaborator) Call(ctx context.Context, secret string, req core.Request) (core.Response, error) {
	start := time.Now()

	params := anthropic.MessageNewParams{
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: anthropic.Float(c.opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Query)),
		},
	}

	resp, err := c.client.Messages.New(ctx, params, option.WithAPIKey(secret))
	if err != nil {
		return core.Response{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}

	return core.Response{
		Value:   sb.String(),
		Tokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		Latency: time.Since(start),
	}, nil
}
