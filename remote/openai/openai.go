// Package openai provides a remote collaborator backed by the OpenAI Chat
// Completions API. The credential secret supplied per call becomes the API
// key, so the same adapter serves every credential in the pool.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/dispatchmesh/core"
)

// Options configure the OpenAI collaborator. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Collaborator wraps the OpenAI Chat Completions API behind the generic
// core.Collaborator interface.
type Collaborator struct {
	client *openai.Client
	opts   Options
}

// Compile-time check that Collaborator satisfies core.Collaborator.
var _ core.Collaborator = (*Collaborator)(nil)

// New creates a new OpenAI collaborator using the official client.
func New(optFns ...func(o *Options)) *Collaborator {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new OpenAI collaborator from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Collaborator {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
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

	params := openai.ChatCompletionNewParams{
		Model:               c.opts.Model,
		Temperature:         openai.Float(c.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.opts.MaxCompletionTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Query),
		},
	}

	resp, err := c.client.Chat.Completions.New(ctx, params, option.WithAPIKey(secret))
	if err != nil {
		return core.Response{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return core.Response{}, fmt.Errorf("no choices returned")
	}

	return core.Response{
		Value:   resp.Choices[0].Message.Content,
		Tokens:  int(resp.Usage.TotalTokens),
		Latency: time.Since(start),
	}, nil
}
