package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Request captures one unit of work submitted to the dispatch engine.
//
// Query is the reserved textual field used for fingerprint normalization and
// semantic matching. All other fields pass through opaquely in Fields; the
// engine never interprets them beyond deterministic serialization.
type Request struct {
	Query  string         `json:"query,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// NewRequest builds a query-only request.
func NewRequest(query string) Request {
	return Request{Query: query}
}

// Response is the opaque result of one remote-service invocation.
type Response struct {
	Value   string        `json:"value"`
	Tokens  int           `json:"tokens,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Collaborator is the remote-service boundary consumed by the dispatch
// engine. Implementations receive the credential's secret token per call and
// must honor context cancellation. Any non-nil error is treated uniformly as
// a retryable failure by the engine.
type Collaborator interface {
	Call(ctx context.Context, secret string, req Request) (Response, error)
}

// CollaboratorFunc adapts a plain function to the Collaborator interface.
type CollaboratorFunc func(ctx context.Context, secret string, req Request) (Response, error)

// Call implements Collaborator.
func (f CollaboratorFunc) Call(ctx context.Context, secret string, req Request) (Response, error) {
	return f(ctx, secret, req)
}

// MockCollaborator is a lightweight in-memory Collaborator useful for tests
// and examples. Canned responses are matched on the request query; unmatched
// queries receive an echo response.
type MockCollaborator struct {
	responses map[string]string
	delay     time.Duration
}

// NewMockCollaborator constructs a MockCollaborator with no canned responses.
func NewMockCollaborator() *MockCollaborator {
	return &MockCollaborator{responses: make(map[string]string)}
}

// AddResponse registers a deterministic canned response for a query.
func (m *MockCollaborator) AddResponse(query, response string) { m.responses[query] = response }

// SetDelay makes every call sleep for d before responding, to simulate
// network latency in concurrency tests.
func (m *MockCollaborator) SetDelay(d time.Duration) { m.delay = d }

// Call implements Collaborator.
func (m *MockCollaborator) Call(ctx context.Context, secret string, req Request) (Response, error) {
	start := time.Now()
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if strings.TrimSpace(req.Query) == "" && len(req.Fields) == 0 {
		return Response{}, fmt.Errorf("empty request")
	}
	value := m.responses[req.Query]
	if value == "" {
		value = fmt.Sprintf("Mock response to: %s", req.Query)
	}
	return Response{Value: value, Latency: time.Since(start)}, nil
}
