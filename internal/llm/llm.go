// Package llm defines the model client interface used by the planner.
package llm

import "context"

// Client is a minimal interface for making model API calls. Implementations
// provide the actual HTTP transport to a specific provider.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Usage is cumulative token consumption across a client's calls.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// UsageReporter is implemented by clients that track token usage.
type UsageReporter interface {
	Usage() Usage
}
