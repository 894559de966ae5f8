// Package llm provides model-provider clients for enrichment calls.
package llm

import (
	"context"
)

// InvokeOptions tunes a single model invocation.
type InvokeOptions struct {
	Temperature     float64
	MaxOutputTokens int
}

// InvokeResult is the outcome of a single model invocation with usage stats.
type InvokeResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	TimeTakenMs  int64
}

// ModelClient defines the interface for synchronous model invocation.
// Use this interface for dependency injection to enable mocking in tests.
type ModelClient interface {
	// Invoke sends the prompt and returns the response text with usage stats.
	Invoke(ctx context.Context, prompt string, opts InvokeOptions) (*InvokeResult, error)

	// Model returns the configured model name.
	Model() string

	// Provider returns which provider serves this client.
	Provider() Provider
}

// Ensure implementations satisfy ModelClient at compile time.
var (
	_ ModelClient = (*Client)(nil)
	_ ModelClient = (*AnthropicClient)(nil)
	_ ModelClient = (*MockModelClient)(nil)
)
