package llm

import (
	"context"
	"sync/atomic"
)

// MockModelClient is a configurable mock for testing model-call paths.
// Set the function fields to control behavior in tests.
type MockModelClient struct {
	// InvokeFunc is called when Invoke is invoked.
	// If nil, returns an empty result and nil error.
	InvokeFunc func(ctx context.Context, prompt string, opts InvokeOptions) (*InvokeResult, error)

	// ModelName is returned by Model. Defaults to "mock-model".
	ModelName string

	// ProviderName is returned by Provider. Defaults to ProviderOpenAI.
	ProviderName Provider

	// Call tracking for verification. Incremented atomically since
	// invocations may run concurrently.
	invokeCalls atomic.Int64
}

// InvokeCalls returns how many times Invoke has been called.
func (m *MockModelClient) InvokeCalls() int {
	return int(m.invokeCalls.Load())
}

// NewMockModelClient creates a new mock with sensible defaults.
func NewMockModelClient() *MockModelClient {
	return &MockModelClient{
		ModelName:    "mock-model",
		ProviderName: ProviderOpenAI,
	}
}

// Invoke implements ModelClient.
func (m *MockModelClient) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (*InvokeResult, error) {
	m.invokeCalls.Add(1)
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, prompt, opts)
	}
	return &InvokeResult{}, nil
}

// Model implements ModelClient.
func (m *MockModelClient) Model() string {
	if m.ModelName == "" {
		return "mock-model"
	}
	return m.ModelName
}

// Provider implements ModelClient.
func (m *MockModelClient) Provider() Provider {
	if m.ProviderName == "" {
		return ProviderOpenAI
	}
	return m.ProviderName
}

// MockClientFactory returns the same client for every model.
type MockClientFactory struct {
	Client ModelClient
	Err    error
}

// CreateForModel implements ClientFactory.
func (f *MockClientFactory) CreateForModel(model string) (ModelClient, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Client, nil
}

var _ ClientFactory = (*MockClientFactory)(nil)
