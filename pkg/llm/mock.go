package llm

import (
	"context"
	"sync"
)

// MockProvider cycles through pre-configured responses. Zero value returns
// "Mock LLM response" forever; tests usually seed it with NewMockProvider.
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

// NewMockProvider creates a mock that cycles through responses in order,
// wrapping around when exhausted.
func NewMockProvider(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// CallCount reports how many completions have been requested.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) next() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	responses := m.responses
	if len(responses) == 0 {
		responses = []string{"Mock LLM response"}
	}
	content := responses[m.calls%len(responses)]
	m.calls++
	return content
}

// Complete implements Provider.
func (m *MockProvider) Complete(_ context.Context, _ []Message, _ *Options) (*Completion, error) {
	return &Completion{
		Content:    m.next(),
		Model:      "mock-model",
		Usage:      Usage{InputTokens: 10, OutputTokens: 20},
		StopReason: "end_turn",
	}, nil
}

// CompleteStructured implements Provider.
func (m *MockProvider) CompleteStructured(ctx context.Context, msgs []Message, schemaJSON string, out any, opts *Options) error {
	completion, err := m.Complete(ctx, msgs, opts)
	if err != nil {
		return err
	}
	return decodeStructured(completion.Content, schemaJSON, out)
}
