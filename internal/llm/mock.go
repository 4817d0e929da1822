package llm

import (
	"context"
	"fmt"
	"sync"

	"convoy/internal/ports"
)

// MockClient implements ports.LLMClient for tests. Responses are returned
// in order; when exhausted the last one repeats. Err, when set, is
// returned for every call.
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	calls     int
	Requests  []ports.CompletionRequest
}

func (m *MockClient) Model() string { return "mock" }

func (m *MockClient) Complete(_ context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return nil, fmt.Errorf("mock llm: no responses configured")
	}
	idx := m.calls
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.calls++
	return &ports.CompletionResponse{
		Content:    m.Responses[idx],
		StopReason: "stop",
		Model:      "mock",
		Usage:      ports.TokenUsage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}, nil
}

// CallCount returns how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
