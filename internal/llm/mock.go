package llm

import (
	"context"
	"sync"
)

// MockClient is a scriptable Client for tests. Responses are returned in
// order; when the script runs out the last response repeats. A nil Fn and
// empty Responses yield an empty string.
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Fn        func(prompt string) (string, error)

	Prompts []string
	calls   int
}

// Invoke records the prompt and replays the script.
func (m *MockClient) Invoke(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Prompts = append(m.Prompts, prompt)
	m.calls++

	if m.Fn != nil {
		return m.Fn(prompt)
	}
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", nil
	}
	idx := m.calls - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// Calls returns how many times Invoke ran.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
