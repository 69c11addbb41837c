package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/drblury/mqbridge/internal/bridge/envelope"
)

// MockHandler is the built-in development backend. Unstubbed operations
// echo their payload back as the response data so round trips can be
// exercised without any real backend.
type MockHandler struct {
	mu        sync.RWMutex
	responses map[string]Result
}

// NewMockHandler creates a mock backend with no stubs.
func NewMockHandler() *MockHandler {
	return &MockHandler{responses: make(map[string]Result)}
}

// Stub fixes the result returned for an operation.
func (m *MockHandler) Stub(operation string, result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[operation] = result
}

func (m *MockHandler) Handle(_ context.Context, operation string, payload json.RawMessage, _ CallContext) (Result, error) {
	m.mu.RLock()
	result, ok := m.responses[operation]
	m.mu.RUnlock()
	if ok {
		return result, nil
	}

	echo := payload
	if len(echo) == 0 {
		echo = json.RawMessage(`{}`)
	}
	return Success(echo, envelope.BackendMessage{
		Source:  "mock",
		Message: "echoed request payload",
		Type:    "info",
	}), nil
}
