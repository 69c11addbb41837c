package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/drblury/mqbridge/internal/bridge/config"
	"github.com/drblury/mqbridge/internal/bridge/envelope"
	"github.com/drblury/mqbridge/internal/bridge/logging"
)

// Reserved operation names answered by the bridge itself, never delegated
// to the configured handler.
const (
	OpHealthCheck = "healthCheck"
	OpAdapterInfo = "adapterInfo"
)

// CallContext is the decoded correlation/session/auth metadata of an
// inbound call, handed to the handler alongside the payload.
type CallContext = envelope.OutboundCallContext

// Result is what a handler produces for one call: an opaque data document
// on success, or an error code with an explanatory message. Backend
// messages ride along in either case.
type Result struct {
	ErrorCode       string
	ErrorMessage    string
	Data            json.RawMessage
	BackendMessages []envelope.BackendMessage
}

// IsError reports whether the result carries a business error.
func (r Result) IsError() bool {
	return r.ErrorCode != ""
}

// Success builds a successful result.
func Success(data json.RawMessage, messages ...envelope.BackendMessage) Result {
	return Result{Data: data, BackendMessages: messages}
}

// Failure builds a business-error result. A business error is still a
// successfully processed call; only faults (returned errors) are nacked.
func Failure(code, message string, messages ...envelope.BackendMessage) Result {
	return Result{ErrorCode: code, ErrorMessage: message, BackendMessages: messages}
}

// Handler is the pluggable adapter contract. A returned error means the
// call faulted (the message is nacked); business failures are reported
// through the Result instead.
type Handler interface {
	Handle(ctx context.Context, operation string, payload json.RawMessage, callCtx CallContext) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, operation string, payload json.RawMessage, callCtx CallContext) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, operation string, payload json.RawMessage, callCtx CallContext) (Result, error) {
	return f(ctx, operation, payload, callCtx)
}

// BackendFactory builds a handler backend from the bridge configuration.
type BackendFactory func(conf *config.Config, logger logging.ServiceLogger) (Handler, error)

// BackendRegistry maps backend names to their factories so the handler
// implementation is selected at startup by configuration.
type BackendRegistry struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}

// DefaultBackends is the global backend registry. The "mock" backend is
// registered out of the box.
var DefaultBackends = NewBackendRegistry()

// NewBackendRegistry creates an empty backend registry.
func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{factories: make(map[string]BackendFactory)}
}

// Register adds a backend factory. The name should match the
// HandlerBackend config value.
func (r *BackendRegistry) Register(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Has reports whether a backend is registered under the given name.
func (r *BackendRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered backend names.
func (r *BackendRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Build constructs the backend selected by the configuration.
func (r *BackendRegistry) Build(name string, conf *config.Config, logger logging.ServiceLogger) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown handler backend: %q (registered: %v)", name, r.Names())
	}
	return factory(conf, logger)
}

// RegisterBackend adds a backend factory to the default registry.
func RegisterBackend(name string, factory BackendFactory) {
	DefaultBackends.Register(name, factory)
}

func init() {
	RegisterBackend("mock", func(conf *config.Config, logger logging.ServiceLogger) (Handler, error) {
		return NewMockHandler(), nil
	})
}
