package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Handler serves one peer-initiated request method. The returned result is encoded as the
// response's result member; a nil result encodes as an empty object. Return a
// *HandlerError or *JSONRPCError to control the error the peer receives.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Listener receives one notification method. Errors and panics are logged and never
// reach the connection.
type Listener func(ctx context.Context, params json.RawMessage) error

// Registry holds the handlers for peer-initiated requests and the listeners for peer
// notifications, keyed by method name. It is safe for concurrent use, and may be changed
// while a session is running.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	listeners map[string][]Listener
}

// Handle calls f(ctx, params).
func (f HandlerFunc) Handle(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// NewRegistry returns a registry that already answers "ping".
func NewRegistry() *Registry {
	r := &Registry{
		handlers:  make(map[string]Handler),
		listeners: make(map[string][]Listener),
	}
	r.handlers[methodPing] = HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		return struct{}{}, nil
	})
	return r
}

// Register installs the handler for method. Registering a second handler for the same
// method is an error.
func (r *Registry) Register(method string, h Handler) error {
	if method == "" {
		return errors.New("failed to register handler: empty method name")
	}
	if h == nil {
		return fmt.Errorf("failed to register handler for %q: nil handler", method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[method]; ok {
		return fmt.Errorf("failed to register handler: method %q already has a handler", method)
	}
	r.handlers[method] = h
	return nil
}

// RegisterFunc installs f as the handler for method.
func (r *Registry) RegisterFunc(method string, f func(ctx context.Context, params json.RawMessage) (any, error)) error {
	return r.Register(method, HandlerFunc(f))
}

// Unregister removes the handler for method, if any.
func (r *Registry) Unregister(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, method)
}

// Lookup returns the handler for method.
func (r *Registry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// AddListener appends a listener for the notification method. Listeners run in the order
// they were added.
func (r *Registry) AddListener(method string, l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[method] = append(r.listeners[method], l)
}

// Listeners returns a copy of the listeners registered for method.
func (r *Registry) Listeners(method string) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls := r.listeners[method]
	if len(ls) == 0 {
		return nil
	}
	return append([]Listener(nil), ls...)
}

// Capabilities derives the capabilities the client advertises from the registered
// handlers.
func (r *Registry) Capabilities() ClientCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var caps ClientCapabilities
	if _, ok := r.handlers[MethodRootsList]; ok {
		caps.Roots = &RootsCapability{}
	}
	if _, ok := r.handlers[MethodSamplingCreateMessage]; ok {
		caps.Sampling = &SamplingCapability{}
	}
	if _, ok := r.handlers[MethodElicitationCreate]; ok {
		caps.Elicitation = &ElicitationCapability{}
	}
	return caps
}

// rootsListAdapter serves "roots/list" from a RootsListHandler.
func rootsListAdapter(h RootsListHandler) Handler {
	return HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
		return h.RootsList(ctx)
	})
}

// samplingAdapter serves "sampling/createMessage" from a SamplingHandler.
func samplingAdapter(h SamplingHandler) Handler {
	return HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params SamplingParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, NewHandlerError(HandlerErrorInvalidInput, "failed to unmarshal sampling params: %v", err)
		}
		return h.CreateSampleMessage(ctx, params)
	})
}

// unmarshalListener decodes params into T before calling f.
func unmarshalListener[T any](f func(T)) Listener {
	return func(_ context.Context, raw json.RawMessage) error {
		var params T
		if err := json.Unmarshal(raw, &params); err != nil {
			return fmt.Errorf("failed to unmarshal notification params: %w", err)
		}
		f(params)
		return nil
	}
}

// signalListener calls f and ignores the params.
func signalListener(f func()) Listener {
	return func(context.Context, json.RawMessage) error {
		f()
		return nil
	}
}
