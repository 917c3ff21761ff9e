package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/session"
)

// HandlerFactory creates a handler instance from the opaque handler_config of
// a route.
type HandlerFactory func(handlerConfig json.RawMessage, lg *logger.Logger) (Handler, error)

// HandlerRegistry maps handler type names (as used in route configuration) to
// their factories. It is safe for concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register associates handlerType with factory. Registering the same type
// twice is an error.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return errors.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory returns the factory registered for handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// Types returns the number of registered handler types.
func (r *HandlerRegistry) Types() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// CreateHandler instantiates a handler of handlerType with handlerConfig.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig json.RawMessage, lg *logger.Logger) (Handler, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, errors.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		return nil, errors.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	h, err := factory(handlerConfig, lg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create handler of type '%s'", handlerType)
	}
	return h, nil
}

// ClearFactories removes every registered factory. Used by tests.
func (r *HandlerRegistry) ClearFactories() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]HandlerFactory)
}

// Handler serves one transaction. The handler owns the transaction: it must
// read the request stream as far as it needs and close the sink (directly or
// through Transaction.Close) before returning. ctx is cancelled when the
// transaction is torn down.
type Handler interface {
	ServeTransaction(ctx context.Context, txn *session.Transaction)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, txn *session.Transaction)

// ServeTransaction calls f(ctx, txn).
func (f HandlerFunc) ServeTransaction(ctx context.Context, txn *session.Transaction) {
	f(ctx, txn)
}

// RouterInterface dispatches accepted transactions to handlers. It is
// implemented by router.Router and mocked in tests.
type RouterInterface interface {
	// ServeTransaction finds the handler for txn and runs it. If no route
	// matches, it answers with NOT_FOUND.
	ServeTransaction(ctx context.Context, txn *session.Transaction)
}
