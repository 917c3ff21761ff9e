package router

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/config"
	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/server"
	"example.com/rpcmux/internal/session"
	"example.com/rpcmux/internal/wire"
)

// RouteKey identifies a procedure. Minor versions are compatible with each
// other, so only the major version takes part in matching.
type RouteKey struct {
	Service      uint16
	VersionMajor uint8
	Procedure    uint16
}

func (k RouteKey) String() string {
	return fmt.Sprintf("%d.v%d/%d", k.Service, k.VersionMajor, k.Procedure)
}

// KeyOf returns the RouteKey a transaction is routed by.
func KeyOf(service wire.ServiceDescriptor, procedure wire.ProcedureDescriptor) RouteKey {
	return RouteKey{Service: service.ID, VersionMajor: service.Version.Major, Procedure: procedure.ID}
}

// MatchedRouteInfo holds the handler of a route and the route it was created from.
type MatchedRouteInfo struct {
	Handler server.Handler
	Route   config.Route
}

// Router holds the routing table and dispatches transactions to handlers.
// Handlers are created once, when the router is built, so a bad handler_config
// fails at startup rather than on the first transaction.
type Router struct {
	routes  map[RouteKey]*MatchedRouteInfo
	encoder session.ErrorEncoder
	log     *logger.Logger
}

// NewRouter instantiates a handler for every route through registry.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, errors.New("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, errors.New("logger cannot be nil")
	}

	table := make(map[RouteKey]*MatchedRouteInfo, len(routes))
	for i, route := range routes {
		key := RouteKey{Service: route.Service, VersionMajor: route.VersionMajor, Procedure: route.Procedure}
		if _, dup := table[key]; dup {
			return nil, errors.Errorf("routes[%d]: duplicate route %s", i, key)
		}
		handlerConfig, err := route.HandlerConfigJSON()
		if err != nil {
			return nil, err
		}
		handler, err := registry.CreateHandler(route.HandlerType, handlerConfig, lg.With(logger.LogFields{"route": key.String()}))
		if err != nil {
			return nil, errors.Wrapf(err, "routes[%d] (%s)", i, key)
		}
		table[key] = &MatchedRouteInfo{Handler: handler, Route: route}
	}

	return &Router{
		routes:  table,
		encoder: session.PlainErrorEncoder{},
		log:     lg,
	}, nil
}

// WithErrorEncoder sets the encoder used for NOT_FOUND and INTERNAL_SERVER_ERROR
// payloads generated by the router.
func (r *Router) WithErrorEncoder(enc session.ErrorEncoder) *Router {
	if enc != nil {
		r.encoder = enc
	}
	return r
}

// Len returns the number of routes.
func (r *Router) Len() int { return len(r.routes) }

// FindRoute returns the route for the given service and procedure, or nil.
func (r *Router) FindRoute(service wire.ServiceDescriptor, procedure wire.ProcedureDescriptor) *MatchedRouteInfo {
	return r.routes[KeyOf(service, procedure)]
}

// ServeTransaction runs the handler of txn's route. Unknown procedures are
// answered with NOT_FOUND, and a panicking handler with INTERNAL_SERVER_ERROR.
// The transaction is closed once the handler returns.
func (r *Router) ServeTransaction(ctx context.Context, txn *session.Transaction) {
	key := KeyOf(txn.Service(), txn.Procedure())
	matched := r.routes[key]
	if matched == nil {
		r.log.Info("No route matched for transaction", logger.LogFields{
			"route":          key.String(),
			"transaction_id": txn.ID(),
			"session_id":     txn.Session().String(),
		})
		r.reject(ctx, txn, wire.ErrCodeNotFound, fmt.Sprintf("no procedure registered for %s", key))
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Handler panicked", logger.LogFields{
				"route":          key.String(),
				"transaction_id": txn.ID(),
				"panic":          fmt.Sprint(p),
				"stack":          string(debug.Stack()),
			})
			r.reject(ctx, txn, wire.ErrCodeInternalServerError, "")
			return
		}
		if err := txn.Close(); err != nil {
			r.log.Debug("Failed to close transaction", logger.LogFields{
				"transaction_id": txn.ID(),
				"error":          err.Error(),
			})
		}
	}()
	matched.Handler.ServeTransaction(ctx, txn)
}

func (r *Router) reject(ctx context.Context, txn *session.Transaction, code wire.ErrorCode, detail string) {
	txn.Stream().Close()
	if err := server.WriteErrorResponse(ctx, txn, code, detail, r.encoder, r.log); err != nil {
		r.log.Debug("Failed to write error response", logger.LogFields{
			"transaction_id": txn.ID(),
			"code":           code.String(),
			"error":          err.Error(),
		})
	}
}
