// Package kit carries the cross-cutting plumbing shared by swarm transports:
// context enrichment keys, endpoint composition, and MCP tool registration.
package kit

import "context"

// Endpoint is the transport-agnostic unit of work: a typed request in, a
// typed response out. HTTP handlers and MCP tools both decode into one.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with additional behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares left-to-right: the first middleware is the
// outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
