package middleware

import (
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Middleware represents a middleware function
type Middleware func(http.Handler) http.Handler

// Chain represents a middleware chain
type Chain struct {
	middlewares []Middleware
}

// New creates a new middleware chain
func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then adds more middleware to the chain
func (c Chain) Then(middlewares ...Middleware) Chain {
	return Chain{middlewares: append(c.middlewares, middlewares...)}
}

// Handler applies all middleware in the chain to the given handler
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// Middlewares returns the chain in application order, for routers taking a list.
func (c Chain) Middlewares() []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, len(c.middlewares))
	for i, m := range c.middlewares {
		out[i] = m
	}

	return out
}

// MiddlewareSet contains all configured middleware for easy composition
type MiddlewareSet struct {
	RequestID Middleware
	Recoverer Middleware
	Logging   Middleware
	Metrics   Middleware
}

// NewMiddlewareSet builds the middleware set. A nil observer disables
// request metrics.
func NewMiddlewareSet(observer HTTPObserver, logger *slog.Logger) MiddlewareSet {
	ms := MiddlewareSet{
		RequestID: chimw.RequestID,
		Recoverer: chimw.Recoverer,
		Logging:   NewLoggingMiddleware(logger),
		Metrics:   passThrough,
	}

	if observer != nil {
		ms.Metrics = NewMetricsMiddleware(observer)
	}

	return ms
}

func passThrough(next http.Handler) http.Handler {
	return next
}

// DefaultChain returns the standard middleware chain for API endpoints
func (ms MiddlewareSet) DefaultChain() Chain {
	return New(
		ms.RequestID, // Correlate first
		ms.Recoverer, // Turn panics into 500s
		ms.Logging,
		ms.Metrics,
	)
}

// HealthChain returns the middleware chain for health and metrics endpoints
func (ms MiddlewareSet) HealthChain() Chain {
	return New(
		ms.Recoverer,
		ms.Metrics,
	)
}
