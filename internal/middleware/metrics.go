package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HTTPObserver records one served request. *metrics.Metrics implements it.
type HTTPObserver interface {
	ObserveHTTP(path string, status int, dur time.Duration)
}

// NewMetricsMiddleware reports every request under its route pattern, so
// path parameters do not explode label cardinality.
func NewMetricsMiddleware(observer HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)

			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}

			observer.ObserveHTTP(path, wrapped.status, time.Since(start))
		})
	}
}
