package handlers

import (
	"log/slog"
	"net/http"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/router"
)

type HealthHandler struct {
	logger *slog.Logger
}

func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		logger: logger,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("OK")); err != nil {
		h.logger.Error("Failed to write health check response", "error", err)
	}
}

// HealthSource reports provider health. *router.Engine implements it.
type HealthSource interface {
	Snapshot() []router.Health
}

// ProvidersHandler serves the health snapshot of every provider as JSON.
type ProvidersHandler struct {
	source HealthSource
}

func NewProvidersHandler(source HealthSource) *ProvidersHandler {
	return &ProvidersHandler{source: source}
}

type providersResponse struct {
	Providers []router.Health `json:"providers"`
	Routable  int             `json:"routable"`
}

func (h *ProvidersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := h.source.Snapshot()

	resp := providersResponse{Providers: snapshot}
	for _, p := range snapshot {
		if p.State != router.StateCooldown {
			resp.Routable++
		}
	}

	status := http.StatusOK
	if resp.Routable == 0 {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
