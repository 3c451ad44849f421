package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/gateway"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/streaming"
)

const (
	MaxRequestBytes = 20 << 20

	HeaderRequestID = "X-Request-Id"
	HeaderSessionID = "X-Session-Id"
	HeaderProvider  = "X-Provider-Id"
)

// Dispatcher serves canonical requests. *gateway.Gateway implements it.
type Dispatcher interface {
	HandleRequest(ctx context.Context, req *canonical.Request, requestID string) (*gateway.Result, error)
}

// ProxyHandler serves POST /v1/messages.
type ProxyHandler struct {
	gateway Dispatcher
	logger  *slog.Logger
}

func NewProxyHandler(gw Dispatcher, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		gateway: gw,
		logger:  logger,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFor(r)
	w.Header().Set(HeaderRequestID, requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, canonical.ErrorTypeInvalidRequest, "request body too large")
			return
		}

		writeError(w, http.StatusBadRequest, canonical.ErrorTypeInvalidRequest, "failed to read request body")

		return
	}

	var req canonical.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Warn("Rejected malformed request", "request_id", requestID, "error", err)
		writeError(w, http.StatusBadRequest, canonical.ErrorTypeInvalidRequest, "invalid request body: "+err.Error())

		return
	}

	if req.Metadata.SessionID == "" {
		req.Metadata.SessionID = strings.TrimSpace(r.Header.Get(HeaderSessionID))
	}

	result, err := h.gateway.HandleRequest(r.Context(), &req, requestID)
	if err != nil {
		status, errType := canonical.Classify(err)

		h.logger.Error("Request failed",
			"request_id", requestID,
			"model", req.Model,
			"status", status,
			"error", err)

		writeError(w, status, errType, err.Error())

		return
	}

	w.Header().Set(HeaderProvider, result.ProviderID)

	if result.Stream != nil {
		h.stream(w, r, result, requestID)
		return
	}

	writeJSON(w, http.StatusOK, result.Response)
}

func (h *ProxyHandler) stream(w http.ResponseWriter, r *http.Request, result *gateway.Result, requestID string) {
	defer result.Stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	n, err := streaming.Pipe(r.Context(), w, result.Stream)
	if err != nil {
		h.logger.Warn("Stream ended early",
			"request_id", requestID,
			"provider", result.ProviderID,
			"events", n,
			"error", err)

		return
	}

	h.logger.Debug("Stream complete",
		"request_id", requestID,
		"provider", result.ProviderID,
		"simulated", result.Simulated,
		"events", n)
}

func requestIDFor(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderRequestID)); id != "" {
		return id
	}

	if id := chimw.GetReqID(r.Context()); id != "" {
		return id
	}

	return uuid.NewString()
}

type errorEnvelope struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, errorEnvelope{
		Type:  "error",
		Error: errorDetail{Type: errType, Message: msg},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
