package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/gateway"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/router"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/streaming"
)

type fakeDispatcher struct {
	result    *gateway.Result
	err       error
	req       *canonical.Request
	requestID string
}

func (f *fakeDispatcher) HandleRequest(_ context.Context, req *canonical.Request, requestID string) (*gateway.Result, error) {
	f.req = req
	f.requestID = requestID

	return f.result, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func helloResponse() *canonical.Response {
	return &canonical.Response{
		ID:         "msg_1",
		Type:       "message",
		Role:       "assistant",
		Model:      "claude-3-5-sonnet",
		Content:    []canonical.ContentBlock{canonical.TextBlock("Hello")},
		StopReason: canonical.StopReasonEndTurn,
		Usage:      canonical.Usage{InputTokens: 3, OutputTokens: 1},
	}
}

const helloRequest = `{"model":"claude-3-5-sonnet","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`

func post(t *testing.T, h http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestProxyHandler_JSON(t *testing.T) {
	fake := &fakeDispatcher{result: &gateway.Result{ProviderID: "openai", Response: helloResponse()}}
	h := NewProxyHandler(fake, testLogger())

	rec := post(t, h, helloRequest, map[string]string{HeaderRequestID: "req-42", HeaderSessionID: "sess-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "openai", rec.Header().Get(HeaderProvider))
	assert.Equal(t, "req-42", fake.requestID)
	assert.Equal(t, "sess-1", fake.req.Metadata.SessionID)
	require.Len(t, fake.req.Messages, 1)

	var got canonical.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "msg_1", got.ID)
	assert.Equal(t, canonical.StopReasonEndTurn, got.StopReason)
}

func TestProxyHandler_GeneratesRequestID(t *testing.T) {
	fake := &fakeDispatcher{result: &gateway.Result{ProviderID: "openai", Response: helloResponse()}}

	rec := post(t, NewProxyHandler(fake, testLogger()), helloRequest, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, fake.requestID)
	assert.Equal(t, fake.requestID, rec.Header().Get(HeaderRequestID))
}

func TestProxyHandler_Stream(t *testing.T) {
	stream := streaming.Simulate(helloResponse(), streaming.Pacing{TextChunkSize: 10})
	fake := &fakeDispatcher{result: &gateway.Result{ProviderID: "gemini", Stream: stream, Simulated: true}}

	rec := post(t, NewProxyHandler(fake, testLogger()), helloRequest, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: message_start\n"))
	assert.Contains(t, body, `"text":"Hello"`)
	assert.True(t, strings.HasSuffix(body, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
}

func TestProxyHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantType   string
	}{
		{
			name:       "malformed json",
			body:       `{"model":`,
			wantStatus: http.StatusBadRequest,
			wantType:   canonical.ErrorTypeInvalidRequest,
		},
		{
			name:       "transformation error",
			body:       helloRequest,
			err:        &canonical.TransformationError{Field: "messages", Reason: "must not be empty"},
			wantStatus: http.StatusBadRequest,
			wantType:   canonical.ErrorTypeInvalidRequest,
		},
		{
			name:       "empty upstream response",
			body:       helloRequest,
			err:        &canonical.TransformationError{Family: "openai", Field: "choices", Reason: "response has no choices", Err: canonical.ErrEmptyResponse},
			wantStatus: http.StatusBadGateway,
			wantType:   canonical.ErrorTypeAPI,
		},
		{
			name:       "no providers",
			body:       helloRequest,
			err:        &canonical.RoutingError{Reason: "no providers", Err: canonical.ErrNoProviders},
			wantStatus: http.StatusServiceUnavailable,
			wantType:   canonical.ErrorTypeAPI,
		},
		{
			name:       "upstream rate limit",
			body:       helloRequest,
			err:        &canonical.ProviderError{Provider: "openai", StatusCode: 429, Message: "slow down"},
			wantStatus: http.StatusTooManyRequests,
			wantType:   canonical.ErrorTypeRateLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeDispatcher{err: tt.err}

			rec := post(t, NewProxyHandler(fake, testLogger()), tt.body, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var env errorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, "error", env.Type)
			assert.Equal(t, tt.wantType, env.Error.Type)
			assert.NotEmpty(t, env.Error.Message)
		})
	}
}

func TestProxyHandler_BodyTooLarge(t *testing.T) {
	fake := &fakeDispatcher{}
	body := `{"model":"` + strings.Repeat("x", MaxRequestBytes) + `"}`

	rec := post(t, NewProxyHandler(fake, testLogger()), body, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Nil(t, fake.req)
}

type staticHealth []router.Health

func (s staticHealth) Snapshot() []router.Health { return s }

func TestProvidersHandler(t *testing.T) {
	tests := []struct {
		name       string
		health     staticHealth
		wantStatus int
		routable   int
	}{
		{
			name:       "some routable",
			health:     staticHealth{{ProviderID: "a", State: router.StateHealthy}, {ProviderID: "b", State: router.StateCooldown}},
			wantStatus: http.StatusOK,
			routable:   1,
		},
		{
			name:       "all cooling down",
			health:     staticHealth{{ProviderID: "a", State: router.StateCooldown}},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewProvidersHandler(tt.health).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/providers", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)

			var got providersResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.routable, got.Routable)
			assert.Len(t, got.Providers, len(tt.health))
		})
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(testLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
