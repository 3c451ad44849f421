// Package client sends native requests to provider endpoints.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/providers"
)

const (
	DefaultTimeout           = 60 * time.Second
	DefaultMaxErrorBodyBytes = 64 << 10
)

// ChunkStream yields the data payloads of a streaming response. Next returns
// io.EOF once the stream has ended.
type ChunkStream interface {
	Next() ([]byte, error)
	Close() error
}

// ProviderClient is the raw network call to a provider.
type ProviderClient interface {
	Invoke(ctx context.Context, desc providers.Descriptor, req *providers.NativeRequest) ([]byte, error)
	InvokeStreaming(ctx context.Context, desc providers.Descriptor, req *providers.NativeRequest) (ChunkStream, error)
}

type Option func(*HTTPClient)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPClient) { c.logger = logger }
}

func WithClassifier(classifier Classifier) Option {
	return func(c *HTTPClient) { c.classifier = classifier }
}

func WithUserAgent(ua string) Option {
	return func(c *HTTPClient) { c.userAgent = ua }
}

// HTTPClient is the ProviderClient over net/http.
type HTTPClient struct {
	httpClient *http.Client
	registry   *providers.Registry
	classifier Classifier
	logger     *slog.Logger
	userAgent  string
	maxErrBody int64
}

func NewHTTPClient(registry *providers.Registry, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		httpClient: &http.Client{},
		registry:   registry,
		classifier: DefaultClassifier(),
		logger:     slog.Default(),
		maxErrBody: DefaultMaxErrorBodyBytes,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Invoke sends req and returns the decompressed response body. The call is
// bounded by the provider timeout.
func (c *HTTPClient) Invoke(ctx context.Context, desc providers.Descriptor, req *providers.NativeRequest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutFor(desc))
	defer cancel()

	resp, err := c.do(ctx, desc, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp, 0)
	if err != nil {
		return nil, &canonical.ProviderError{
			Provider:   desc.ID,
			StatusCode: resp.StatusCode,
			Message:    "failed to read upstream response",
			Retryable:  true,
			Err:        err,
		}
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, c.statusError(desc.ID, resp.StatusCode, body)
	}

	c.logger.Debug("Upstream response",
		"provider", desc.ID,
		"status", resp.StatusCode,
		"bytes", len(body))

	return body, nil
}

// InvokeStreaming sends req and returns its SSE data payloads. The provider
// timeout bounds the wait for response headers only.
func (c *HTTPClient) InvokeStreaming(ctx context.Context, desc providers.Descriptor, req *providers.NativeRequest) (ChunkStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(timeoutFor(desc), cancel)

	resp, err := c.do(ctx, desc, req, true)
	timer.Stop()

	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		defer cancel()
		defer resp.Body.Close()

		body, _ := readBody(resp, c.maxErrBody)

		return nil, c.statusError(desc.ID, resp.StatusCode, body)
	}

	reader, err := decompressReader(resp)
	if err != nil {
		resp.Body.Close()
		cancel()

		return nil, &canonical.ProviderError{Provider: desc.ID, StatusCode: resp.StatusCode, Message: "decompression error", Err: err}
	}

	return newSSEStream(reader, resp.Body, cancel), nil
}

func (c *HTTPClient) do(ctx context.Context, desc providers.Descriptor, req *providers.NativeRequest, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(desc, req), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, br")

	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	if t, ok := c.registry.Transformer(desc.Family); ok && desc.APIKey != "" {
		for k, v := range t.AuthHeaders(desc.APIKey) {
			httpReq.Header.Set(k, v)
		}
	}

	for k, v := range desc.Headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug("Proxying request",
		"provider", desc.ID,
		"family", desc.Family,
		"model", req.Model,
		"url", httpReq.URL.Redacted(),
		"stream", stream)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &canonical.ProviderError{
			Provider:  desc.ID,
			Message:   "upstream request failed",
			Retryable: ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:       err,
		}
	}

	return resp, nil
}

func (c *HTTPClient) statusError(providerID string, status int, body []byte) error {
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	return &canonical.ProviderError{
		Provider:   providerID,
		StatusCode: status,
		Message:    msg,
		Retryable:  c.classifier.Transient(status, msg),
	}
}

// errorMessage extracts a readable message from an upstream error body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}

	if err := json.Unmarshal(body, &envelope); err == nil {
		var detail struct {
			Message string `json:"message"`
		}

		switch {
		case len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "":
			return detail.Message
		case len(envelope.Error) > 0:
			var s string
			if json.Unmarshal(envelope.Error, &s) == nil && s != "" {
				return s
			}
		case envelope.Message != "":
			return envelope.Message
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512] + "..."
	}

	return text
}

func endpointURL(desc providers.Descriptor, req *providers.NativeRequest) string {
	if req.Path == "" {
		return desc.Endpoint
	}

	return strings.TrimRight(desc.Endpoint, "/") + req.Path
}

func timeoutFor(desc providers.Descriptor) time.Duration {
	if desc.Timeout > 0 {
		return desc.Timeout
	}

	return DefaultTimeout
}

func decompressReader(resp *http.Response) (io.Reader, error) {
	var bodyReader io.Reader = resp.Body

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}

		bodyReader = gzipReader
	case "br":
		bodyReader = brotli.NewReader(resp.Body)
	}

	return bodyReader, nil
}

// readBody reads the decompressed body, up to limit bytes when limit > 0.
func readBody(resp *http.Response, limit int64) ([]byte, error) {
	reader, err := decompressReader(resp)
	if err != nil {
		return nil, err
	}

	if closer, ok := reader.(io.Closer); ok {
		defer closer.Close()
	}

	if limit > 0 {
		reader = io.LimitReader(reader, limit)
	}

	return io.ReadAll(reader)
}
