// Package gateway serves canonical requests through the routed provider:
// route, transform, invoke with retries, transform back, and stream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/client"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/providers"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/router"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/streaming"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/tokens"
)

// Response modes reported to the Recorder.
const (
	ModeJSON      = "json"
	ModeStream    = "stream"
	ModeSimulated = "simulated"
)

// SessionStore supplies the tools and system prompt of earlier turns of a
// session, for clients that send them only once.
type SessionStore interface {
	PriorToolsAndSystem(ctx context.Context, sessionID string) ([]canonical.ToolDefinition, string, error)
}

// EventStream is a pull-based stream of client-facing events.
type EventStream interface {
	Next(ctx context.Context) (canonical.StreamEvent, bool)
	Close() error
}

// Result is either a complete response or an event stream.
type Result struct {
	ProviderID string
	Response   *canonical.Response
	Stream     EventStream
	Simulated  bool
}

// Recorder observes request outcomes.
type Recorder interface {
	RequestCompleted(providerID, mode string, success bool, elapsed time.Duration)
	RetryAttempted(providerID string)
	TokensUsed(providerID string, usage canonical.Usage)
}

type Options struct {
	Retry      RetryPolicy
	Pacing     streaming.Pacing
	Classifier client.Classifier
	Counter    tokens.Counter
	Sessions   SessionStore
	Recorder   Recorder
	Logger     *slog.Logger
}

type Gateway struct {
	registry *providers.Registry
	engine   *router.Engine
	client   client.ProviderClient

	retry      RetryPolicy
	pacing     streaming.Pacing
	classifier client.Classifier
	counter    tokens.Counter
	sessions   SessionStore
	recorder   Recorder
	logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(registry *providers.Registry, engine *router.Engine, pc client.ProviderClient, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	classifier := opts.Classifier
	if classifier.Statuses == nil {
		classifier = client.DefaultClassifier()
	}

	counter := opts.Counter
	if counter == nil {
		counter = tokens.EstimateCounter{}
	}

	return &Gateway{
		registry:   registry,
		engine:     engine,
		client:     pc,
		retry:      opts.Retry.withDefaults(),
		pacing:     opts.Pacing,
		classifier: classifier,
		counter:    counter,
		sessions:   opts.Sessions,
		recorder:   opts.Recorder,
		logger:     logger,
		sleep:      sleep,
	}
}

// HandleRequest serves req. A failing provider is excluded and the request
// re-routed, at most once per registered provider. Transformation errors are
// returned at once.
func (g *Gateway) HandleRequest(ctx context.Context, req *canonical.Request, requestID string) (*Result, error) {
	if req == nil {
		return nil, &canonical.TransformationError{Reason: "request is nil"}
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	req = g.withSession(ctx, req, requestID)

	exclude := make(map[string]bool)

	var lastErr error

	for range max(g.registry.Len(), 1) {
		providerID, err := g.engine.RouteExcluding(req, requestID, exclude)
		if err != nil {
			if errors.Is(err, canonical.ErrNoCandidates) && lastErr != nil {
				break
			}

			return nil, err
		}

		result, err := g.serve(ctx, providerID, req, requestID)
		if err == nil {
			return result, nil
		}

		if canonical.IsTransformation(err) || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		exclude[providerID] = true

		g.logger.Warn("Provider failed, re-routing",
			"request_id", requestID,
			"provider", providerID,
			"error", err)
	}

	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// withSession fills tools and system from the session when the request
// carries neither.
func (g *Gateway) withSession(ctx context.Context, req *canonical.Request, requestID string) *canonical.Request {
	sessionID := req.Metadata.SessionID
	if g.sessions == nil || sessionID == "" || (len(req.Tools) > 0 && req.System != "") {
		return req
	}

	tools, system, err := g.sessions.PriorToolsAndSystem(ctx, sessionID)
	if err != nil {
		g.logger.Warn("Failed to load session context",
			"request_id", requestID,
			"session_id", sessionID,
			"error", err)

		return req
	}

	out := req.Clone()

	if len(out.Tools) == 0 && len(tools) > 0 {
		out.Tools = append([]canonical.ToolDefinition(nil), tools...)
	}

	if out.System == "" {
		out.System = system
	}

	return out
}

// estimateUsage fills token counts the provider did not report.
func (g *Gateway) estimateUsage(req *canonical.Request, resp *canonical.Response) {
	if resp.Usage.InputTokens == 0 {
		resp.Usage.InputTokens = tokens.CountRequest(g.counter, req)
	}

	if resp.Usage.OutputTokens == 0 {
		resp.Usage.OutputTokens = tokens.CountResponse(g.counter, resp)
	}
}

func (g *Gateway) completed(providerID, mode string, success bool, started time.Time) {
	if g.recorder != nil {
		g.recorder.RequestCompleted(providerID, mode, success, time.Since(started))
	}
}
