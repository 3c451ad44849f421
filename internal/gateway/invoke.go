package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/client"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/providers"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/streaming"
)

// serve runs one routed provider: a native stream when the client wants a
// stream and the provider has one, otherwise a complete call whose response
// is simulated as a stream on demand.
func (g *Gateway) serve(ctx context.Context, providerID string, req *canonical.Request, requestID string) (*Result, error) {
	transformer, desc, err := g.registry.TransformerFor(providerID)
	if err != nil {
		return nil, &canonical.RoutingError{Reason: "routed provider vanished", Err: err}
	}

	streamer, native := g.registry.Streamer(providerID)
	passThrough := req.Stream && native

	upstream := req.Clone()
	upstream.Stream = passThrough

	if desc.Model != "" {
		upstream.Model = desc.Model
	}

	nativeReq, err := transformer.ToNative(upstream)
	if err != nil {
		return nil, err
	}

	started := time.Now()

	if passThrough {
		return g.serveStream(ctx, desc, streamer, nativeReq, req, requestID, started)
	}

	resp, err := g.call(ctx, desc, requestID, func() (*canonical.Response, error) {
		body, err := g.client.Invoke(ctx, desc, nativeReq)
		if err != nil {
			return nil, err
		}

		return transformer.ToCanonical(body, req.Model, requestID)
	})
	if err != nil {
		g.completed(providerID, ModeJSON, false, started)
		return nil, err
	}

	g.estimateUsage(req, resp)
	g.engine.RecordResult(providerID, true, "", 200)

	if g.recorder != nil {
		g.recorder.TokensUsed(providerID, resp.Usage)
	}

	g.logger.Info("Successful response",
		"request_id", requestID,
		"provider", providerID,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)

	if req.Stream {
		g.completed(providerID, ModeSimulated, true, started)

		return &Result{ProviderID: providerID, Stream: streaming.Simulate(resp, g.pacing), Simulated: true}, nil
	}

	g.completed(providerID, ModeJSON, true, started)

	return &Result{ProviderID: providerID, Response: resp}, nil
}

func (g *Gateway) serveStream(
	ctx context.Context,
	desc providers.Descriptor,
	streamer providers.StreamChunkTransformer,
	nativeReq *providers.NativeRequest,
	req *canonical.Request,
	requestID string,
	started time.Time,
) (*Result, error) {
	var chunks client.ChunkStream

	_, err := g.call(ctx, desc, requestID, func() (*canonical.Response, error) {
		var err error
		chunks, err = g.client.InvokeStreaming(ctx, desc, nativeReq)

		return nil, err
	})
	if err != nil {
		g.completed(desc.ID, ModeStream, false, started)
		return nil, err
	}

	stream := &passthroughStream{
		chunks:     chunks,
		translator: streamer.NewStreamTranslator(req.Model, requestID),
		done: func(success bool, err error) {
			if success {
				g.engine.RecordResult(desc.ID, true, "", 200)
			} else {
				g.engine.RecordResult(desc.ID, false, err.Error(), canonical.StatusCode(err))
			}

			g.completed(desc.ID, ModeStream, success, started)
		},
		logger:    g.logger,
		requestID: requestID,
	}

	return &Result{ProviderID: desc.ID, Stream: stream}, nil
}

// call runs attempt with retries on transient failures. Only the final
// outcome of a failing provider is reported to the router.
func (g *Gateway) call(ctx context.Context, desc providers.Descriptor, requestID string, attempt func() (*canonical.Response, error)) (*canonical.Response, error) {
	for n := 1; ; n++ {
		resp, err := attempt()
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, err
		}

		if n < g.retry.MaxAttempts && g.transient(err) {
			delay := g.retry.Backoff(n)

			g.logger.Warn("Transient provider failure, retrying",
				"request_id", requestID,
				"provider", desc.ID,
				"attempt", n,
				"delay", delay,
				"error", err)

			if g.recorder != nil {
				g.recorder.RetryAttempted(desc.ID)
			}

			if serr := g.sleep(ctx, delay); serr != nil {
				return nil, err
			}

			continue
		}

		g.engine.RecordResult(desc.ID, false, err.Error(), canonical.StatusCode(err))

		return nil, err
	}
}

func (g *Gateway) transient(err error) bool {
	if canonical.IsTransformation(err) {
		return false
	}

	if canonical.IsRetryable(err) {
		return true
	}

	var providerErr *canonical.ProviderError
	if errors.As(err, &providerErr) {
		return g.classifier.Transient(providerErr.StatusCode, providerErr.Message)
	}

	return false
}
