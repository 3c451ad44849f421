package providers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

const AnthropicVersion = "2023-06-01"

// AnthropicTransformer passes the canonical format through. It still applies
// tool sequence repair and the content-driven stop reason.
type AnthropicTransformer struct{}

func NewAnthropicTransformer() *AnthropicTransformer {
	return &AnthropicTransformer{}
}

func (p *AnthropicTransformer) Family() Family {
	return FamilyAnthropic
}

func (p *AnthropicTransformer) AuthHeaders(apiKey string) map[string]string {
	headers := map[string]string{"anthropic-version": AnthropicVersion}
	if apiKey != "" {
		headers["x-api-key"] = apiKey
	}

	return headers
}

type anthropicRequest struct {
	Model       string                     `json:"model"`
	Messages    []canonical.Message        `json:"messages"`
	System      string                     `json:"system,omitempty"`
	Tools       []canonical.ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *canonical.ToolChoice      `json:"tool_choice,omitempty"`
	MaxTokens   int                        `json:"max_tokens"`
	Temperature *float64                   `json:"temperature,omitempty"`
	Stream      bool                       `json:"stream,omitempty"`
	Metadata    *anthropicMetadata         `json:"metadata,omitempty"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicTransformer) ToNative(req *canonical.Request) (*NativeRequest, error) {
	prepared, err := prepareRequest(FamilyAnthropic, req)
	if err != nil {
		return nil, err
	}

	native := anthropicRequest{
		Model:       prepared.Model,
		Messages:    prepared.Messages,
		System:      prepared.System,
		Tools:       prepared.Tools,
		ToolChoice:  prepared.ToolChoice,
		MaxTokens:   prepared.MaxTokens,
		Temperature: prepared.Temperature,
		Stream:      prepared.Stream,
	}

	if prepared.Metadata.UserID != "" {
		native.Metadata = &anthropicMetadata{UserID: prepared.Metadata.UserID}
	}

	body, err := marshalNative(FamilyAnthropic, native)
	if err != nil {
		return nil, err
	}

	return &NativeRequest{Family: FamilyAnthropic, Model: prepared.Model, Body: body, Stream: prepared.Stream}, nil
}

func (p *AnthropicTransformer) ToCanonical(body []byte, originalModel, requestID string) (*canonical.Response, error) {
	if perr := anthropicProviderError(body); perr != nil {
		return nil, perr
	}

	var resp canonical.Response
	if err := unmarshalNative(FamilyAnthropic, body, &resp); err != nil {
		return nil, err
	}

	if resp.Type != canonical.MessageType || resp.Content == nil {
		return nil, &canonical.TransformationError{Family: string(FamilyAnthropic), Field: "content", Reason: "response carries no message content", Err: canonical.ErrEmptyResponse}
	}

	resp.Model = firstNonEmpty(originalModel, resp.Model)

	return finalizeResponse(&resp, requestID), nil
}

func anthropicProviderError(body []byte) *canonical.ProviderError {
	var envelope anthropicError
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Type != "error" {
		return nil
	}

	status := anthropicErrorStatus(envelope.Error.Type)

	return &canonical.ProviderError{
		Provider:   string(FamilyAnthropic),
		StatusCode: status,
		Message:    envelope.Error.Message,
		Retryable:  status == http.StatusTooManyRequests || status == canonical.StatusOverloaded,
	}
}

func anthropicErrorStatus(errType string) int {
	switch errType {
	case "invalid_request_error":
		return 400
	case "authentication_error":
		return 401
	case "permission_error":
		return 403
	case "not_found_error":
		return 404
	case "rate_limit_error":
		return 429
	case "overloaded_error":
		return canonical.StatusOverloaded
	case "api_error":
		return 500
	}

	return 0
}

func (p *AnthropicTransformer) NewStreamTranslator(originalModel, _ string) StreamTranslator {
	return &anthropicStreamTranslator{model: originalModel}
}

// anthropicStreamTranslator forwards native events, rewriting the model and
// the final stop reason.
type anthropicStreamTranslator struct {
	model      string
	started    bool
	stopped    bool
	openBlocks map[int]bool
	sawToolUse bool
}

func (s *anthropicStreamTranslator) Translate(chunk []byte) ([]canonical.StreamEvent, error) {
	data := strings.TrimSpace(string(chunk))
	if data == "" {
		return nil, nil
	}

	if perr := anthropicProviderError([]byte(data)); perr != nil {
		return nil, perr
	}

	var event canonical.StreamEvent
	if err := unmarshalNative(FamilyAnthropic, []byte(data), &event); err != nil {
		return nil, err
	}

	if s.openBlocks == nil {
		s.openBlocks = make(map[int]bool)
	}

	switch event.Type {
	case canonical.EventPing:
		return nil, nil
	case canonical.EventMessageStart:
		s.started = true

		if event.Message != nil {
			event.Message.Model = firstNonEmpty(s.model, event.Message.Model)
			if event.Message.Content == nil {
				event.Message.Content = []canonical.ContentBlock{}
			}
		}
	case canonical.EventContentBlockStart:
		if event.ContentBlock != nil && event.ContentBlock.Type == canonical.ContentTypeToolUse {
			s.sawToolUse = true
		}

		if event.Index != nil {
			s.openBlocks[*event.Index] = true
		}
	case canonical.EventContentBlockStop:
		if event.Index != nil {
			delete(s.openBlocks, *event.Index)
		}
	case canonical.EventMessageDelta:
		if event.Delta != nil {
			if s.sawToolUse {
				event.Delta.StopReason = canonical.StopReasonToolUse
			} else if event.Delta.StopReason == canonical.StopReasonToolUse || event.Delta.StopReason == "" {
				event.Delta.StopReason = canonical.StopReasonEndTurn
			}
		}
	case canonical.EventMessageStop:
		s.stopped = true
	}

	return []canonical.StreamEvent{event}, nil
}

func (s *anthropicStreamTranslator) Finish() []canonical.StreamEvent {
	if !s.started || s.stopped {
		return nil
	}

	open := make([]int, 0, len(s.openBlocks))
	for index := range s.openBlocks {
		open = append(open, index)
	}

	sort.Ints(open)

	events := make([]canonical.StreamEvent, 0, len(open)+2)
	for _, index := range open {
		events = append(events, canonical.BlockStopEvent(index))
	}

	reason := canonical.StopReasonEndTurn
	if s.sawToolUse {
		reason = canonical.StopReasonToolUse
	}

	s.stopped = true

	return append(events, canonical.MessageDeltaEvent(reason, nil, nil), canonical.MessageStopEvent())
}
