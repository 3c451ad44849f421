package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

// OpenAITransformer maps the canonical format to OpenAI chat completions and
// back. OpenAI-compatible endpoints (OpenRouter, Nvidia NIM, LM Studio, ...)
// share this family.
type OpenAITransformer struct {
	stopReasons StopReasonTable
}

func NewOpenAITransformer() *OpenAITransformer {
	return &OpenAITransformer{
		stopReasons: StopReasonTable{
			"stop":           canonical.StopReasonEndTurn,
			"length":         canonical.StopReasonMaxTokens,
			"tool_calls":     canonical.StopReasonToolUse,
			"function_call":  canonical.StopReasonToolUse,
			"content_filter": canonical.StopReasonStopSequence,
			"null":           canonical.StopReasonEndTurn,
			"":               canonical.StopReasonEndTurn,
		},
	}
}

func (p *OpenAITransformer) Family() Family {
	return FamilyOpenAI
}

func (p *OpenAITransformer) AuthHeaders(apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}

	return map[string]string{"Authorization": "Bearer " + apiKey}
}

// OpenAI request structures
type openAIRequest struct {
	Model               string               `json:"model"`
	Messages            []openAIMessage      `json:"messages"`
	Tools               []openAITool         `json:"tools,omitempty"`
	ToolChoice          any                  `json:"tool_choice,omitempty"`
	MaxCompletionTokens int                  `json:"max_completion_tokens,omitempty"`
	Temperature         *float64             `json:"temperature,omitempty"`
	Stream              bool                 `json:"stream,omitempty"`
	StreamOptions       *openAIStreamOptions `json:"stream_options,omitempty"`
	User                string               `json:"user,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role         string              `json:"role,omitempty"`
	Content      *string             `json:"content"`
	ToolCalls    []openAIToolCall    `json:"tool_calls,omitempty"`
	ToolCallID   string              `json:"tool_call_id,omitempty"`
	FunctionCall *openAIFunctionCall `json:"function_call,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIFunctionSpec `json:"function"`
}

type openAIFunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// OpenAI response structures
type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Index        int            `json:"index"`
	Message      *openAIMessage `json:"message,omitempty"`
	Delta        *openAIMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

func (p *OpenAITransformer) ToNative(req *canonical.Request) (*NativeRequest, error) {
	prepared, err := prepareRequest(FamilyOpenAI, req)
	if err != nil {
		return nil, err
	}

	native := openAIRequest{
		Model:               prepared.Model,
		Messages:            p.transformMessages(prepared),
		MaxCompletionTokens: prepared.MaxTokens,
		Temperature:         prepared.Temperature,
		Stream:              prepared.Stream,
		User:                prepared.Metadata.UserID,
	}

	if prepared.Stream {
		native.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	if len(prepared.Tools) > 0 {
		native.Tools = p.transformTools(prepared.Tools)
		native.ToolChoice = p.transformToolChoice(prepared.ToolChoice)
	}

	body, err := marshalNative(FamilyOpenAI, native)
	if err != nil {
		return nil, err
	}

	return &NativeRequest{Family: FamilyOpenAI, Model: prepared.Model, Body: body, Stream: prepared.Stream}, nil
}

func (p *OpenAITransformer) transformTools(tools []canonical.ToolDefinition) []openAITool {
	out := make([]openAITool, 0, len(tools))

	for _, t := range tools {
		out = append(out, openAITool{
			Type: "function",
			Function: openAIFunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return out
}

func (p *OpenAITransformer) transformToolChoice(choice *canonical.ToolChoice) any {
	if choice == nil {
		return nil
	}

	switch choice.Type {
	case canonical.ToolChoiceAny:
		return "required"
	case canonical.ToolChoiceNone:
		return "none"
	case canonical.ToolChoiceTool:
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice.Name},
		}
	default:
		return "auto"
	}
}

// transformMessages flattens canonical turns into OpenAI chat messages.
// tool_result blocks become role=tool messages ahead of the user's text.
func (p *OpenAITransformer) transformMessages(req *canonical.Request) []openAIMessage {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: strPtr(req.System)})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case canonical.RoleUser:
			messages = append(messages, p.transformUserMessage(msg)...)
		case canonical.RoleAssistant:
			messages = append(messages, p.transformAssistantMessage(msg))
		}
	}

	return messages
}

func (p *OpenAITransformer) transformUserMessage(msg canonical.Message) []openAIMessage {
	var (
		out  []openAIMessage
		text []string
	)

	for _, b := range msg.Content {
		switch b.Type {
		case canonical.ContentTypeToolResult:
			content := b.ResultText()
			if b.IsError {
				content = "Error: " + content
			}

			out = append(out, openAIMessage{
				Role:       "tool",
				ToolCallID: toNativeToolCallID(b.ToolUseID),
				Content:    strPtr(content),
			})
		case canonical.ContentTypeText:
			text = append(text, b.Text)
		}
	}

	if len(text) > 0 || len(out) == 0 {
		out = append(out, openAIMessage{Role: "user", Content: strPtr(strings.Join(text, "\n"))})
	}

	return out
}

func (p *OpenAITransformer) transformAssistantMessage(msg canonical.Message) openAIMessage {
	var (
		text      strings.Builder
		toolCalls []openAIToolCall
	)

	for _, b := range msg.Content {
		switch b.Type {
		case canonical.ContentTypeText:
			text.WriteString(b.Text)
		case canonical.ContentTypeToolUse:
			arguments := "{}"
			if b.Input != nil {
				if data, err := json.Marshal(b.Input); err == nil {
					arguments = string(data)
				}
			}

			toolCalls = append(toolCalls, openAIToolCall{
				ID:   toNativeToolCallID(b.ID),
				Type: "function",
				Function: openAIFunctionCall{
					Name:      b.Name,
					Arguments: arguments,
				},
			})
		}
	}

	return openAIMessage{Role: "assistant", Content: strPtr(text.String()), ToolCalls: toolCalls}
}

func (p *OpenAITransformer) ToCanonical(body []byte, originalModel, requestID string) (*canonical.Response, error) {
	var native openAIResponse
	if err := unmarshalNative(FamilyOpenAI, body, &native); err != nil {
		return nil, err
	}

	if native.Error != nil {
		return nil, &canonical.ProviderError{
			Provider:   string(FamilyOpenAI),
			StatusCode: openAIErrorStatus(native.Error),
			Message:    native.Error.Message,
			Retryable:  native.Error.Type == "rate_limit_error" || native.Error.Type == "server_error",
		}
	}

	if len(native.Choices) == 0 {
		return nil, &canonical.TransformationError{Family: string(FamilyOpenAI), Field: "choices", Reason: "response has no choices", Err: canonical.ErrEmptyResponse}
	}

	choice := native.Choices[0]

	message := choice.Message
	if message == nil {
		message = choice.Delta
	}

	if message == nil {
		return nil, &canonical.TransformationError{Family: string(FamilyOpenAI), Field: "choices[0].message", Reason: "choice carries no message", Err: canonical.ErrEmptyResponse}
	}

	content, err := p.convertMessageContent(message)
	if err != nil {
		return nil, err
	}

	resp := &canonical.Response{
		ID:      native.ID,
		Model:   firstNonEmpty(originalModel, native.Model),
		Content: content,
	}

	if choice.FinishReason != nil {
		resp.StopReason = p.stopReasons.Lookup(*choice.FinishReason)
	}

	if native.Usage != nil {
		resp.Usage = canonical.Usage{
			InputTokens:  native.Usage.PromptTokens,
			OutputTokens: native.Usage.CompletionTokens,
		}
	}

	return finalizeResponse(resp, requestID), nil
}

func (p *OpenAITransformer) convertMessageContent(message *openAIMessage) ([]canonical.ContentBlock, error) {
	content := []canonical.ContentBlock{}

	if message.Content != nil && *message.Content != "" {
		content = append(content, canonical.TextBlock(*message.Content))
	}

	for i, call := range message.ToolCalls {
		input, err := ParseToolArguments(call.Function.Arguments)
		if err != nil {
			return nil, &canonical.TransformationError{
				Family: string(FamilyOpenAI),
				Field:  fmt.Sprintf("choices[0].message.tool_calls[%d].function.arguments", i),
				Reason: "invalid tool call arguments",
				Err:    err,
			}
		}

		content = append(content, canonical.ToolUseBlock(toCanonicalToolID(call.ID), call.Function.Name, input))
	}

	if legacy := message.FunctionCall; legacy != nil && legacy.Name != "" {
		input, err := ParseToolArguments(legacy.Arguments)
		if err != nil {
			return nil, &canonical.TransformationError{Family: string(FamilyOpenAI), Field: "choices[0].function_call.arguments", Reason: "invalid function call arguments", Err: err}
		}

		content = append(content, canonical.ToolUseBlock("", legacy.Name, input))
	}

	return content, nil
}

func openAIErrorStatus(e *openAIError) int {
	switch e.Type {
	case "invalid_request_error":
		return 400
	case "authentication_error":
		return 401
	case "permission_error":
		return 403
	case "not_found_error":
		return 404
	case "rate_limit_error", "insufficient_quota":
		return 429
	case "server_error":
		return 500
	}

	return 0
}

func (p *OpenAITransformer) NewStreamTranslator(originalModel, requestID string) StreamTranslator {
	return &openAIStreamTranslator{
		transformer: p,
		model:       originalModel,
		requestID:   requestID,
		tracker:     newStreamBlockTracker(),
		toolBlocks:  make(map[int]int),
		lastTool:    -1,
	}
}

// openAIStreamTranslator tracks the Anthropic block layout of one OpenAI stream.
type openAIStreamTranslator struct {
	transformer *OpenAITransformer
	model       string
	requestID   string
	tracker     streamBlockTracker
	toolBlocks  map[int]int // native tool call index -> canonical block index
	lastTool    int         // native index of the latest tool call, -1 before any
	pending     *canonical.StopReason
	usage       *canonical.Usage
}

func (s *openAIStreamTranslator) Translate(chunk []byte) ([]canonical.StreamEvent, error) {
	data := strings.TrimSpace(string(chunk))
	if data == "" {
		return nil, nil
	}

	if data == "[DONE]" {
		return s.Finish(), nil
	}

	var native openAIResponse
	if err := unmarshalNative(FamilyOpenAI, []byte(data), &native); err != nil {
		return nil, err
	}

	if native.Error != nil {
		return nil, &canonical.ProviderError{Provider: string(FamilyOpenAI), StatusCode: openAIErrorStatus(native.Error), Message: native.Error.Message}
	}

	var events []canonical.StreamEvent

	if native.Usage != nil {
		s.usage = &canonical.Usage{InputTokens: native.Usage.PromptTokens, OutputTokens: native.Usage.CompletionTokens}
	}

	if len(native.Choices) == 0 {
		if s.pending != nil && s.usage != nil {
			return s.tracker.finish(*s.pending, s.usage), nil
		}

		return nil, nil
	}

	if !s.tracker.messageStartSent {
		id := native.ID
		if id == "" {
			id = canonical.MessageIDFor(s.requestID)
		}

		usage := canonical.Usage{}
		if s.usage != nil {
			usage.InputTokens = s.usage.InputTokens
		}

		events = append(events, canonical.MessageStartEvent(newStreamMessage(id, firstNonEmpty(s.model, native.Model), usage)))
		s.tracker.messageStartSent = true
	}

	choice := native.Choices[0]

	if delta := choice.Delta; delta != nil {
		if delta.Content != nil && *delta.Content != "" {
			events = append(events, s.tracker.text(*delta.Content)...)
		}

		for _, call := range delta.ToolCalls {
			events = append(events, s.toolCall(call)...)
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		reason := s.transformer.stopReasons.Lookup(*choice.FinishReason)
		s.pending = &reason
		events = append(events, s.tracker.close()...)

		if s.usage != nil {
			events = append(events, s.tracker.finish(reason, s.usage)...)
		}
	}

	return events, nil
}

func (s *openAIStreamTranslator) toolCall(call openAIToolCall) []canonical.StreamEvent {
	// Some upstreams omit index; a nameless fragment then continues the
	// latest call.
	nativeIndex := s.lastTool
	switch {
	case call.Index != nil:
		nativeIndex = *call.Index
	case call.Function.Name != "" || s.lastTool < 0:
		nativeIndex = len(s.toolBlocks)
	}

	var events []canonical.StreamEvent

	blockIndex, known := s.toolBlocks[nativeIndex]
	if !known {
		if call.Function.Name == "" {
			return nil
		}

		id := toCanonicalToolID(call.ID)
		if id == "" {
			id = canonical.SynthesizeToolUseID(s.requestID, s.tracker.nextIndex)
		}

		blockIndex = s.tracker.nextIndex
		s.toolBlocks[nativeIndex] = blockIndex
		events = append(events, s.tracker.open(canonical.ToolUseBlock(id, call.Function.Name, nil))...)
	}

	s.lastTool = nativeIndex

	if call.Function.Arguments != "" {
		events = append(events, canonical.InputJSONDeltaEvent(blockIndex, call.Function.Arguments))
	}

	return events
}

func (s *openAIStreamTranslator) Finish() []canonical.StreamEvent {
	if !s.tracker.messageStartSent || s.tracker.messageStopSent {
		return nil
	}

	reason := canonical.StopReasonEndTurn
	if s.pending != nil {
		reason = *s.pending
	}

	return s.tracker.finish(reason, s.usage)
}

func strPtr(s string) *string {
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
