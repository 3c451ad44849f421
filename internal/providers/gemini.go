package providers

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

// geminiUnsupportedSchemaFields are JSON schema keys the Gemini function
// declaration parser rejects.
var geminiUnsupportedSchemaFields = []string{"$schema", "additionalProperties", "$ref", "$defs", "definitions", "exclusiveMinimum", "exclusiveMaximum"}

type GeminiTransformer struct {
	stopReasons StopReasonTable
}

func NewGeminiTransformer() *GeminiTransformer {
	return &GeminiTransformer{
		stopReasons: StopReasonTable{
			"STOP":                      canonical.StopReasonEndTurn,
			"MAX_TOKENS":                canonical.StopReasonMaxTokens,
			"SAFETY":                    canonical.StopReasonStopSequence,
			"RECITATION":                canonical.StopReasonStopSequence,
			"LANGUAGE":                  canonical.StopReasonStopSequence,
			"OTHER":                     canonical.StopReasonEndTurn,
			"BLOCKLIST":                 canonical.StopReasonStopSequence,
			"PROHIBITED_CONTENT":        canonical.StopReasonStopSequence,
			"SPII":                      canonical.StopReasonStopSequence,
			"MALFORMED_FUNCTION_CALL":   canonical.StopReasonEndTurn,
			"FINISH_REASON_UNSPECIFIED": canonical.StopReasonEndTurn,
		},
	}
}

func (p *GeminiTransformer) Family() Family {
	return FamilyGemini
}

func (p *GeminiTransformer) AuthHeaders(apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}

	return map[string]string{"x-goog-api-key": apiKey}
}

// Gemini request structures
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []geminiSafetySetting   `json:"safetySettings,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiFunctionCallingConfig `json:"functionCallingConfig"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// Gemini response structures
type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates,omitempty"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *geminiUsageMetadata  `json:"usageMetadata,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
	ResponseID     string                `json:"responseId,omitempty"`
	Error          *geminiError          `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Index        int            `json:"index,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (p *GeminiTransformer) ToNative(req *canonical.Request) (*NativeRequest, error) {
	prepared, err := prepareRequest(FamilyGemini, req)
	if err != nil {
		return nil, err
	}

	native := geminiRequest{
		Contents:       p.transformMessages(prepared.Messages),
		SafetySettings: geminiSafetySettings(),
	}

	if prepared.System != "" {
		native.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: prepared.System}}}
	}

	if prepared.MaxTokens > 0 || prepared.Temperature != nil {
		native.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: prepared.MaxTokens,
			Temperature:     prepared.Temperature,
		}
	}

	if len(prepared.Tools) > 0 {
		native.Tools = []geminiTool{{FunctionDeclarations: p.transformTools(prepared.Tools)}}
		native.ToolConfig = p.transformToolChoice(prepared.ToolChoice)
	}

	body, err := marshalNative(FamilyGemini, native)
	if err != nil {
		return nil, err
	}

	path := "/" + url.PathEscape(prepared.Model) + ":generateContent"
	if prepared.Stream {
		path = "/" + url.PathEscape(prepared.Model) + ":streamGenerateContent?alt=sse"
	}

	return &NativeRequest{Family: FamilyGemini, Model: prepared.Model, Path: path, Body: body, Stream: prepared.Stream}, nil
}

func geminiSafetySettings() []geminiSafetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}

	settings := make([]geminiSafetySetting, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, geminiSafetySetting{Category: c, Threshold: "BLOCK_NONE"})
	}

	return settings
}

func (p *GeminiTransformer) transformTools(tools []canonical.ToolDefinition) []geminiFunctionDeclaration {
	out := make([]geminiFunctionDeclaration, 0, len(tools))

	for _, t := range tools {
		decl := geminiFunctionDeclaration{Name: t.Name, Description: t.Description}
		if len(t.Parameters) > 0 {
			decl.Parameters = RemoveFieldsRecursively(t.Parameters, geminiUnsupportedSchemaFields)
		}

		out = append(out, decl)
	}

	return out
}

func (p *GeminiTransformer) transformToolChoice(choice *canonical.ToolChoice) *geminiToolConfig {
	if choice == nil {
		return nil
	}

	cfg := geminiFunctionCallingConfig{Mode: "AUTO"}

	switch choice.Type {
	case canonical.ToolChoiceAny:
		cfg.Mode = "ANY"
	case canonical.ToolChoiceNone:
		cfg.Mode = "NONE"
	case canonical.ToolChoiceTool:
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{choice.Name}
	}

	return &geminiToolConfig{FunctionCallingConfig: cfg}
}

// transformMessages maps turns to Gemini contents. functionResponse parts are
// named after the function that produced the matching tool_use.
func (p *GeminiTransformer) transformMessages(messages []canonical.Message) []geminiContent {
	toolNames := make(map[string]string)
	contents := make([]geminiContent, 0, len(messages))

	for _, msg := range messages {
		role := "user"
		if msg.Role == canonical.RoleAssistant {
			role = "model"
		}

		var parts []geminiPart

		for _, b := range msg.Content {
			switch b.Type {
			case canonical.ContentTypeText:
				if b.Text != "" {
					parts = append(parts, geminiPart{Text: b.Text})
				}
			case canonical.ContentTypeToolUse:
				toolNames[b.ID] = b.Name
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: b.Name, Args: b.Input}})
			case canonical.ContentTypeToolResult:
				name := toolNames[b.ToolUseID]
				if name == "" {
					name = b.ToolUseID
				}

				response := map[string]any{"content": b.ResultText()}
				if b.IsError {
					response["error"] = true
				}

				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{Name: name, Response: response}})
			}
		}

		if len(parts) == 0 {
			parts = []geminiPart{{Text: ""}}
		}

		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}

	return contents
}

func (p *GeminiTransformer) ToCanonical(body []byte, originalModel, requestID string) (*canonical.Response, error) {
	var native geminiResponse
	if err := unmarshalNative(FamilyGemini, body, &native); err != nil {
		return nil, err
	}

	if native.Error != nil {
		return nil, geminiProviderError(native.Error)
	}

	if len(native.Candidates) == 0 {
		reason := "response has no candidates"
		if native.PromptFeedback != nil && native.PromptFeedback.BlockReason != "" {
			reason = fmt.Sprintf("prompt blocked: %s", native.PromptFeedback.BlockReason)
		}

		return nil, &canonical.TransformationError{Family: string(FamilyGemini), Field: "candidates", Reason: reason, Err: canonical.ErrEmptyResponse}
	}

	candidate := native.Candidates[0]

	resp := &canonical.Response{
		ID:         native.ResponseID,
		Model:      firstNonEmpty(originalModel, native.ModelVersion),
		Content:    []canonical.ContentBlock{},
		StopReason: p.stopReasons.Lookup(candidate.FinishReason),
	}

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				resp.Content = append(resp.Content, canonical.TextBlock(part.Text))
			}

			if part.FunctionCall != nil {
				// Gemini has no call ids; finalizeResponse derives stable ones.
				resp.Content = append(resp.Content, canonical.ToolUseBlock("", part.FunctionCall.Name, part.FunctionCall.Args))
			}
		}
	}

	if native.UsageMetadata != nil {
		resp.Usage = canonical.Usage{
			InputTokens:  native.UsageMetadata.PromptTokenCount,
			OutputTokens: native.UsageMetadata.CandidatesTokenCount,
		}
	}

	return finalizeResponse(resp, requestID), nil
}

func geminiProviderError(e *geminiError) *canonical.ProviderError {
	status := e.Code
	if status == 0 {
		status = geminiErrorStatus(e.Status)
	}

	return &canonical.ProviderError{
		Provider:   string(FamilyGemini),
		StatusCode: status,
		Message:    e.Message,
		Retryable:  status == 429 || status == 503,
	}
}

func geminiErrorStatus(status string) int {
	mapping := map[string]int{
		"INVALID_ARGUMENT":   400,
		"UNAUTHENTICATED":    401,
		"PERMISSION_DENIED":  403,
		"NOT_FOUND":          404,
		"RESOURCE_EXHAUSTED": 429,
		"INTERNAL":           500,
		"UNAVAILABLE":        503,
		"DEADLINE_EXCEEDED":  504,
	}

	return mapping[status]
}

func (p *GeminiTransformer) NewStreamTranslator(originalModel, requestID string) StreamTranslator {
	return &geminiStreamTranslator{
		transformer: p,
		model:       originalModel,
		requestID:   requestID,
		tracker:     newStreamBlockTracker(),
	}
}

type geminiStreamTranslator struct {
	transformer *GeminiTransformer
	model       string
	requestID   string
	tracker     streamBlockTracker
	usage       *canonical.Usage
}

func (s *geminiStreamTranslator) Translate(chunk []byte) ([]canonical.StreamEvent, error) {
	if len(chunk) == 0 {
		return nil, nil
	}

	var native geminiResponse
	if err := unmarshalNative(FamilyGemini, chunk, &native); err != nil {
		return nil, err
	}

	if native.Error != nil {
		return nil, geminiProviderError(native.Error)
	}

	if native.UsageMetadata != nil {
		s.usage = &canonical.Usage{
			InputTokens:  native.UsageMetadata.PromptTokenCount,
			OutputTokens: native.UsageMetadata.CandidatesTokenCount,
		}
	}

	if len(native.Candidates) == 0 {
		return nil, nil
	}

	var events []canonical.StreamEvent

	if !s.tracker.messageStartSent {
		id := native.ResponseID
		if id == "" {
			id = canonical.MessageIDFor(s.requestID)
		}

		usage := canonical.Usage{}
		if s.usage != nil {
			usage.InputTokens = s.usage.InputTokens
		}

		events = append(events, canonical.MessageStartEvent(newStreamMessage(id, firstNonEmpty(s.model, native.ModelVersion), usage)))
		s.tracker.messageStartSent = true
	}

	candidate := native.Candidates[0]

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				events = append(events, s.tracker.text(part.Text)...)
			}

			if part.FunctionCall != nil {
				events = append(events, s.functionCall(part.FunctionCall)...)
			}
		}
	}

	if candidate.FinishReason != "" {
		events = append(events, s.tracker.finish(s.transformer.stopReasons.Lookup(candidate.FinishReason), s.usage)...)
	}

	return events, nil
}

// functionCall emits a complete tool_use block; Gemini sends call arguments whole.
func (s *geminiStreamTranslator) functionCall(call *geminiFunctionCall) []canonical.StreamEvent {
	id := canonical.SynthesizeToolUseID(s.requestID, s.tracker.nextIndex)
	events := s.tracker.open(canonical.ToolUseBlock(id, call.Name, nil))
	index := s.tracker.openIndex

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	if data, err := json.Marshal(args); err == nil {
		events = append(events, canonical.InputJSONDeltaEvent(index, string(data)))
	}

	return append(events, s.tracker.close()...)
}

func (s *geminiStreamTranslator) Finish() []canonical.StreamEvent {
	if !s.tracker.messageStartSent {
		return nil
	}

	return s.tracker.finish(canonical.StopReasonEndTurn, s.usage)
}
