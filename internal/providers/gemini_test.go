package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

func TestGeminiTransformer_ToNative(t *testing.T) {
	transformer := NewGeminiTransformer()

	tool := weatherTool()
	tool.Parameters["$schema"] = "http://json-schema.org/draft-07/schema#"
	tool.Parameters["additionalProperties"] = false

	req := &canonical.Request{
		Model:     "gemini-2.0-flash",
		System:    "be brief",
		MaxTokens: 256,
		Stream:    true,
		Messages: []canonical.Message{
			userText("weather?"),
			{Role: canonical.RoleAssistant, Content: []canonical.ContentBlock{
				canonical.ToolUseBlock("toolu_1", "get_weather", map[string]any{"location": "Paris"}),
			}},
			{Role: canonical.RoleUser, Content: []canonical.ContentBlock{canonical.ToolResultBlock("toolu_1", "sunny")}},
		},
		Tools:      []canonical.ToolDefinition{tool},
		ToolChoice: &canonical.ToolChoice{Type: canonical.ToolChoiceTool, Name: "get_weather"},
	}

	native, err := transformer.ToNative(req)
	require.NoError(t, err)
	assert.Equal(t, "/gemini-2.0-flash:streamGenerateContent?alt=sse", native.Path)

	geminiReq := decodeNative(t, native)

	system := geminiReq["systemInstruction"].(map[string]any)
	assert.Equal(t, "be brief", system["parts"].([]any)[0].(map[string]any)["text"])

	contents := geminiReq["contents"].([]any)
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])

	response := contents[2].(map[string]any)["parts"].([]any)[0].(map[string]any)["functionResponse"].(map[string]any)
	assert.Equal(t, "get_weather", response["name"], "functionResponse is named after the originating call")
	assert.Equal(t, map[string]any{"content": "sunny"}, response["response"])

	decl := geminiReq["tools"].([]any)[0].(map[string]any)["functionDeclarations"].([]any)[0].(map[string]any)
	params := decl["parameters"].(map[string]any)
	assert.NotContains(t, params, "$schema")
	assert.NotContains(t, params, "additionalProperties")
	assert.Contains(t, params, "properties")

	cfg := geminiReq["toolConfig"].(map[string]any)["functionCallingConfig"].(map[string]any)
	assert.Equal(t, "ANY", cfg["mode"])
	assert.Equal(t, []any{"get_weather"}, cfg["allowedFunctionNames"])

	assert.Equal(t, float64(256), geminiReq["generationConfig"].(map[string]any)["maxOutputTokens"])
	assert.Len(t, geminiReq["safetySettings"], 4)
}

func TestGeminiTransformer_ToCanonical(t *testing.T) {
	transformer := NewGeminiTransformer()

	body := `{
		"responseId": "gemini-response-123",
		"modelVersion": "gemini-2.0-flash",
		"candidates": [{
			"index": 0,
			"content": {"role": "model", "parts": [
				{"text": "Checking."},
				{"functionCall": {"name": "get_weather", "args": {"location": "Paris"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 20}
	}`

	resp, err := transformer.ToCanonical([]byte(body), "claude-sonnet-4", "req-g")
	require.NoError(t, err)

	assert.Equal(t, "gemini-response-123", resp.ID)
	assert.Equal(t, "claude-sonnet-4", resp.Model)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, canonical.SynthesizeToolUseID("req-g", 1), resp.Content[1].ID)
	assert.Equal(t, canonical.StopReasonToolUse, resp.StopReason)
	assert.Equal(t, canonical.Usage{InputTokens: 10, OutputTokens: 20}, resp.Usage)

	again, err := transformer.ToCanonical([]byte(body), "claude-sonnet-4", "req-g")
	require.NoError(t, err)
	assert.Equal(t, resp.Content[1].ID, again.Content[1].ID, "synthesized ids are deterministic")
}

func TestGeminiTransformer_ToCanonicalErrors(t *testing.T) {
	transformer := NewGeminiTransformer()

	tests := []struct {
		name   string
		body   string
		status int
		reason string
	}{
		{name: "no candidates", body: `{"candidates":[]}`, reason: "response has no candidates"},
		{name: "blocked prompt", body: `{"promptFeedback":{"blockReason":"SAFETY"}}`, reason: "prompt blocked: SAFETY"},
		{name: "error status", body: `{"error":{"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, status: 429},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transformer.ToCanonical([]byte(tt.body), "m", "req")
			require.Error(t, err)

			if tt.status != 0 {
				assert.Equal(t, tt.status, canonical.StatusCode(err))
				return
			}

			var transformErr *canonical.TransformationError
			require.ErrorAs(t, err, &transformErr)
			assert.Equal(t, tt.reason, transformErr.Reason)
			assert.ErrorIs(t, err, canonical.ErrEmptyResponse)
		})
	}
}

func TestGeminiTransformer_StreamTranslation(t *testing.T) {
	translator := NewGeminiTransformer().NewStreamTranslator("claude-sonnet-4", "req-gs")

	events := translateAll(t, translator,
		`{"responseId":"r1","candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}],"usageMetadata":{"promptTokenCount":4}}`,
		`{"responseId":"r1","candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"location":"Paris"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":9}}`,
	)

	assert.Equal(t, []string{
		canonical.EventMessageStart,
		canonical.EventContentBlockStart,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockStop,
		canonical.EventContentBlockStart,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockStop,
		canonical.EventMessageDelta,
		canonical.EventMessageStop,
	}, eventTypes(events))

	assert.Equal(t, 4, events[0].Message.Usage.InputTokens)
	assert.Equal(t, `{"location":"Paris"}`, events[5].Delta.PartialJSON)
	assert.Equal(t, canonical.StopReasonToolUse, events[7].Delta.StopReason)
	assert.Equal(t, 9, events[7].Usage.OutputTokens)
}
