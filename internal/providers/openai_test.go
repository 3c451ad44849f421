package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

func weatherTool() canonical.ToolDefinition {
	return canonical.ToolDefinition{
		Name:        "get_weather",
		Description: "Get current weather",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string", "description": "City name"},
			},
			"required": []any{"location"},
		},
	}
}

func userText(text string) canonical.Message {
	return canonical.Message{Role: canonical.RoleUser, Content: []canonical.ContentBlock{canonical.TextBlock(text)}}
}

func decodeNative(t *testing.T, native *NativeRequest) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(native.Body, &out))

	return out
}

func TestOpenAITransformer_ToNative(t *testing.T) {
	transformer := NewOpenAITransformer()

	req := &canonical.Request{
		Model:      "gpt-4o",
		System:     "You are a helpful assistant",
		MaxTokens:  100,
		Messages:   []canonical.Message{userText("Hello, world!")},
		Tools:      []canonical.ToolDefinition{weatherTool()},
		ToolChoice: &canonical.ToolChoice{Type: canonical.ToolChoiceAny},
	}

	native, err := transformer.ToNative(req)
	require.NoError(t, err)
	assert.Equal(t, FamilyOpenAI, native.Family)

	openaiReq := decodeNative(t, native)

	// Verify system message was moved to messages array
	assert.NotContains(t, openaiReq, "system")
	messages, ok := openaiReq["messages"].([]any)
	require.True(t, ok, "messages should be an array")
	require.Len(t, messages, 2, "should have system + user message")

	systemMsg := messages[0].(map[string]any)
	assert.Equal(t, "system", systemMsg["role"])
	assert.Equal(t, "You are a helpful assistant", systemMsg["content"])

	assert.NotContains(t, openaiReq, "max_tokens")
	assert.Equal(t, float64(100), openaiReq["max_completion_tokens"])

	tools := openaiReq["tools"].([]any)
	require.Len(t, tools, 1)

	tool := tools[0].(map[string]any)
	assert.Equal(t, "function", tool["type"])
	function := tool["function"].(map[string]any)
	assert.Equal(t, "get_weather", function["name"])
	assert.Contains(t, function, "parameters", "should have parameters not input_schema")

	assert.Equal(t, "required", openaiReq["tool_choice"])
}

func TestOpenAITransformer_ToolRoundTrip(t *testing.T) {
	transformer := NewOpenAITransformer()

	req := &canonical.Request{
		Model: "gpt-4o",
		Messages: []canonical.Message{
			userText("weather in Paris?"),
			{Role: canonical.RoleAssistant, Content: []canonical.ContentBlock{
				canonical.TextBlock("checking"),
				canonical.ToolUseBlock("toolu_1", "get_weather", map[string]any{"location": "Paris"}),
			}},
			{Role: canonical.RoleUser, Content: []canonical.ContentBlock{canonical.ToolResultBlock("toolu_1", "sunny")}},
		},
		Tools: []canonical.ToolDefinition{weatherTool()},
	}

	native, err := transformer.ToNative(req)
	require.NoError(t, err)

	messages := decodeNative(t, native)["messages"].([]any)
	require.Len(t, messages, 3)

	assistant := messages[1].(map[string]any)
	assert.Equal(t, "assistant", assistant["role"])
	assert.Equal(t, "checking", assistant["content"])

	call := assistant["tool_calls"].([]any)[0].(map[string]any)
	assert.Equal(t, "call_1", call["id"])
	assert.Equal(t, "get_weather", call["function"].(map[string]any)["name"])
	assert.JSONEq(t, `{"location":"Paris"}`, call["function"].(map[string]any)["arguments"].(string))

	toolMsg := messages[2].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "call_1", toolMsg["tool_call_id"])
	assert.Equal(t, "sunny", toolMsg["content"])
}

func TestOpenAITransformer_DanglingToolUseGetsPlaceholder(t *testing.T) {
	transformer := NewOpenAITransformer()

	req := &canonical.Request{
		Model: "gpt-4o",
		Messages: []canonical.Message{
			userText("hi"),
			{Role: canonical.RoleAssistant, Content: []canonical.ContentBlock{canonical.ToolUseBlock("toolu_9", "get_weather", nil)}},
			userText("next"),
		},
	}

	native, err := transformer.ToNative(req)
	require.NoError(t, err)

	messages := decodeNative(t, native)["messages"].([]any)
	require.Len(t, messages, 4)

	placeholder := messages[2].(map[string]any)
	assert.Equal(t, "tool", placeholder["role"])
	assert.Equal(t, "call_9", placeholder["tool_call_id"])
	assert.Equal(t, PlaceholderToolResult, placeholder["content"])
	assert.Equal(t, "user", messages[3].(map[string]any)["role"])
}

func TestOpenAITransformer_ToCanonical(t *testing.T) {
	transformer := NewOpenAITransformer()

	body := `{
		"id": "chatcmpl-123",
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": "Let me check.",
				"tool_calls": [{"id": "call_abc", "type": "function", "function": {"name": "get_weather", "arguments": "{\"location\": \"Paris\"}"}}]
			},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 7}
	}`

	resp, err := transformer.ToCanonical([]byte(body), "claude-sonnet-4", "req-1")
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-123", resp.ID)
	assert.Equal(t, canonical.MessageType, resp.Type)
	assert.Equal(t, "claude-sonnet-4", resp.Model)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "Let me check.", resp.Content[0].Text)
	assert.Equal(t, "toolu_abc", resp.Content[1].ID)
	assert.Equal(t, map[string]any{"location": "Paris"}, resp.Content[1].Input)

	// finish_reason "stop" next to a tool call still reports tool_use
	assert.Equal(t, canonical.StopReasonToolUse, resp.StopReason)
	assert.Equal(t, canonical.Usage{InputTokens: 12, OutputTokens: 7}, resp.Usage)
}

func TestOpenAITransformer_ToCanonicalRepairsArguments(t *testing.T) {
	transformer := NewOpenAITransformer()

	body := `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_x","type":"function","function":{"name":"get_weather","arguments":"{\"location\": \"Paris\",}"}}]},"finish_reason":"tool_calls"}]}`

	resp, err := transformer.ToCanonical([]byte(body), "m", "req-2")
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "Paris", resp.Content[0].Input["location"])
}

func TestOpenAITransformer_ToCanonicalErrors(t *testing.T) {
	transformer := NewOpenAITransformer()

	t.Run("no choices", func(t *testing.T) {
		_, err := transformer.ToCanonical([]byte(`{"id":"x","choices":[]}`), "m", "req")

		var transformErr *canonical.TransformationError
		require.ErrorAs(t, err, &transformErr)
		assert.Equal(t, "choices", transformErr.Field)
		assert.ErrorIs(t, err, canonical.ErrEmptyResponse)
	})

	t.Run("error body", func(t *testing.T) {
		_, err := transformer.ToCanonical([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`), "m", "req")

		var providerErr *canonical.ProviderError
		require.ErrorAs(t, err, &providerErr)
		assert.Equal(t, 429, providerErr.StatusCode)
		assert.True(t, providerErr.Retryable)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := transformer.ToCanonical([]byte(`{`), "m", "req")
		assert.True(t, canonical.IsTransformation(err))
	})
}

func eventTypes(events []canonical.StreamEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}

	return out
}

func translateAll(t *testing.T, translator StreamTranslator, chunks ...string) []canonical.StreamEvent {
	t.Helper()

	var events []canonical.StreamEvent

	for _, chunk := range chunks {
		out, err := translator.Translate([]byte(chunk))
		require.NoError(t, err)

		events = append(events, out...)
	}

	return append(events, translator.Finish()...)
}

func TestOpenAITransformer_StreamTranslation(t *testing.T) {
	translator := NewOpenAITransformer().NewStreamTranslator("claude-sonnet-4", "req-3")

	events := translateAll(t, translator,
		`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"location\":"}}]}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
		`[DONE]`,
	)

	assert.Equal(t, []string{
		canonical.EventMessageStart,
		canonical.EventContentBlockStart,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockStop,
		canonical.EventContentBlockStart,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockStop,
		canonical.EventMessageDelta,
		canonical.EventMessageStop,
	}, eventTypes(events))

	assert.Equal(t, "claude-sonnet-4", events[0].Message.Model)

	toolStart := events[5]
	assert.Equal(t, 1, *toolStart.Index)
	assert.Equal(t, "toolu_abc", toolStart.ContentBlock.ID)
	assert.Equal(t, "get_weather", toolStart.ContentBlock.Name)

	messageDelta := events[9]
	assert.Equal(t, canonical.StopReasonToolUse, messageDelta.Delta.StopReason)
	assert.Equal(t, 5, messageDelta.Usage.OutputTokens)
}

func TestOpenAITransformer_StreamToolCallsWithoutIndex(t *testing.T) {
	translator := NewOpenAITransformer().NewStreamTranslator("m", "req-5")

	events := translateAll(t, translator,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"id":"call_a","type":"function","function":{"name":"read","arguments":"{\"pa"}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"function":{"arguments":"th\":1}"}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"id":"call_b","type":"function","function":{"name":"write","arguments":"{}"}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	assert.Equal(t, []string{
		canonical.EventMessageStart,
		canonical.EventContentBlockStart,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockStop,
		canonical.EventContentBlockStart,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockStop,
		canonical.EventMessageDelta,
		canonical.EventMessageStop,
	}, eventTypes(events))

	assert.Equal(t, "read", events[1].ContentBlock.Name)
	assert.Equal(t, `{"pa`, events[2].Delta.PartialJSON)
	assert.Equal(t, `th":1}`, events[3].Delta.PartialJSON)
	assert.Equal(t, 0, *events[3].Index)
	assert.Equal(t, "write", events[5].ContentBlock.Name)
	assert.Equal(t, 1, *events[6].Index)
}

func TestOpenAITransformer_StreamTruncatedUpstreamIsClosed(t *testing.T) {
	translator := NewOpenAITransformer().NewStreamTranslator("m", "req-4")

	events := translateAll(t, translator,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"partial"}}]}`,
	)

	assert.Equal(t, []string{
		canonical.EventMessageStart,
		canonical.EventContentBlockStart,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockStop,
		canonical.EventMessageDelta,
		canonical.EventMessageStop,
	}, eventTypes(events))
	assert.Equal(t, canonical.StopReasonEndTurn, events[4].Delta.StopReason)
}

func TestOpenAITransformer_StreamKeepAliveIsSilent(t *testing.T) {
	translator := NewOpenAITransformer().NewStreamTranslator("m", "req-5")

	events, err := translator.Translate([]byte(`{"id":"c","choices":[]}`))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, translator.Finish())
}
