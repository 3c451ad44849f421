package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

func TestAnthropicTransformer_AuthHeaders(t *testing.T) {
	headers := NewAnthropicTransformer().AuthHeaders("sk-ant")

	assert.Equal(t, "sk-ant", headers["x-api-key"])
	assert.Equal(t, AnthropicVersion, headers["anthropic-version"])
}

func TestAnthropicTransformer_ToNativeRepairsSequence(t *testing.T) {
	req := &canonical.Request{
		Model:     "claude-sonnet-4",
		MaxTokens: 64,
		Messages: []canonical.Message{
			userText("hi"),
			{Role: canonical.RoleAssistant, Content: []canonical.ContentBlock{canonical.ToolUseBlock("toolu_1", "f", nil)}},
		},
		Metadata: canonical.Metadata{UserID: "u1", Category: "default"},
	}

	native, err := NewAnthropicTransformer().ToNative(req)
	require.NoError(t, err)

	body := decodeNative(t, native)
	messages := body["messages"].([]any)
	require.Len(t, messages, 3)

	placeholder := messages[2].(map[string]any)["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_result", placeholder["type"])
	assert.Equal(t, "toolu_1", placeholder["tool_use_id"])
	assert.Equal(t, map[string]any{"user_id": "u1"}, body["metadata"], "only user_id is forwarded")
}

func TestAnthropicTransformer_ToCanonical(t *testing.T) {
	body := `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"hi"}],"stop_reason":"tool_use","usage":{"input_tokens":3,"output_tokens":1}}`

	resp, err := NewAnthropicTransformer().ToCanonical([]byte(body), "claude-sonnet-4", "req")
	require.NoError(t, err)

	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "claude-sonnet-4", resp.Model)
	assert.Equal(t, canonical.StopReasonEndTurn, resp.StopReason, "tool_use without a tool block is demoted")
}

func TestAnthropicTransformer_ToCanonicalErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"empty object", `{}`, canonical.ErrEmptyResponse},
		{"unknown fields", `{"foo":1}`, canonical.ErrEmptyResponse},
		{"message without content", `{"type":"message","role":"assistant"}`, canonical.ErrEmptyResponse},
		{"malformed body", `{"type":`, canonical.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewAnthropicTransformer().ToCanonical([]byte(tt.body), "m", "req")
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.True(t, canonical.IsTransformation(err))
			assert.ErrorIs(t, err, tt.wantErr)

			status, errType := canonical.Classify(err)
			assert.Equal(t, 502, status)
			assert.Equal(t, canonical.ErrorTypeAPI, errType)
		})
	}
}

func TestAnthropicTransformer_ErrorEnvelope(t *testing.T) {
	_, err := NewAnthropicTransformer().ToCanonical([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`), "m", "req")

	var providerErr *canonical.ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, 529, providerErr.StatusCode)
	assert.Equal(t, "busy", providerErr.Message)
}

func TestAnthropicTransformer_StreamPassthrough(t *testing.T) {
	translator := NewAnthropicTransformer().NewStreamTranslator("claude-sonnet-4", "req")

	events := translateAll(t, translator,
		`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"upstream","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}`,
		`{"type":"ping"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"f","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{}"}}`,
	)

	assert.Equal(t, []string{
		canonical.EventMessageStart,
		canonical.EventContentBlockStart,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockStop,
		canonical.EventMessageDelta,
		canonical.EventMessageStop,
	}, eventTypes(events), "ping is dropped and a truncated stream is closed")

	assert.Equal(t, "claude-sonnet-4", events[0].Message.Model)
	assert.Equal(t, canonical.StopReasonToolUse, events[4].Delta.StopReason)
}
