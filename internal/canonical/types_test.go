package canonical

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTool_BothShapesIdentical(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"q": map[string]any{"type": "string"},
		},
	}

	wrapped, err := NormalizeTool(map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        "f",
			"description": "d",
			"parameters":  params,
		},
	})
	require.NoError(t, err)

	flat, err := NormalizeTool(map[string]any{
		"name":        "f",
		"description": "d",
		"parameters":  params,
	})
	require.NoError(t, err)

	anthropicStyle, err := NormalizeTool(map[string]any{
		"name":         "f",
		"description":  "d",
		"input_schema": params,
	})
	require.NoError(t, err)

	assert.Equal(t, flat, wrapped)
	assert.Equal(t, flat, anthropicStyle)
}

func TestNormalizeTool_MissingName(t *testing.T) {
	_, err := NormalizeTool(map[string]any{"function": map[string]any{"description": "d"}})

	var transformErr *TransformationError
	require.ErrorAs(t, err, &transformErr)
	assert.Equal(t, "name", transformErr.Field)
}

func TestNormalizeTools_Duplicate(t *testing.T) {
	_, err := NormalizeTools([]map[string]any{{"name": "a"}, {"name": "a"}})

	var transformErr *TransformationError
	require.ErrorAs(t, err, &transformErr)
	assert.Equal(t, "tools[1].name", transformErr.Field)
}

func TestRequest_UnmarshalFlexibleShapes(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4",
		"max_tokens": 256,
		"system": [{"type": "text", "text": "be brief"}, {"type": "text", "text": "be kind"}],
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "x"}}
			]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "toolu_1", "content": "found"}]}
		],
		"tools": [{"function": {"name": "lookup", "parameters": {"type": "object"}}}],
		"tool_choice": "required",
		"stream": true
	}`

	var req Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	assert.Equal(t, "be brief\nbe kind", req.System)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, []ContentBlock{TextBlock("hi")}, req.Messages[0].Content)
	assert.Equal(t, "lookup", req.Messages[1].Content[1].Name)
	assert.Equal(t, map[string]any{"q": "x"}, req.Messages[1].Content[1].Input)
	assert.Equal(t, "found", req.Messages[2].Content[0].ResultText())
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Name)
	assert.Equal(t, ToolChoiceAny, req.ToolChoice.Type)
	assert.True(t, req.Stream)
	require.NoError(t, req.Validate())
}

func TestToolChoice_Unmarshal(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected ToolChoice
		wantErr  bool
	}{
		{name: "auto string", input: `"auto"`, expected: ToolChoice{Type: ToolChoiceAuto}},
		{name: "none string", input: `"none"`, expected: ToolChoice{Type: ToolChoiceNone}},
		{name: "anthropic tool", input: `{"type":"tool","name":"f"}`, expected: ToolChoice{Type: ToolChoiceTool, Name: "f"}},
		{name: "openai function", input: `{"type":"function","function":{"name":"f"}}`, expected: ToolChoice{Type: ToolChoiceTool, Name: "f"}},
		{name: "tool without name", input: `{"type":"tool"}`, wantErr: true},
		{name: "unknown", input: `"sometimes"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var choice ToolChoice

			err := json.Unmarshal([]byte(tt.input), &choice)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, choice)
		})
	}
}

func TestContentBlock_MarshalByType(t *testing.T) {
	data, err := json.Marshal([]ContentBlock{
		TextBlock(""),
		ToolUseBlock("toolu_1", "f", nil),
		ToolResultBlock("toolu_1", "ok"),
	})
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"type":"text","text":""},
		{"type":"tool_use","id":"toolu_1","name":"f","input":{}},
		{"type":"tool_result","tool_use_id":"toolu_1","content":"ok"}
	]`, string(data))
}

func TestContentBlock_UnknownTypeKeepsRaw(t *testing.T) {
	raw := `{"type":"image","source":{"type":"base64","data":"AAA"}}`

	var block ContentBlock
	require.NoError(t, json.Unmarshal([]byte(raw), &block))

	out, err := json.Marshal(block)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestResponse_ContentDrivenStopReason(t *testing.T) {
	tests := []struct {
		name     string
		content  []ContentBlock
		reported StopReason
		expected StopReason
	}{
		{name: "tool call reported as stop", content: []ContentBlock{ToolUseBlock("id", "f", nil)}, reported: StopReasonEndTurn, expected: StopReasonToolUse},
		{name: "tool call reported as max tokens", content: []ContentBlock{TextBlock("a"), ToolUseBlock("id", "f", nil)}, reported: StopReasonMaxTokens, expected: StopReasonToolUse},
		{name: "text reported as tool use", content: []ContentBlock{TextBlock("a")}, reported: StopReasonToolUse, expected: StopReasonEndTurn},
		{name: "text max tokens kept", content: []ContentBlock{TextBlock("a")}, reported: StopReasonMaxTokens, expected: StopReasonMaxTokens},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &Response{Content: tt.content, StopReason: tt.reported}
			resp.ApplyContentDrivenStopReason()
			assert.Equal(t, tt.expected, resp.StopReason)
		})
	}
}

func TestRequest_Validate(t *testing.T) {
	valid := func() *Request {
		return &Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: []ContentBlock{TextBlock("hi")}}}}
	}

	tests := []struct {
		name   string
		mutate func(r *Request)
		field  string
	}{
		{name: "missing model", mutate: func(r *Request) { r.Model = "" }, field: "model"},
		{name: "no messages", mutate: func(r *Request) { r.Messages = nil }, field: "messages"},
		{name: "bad role", mutate: func(r *Request) { r.Messages[0].Role = "system" }, field: "messages[0].role"},
		{name: "unnamed tool", mutate: func(r *Request) { r.Tools = []ToolDefinition{{}} }, field: "tools[0].name"},
		{name: "undeclared forced tool", mutate: func(r *Request) { r.ToolChoice = &ToolChoice{Type: ToolChoiceTool, Name: "x"} }, field: "tool_choice.name"},
	}

	require.NoError(t, valid().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)

			var transformErr *TransformationError
			require.True(t, errors.As(r.Validate(), &transformErr))
			assert.Equal(t, tt.field, transformErr.Field)
		})
	}
}

func TestSynthesizeToolUseID_Stable(t *testing.T) {
	a := SynthesizeToolUseID("req-1", 0)
	b := SynthesizeToolUseID("req-1", 0)
	c := SynthesizeToolUseID("req-1", 1)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^toolu_[0-9a-f]{24}$`, a)
}
