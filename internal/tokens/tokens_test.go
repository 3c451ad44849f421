package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

func TestEstimateCounter(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, EstimateCounter{}.Count(tt.input), "input %q", tt.input)
	}
}

func TestCountRequest(t *testing.T) {
	req := &canonical.Request{
		System: "abcd",
		Messages: []canonical.Message{
			{Role: canonical.RoleUser, Content: []canonical.ContentBlock{canonical.TextBlock("efgh")}},
			{Role: canonical.RoleAssistant, Content: []canonical.ContentBlock{canonical.ToolUseBlock("id", "f", map[string]any{})}},
			{Role: canonical.RoleUser, Content: []canonical.ContentBlock{canonical.ToolResultBlock("id", "ijkl")}},
		},
	}

	// "abcd" + "efgh" + "f{}" + "ijkl" = 15 chars
	assert.Equal(t, 4, CountRequest(EstimateCounter{}, req))
	assert.Zero(t, CountRequest(nil, req))
	assert.Zero(t, CountRequest(EstimateCounter{}, nil))
}

func TestCountResponse(t *testing.T) {
	resp := &canonical.Response{Content: []canonical.ContentBlock{canonical.TextBlock("Hello World!")}}

	assert.Equal(t, 3, CountResponse(EstimateCounter{}, resp))
}
