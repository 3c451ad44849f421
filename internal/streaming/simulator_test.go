package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

func drain(t *testing.T, s *Stream) []canonical.StreamEvent {
	t.Helper()

	var events []canonical.StreamEvent

	for {
		ev, ok := s.Next(context.Background())
		if !ok {
			return events
		}

		events = append(events, ev)
		require.Less(t, len(events), 10000, "stream does not terminate")
	}
}

func eventTypes(events []canonical.StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}

	return out
}

func textResponse(text string) *canonical.Response {
	return &canonical.Response{
		ID:         "msg_1",
		Type:       canonical.MessageType,
		Role:       canonical.RoleAssistant,
		Model:      "claude-sonnet-4",
		Content:    []canonical.ContentBlock{canonical.TextBlock(text)},
		StopReason: canonical.StopReasonEndTurn,
		Usage:      canonical.Usage{InputTokens: 12, OutputTokens: 3},
	}
}

func noDelay(textChunk int, tools bool) Pacing {
	return Pacing{TextChunkSize: textChunk, ToolStreamingEnabled: tools}
}

func TestSimulateTextChunks(t *testing.T) {
	events := drain(t, Simulate(textResponse("Hello World"), noDelay(5, true)))

	assert.Equal(t, []string{
		canonical.EventMessageStart,
		canonical.EventContentBlockStart,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockDelta,
		canonical.EventContentBlockStop,
		canonical.EventMessageDelta,
		canonical.EventMessageStop,
	}, eventTypes(events))

	var texts []string

	for _, ev := range events {
		if ev.Type == canonical.EventContentBlockDelta {
			assert.Equal(t, canonical.DeltaTypeText, ev.Delta.Type)
			texts = append(texts, ev.Delta.Text)
		}
	}

	assert.Equal(t, []string{"Hello", " Worl", "d"}, texts)

	start := events[0].Message
	require.NotNil(t, start)
	assert.Empty(t, start.Content)
	assert.Equal(t, 12, start.Usage.InputTokens)

	final := events[6]
	assert.Equal(t, canonical.StopReasonEndTurn, final.Delta.StopReason)
	assert.Equal(t, 3, final.Usage.OutputTokens)
}

func TestSimulateMultiByteText(t *testing.T) {
	events := drain(t, Simulate(textResponse("héllo wörld"), noDelay(4, true)))

	var sb strings.Builder

	for _, ev := range events {
		if ev.Type == canonical.EventContentBlockDelta {
			sb.WriteString(ev.Delta.Text)
		}
	}

	assert.Equal(t, "héllo wörld", sb.String())
}

func TestSimulateEnvelopeCounts(t *testing.T) {
	resp := textResponse("first")
	resp.Content = append(resp.Content,
		canonical.ToolUseBlock("toolu_1", "get_weather", map[string]any{"city": "Paris"}),
		canonical.TextBlock(""),
	)
	resp.StopReason = canonical.StopReasonToolUse

	counts := map[string]int{}
	for _, ev := range drain(t, Simulate(resp, noDelay(3, true))) {
		counts[ev.Type]++
	}

	assert.Equal(t, 1, counts[canonical.EventMessageStart])
	assert.Equal(t, 3, counts[canonical.EventContentBlockStart])
	assert.Equal(t, 3, counts[canonical.EventContentBlockStop])
	assert.Equal(t, 1, counts[canonical.EventMessageDelta])
	assert.Equal(t, 1, counts[canonical.EventMessageStop])
	assert.Zero(t, counts[canonical.EventError])
}

func TestSimulateToolUse(t *testing.T) {
	input := map[string]any{"city": "Paris", "unit": "celsius", "days": float64(3)}
	resp := &canonical.Response{
		ID:         "msg_1",
		Model:      "m",
		Content:    []canonical.ContentBlock{canonical.ToolUseBlock("toolu_1", "get_weather", input)},
		StopReason: canonical.StopReasonToolUse,
	}

	t.Run("streamed", func(t *testing.T) {
		events := drain(t, Simulate(resp, noDelay(5, true)))

		start := events[1]
		require.Equal(t, canonical.EventContentBlockStart, start.Type)
		assert.Equal(t, "toolu_1", start.ContentBlock.ID)
		assert.Equal(t, "get_weather", start.ContentBlock.Name)

		header := events[2]
		assert.Equal(t, "toolu_1", header.Delta.ID)
		assert.Equal(t, "get_weather", header.Delta.Name)
		assert.Empty(t, header.Delta.PartialJSON)

		var parts []string

		for _, ev := range events[3:] {
			if ev.Type != canonical.EventContentBlockDelta {
				continue
			}

			assert.Equal(t, canonical.DeltaTypeInputJSON, ev.Delta.Type)
			parts = append(parts, ev.Delta.PartialJSON)
		}

		require.NotEmpty(t, parts)
		assert.Greater(t, len(parts[0]), 5, "tool chunks are larger than text chunks")

		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.Join(parts, "")), &got))
		assert.Equal(t, input, got)
	})

	t.Run("single delta", func(t *testing.T) {
		events := drain(t, Simulate(resp, noDelay(5, false)))

		require.Len(t, events, 6)
		delta := events[2]
		assert.Equal(t, canonical.DeltaTypeInputJSON, delta.Delta.Type)
		assert.Equal(t, input, delta.Delta.Input)
		assert.JSONEq(t, `{"city":"Paris","unit":"celsius","days":3}`, delta.Delta.PartialJSON)
	})
}

func TestSimulateErrors(t *testing.T) {
	tests := []struct {
		name string
		resp *canonical.Response
	}{
		{"nil response", nil},
		{"tool without id", &canonical.Response{Content: []canonical.ContentBlock{canonical.ToolUseBlock("", "f", nil)}}},
		{"unserializable input", &canonical.Response{Content: []canonical.ContentBlock{
			canonical.ToolUseBlock("toolu_1", "f", map[string]any{"ch": make(chan int)}),
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := drain(t, Simulate(tt.resp, noDelay(5, true)))
			require.NotEmpty(t, events)

			last := events[len(events)-1]
			assert.Equal(t, canonical.EventError, last.Type)
			assert.Equal(t, canonical.ErrorTypeStreaming, last.Error.Type)

			for _, ev := range events[:len(events)-1] {
				assert.NotEqual(t, canonical.EventError, ev.Type)
			}
		})
	}
}

func TestSimulateCancellation(t *testing.T) {
	s := Simulate(textResponse(strings.Repeat("x", 100)), Pacing{ChunkDelay: time.Hour, TextChunkSize: 10})

	ctx, cancel := context.WithCancel(context.Background())

	for range 3 {
		_, ok := s.Next(ctx)
		require.True(t, ok)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	// The fourth event waits on the pacing delay.
	_, ok := s.Next(ctx)
	assert.False(t, ok)

	_, ok = s.Next(context.Background())
	assert.False(t, ok, "a stopped stream stays stopped")
}

func TestSimulatePacing(t *testing.T) {
	s := Simulate(textResponse("abcdef"), Pacing{ChunkDelay: 20 * time.Millisecond, TextChunkSize: 2})

	started := time.Now()
	events := drain(t, s)

	assert.Len(t, events, 8)
	// Three deltas, two delays between them.
	assert.GreaterOrEqual(t, time.Since(started), 40*time.Millisecond)
}

func TestPacingNormalized(t *testing.T) {
	p := Pacing{TextChunkSize: 50, ToolChunkSize: 10}.normalized()
	assert.Greater(t, p.ToolChunkSize, p.TextChunkSize)

	p = Pacing{}.normalized()
	assert.Equal(t, DefaultTextChunkSize, p.TextChunkSize)
	assert.Equal(t, DefaultToolChunkSize, p.ToolChunkSize)
}

func TestPipe(t *testing.T) {
	var buf bytes.Buffer

	n, err := Pipe(context.Background(), &buf, Simulate(textResponse("Hi"), noDelay(5, true)))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: message_start\ndata: {"))
	assert.Contains(t, out, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
	assert.True(t, strings.HasSuffix(out, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
	assert.Contains(t, out, `"stop_reason":null`)
}
