// Package streaming replays a complete response as a paced stream of events.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

const (
	DefaultChunkDelay    = 10 * time.Millisecond
	DefaultTextChunkSize = 20
	DefaultToolChunkSize = 40
)

// Pacing controls how a response is cut into deltas. ToolChunkSize is raised
// above TextChunkSize when it is not already larger.
type Pacing struct {
	ChunkDelay           time.Duration
	TextChunkSize        int
	ToolStreamingEnabled bool
	ToolChunkSize        int
}

func DefaultPacing() Pacing {
	return Pacing{
		ChunkDelay:           DefaultChunkDelay,
		TextChunkSize:        DefaultTextChunkSize,
		ToolStreamingEnabled: true,
		ToolChunkSize:        DefaultToolChunkSize,
	}
}

func (p Pacing) normalized() Pacing {
	if p.TextChunkSize <= 0 {
		p.TextChunkSize = DefaultTextChunkSize
	}

	if p.ToolChunkSize <= p.TextChunkSize {
		p.ToolChunkSize = max(DefaultToolChunkSize, p.TextChunkSize*2)
	}

	if p.ChunkDelay < 0 {
		p.ChunkDelay = 0
	}

	return p
}

type phase int

const (
	phaseStart phase = iota
	phaseBlocks
	phaseEnd
	phaseDone
)

type pending struct {
	event canonical.StreamEvent
	paced bool // wait ChunkDelay before emitting
}

// Stream is a finite, pull-based event sequence over one response. It is not
// restartable and must be consumed by a single goroutine.
type Stream struct {
	resp   *canonical.Response
	pacing Pacing

	phase phase
	block int
	queue []pending
	done  bool
}

// Simulate returns the event sequence of resp. No events are computed until
// the first call to Next.
func Simulate(resp *canonical.Response, pacing Pacing) *Stream {
	return &Stream{resp: resp, pacing: pacing.normalized()}
}

// Next returns the next event, or false once the stream has ended. An internal
// fault yields a single streaming_error event, after which the stream ends.
// Cancelling ctx ends the stream without further events.
func (s *Stream) Next(ctx context.Context) (ev canonical.StreamEvent, ok bool) {
	if s.done {
		return canonical.StreamEvent{}, false
	}

	if ctx.Err() != nil {
		s.done = true
		return canonical.StreamEvent{}, false
	}

	defer func() {
		if r := recover(); r != nil {
			ev, ok = s.fail(&canonical.StreamingSimulationError{Index: s.block, Reason: fmt.Sprintf("panic: %v", r)})
		}
	}()

	for len(s.queue) == 0 {
		if s.phase == phaseDone {
			s.done = true
			return canonical.StreamEvent{}, false
		}

		if err := s.advance(); err != nil {
			return s.fail(err)
		}
	}

	next := s.queue[0]
	s.queue = s.queue[1:]

	if next.paced && s.pacing.ChunkDelay > 0 {
		timer := time.NewTimer(s.pacing.ChunkDelay)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.done = true

			return canonical.StreamEvent{}, false
		case <-timer.C:
		}
	}

	return next.event, true
}

// Close ends the stream. It holds no resources.
func (s *Stream) Close() error {
	s.done = true
	s.queue = nil

	return nil
}

func (s *Stream) fail(err error) (canonical.StreamEvent, bool) {
	s.done = true
	s.queue = nil

	return canonical.ErrorEvent(canonical.ErrorTypeStreaming, err.Error()), true
}

// advance queues the events of the next state.
func (s *Stream) advance() error {
	switch s.phase {
	case phaseStart:
		if s.resp == nil {
			return &canonical.StreamingSimulationError{Reason: "no response to simulate"}
		}

		s.push(canonical.MessageStartEvent(startMessage(s.resp)), false)
		s.phase = phaseBlocks
	case phaseBlocks:
		if s.block >= len(s.resp.Content) {
			s.phase = phaseEnd
			return nil
		}

		if err := s.expand(s.block, s.resp.Content[s.block]); err != nil {
			return err
		}

		s.block++
	case phaseEnd:
		usage := s.resp.Usage

		s.push(canonical.MessageDeltaEvent(s.resp.StopReason, s.resp.StopSequence, &usage), false)
		s.push(canonical.MessageStopEvent(), false)
		s.phase = phaseDone
	}

	return nil
}

func (s *Stream) push(ev canonical.StreamEvent, paced bool) {
	s.queue = append(s.queue, pending{event: ev, paced: paced})
}

func (s *Stream) expand(index int, block canonical.ContentBlock) error {
	switch block.Type {
	case canonical.ContentTypeText:
		s.push(canonical.BlockStartEvent(index, canonical.TextBlock("")), false)

		for i, chunk := range chunks(block.Text, s.pacing.TextChunkSize) {
			s.push(canonical.TextDeltaEvent(index, chunk), i > 0)
		}
	case canonical.ContentTypeToolUse:
		if block.ID == "" || block.Name == "" {
			return &canonical.StreamingSimulationError{Index: index, Reason: "tool_use block without id or name"}
		}

		input := block.Input
		if input == nil {
			input = map[string]any{}
		}

		data, err := json.Marshal(input)
		if err != nil {
			return &canonical.StreamingSimulationError{Index: index, Reason: "tool input is not serializable", Err: err}
		}

		s.push(canonical.BlockStartEvent(index, canonical.ContentBlock{
			Type:  canonical.ContentTypeToolUse,
			ID:    block.ID,
			Name:  block.Name,
			Input: map[string]any{},
		}), false)

		if !s.pacing.ToolStreamingEnabled {
			delta := canonical.InputJSONDeltaEvent(index, string(data))
			delta.Delta.Input = input
			s.push(delta, false)

			break
		}

		header := canonical.InputJSONDeltaEvent(index, "")
		header.Delta.ID = block.ID
		header.Delta.Name = block.Name
		s.push(header, false)

		for _, chunk := range chunks(string(data), s.pacing.ToolChunkSize) {
			s.push(canonical.InputJSONDeltaEvent(index, chunk), true)
		}
	default:
		// Blocks the simulator cannot split are replayed whole.
		s.push(canonical.BlockStartEvent(index, block), false)
	}

	s.push(canonical.BlockStopEvent(index), false)

	return nil
}

func startMessage(resp *canonical.Response) *canonical.Response {
	return &canonical.Response{
		ID:      resp.ID,
		Type:    canonical.MessageType,
		Role:    canonical.RoleAssistant,
		Model:   resp.Model,
		Content: []canonical.ContentBlock{},
		Usage:   canonical.Usage{InputTokens: resp.Usage.InputTokens},
	}
}

// chunks splits text into pieces of size characters.
func chunks(text string, size int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	out := make([]string, 0, (len(runes)+size-1)/size)

	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		out = append(out, string(runes[start:end]))
	}

	return out
}
