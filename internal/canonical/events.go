package canonical

import "encoding/json"

// Stream event names, identical to the SSE `event:` field.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"

	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"

	ErrorTypeStreaming = "streaming_error"
)

// StreamEvent is one frame of a messages stream. Which fields are set
// depends on Type.
type StreamEvent struct {
	Type         string        `json:"type"`
	Message      *Response     `json:"message,omitempty"`
	Index        *int          `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *StreamDelta  `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	Error        *ErrorDetail  `json:"error,omitempty"`
}

// StreamDelta is the payload of content_block_delta and message_delta.
type StreamDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Input       any    `json:"input,omitempty"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`

	StopReason   StopReason `json:"stop_reason,omitempty"`
	StopSequence *string    `json:"stop_sequence,omitempty"`
}

// MarshalJSON always writes partial_json on input_json_delta deltas, even
// when it is empty.
func (d StreamDelta) MarshalJSON() ([]byte, error) {
	type alias StreamDelta

	if d.Type != DeltaTypeInputJSON {
		return json.Marshal(alias(d))
	}

	return json.Marshal(struct {
		alias
		PartialJSON string `json:"partial_json"`
	}{alias: alias(d), PartialJSON: d.PartialJSON})
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func MessageStartEvent(resp *Response) StreamEvent {
	return StreamEvent{Type: EventMessageStart, Message: resp}
}

func BlockStartEvent(index int, block ContentBlock) StreamEvent {
	return StreamEvent{Type: EventContentBlockStart, Index: &index, ContentBlock: &block}
}

func TextDeltaEvent(index int, text string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: &index, Delta: &StreamDelta{Type: DeltaTypeText, Text: text}}
}

func InputJSONDeltaEvent(index int, partialJSON string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: &index, Delta: &StreamDelta{Type: DeltaTypeInputJSON, PartialJSON: partialJSON}}
}

func BlockStopEvent(index int) StreamEvent {
	return StreamEvent{Type: EventContentBlockStop, Index: &index}
}

func MessageDeltaEvent(reason StopReason, stopSequence *string, usage *Usage) StreamEvent {
	return StreamEvent{Type: EventMessageDelta, Delta: &StreamDelta{StopReason: reason, StopSequence: stopSequence}, Usage: usage}
}

func MessageStopEvent() StreamEvent {
	return StreamEvent{Type: EventMessageStop}
}

func ErrorEvent(errType, message string) StreamEvent {
	return StreamEvent{Type: EventError, Error: &ErrorDetail{Type: errType, Message: message}}
}
