package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

const (
	// PlaceholderToolResult is the content of a synthesized tool_result.
	PlaceholderToolResult = "Tool executed successfully"

	ContentTypeEventStream = "text/event-stream"
)

// StopReasonTable maps a family's native finish signal to the canonical enum.
type StopReasonTable map[string]canonical.StopReason

// Lookup maps reason through the table, defaulting to end_turn.
func (t StopReasonTable) Lookup(reason string) canonical.StopReason {
	if mapped, ok := t[reason]; ok {
		return mapped
	}

	return canonical.StopReasonEndTurn
}

// prepareRequest validates the request and returns a repaired copy that is
// safe to map for families rejecting dangling tool calls.
func prepareRequest(family Family, req *canonical.Request) (*canonical.Request, error) {
	if req == nil {
		return nil, &canonical.TransformationError{Family: string(family), Reason: "request is nil"}
	}

	if err := req.Validate(); err != nil {
		var transformErr *canonical.TransformationError
		if errors.As(err, &transformErr) {
			transformErr.Family = string(family)
			return nil, transformErr
		}

		return nil, err
	}

	out := req.Clone()
	out.Messages = RepairToolSequence(out.Messages)

	return out, nil
}

// RepairToolSequence makes a message list structurally valid for providers
// that reject dangling tool calls. Every tool_use without a later tool_result
// gets a placeholder result in the user turn right after it (a new one when
// the call ends the list or is followed by another assistant turn), and every
// tool_result without an earlier tool_use is repackaged as text. Running it
// on an already repaired list changes nothing.
func RepairToolSequence(messages []canonical.Message) []canonical.Message {
	answeredAfter := make([]map[string]bool, len(messages))
	answered := make(map[string]bool)

	for i := len(messages) - 1; i >= 0; i-- {
		snapshot := make(map[string]bool, len(answered))
		for id := range answered {
			snapshot[id] = true
		}

		answeredAfter[i] = snapshot

		for _, b := range messages[i].Content {
			if b.Type == canonical.ContentTypeToolResult {
				answered[b.ToolUseID] = true
			}
		}
	}

	out := make([]canonical.Message, 0, len(messages))
	issued := make(map[string]bool)

	var pending []canonical.ContentBlock

	for i, msg := range messages {
		msg = repackageOrphanResults(msg, issued)

		if len(pending) > 0 {
			msg.Content = append(pending, msg.Content...)
			pending = nil
		}

		out = append(out, msg)

		if msg.Role != canonical.RoleAssistant {
			continue
		}

		var placeholders []canonical.ContentBlock

		for _, b := range msg.ToolUses() {
			issued[b.ID] = true

			if !answeredAfter[i][b.ID] {
				placeholders = append(placeholders, canonical.ToolResultBlock(b.ID, PlaceholderToolResult))
			}
		}

		if len(placeholders) == 0 {
			continue
		}

		// Results must sit in the turn right after the call.
		if i+1 < len(messages) && messages[i+1].Role == canonical.RoleUser {
			pending = placeholders
			continue
		}

		out = append(out, canonical.Message{Role: canonical.RoleUser, Content: placeholders})
	}

	return out
}

func repackageOrphanResults(msg canonical.Message, issued map[string]bool) canonical.Message {
	orphan := false

	for _, b := range msg.Content {
		if b.Type == canonical.ContentTypeToolResult && !issued[b.ToolUseID] {
			orphan = true
			break
		}
	}

	if !orphan {
		return msg
	}

	content := make([]canonical.ContentBlock, 0, len(msg.Content))

	for _, b := range msg.Content {
		if b.Type == canonical.ContentTypeToolResult && !issued[b.ToolUseID] {
			content = append(content, canonical.TextBlock(fmt.Sprintf("[tool result %s]: %s", b.ToolUseID, b.ResultText())))
			continue
		}

		content = append(content, b)
	}

	return canonical.Message{Role: msg.Role, Content: content}
}

// finalizeResponse fills ids the provider left out and applies the
// content-driven stop reason.
func finalizeResponse(resp *canonical.Response, requestID string) *canonical.Response {
	if resp.ID == "" {
		resp.ID = canonical.MessageIDFor(requestID)
	}

	resp.Type = canonical.MessageType
	resp.Role = canonical.RoleAssistant

	seen := make(map[string]bool)

	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type != canonical.ContentTypeToolUse {
			continue
		}

		if block.ID == "" || seen[block.ID] {
			block.ID = canonical.SynthesizeToolUseID(requestID, i)
		}

		if block.Input == nil {
			block.Input = map[string]any{}
		}

		seen[block.ID] = true
	}

	resp.ApplyContentDrivenStopReason()

	return resp
}

// ParseToolArguments decodes a tool call argument string, repairing
// malformed JSON before giving up.
func ParseToolArguments(arguments string) (map[string]any, error) {
	arguments = strings.TrimSpace(arguments)
	if arguments == "" {
		return map[string]any{}, nil
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err == nil {
		return input, nil
	}

	repaired, err := jsonrepair.JSONRepair(arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to repair tool call arguments: %w", err)
	}

	if err := json.Unmarshal([]byte(repaired), &input); err != nil {
		return nil, fmt.Errorf("failed to parse tool call arguments: %w", err)
	}

	return input, nil
}

// RemoveFieldsRecursively removes specified fields from nested JSON structures
func RemoveFieldsRecursively(data any, fieldsToRemove []string) any {
	switch v := data.(type) {
	case map[string]any:
		result := make(map[string]any)

		for key, value := range v {
			shouldRemove := false

			for _, field := range fieldsToRemove {
				if key == field {
					shouldRemove = true
					break
				}
			}

			if !shouldRemove {
				result[key] = RemoveFieldsRecursively(value, fieldsToRemove)
			}
		}

		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = RemoveFieldsRecursively(item, fieldsToRemove)
		}

		return result
	default:
		return v
	}
}

// toNativeToolCallID converts a canonical tool id into the call_ convention.
func toNativeToolCallID(id string) string {
	return strings.Replace(id, "toolu_", "call_", 1)
}

// toCanonicalToolID converts a native tool call id back to the toolu_ convention.
func toCanonicalToolID(id string) string {
	if id == "" || strings.HasPrefix(id, "toolu_") {
		return id
	}

	if strings.HasPrefix(id, "call_") {
		return "toolu_" + strings.TrimPrefix(id, "call_")
	}

	return "toolu_" + id
}

// marshalNative wraps json.Marshal failures as transformation errors.
func marshalNative(family Family, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &canonical.TransformationError{Family: string(family), Reason: "failed to marshal native request", Err: err}
	}

	return data, nil
}

// unmarshalNative wraps json.Unmarshal failures as transformation errors.
func unmarshalNative(family Family, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &canonical.TransformationError{Family: string(family), Reason: "failed to unmarshal native response", Err: fmt.Errorf("%w: %w", canonical.ErrMalformedResponse, err)}
	}

	return nil
}

// streamBlockTracker keeps the canonical block bookkeeping shared by the
// native stream translators.
type streamBlockTracker struct {
	messageStartSent bool
	messageStopSent  bool
	nextIndex        int
	openIndex        int
	openType         string
	sawToolUse       bool
}

func newStreamBlockTracker() streamBlockTracker {
	return streamBlockTracker{openIndex: -1}
}

// open starts a new block, closing the current one first.
func (s *streamBlockTracker) open(block canonical.ContentBlock) []canonical.StreamEvent {
	events := s.close()
	index := s.nextIndex
	s.nextIndex++
	s.openIndex = index
	s.openType = block.Type

	if block.Type == canonical.ContentTypeToolUse {
		s.sawToolUse = true
	}

	return append(events, canonical.BlockStartEvent(index, block))
}

// close stops the open block, if any.
func (s *streamBlockTracker) close() []canonical.StreamEvent {
	if s.openIndex < 0 {
		return nil
	}

	index := s.openIndex
	s.openIndex = -1
	s.openType = ""

	return []canonical.StreamEvent{canonical.BlockStopEvent(index)}
}

// text appends a text delta, opening a text block when needed.
func (s *streamBlockTracker) text(text string) []canonical.StreamEvent {
	var events []canonical.StreamEvent
	if s.openType != canonical.ContentTypeText {
		events = s.open(canonical.TextBlock(""))
	}

	return append(events, canonical.TextDeltaEvent(s.openIndex, text))
}

// finish closes the open block and emits message_delta and message_stop once.
func (s *streamBlockTracker) finish(reason canonical.StopReason, usage *canonical.Usage) []canonical.StreamEvent {
	if s.messageStopSent {
		return nil
	}

	events := s.close()

	if s.sawToolUse {
		reason = canonical.StopReasonToolUse
	} else if reason == canonical.StopReasonToolUse || reason == "" {
		reason = canonical.StopReasonEndTurn
	}

	s.messageStopSent = true

	return append(events,
		canonical.MessageDeltaEvent(reason, nil, usage),
		canonical.MessageStopEvent(),
	)
}

func newStreamMessage(id, model string, usage canonical.Usage) *canonical.Response {
	return &canonical.Response{
		ID:      id,
		Type:    canonical.MessageType,
		Role:    canonical.RoleAssistant,
		Model:   model,
		Content: []canonical.ContentBlock{},
		Usage:   usage,
	}
}
