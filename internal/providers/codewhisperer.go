package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

// CodeWhispererTransformer maps requests to the conversationState format and
// reads binary event-stream responses. The family has no native streaming, so
// streamed clients are served by the simulator.
type CodeWhispererTransformer struct{}

func NewCodeWhispererTransformer() *CodeWhispererTransformer {
	return &CodeWhispererTransformer{}
}

func (p *CodeWhispererTransformer) Family() Family {
	return FamilyCodeWhisperer
}

func (p *CodeWhispererTransformer) AuthHeaders(apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}

	return map[string]string{"Authorization": "Bearer " + apiKey}
}

type cwRequest struct {
	ConversationState cwConversationState `json:"conversationState"`
}

type cwConversationState struct {
	ChatTriggerType string           `json:"chatTriggerType"`
	ConversationID  string           `json:"conversationId"`
	CurrentMessage  cwHistoryEntry   `json:"currentMessage"`
	History         []cwHistoryEntry `json:"history,omitempty"`
}

type cwHistoryEntry struct {
	UserInputMessage         *cwUserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *cwAssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type cwUserInputMessage struct {
	Content                 string                     `json:"content"`
	ModelID                 string                     `json:"modelId"`
	Origin                  string                     `json:"origin"`
	UserInputMessageContext *cwUserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type cwUserInputMessageContext struct {
	Tools       []cwTool       `json:"tools,omitempty"`
	ToolResults []cwToolResult `json:"toolResults,omitempty"`
}

type cwTool struct {
	ToolSpecification cwToolSpecification `json:"toolSpecification"`
}

type cwToolSpecification struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	InputSchema cwInputSchema `json:"inputSchema"`
}

type cwInputSchema struct {
	JSON map[string]any `json:"json"`
}

type cwToolResult struct {
	ToolUseID string          `json:"toolUseId"`
	Content   []cwTextContent `json:"content"`
	Status    string          `json:"status"`
}

type cwTextContent struct {
	Text string `json:"text"`
}

type cwAssistantResponseMessage struct {
	Content  string      `json:"content"`
	ToolUses []cwToolUse `json:"toolUses,omitempty"`
}

type cwToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// Event payloads
type cwAssistantResponseEvent struct {
	Content string `json:"content"`
}

type cwToolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

func (p *CodeWhispererTransformer) ToNative(req *canonical.Request) (*NativeRequest, error) {
	prepared, err := prepareRequest(FamilyCodeWhisperer, req)
	if err != nil {
		return nil, err
	}

	last := prepared.Messages[len(prepared.Messages)-1]
	if last.Role != canonical.RoleUser {
		return nil, &canonical.TransformationError{
			Family: string(FamilyCodeWhisperer),
			Field:  fmt.Sprintf("messages[%d].role", len(prepared.Messages)-1),
			Reason: "conversation must end with a user turn",
		}
	}

	history := make([]cwHistoryEntry, 0, len(prepared.Messages))

	// The system prompt rides on the first user turn.
	system := prepared.System

	for _, msg := range prepared.Messages[:len(prepared.Messages)-1] {
		if msg.Role == canonical.RoleAssistant {
			history = append(history, cwHistoryEntry{AssistantResponseMessage: p.assistantMessage(msg)})
			continue
		}

		content := p.userContent(msg)
		if system != "" {
			content = system + "\n\n" + content
			system = ""
		}

		history = append(history, cwHistoryEntry{UserInputMessage: &cwUserInputMessage{
			Content:                 content,
			ModelID:                 prepared.Model,
			Origin:                  "AI_EDITOR",
			UserInputMessageContext: p.toolResultsContext(msg),
		}})
	}

	current := &cwUserInputMessage{
		Content: p.userContent(last),
		ModelID: prepared.Model,
		Origin:  "AI_EDITOR",
	}

	if system != "" {
		current.Content = system + "\n\n" + current.Content
	}

	msgContext := p.toolResultsContext(last)
	if len(prepared.Tools) > 0 {
		if msgContext == nil {
			msgContext = &cwUserInputMessageContext{}
		}

		for _, t := range prepared.Tools {
			msgContext.Tools = append(msgContext.Tools, cwTool{ToolSpecification: cwToolSpecification{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: cwInputSchema{JSON: t.Parameters},
			}})
		}
	}

	current.UserInputMessageContext = msgContext

	native := cwRequest{
		ConversationState: cwConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  conversationID(prepared),
			CurrentMessage:  cwHistoryEntry{UserInputMessage: current},
			History:         history,
		},
	}

	body, err := marshalNative(FamilyCodeWhisperer, native)
	if err != nil {
		return nil, err
	}

	// The upstream always answers with a complete event-stream body.
	return &NativeRequest{Family: FamilyCodeWhisperer, Model: prepared.Model, Path: "/generateAssistantResponse", Body: body}, nil
}

// conversationID is the session id, else a name-based UUID of the opening
// of the conversation so every turn of it maps to the same id.
func conversationID(req *canonical.Request) string {
	if req.Metadata.SessionID != "" {
		return req.Metadata.SessionID
	}

	var sb strings.Builder
	sb.WriteString(req.Model)
	sb.WriteString("\x00")
	sb.WriteString(req.System)

	if first, err := json.Marshal(req.Messages[0]); err == nil {
		sb.WriteString("\x00")
		sb.Write(first)
	}

	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("conversation:"+sb.String())).String()
}

func (p *CodeWhispererTransformer) userContent(msg canonical.Message) string {
	var parts []string

	for _, b := range msg.Content {
		if b.Type == canonical.ContentTypeText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}

	if len(parts) == 0 {
		// The service rejects empty user content next to tool results.
		return "continue"
	}

	return strings.Join(parts, "\n")
}

func (p *CodeWhispererTransformer) toolResultsContext(msg canonical.Message) *cwUserInputMessageContext {
	var results []cwToolResult

	for _, b := range msg.Content {
		if b.Type != canonical.ContentTypeToolResult {
			continue
		}

		status := "success"
		if b.IsError {
			status = "error"
		}

		results = append(results, cwToolResult{
			ToolUseID: b.ToolUseID,
			Content:   []cwTextContent{{Text: b.ResultText()}},
			Status:    status,
		})
	}

	if len(results) == 0 {
		return nil
	}

	return &cwUserInputMessageContext{ToolResults: results}
}

func (p *CodeWhispererTransformer) assistantMessage(msg canonical.Message) *cwAssistantResponseMessage {
	out := &cwAssistantResponseMessage{}

	var text []string

	for _, b := range msg.Content {
		switch b.Type {
		case canonical.ContentTypeText:
			text = append(text, b.Text)
		case canonical.ContentTypeToolUse:
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}

			out.ToolUses = append(out.ToolUses, cwToolUse{ToolUseID: b.ID, Name: b.Name, Input: input})
		}
	}

	out.Content = strings.Join(text, "\n")

	return out
}

// ToCanonical folds the binary frames into one response. Text events are
// concatenated; tool input fragments are joined per toolUseId.
func (p *CodeWhispererTransformer) ToCanonical(body []byte, originalModel, requestID string) (*canonical.Response, error) {
	events, err := decodeEventStream(FamilyCodeWhisperer, body)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, &canonical.TransformationError{Family: string(FamilyCodeWhisperer), Field: "events", Reason: "response has no events", Err: canonical.ErrEmptyResponse}
	}

	var (
		text     strings.Builder
		order    []string
		names    = make(map[string]string)
		inputs   = make(map[string]*strings.Builder)
		produced bool
	)

	for _, event := range events {
		switch event.EventType {
		case "assistantResponseEvent":
			var payload cwAssistantResponseEvent
			if err := unmarshalNative(FamilyCodeWhisperer, event.Payload, &payload); err != nil {
				return nil, err
			}

			text.WriteString(payload.Content)
			produced = true
		case "toolUseEvent":
			var payload cwToolUseEvent
			if err := unmarshalNative(FamilyCodeWhisperer, event.Payload, &payload); err != nil {
				return nil, err
			}

			if _, seen := inputs[payload.ToolUseID]; !seen {
				order = append(order, payload.ToolUseID)
				inputs[payload.ToolUseID] = &strings.Builder{}
			}

			if payload.Name != "" {
				names[payload.ToolUseID] = payload.Name
			}

			inputs[payload.ToolUseID].WriteString(payload.Input)
			produced = true
		}
	}

	if !produced {
		return nil, &canonical.TransformationError{Family: string(FamilyCodeWhisperer), Field: "events", Reason: "response has no assistant or tool events", Err: canonical.ErrEmptyResponse}
	}

	resp := &canonical.Response{
		Model:      originalModel,
		Content:    []canonical.ContentBlock{},
		StopReason: canonical.StopReasonEndTurn,
	}

	if text.Len() > 0 {
		resp.Content = append(resp.Content, canonical.TextBlock(text.String()))
	}

	for _, id := range order {
		input, err := ParseToolArguments(inputs[id].String())
		if err != nil {
			return nil, &canonical.TransformationError{Family: string(FamilyCodeWhisperer), Field: "toolUseEvent.input", Reason: fmt.Sprintf("invalid input for tool %q", names[id]), Err: err}
		}

		resp.Content = append(resp.Content, canonical.ToolUseBlock(toCanonicalToolID(id), names[id], input))
	}

	return finalizeResponse(resp, requestID), nil
}
