package canonical

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	ContentTypeText       = "text"
	ContentTypeToolUse    = "tool_use"
	ContentTypeToolResult = "tool_result"

	MessageType = "message"
)

// StopReason is the canonical reason generation ended.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// MarshalJSON writes an unset stop reason as null, as message_start does.
func (s StopReason) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}

	return json.Marshal(string(s))
}

// Request is the inbound messages request every provider family is fed from.
type Request struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	System      string           `json:"system,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *ToolChoice      `json:"tool_choice,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Metadata    Metadata         `json:"metadata,omitempty"`
}

// Metadata carries correlation ids and routing hints. Only UserID is ever
// forwarded to a provider.
type Metadata struct {
	UserID    string            `json:"user_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Category  string            `json:"category,omitempty"`
	Hints     map[string]string `json:"hints,omitempty"`
}

// HasTools reports whether the request declares at least one tool.
func (r *Request) HasTools() bool {
	return len(r.Tools) > 0
}

// Clone returns a copy of the request whose message list can be modified
// without affecting the original.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = Message{Role: m.Role, Content: append([]ContentBlock(nil), m.Content...)}
	}
	out.Tools = append([]ToolDefinition(nil), r.Tools...)

	return &out
}

func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request

	aux := struct {
		*alias
		System json.RawMessage  `json:"system,omitempty"`
		Tools  []map[string]any `json:"tools,omitempty"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	system, err := decodeSystem(aux.System)
	if err != nil {
		return err
	}

	r.System = system

	tools, err := NormalizeTools(aux.Tools)
	if err != nil {
		return err
	}

	r.Tools = tools

	return nil
}

// decodeSystem accepts either a plain string or an array of text blocks.
func decodeSystem(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", &TransformationError{Field: "system", Reason: "must be a string or an array of text blocks", Err: err}
	}

	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == ContentTypeText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}

	return strings.Join(parts, "\n"), nil
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.Role = aux.Role
	m.Content = nil

	if len(aux.Content) == 0 || string(aux.Content) == "null" {
		return nil
	}

	var text string
	if err := json.Unmarshal(aux.Content, &text); err == nil {
		m.Content = []ContentBlock{{Type: ContentTypeText, Text: text}}
		return nil
	}

	return json.Unmarshal(aux.Content, &m.Content)
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ContentBlock {
	var out []ContentBlock

	for _, b := range m.Content {
		if b.Type == ContentTypeToolUse {
			out = append(out, b)
		}
	}

	return out
}

// Text concatenates every text block of the message.
func (m Message) Text() string {
	var sb strings.Builder

	for _, b := range m.Content {
		if b.Type == ContentTypeText {
			sb.WriteString(b.Text)
		}
	}

	return sb.String()
}

// ContentBlock is a tagged union of text, tool_use and tool_result. Blocks of
// any other type keep their raw JSON so passthrough families can forward them.
type ContentBlock struct {
	Type string

	Text string

	ID    string
	Name  string
	Input map[string]any

	ToolUseID string
	Content   any
	IsError   bool

	Raw json.RawMessage
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: ContentTypeToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID string, content any) ContentBlock {
	return ContentBlock{Type: ContentTypeToolResult, ToolUseID: toolUseID, Content: content}
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      *string         `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case ContentTypeText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	case ContentTypeToolUse:
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}

		return json.Marshal(struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case ContentTypeToolResult:
		return json.Marshal(struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
			Content   any    `json:"content,omitempty"`
			IsError   bool   `json:"is_error,omitempty"`
		}{b.Type, b.ToolUseID, b.Content, b.IsError})
	default:
		if len(b.Raw) > 0 {
			return b.Raw, nil
		}

		return json.Marshal(struct {
			Type string `json:"type"`
		}{b.Type})
	}
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*b = ContentBlock{Type: w.Type}

	switch w.Type {
	case ContentTypeText:
		if w.Text != nil {
			b.Text = *w.Text
		}
	case ContentTypeToolUse:
		b.ID = w.ID
		b.Name = w.Name

		if len(w.Input) > 0 && string(w.Input) != "null" {
			if err := json.Unmarshal(w.Input, &b.Input); err != nil {
				return &TransformationError{Field: "tool_use.input", Reason: "must be a JSON object", Err: err}
			}
		}
	case ContentTypeToolResult:
		b.ToolUseID = w.ToolUseID
		b.IsError = w.IsError

		if len(w.Content) > 0 && string(w.Content) != "null" {
			if err := json.Unmarshal(w.Content, &b.Content); err != nil {
				return err
			}
		}
	default:
		b.Raw = append(json.RawMessage(nil), data...)
	}

	return nil
}

// ResultText flattens a tool_result content value into plain text.
func (b ContentBlock) ResultText() string {
	switch v := b.Content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var sb strings.Builder

		for _, item := range v {
			if m, ok := item.(map[string]any); ok && m["type"] == ContentTypeText {
				if t, ok := m["text"].(string); ok {
					sb.WriteString(t)
					continue
				}
			}

			if data, err := json.Marshal(item); err == nil {
				sb.Write(data)
			}
		}

		return sb.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(data)
	}
}

// ToolDefinition is the single internal tool shape every family maps from.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"input_schema"`
}

// ToolChoiceType is the canonical tool_choice directive.
type ToolChoiceType string

const (
	ToolChoiceAuto ToolChoiceType = "auto"
	ToolChoiceAny  ToolChoiceType = "any"
	ToolChoiceTool ToolChoiceType = "tool"
	ToolChoiceNone ToolChoiceType = "none"
)

type ToolChoice struct {
	Type ToolChoiceType `json:"type"`
	Name string         `json:"name,omitempty"`
}

func (c *ToolChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "auto":
			c.Type = ToolChoiceAuto
		case "any", "required":
			c.Type = ToolChoiceAny
		case "none":
			c.Type = ToolChoiceNone
		default:
			return &TransformationError{Field: "tool_choice", Reason: fmt.Sprintf("unsupported value %q", s)}
		}

		return nil
	}

	var obj struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		Function *struct {
			Name string `json:"name"`
		} `json:"function"`
	}

	if err := json.Unmarshal(data, &obj); err != nil {
		return &TransformationError{Field: "tool_choice", Reason: "must be a string or an object", Err: err}
	}

	switch obj.Type {
	case "auto", "":
		c.Type = ToolChoiceAuto
	case "any", "required":
		c.Type = ToolChoiceAny
	case "none":
		c.Type = ToolChoiceNone
	case "tool":
		c.Type = ToolChoiceTool
		c.Name = obj.Name
	case "function":
		c.Type = ToolChoiceTool
		if obj.Function != nil {
			c.Name = obj.Function.Name
		}
	default:
		return &TransformationError{Field: "tool_choice.type", Reason: fmt.Sprintf("unsupported value %q", obj.Type)}
	}

	if c.Type == ToolChoiceTool && c.Name == "" {
		return &TransformationError{Field: "tool_choice.name", Reason: "required when type is tool"}
	}

	return nil
}

// Usage reports token accounting for one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a fully computed assistant message.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   StopReason     `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// HasToolUse reports whether the content contains at least one tool_use block.
func (r *Response) HasToolUse() bool {
	for _, b := range r.Content {
		if b.Type == ContentTypeToolUse {
			return true
		}
	}

	return false
}

// ApplyContentDrivenStopReason forces stop_reason to tool_use whenever the
// content carries a tool call, and away from tool_use when it does not.
func (r *Response) ApplyContentDrivenStopReason() {
	switch {
	case r.HasToolUse():
		r.StopReason = StopReasonToolUse
	case r.StopReason == StopReasonToolUse || r.StopReason == "":
		r.StopReason = StopReasonEndTurn
	}
}
