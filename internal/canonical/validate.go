package canonical

import (
	"fmt"
)

// Validate checks the structural invariants of a request before any family
// transformation runs.
func (r *Request) Validate() error {
	if r.Model == "" {
		return &TransformationError{Field: "model", Reason: "must not be empty"}
	}

	if len(r.Messages) == 0 {
		return &TransformationError{Field: "messages", Reason: "must not be empty"}
	}

	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return &TransformationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: fmt.Sprintf("unsupported role %q", m.Role)}
		}

		for j, b := range m.Content {
			if b.Type == ContentTypeToolUse && (b.ID == "" || b.Name == "") {
				return &TransformationError{Field: fmt.Sprintf("messages[%d].content[%d]", i, j), Reason: "tool_use requires id and name"}
			}

			if b.Type == ContentTypeToolResult && b.ToolUseID == "" {
				return &TransformationError{Field: fmt.Sprintf("messages[%d].content[%d].tool_use_id", i, j), Reason: "must not be empty"}
			}
		}
	}

	seen := make(map[string]bool, len(r.Tools))

	for i, t := range r.Tools {
		if t.Name == "" {
			return &TransformationError{Field: fmt.Sprintf("tools[%d].name", i), Reason: "tool definition has no name"}
		}

		if seen[t.Name] {
			return &TransformationError{Field: fmt.Sprintf("tools[%d].name", i), Reason: fmt.Sprintf("duplicate tool name %q", t.Name)}
		}

		seen[t.Name] = true
	}

	if r.ToolChoice != nil && r.ToolChoice.Type == ToolChoiceTool && !seen[r.ToolChoice.Name] {
		return &TransformationError{Field: "tool_choice.name", Reason: fmt.Sprintf("tool %q is not declared", r.ToolChoice.Name)}
	}

	return nil
}
