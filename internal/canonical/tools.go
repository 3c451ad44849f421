package canonical

import (
	"fmt"
)

// NormalizeTool resolves a tool definition given as {name, description,
// parameters|input_schema} or {function:{name, description, parameters}}
// into the single internal shape.
func NormalizeTool(raw map[string]any) (ToolDefinition, error) {
	src, wrapped := raw["function"].(map[string]any)
	if !wrapped {
		src = raw
	}

	name, _ := src["name"].(string)
	if name == "" && wrapped {
		name, _ = raw["name"].(string)
	}

	if name == "" {
		return ToolDefinition{}, &TransformationError{Field: "name", Reason: "tool definition has no name"}
	}

	description, _ := src["description"].(string)

	params := schemaField(src)
	if params == nil && wrapped {
		params = schemaField(raw)
	}

	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	return ToolDefinition{Name: name, Description: description, Parameters: params}, nil
}

func schemaField(m map[string]any) map[string]any {
	for _, key := range []string{"parameters", "input_schema"} {
		if schema, ok := m[key].(map[string]any); ok {
			return schema
		}
	}

	return nil
}

// NormalizeTools normalizes a tool list and enforces name uniqueness.
func NormalizeTools(raws []map[string]any) ([]ToolDefinition, error) {
	if len(raws) == 0 {
		return nil, nil
	}

	tools := make([]ToolDefinition, 0, len(raws))
	seen := make(map[string]bool, len(raws))

	for i, raw := range raws {
		tool, err := NormalizeTool(raw)
		if err != nil {
			return nil, &TransformationError{Field: fmt.Sprintf("tools[%d].name", i), Reason: "tool definition has no name"}
		}

		if seen[tool.Name] {
			return nil, &TransformationError{Field: fmt.Sprintf("tools[%d].name", i), Reason: fmt.Sprintf("duplicate tool name %q", tool.Name)}
		}

		seen[tool.Name] = true
		tools = append(tools, tool)
	}

	return tools, nil
}
