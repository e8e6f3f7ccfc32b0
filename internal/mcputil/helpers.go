// Package mcputil reads raw MCP tool arguments and builds tool results for
// handlers registered with the go-sdk's untyped AddTool.
package mcputil

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// GetString extracts a string value from raw JSON arguments.
// Returns defaultVal if the key is absent or not a string.
func GetString(raw json.RawMessage, key, defaultVal string) string {
	v, ok := parseArgs(raw)[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

// GetInt extracts an integer value from raw JSON arguments.
// JSON numbers are float64, so this truncates to int.
// Returns defaultVal if the key is absent or not a number.
func GetInt(raw json.RawMessage, key string, defaultVal int) int {
	v, ok := parseArgs(raw)[key]
	if !ok {
		return defaultVal
	}
	f, ok := v.(float64)
	if !ok {
		return defaultVal
	}
	return int(f)
}

// Require returns the named string argument or an error naming it.
func Require(raw json.RawMessage, key string) (string, error) {
	s := GetString(raw, key, "")
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// ObjectSchema builds a flat object input schema. props maps argument names
// to a JSON type and description.
func ObjectSchema(props map[string][2]string, required ...string) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(props)),
		Required:   required,
	}
	for name, p := range props {
		s.Properties[name] = &jsonschema.Schema{Type: p[0], Description: p[1]}
	}
	return s
}

// NewToolResultText creates a successful CallToolResult with text content.
func NewToolResultText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// NewToolResultJSON creates a successful CallToolResult holding v as
// indented JSON text.
func NewToolResultJSON(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return NewToolResultError("encoding result: " + err.Error())
	}
	return NewToolResultText(string(data))
}

// NewToolResultError creates an error CallToolResult with text content.
func NewToolResultError(msg string) *mcp.CallToolResult {
	var r mcp.CallToolResult
	r.SetError(fmt.Errorf("%s", msg))
	return &r
}

func parseArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
