// Package mcptools exposes the compiler and schema cache as MCP tools.
//
// Each tool is a struct with its dependencies injected via constructor,
// a Definition returning the mcp.Tool schema and a Handle method.
package mcptools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// stringsArg accepts a JSON array of strings or a comma separated string.
func stringsArg(req mcp.CallToolRequest, key string) []string {
	var out []string
	switch v := req.GetArguments()[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// decodeArg re-decodes a structured argument into v. Clients that cannot
// send nested JSON may pass it as a string.
func decodeArg(req mcp.CallToolRequest, key string, v any) error {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return fmt.Errorf("'%s' is required", key)
	}
	var data []byte
	if s, isString := raw.(string); isString {
		data = []byte(s)
	} else {
		var err error
		if data, err = json.Marshal(raw); err != nil {
			return fmt.Errorf("encode '%s': %w", key, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode '%s': %w", key, err)
	}
	return nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
