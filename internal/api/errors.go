package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pianzhu/smartthings-mcp/internal/fallback"
)

// toolError is the body of a failed tool call. Raw errors never reach the
// caller; only the classified kind, remediation and user message do.
type toolError struct {
	fallback.Response
	SupportedCommands []string `json:"supported_commands,omitempty"`
}

func invalidParam(msg string) *fallback.Response {
	return &fallback.Response{
		Kind:        fallback.ParameterInvalid,
		Fallback:    fallback.SelectFallback(fallback.ParameterInvalid),
		UserMessage: msg,
	}
}

func mcpFailure(resp *fallback.Response, supported []string) *mcp.CallToolResult {
	b, err := json.Marshal(toolError{Response: *resp, SupportedCommands: supported})
	if err != nil {
		return mcpError(resp.UserMessage)
	}
	return mcpError(string(b))
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpFailure(&fallback.Response{
			Kind:        fallback.Unknown,
			Fallback:    fallback.SelectFallback(fallback.Unknown),
			UserMessage: "I encountered an unexpected error. Could you try rephrasing your request?",
		}, nil)
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
