// Package models provides domain types for the kestrel orchestration engine.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single role-tagged entry in a conversation. A conversation is
// owned by exactly one agent run and is discarded when the run ends.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
}

// ToolCall represents a model's request to execute a named tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the outcome of a tool execution. Errors are carried
// in-band with IsError set so the model can react to them in the next turn.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage reports token consumption for a single provider call. Reconciled
// against the rate limiter's optimistic pre-charge once the call completes.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
