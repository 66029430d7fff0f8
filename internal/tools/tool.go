// Package tools defines the pluggable tool boundary: named handlers
// with declared JSON Schema arguments, a validating registry, and a
// bounded-parallel executor. Feature endpoints register new tools here
// without touching the agent loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Result is the outcome of one tool execution. Failures travel in-band
// with IsError set so the model can react to them in its next turn.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Tool is one registered handler. Schema returns the JSON Schema the
// registry validates arguments against before Execute is called, so
// implementations may assume well-formed input.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// UnknownToolError reports a call to a name no tool registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}
