package models

import (
	"encoding/json"
	"time"
)

// ProgressEvent is the unified event model streamed to callers while an agent
// run is in flight. It drives SSE and WebSocket transports as well as logging.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
//   - Consumers must tolerate unknown event types
type ProgressEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type ProgressEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a run for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// RunID identifies the agent run.
	RunID string `json:"run_id,omitempty"`

	// Iteration is the 0-based agent loop iteration this event belongs to.
	Iteration int `json:"iteration,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Model *ModelEventPayload `json:"model,omitempty"`
	Tool  *ToolEventPayload  `json:"tool,omitempty"`
	Done  *DoneEventPayload  `json:"done,omitempty"`
	Error *ErrorEventPayload `json:"error,omitempty"`
}

// ProgressEventType identifies the kind of progress event.
type ProgressEventType string

const (
	// Model lifecycle and streaming.
	EventLLMRequest      ProgressEventType = "llm_request"
	EventLLMResponse     ProgressEventType = "llm_response"
	EventMessageDelta    ProgressEventType = "message_delta"
	EventMessageComplete ProgressEventType = "message_complete"

	// Tool execution.
	EventToolStart    ProgressEventType = "tool_start"
	EventToolProgress ProgressEventType = "tool_progress"
	EventToolComplete ProgressEventType = "tool_complete"
	EventToolError    ProgressEventType = "tool_error"

	// Run terminals.
	EventAgentComplete ProgressEventType = "agent_complete"
	EventError         ProgressEventType = "error"
)

// ModelEventPayload carries provider call metadata and streamed deltas.
type ModelEventPayload struct {
	// Provider and Model identify the credential that served the call.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Delta is incremental assistant text (message_delta events).
	Delta string `json:"delta,omitempty"`

	// Final is the full assistant text (llm_response, message_complete).
	Final string `json:"final,omitempty"`

	// ToolCallCount is how many tool calls the response requested.
	ToolCallCount int `json:"tool_call_count,omitempty"`

	// Token counts, when the provider reports them.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ToolEventPayload describes a tool invocation's lifecycle.
type ToolEventPayload struct {
	// CallID identifies this specific tool invocation.
	CallID string `json:"call_id,omitempty"`

	// Name is the tool name.
	Name string `json:"name,omitempty"`

	// ArgsJSON is the raw JSON arguments (tool_start events).
	ArgsJSON json.RawMessage `json:"args_json,omitempty"`

	// Chunk is intermediate output (tool_progress events).
	Chunk string `json:"chunk,omitempty"`

	// Output is the final result content (tool_complete events).
	Output string `json:"output,omitempty"`

	// Error is the failure message (tool_error events).
	Error string `json:"error,omitempty"`

	// Elapsed is how long the execution took.
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// StopReason explains why an agent run reached a terminal state.
type StopReason string

const (
	// StopReasonComplete means the model produced a final answer.
	StopReasonComplete StopReason = "complete"

	// StopReasonIterationLimit means the loop hit its iteration cap and is
	// returning the best partial content accumulated so far.
	StopReasonIterationLimit StopReason = "iteration_limit"
)

// DoneEventPayload carries the final answer on agent_complete events.
type DoneEventPayload struct {
	Content    string     `json:"content"`
	StopReason StopReason `json:"stop_reason"`
	Iterations int        `json:"iterations"`
	Usage      Usage      `json:"usage"`
}

// ErrorEventPayload carries a terminal failure. Message always includes the
// underlying cause; generic "request failed" strings are never emitted.
type ErrorEventPayload struct {
	Message string `json:"message"`

	// Retriable hints whether the caller may retry the request.
	Retriable bool `json:"retriable"`
}
