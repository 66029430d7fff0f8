package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeTool is a configurable tool for registry and executor tests.
type fakeTool struct {
	name    string
	schema  string
	delay   time.Duration
	result  *Result
	err     error
	execute func(ctx context.Context, args json.RawMessage) (*Result, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool " + f.name }

func (f *fakeTool) Schema() json.RawMessage {
	if f.schema != "" {
		return json.RawMessage(f.schema)
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &Result{Content: "ok from " + f.name}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "web_search"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tool, ok := r.Get("web_search")
	if !ok {
		t.Fatal("Get() did not find registered tool")
	}
	if tool.Name() != "web_search" {
		t.Errorf("tool name = %q, want web_search", tool.Name())
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get() found a tool that was never registered")
	}
}

func TestRegisterRejectsBadName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: ""}); err == nil {
		t.Error("Register() accepted empty name")
	}
	if err := r.Register(&fakeTool{name: strings.Repeat("x", maxToolNameLength+1)}); err == nil {
		t.Error("Register() accepted oversized name")
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&fakeTool{name: "broken", schema: `{"type": 42}`})
	if err == nil {
		t.Fatal("Register() accepted an invalid schema")
	}
	if !strings.Contains(err.Error(), "compile schema") {
		t.Errorf("error = %v, want schema compilation failure", err)
	}
}

func TestSpecsSortedByName(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"web_fetch", "transcribe", "web_search"} {
		if err := r.Register(&fakeTool{name: name}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	specs := r.Specs()
	if len(specs) != 3 {
		t.Fatalf("Specs() returned %d specs, want 3", len(specs))
	}
	want := []string{"transcribe", "web_fetch", "web_search"}
	for i, spec := range specs {
		if spec.Name != want[i] {
			t.Errorf("specs[%d].Name = %q, want %q", i, spec.Name, want[i])
		}
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", json.RawMessage(`{}`))

	var unknown *UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("Execute() error = %v, want *UnknownToolError", err)
	}
	if unknown.Name != "nope" {
		t.Errorf("UnknownToolError.Name = %q, want nope", unknown.Name)
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry()
	schema := `{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"]
	}`
	if err := r.Register(&fakeTool{name: "web_search", schema: schema}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name    string
		args    string
		isError bool
	}{
		{"valid", `{"query": "golang"}`, false},
		{"missing required", `{}`, true},
		{"wrong type", `{"query": 7}`, true},
		{"not json", `{broken`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := r.Execute(context.Background(), "web_search", json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if result.IsError != tt.isError {
				t.Errorf("IsError = %v, want %v (content: %s)", result.IsError, tt.isError, result.Content)
			}
		})
	}
}

func TestExecuteEmptyArgsDefaultsToObject(t *testing.T) {
	r := NewRegistry()
	var got json.RawMessage
	tool := &fakeTool{
		name: "noargs",
		execute: func(_ context.Context, args json.RawMessage) (*Result, error) {
			got = args
			return &Result{Content: "ran"}, nil
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := r.Execute(context.Background(), "noargs", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("Execute() returned error result: %s", result.Content)
	}
	if string(got) != "{}" {
		t.Errorf("tool received args %q, want {}", got)
	}
}

func TestExecuteRejectsOversizedArguments(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "big"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	huge := json.RawMessage(strings.Repeat("a", maxToolParamsSize+1))
	result, err := r.Execute(context.Background(), "big", huge)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("Execute() accepted oversized arguments")
	}
}
