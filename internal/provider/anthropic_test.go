package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

func TestNewAnthropicProviderRequiresKey(t *testing.T) {
	if _, err := NewAnthropicProvider(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
	p, err := NewAnthropicProvider("test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	p, _ := NewAnthropicProvider("test-key")

	messages := []models.Message{
		{Role: models.RoleSystem, Content: "handled separately"},
		{Role: models.RoleUser, Content: "find recent papers on retrieval"},
		{Role: models.RoleAssistant, Content: "Searching now.", ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "web_search", Input: json.RawMessage(`{"query":"retrieval papers"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "call-1", Content: `{"results":[]}`},
		}},
	}

	result, err := p.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}

	// System message is dropped; tool results become a user turn.
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}
	if result[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("expected user role, got %s", result[0].Role)
	}
	if result[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("expected assistant role, got %s", result[1].Role)
	}
	if len(result[1].Content) != 2 {
		t.Errorf("expected text block plus tool use block, got %d blocks", len(result[1].Content))
	}
	if result[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("expected tool results on the user side, got %s", result[2].Role)
	}
}

func TestAnthropicConvertMessagesInvalidToolInput(t *testing.T) {
	p, _ := NewAnthropicProvider("test-key")

	messages := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "web_search", Input: json.RawMessage(`{broken`)},
		}},
	}

	if _, err := p.convertMessages(messages); err == nil {
		t.Fatal("expected error for unparseable tool call input")
	}
}

func TestAnthropicConvertTools(t *testing.T) {
	p, _ := NewAnthropicProvider("test-key")

	tools := []ToolSpec{
		{
			Name:        "web_search",
			Description: "Search the web",
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		},
	}

	result, err := p.convertTools(tools)
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result))
	}
	if result[0].OfTool == nil {
		t.Fatal("expected tool definition to be populated")
	}
	if result[0].OfTool.Name != "web_search" {
		t.Errorf("expected name web_search, got %s", result[0].OfTool.Name)
	}
}

func TestAnthropicConvertToolsInvalidSchema(t *testing.T) {
	p, _ := NewAnthropicProvider("test-key")

	tools := []ToolSpec{
		{Name: "broken", Schema: json.RawMessage(`{not json`)},
	}

	if _, err := p.convertTools(tools); err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

// scriptedDecoder feeds canned SSE events to a stream, then fails with
// err once they are exhausted.
type scriptedDecoder struct {
	events []ssestream.Event
	err    error
	pos    int
}

func (d *scriptedDecoder) Next() bool {
	if d.pos >= len(d.events) {
		return false
	}
	d.pos++
	return true
}

func (d *scriptedDecoder) Event() ssestream.Event { return d.events[d.pos-1] }

func (d *scriptedDecoder) Close() error { return nil }

func (d *scriptedDecoder) Err() error {
	if d.pos >= len(d.events) {
		return d.err
	}
	return nil
}

func collectChunks(t *testing.T, chunks <-chan *ChatChunk) []*ChatChunk {
	t.Helper()
	var collected []*ChatChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return collected
			}
			collected = append(collected, chunk)
		case <-timeout:
			t.Fatalf("timed out draining chunks; got %d so far", len(collected))
		}
	}
}

func textDeltaEvent(text string) ssestream.Event {
	return ssestream.Event{
		Type: "content_block_delta",
		Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"` + text + `"}}`),
	}
}

func TestAnthropicDoesNotReplayPartialStream(t *testing.T) {
	attempts := 0
	p := &AnthropicProvider{maxRetries: 3, retryDelay: time.Millisecond}
	p.newStream = func(context.Context, *ChatRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
		attempts++
		decoder := &scriptedDecoder{
			events: []ssestream.Event{textDeltaEvent("Hello")},
			err:    errors.New("503 server error"),
		}
		return ssestream.NewStream[anthropic.MessageStreamEventUnion](decoder, nil), nil
	}

	chunks, err := p.Complete(context.Background(), &ChatRequest{Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	collected := collectChunks(t, chunks)

	// A transient failure after text reached the caller must surface,
	// not replay the stream and deliver the delta twice.
	if attempts != 1 {
		t.Errorf("stream opened %d times, want 1", attempts)
	}
	var texts []string
	for _, chunk := range collected {
		if chunk.Text != "" {
			texts = append(texts, chunk.Text)
		}
	}
	if len(texts) != 1 || texts[0] != "Hello" {
		t.Errorf("text chunks = %v, want exactly one Hello", texts)
	}
	last := collected[len(collected)-1]
	if last.Error == nil {
		t.Fatalf("terminal chunk = %+v, want error", last)
	}
}

func TestAnthropicRetriesWhenNothingStreamed(t *testing.T) {
	attempts := 0
	p := &AnthropicProvider{maxRetries: 3, retryDelay: time.Millisecond}
	p.newStream = func(context.Context, *ChatRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
		attempts++
		if attempts == 1 {
			decoder := &scriptedDecoder{err: errors.New("429 rate limit exceeded")}
			return ssestream.NewStream[anthropic.MessageStreamEventUnion](decoder, nil), nil
		}
		decoder := &scriptedDecoder{
			events: []ssestream.Event{
				textDeltaEvent("Recovered"),
				{Type: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
			},
		}
		return ssestream.NewStream[anthropic.MessageStreamEventUnion](decoder, nil), nil
	}

	chunks, err := p.Complete(context.Background(), &ChatRequest{Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	collected := collectChunks(t, chunks)

	if attempts != 2 {
		t.Errorf("stream opened %d times, want 2", attempts)
	}
	var texts []string
	for _, chunk := range collected {
		if chunk.Text != "" {
			texts = append(texts, chunk.Text)
		}
	}
	if len(texts) != 1 || texts[0] != "Recovered" {
		t.Errorf("text chunks = %v, want exactly one Recovered", texts)
	}
	last := collected[len(collected)-1]
	if !last.Done {
		t.Fatalf("terminal chunk = %+v, want Done", last)
	}
}
