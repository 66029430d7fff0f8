package provider

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

func TestGeminiConvertMessages(t *testing.T) {
	p := &GeminiProvider{}

	messages := []models.Message{
		{Role: models.RoleSystem, Content: "handled via config"},
		{Role: models.RoleUser, Content: "find recent papers on retrieval"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_web_search_1", Name: "web_search", Input: json.RawMessage(`{"query":"retrieval papers"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "call_web_search_1", Content: `{"results":[]}`},
		}},
	}

	result, err := p.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}

	if len(result) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(result))
	}
	if result[0].Role != genai.RoleUser {
		t.Errorf("expected user role, got %s", result[0].Role)
	}
	if result[1].Role != genai.RoleModel {
		t.Errorf("expected model role for assistant message, got %s", result[1].Role)
	}
	if result[1].Parts[0].FunctionCall == nil {
		t.Fatal("expected function call part")
	}
	if result[1].Parts[0].FunctionCall.Name != "web_search" {
		t.Errorf("function call name = %q, want web_search", result[1].Parts[0].FunctionCall.Name)
	}
	if result[2].Parts[0].FunctionResponse == nil {
		t.Fatal("expected function response part")
	}
	if result[2].Parts[0].FunctionResponse.Name != "web_search" {
		t.Errorf("function response resolved name = %q, want web_search", result[2].Parts[0].FunctionResponse.Name)
	}
}

func TestGeminiConvertMessagesWrapsPlainToolResult(t *testing.T) {
	p := &GeminiProvider{}

	messages := []models.Message{
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "call_scrape_1", Content: "plain text, not json", IsError: true},
		}},
	}

	result, err := p.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}

	response := result[0].Parts[0].FunctionResponse.Response
	if response["result"] != "plain text, not json" {
		t.Errorf("expected wrapped result field, got %v", response)
	}
	if response["error"] != true {
		t.Errorf("expected error flag preserved, got %v", response["error"])
	}
}

func TestGeminiBuildConfig(t *testing.T) {
	p := &GeminiProvider{}
	temp := float32(0.2)

	config := p.buildConfig(&ChatRequest{
		System:      "You are a research assistant.",
		MaxTokens:   2048,
		Temperature: &temp,
		Tools: []ToolSpec{
			{Name: "web_search", Description: "Search the web", Schema: json.RawMessage(`{"type":"object"}`)},
		},
	})

	if config.SystemInstruction == nil || config.SystemInstruction.Parts[0].Text != "You are a research assistant." {
		t.Error("expected system instruction to be set")
	}
	if config.MaxOutputTokens != 2048 {
		t.Errorf("MaxOutputTokens = %d, want 2048", config.MaxOutputTokens)
	}
	if config.Temperature == nil || *config.Temperature != 0.2 {
		t.Error("expected temperature to be set")
	}
	if len(config.Tools) != 1 {
		t.Fatalf("expected 1 tool group, got %d", len(config.Tools))
	}
}

func TestToGeminiSchema(t *testing.T) {
	schemaMap := map[string]any{
		"type":        "object",
		"description": "search arguments",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"kind": map[string]any{
				"type": "string",
				"enum": []any{"web", "news"},
			},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"query"},
	}

	schema := toGeminiSchema(schemaMap)

	if schema.Type != genai.TypeObject {
		t.Errorf("Type = %v, want OBJECT", schema.Type)
	}
	if schema.Description != "search arguments" {
		t.Errorf("Description = %q", schema.Description)
	}
	if len(schema.Properties) != 3 {
		t.Fatalf("expected 3 properties, got %d", len(schema.Properties))
	}
	if got := schema.Properties["kind"].Enum; len(got) != 2 {
		t.Errorf("enum = %v, want two values", got)
	}
	if schema.Properties["tags"].Items == nil {
		t.Error("expected items schema for array property")
	}
	if len(schema.Required) != 1 || schema.Required[0] != "query" {
		t.Errorf("Required = %v, want [query]", schema.Required)
	}
}

func TestConvertGeminiToolsSkipsBadSchema(t *testing.T) {
	tools := convertGeminiTools([]ToolSpec{
		{Name: "broken", Schema: json.RawMessage(`{not json`)},
	})
	if tools != nil {
		t.Errorf("expected nil for all-invalid tools, got %v", tools)
	}
}

func TestGeminiToolCallID(t *testing.T) {
	id := geminiToolCallID("web_search")
	if !strings.HasPrefix(id, "call_web_search_") {
		t.Errorf("unexpected ID format: %q", id)
	}
}

func TestToolNameFromCallIDPrefersHistory(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_web_search_42", Name: "web_search"},
		}},
	}

	if got := toolNameFromCallID("call_web_search_42", messages); got != "web_search" {
		t.Errorf("resolved name = %q, want web_search", got)
	}
}

func geminiTextResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: text}}}},
		},
	}
}

func TestGeminiDoesNotReplayPartialStream(t *testing.T) {
	attempts := 0
	p := &GeminiProvider{maxRetries: 3, retryDelay: time.Millisecond}
	p.stream = func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		attempts++
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			if !yield(geminiTextResponse("Hello"), nil) {
				return
			}
			yield(nil, errors.New("503 server error"))
		}
	}

	chunks, err := p.Complete(context.Background(), &ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
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

func TestGeminiRetriesWhenNothingStreamed(t *testing.T) {
	attempts := 0
	p := &GeminiProvider{maxRetries: 3, retryDelay: time.Millisecond}
	p.stream = func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		attempts++
		if attempts == 1 {
			return func(yield func(*genai.GenerateContentResponse, error) bool) {
				yield(nil, errors.New("429 rate limit exceeded"))
			}
		}
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			yield(geminiTextResponse("Recovered"), nil)
		}
	}

	chunks, err := p.Complete(context.Background(), &ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
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
