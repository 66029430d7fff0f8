package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

// GeminiProvider streams chat completions from the Gemini API via the Google
// Gen AI SDK. Gemini does not assign tool call IDs, so the adapter synthesizes
// them and resolves them back to function names when replaying tool results.
type GeminiProvider struct {
	client     *genai.Client
	maxRetries int
	retryDelay time.Duration

	// stream overrides stream construction in tests.
	stream func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiProvider{
		client:     client,
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return string(TypeGemini)
}

// Complete streams a completion. The returned channel is owned by a goroutine
// that retries transient failures with exponential backoff. A stream that
// fails after chunks already reached the caller is never replayed:
// re-streaming would deliver every delta twice, so the error surfaces and the
// pool's fallback walk takes over.
func (p *GeminiProvider) Complete(ctx context.Context, req *ChatRequest) (<-chan *ChatChunk, error) {
	if req == nil {
		return nil, fmt.Errorf("gemini: nil request")
	}

	chunks := make(chan *ChatChunk, 16)

	go func() {
		defer close(chunks)

		contents, err := p.convertMessages(req.Messages)
		if err != nil {
			chunks <- &ChatChunk{Error: NewError(TypeGemini, "", req.Model, err)}
			return
		}
		config := p.buildConfig(req)

		var lastErr error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			if attempt > 0 {
				delay := p.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
				select {
				case <-ctx.Done():
					chunks <- &ChatChunk{Error: ctx.Err()}
					return
				case <-time.After(delay):
				}
			}

			done, emitted, err := p.streamOnce(ctx, req.Model, contents, config, chunks)
			if done {
				return
			}
			lastErr = err
			if ctx.Err() != nil {
				chunks <- &ChatChunk{Error: ctx.Err()}
				return
			}
			if emitted || !Classify(lastErr).Transient() {
				break
			}
		}

		chunks <- &ChatChunk{Error: NewError(TypeGemini, "", req.Model, lastErr)}
	}()

	return chunks, nil
}

// streamOnce consumes one streaming attempt. done is true when the stream
// completed and the terminal chunk was emitted; emitted reports whether any
// chunk was already delivered to the caller on this attempt, which rules out
// a retry.
func (p *GeminiProvider) streamOnce(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- *ChatChunk) (done, emitted bool, _ error) {
	var inputTokens, outputTokens int

	openStream := p.stream
	if openStream == nil {
		openStream = p.client.Models.GenerateContentStream
	}

	for resp, err := range openStream(ctx, model, contents, config) {
		select {
		case <-ctx.Done():
			return false, emitted, ctx.Err()
		default:
		}

		if err != nil {
			return false, emitted, err
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					chunks <- &ChatChunk{Text: part.Text}
					emitted = true
				}
				if part.FunctionCall != nil {
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						args = []byte("{}")
					}
					chunks <- &ChatChunk{ToolCall: &models.ToolCall{
						ID:    geminiToolCallID(part.FunctionCall.Name),
						Name:  part.FunctionCall.Name,
						Input: args,
					}}
					emitted = true
				}
			}
		}
	}

	chunks <- &ChatChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	return true, emitted, nil
}

func (p *GeminiProvider) buildConfig(req *ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGeminiTools(req.Tools)
	}

	return config
}

func (p *GeminiProvider) convertMessages(messages []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		// System content travels in GenerateContentConfig.SystemInstruction.
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			// Tool results come from the user side in Gemini's model.
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{
					"result": tr.Content,
					"error":  tr.IsError,
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameFromCallID(tr.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

func convertGeminiTools(tools []ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}

	return schema
}

// geminiToolCallID synthesizes an ID for a function call. Gemini does not
// provide one.
func geminiToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// toolNameFromCallID resolves a synthesized tool call ID back to the function
// name by scanning prior assistant messages.
func toolNameFromCallID(toolCallID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
