package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

// OpenAIProvider speaks the OpenAI chat completion protocol. Groq,
// Together, and self-hosted gateways expose the same wire format, so
// one adapter covers every Type whose BaseURL points at an
// OpenAI-compatible service.
//
// Protocol specifics this adapter handles:
//   - System prompts are injected into the messages array
//   - Tool calls stream incrementally and must be accumulated by index
//   - Tool results require one separate "tool" message per call
//   - Token usage arrives in a final usage-only chunk when requested
type OpenAIProvider struct {
	client       *openai.Client
	providerType Type

	// maxRetries and retryDelay govern stream creation retries for
	// transient failures. Delay grows linearly per attempt.
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider creates an adapter for an OpenAI-protocol service.
// baseURL is empty for api.openai.com and required for compatible
// gateways (Groq, Together, self-hosted).
func NewOpenAIProvider(providerType Type, apiKey, baseURL string) *OpenAIProvider {
	p := &OpenAIProvider{
		providerType: providerType,
		maxRetries:   3,
		retryDelay:   time.Second,
	}
	if apiKey == "" {
		return p
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

// Name returns the provider type name for logging and metrics.
func (p *OpenAIProvider) Name() string {
	return string(p.providerType)
}

// Complete sends a chat request and returns a streaming response
// channel. Stream creation is retried with linear backoff for
// transient failures; errors after the stream opens are delivered
// through the channel.
func (p *OpenAIProvider) Complete(ctx context.Context, req *ChatRequest) (<-chan *ChatChunk, error) {
	if p.client == nil {
		return nil, errors.New("API key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !Classify(lastErr).Transient() {
			return nil, fmt.Errorf("non-retryable error: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}

	chunks := make(chan *ChatChunk)
	go p.processStream(ctx, stream, chunks)

	return chunks, nil
}

// processStream consumes the wire stream and converts it to ChatChunks.
//
// Tool calls arrive fragmented: the first delta for an index carries
// the ID and function name, later deltas append argument JSON. They
// are emitted only once complete, signalled by the "tool_calls"
// finish reason or end of stream, in ascending index order so the
// executor and the conversation see them as the model requested them.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *ChatChunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int

	emitPending := func() {
		indexes := make([]int, 0, len(toolCalls))
		for index := range toolCalls {
			indexes = append(indexes, index)
		}
		sort.Ints(indexes)
		for _, index := range indexes {
			tc := toolCalls[index]
			if tc.ID != "" && tc.Name != "" {
				chunks <- &ChatChunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &ChatChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				emitPending()
				chunks <- &ChatChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &ChatChunk{Error: err, Done: true}
			return
		}

		// The usage-only chunk has no choices.
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta

		if delta.Content != "" {
			chunks <- &ChatChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				var current string
				if toolCalls[index].Input != nil {
					current = string(toolCalls[index].Input)
				}
				toolCalls[index].Input = json.RawMessage(current + tc.Function.Arguments)
			}
		}

		if response.Choices[0].FinishReason == "tool_calls" {
			emitPending()
		}
	}
}

// convertMessages translates the internal message format to the wire
// format. The system prompt becomes the first message; each tool
// result becomes its own "tool" role message linked by call ID.
func (p *OpenAIProvider) convertMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}

	return result
}

// convertTools translates tool specs to function definitions. A spec
// with an unparseable schema degrades to an empty object schema so one
// bad tool cannot break the whole request.
func (p *OpenAIProvider) convertTools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}
