package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

// maxEmptyStreamEvents bounds how many consecutive events may arrive without
// producing any usable delta before we treat the stream as malformed.
const maxEmptyStreamEvents = 300

// AnthropicProvider streams chat completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration

	// newStream overrides stream construction in tests.
	newStream func(ctx context.Context, req *ChatRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error)
}

// NewAnthropicProvider builds a provider for the given credential key.
func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return string(TypeAnthropic)
}

// Complete streams a completion. The returned channel is owned by a goroutine
// that handles retries with exponential backoff; callers receive a terminal
// chunk (Done or Error) before the channel closes. A stream that fails after
// chunks already reached the caller is never replayed: re-streaming would
// deliver every delta twice, so the error surfaces and the pool's fallback
// walk takes over.
func (p *AnthropicProvider) Complete(ctx context.Context, req *ChatRequest) (<-chan *ChatChunk, error) {
	if req == nil {
		return nil, fmt.Errorf("anthropic: nil request")
	}

	openStream := p.newStream
	if openStream == nil {
		openStream = p.createStream
	}

	chunks := make(chan *ChatChunk, 16)

	go func() {
		defer close(chunks)

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

			stream, err := openStream(ctx, req)
			if err != nil {
				lastErr = err
				if !Classify(err).Transient() {
					break
				}
				continue
			}

			done, emitted := p.processStream(ctx, stream, req, chunks)
			if done {
				return
			}
			lastErr = stream.Err()
			if emitted || lastErr == nil || !Classify(lastErr).Transient() {
				break
			}
		}

		chunks <- &ChatChunk{Error: NewError(TypeAnthropic, "", req.Model, lastErr)}
	}()

	return chunks, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *ChatRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// processStream drains the SSE stream into chunks. done is true when the
// stream terminated normally (message_stop) or the context was cancelled;
// when done is false the caller may consider retrying via stream.Err(), but
// only if emitted is false: emitted reports whether any chunk was already
// delivered to the caller on this attempt.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], req *ChatRequest, chunks chan<- *ChatChunk) (done, emitted bool) {
	var (
		inputTokens     int
		outputTokens    int
		currentToolCall *models.ToolCall
		toolInput       strings.Builder
		emptyEvents     int
	)

	for stream.Next() {
		select {
		case <-ctx.Done():
			chunks <- &ChatChunk{Error: ctx.Err()}
			return true, emitted
		default:
		}

		event := stream.Current()
		produced := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			inputTokens = int(start.Message.Usage.InputTokens)
			produced = true

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if block := blockStart.ContentBlock.AsToolUse(); block.ID != "" {
				currentToolCall = &models.ToolCall{ID: block.ID, Name: block.Name}
				toolInput.Reset()
				produced = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text != "" {
					chunks <- &ChatChunk{Text: delta.Delta.Text}
					emitted = true
					produced = true
				}
			case "input_json_delta":
				if currentToolCall != nil {
					toolInput.WriteString(delta.Delta.PartialJSON)
					produced = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				currentToolCall.Input = json.RawMessage(args)
				chunks <- &ChatChunk{ToolCall: currentToolCall}
				emitted = true
				currentToolCall = nil
				produced = true
			}

		case "message_delta":
			msgDelta := event.AsMessageDelta()
			outputTokens = int(msgDelta.Usage.OutputTokens)
			produced = true

		case "message_stop":
			chunks <- &ChatChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return true, emitted
		}

		if produced {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &ChatChunk{Error: &Error{
					Reason:   FailureMalformedResponse,
					Provider: string(TypeAnthropic),
					Model:    req.Model,
					Message:  "stream produced no usable events",
				}}
				return true, emitted
			}
		}
	}

	if err := stream.Err(); err != nil {
		return false, emitted
	}

	// Stream ended without message_stop; report what we have.
	chunks <- &ChatChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	return true, emitted
}

func (p *AnthropicProvider) convertMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			// System content travels in MessageNewParams.System.
			continue

		case models.RoleTool:
			var content []anthropic.ContentBlockParamUnion
			for _, tr := range msg.ToolResults {
				content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewUserMessage(content...))
			}

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &input); err != nil {
						return nil, fmt.Errorf("tool call %s: invalid arguments: %w", tc.ID, err)
					}
				}
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewAssistantMessage(content...))
			}

		default:
			if msg.Content != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}

	return result, nil
}
