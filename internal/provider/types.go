package provider

import (
	"context"
	"encoding/json"

	"github.com/kestrel-ai/kestrel/internal/ratelimit"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Type identifies a provider API family. Several hosted services speak
// the OpenAI wire protocol and differ only in base URL.
type Type string

const (
	TypeOpenAI           Type = "openai"
	TypeOpenAICompatible Type = "openai-compatible"
	TypeGroq             Type = "groq"
	TypeTogether         Type = "together"
	TypeAnthropic        Type = "anthropic"
	TypeGemini           Type = "gemini"
	TypeReplicate        Type = "replicate"
)

// Capability names something a credential can do.
type Capability string

const (
	CapabilityChat            Capability = "chat"
	CapabilityToolCalling     Capability = "tool-calling"
	CapabilityImageGeneration Capability = "image-generation"
	CapabilityVision          Capability = "vision"
	CapabilityTranscription   Capability = "transcription"
)

// Credential is one configured provider account. A pool may hold
// several credentials for the same provider type (e.g. a paid and a
// free OpenAI-compatible endpoint) with different priorities, limits,
// and costs.
type Credential struct {
	// ID uniquely identifies this credential within the pool.
	ID string `yaml:"id" json:"id"`

	// Type selects the adapter used to talk to the service.
	Type Type `yaml:"type" json:"type"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key" json:"-"`

	// BaseURL overrides the provider endpoint. Required for
	// openai-compatible; optional elsewhere.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Model is the default model requested through this credential.
	Model string `yaml:"model" json:"model"`

	// Capabilities lists what this credential may be selected for.
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`

	// Priority orders candidates; lower is preferred.
	Priority int `yaml:"priority" json:"priority"`

	// CostPerMillionTokens breaks ties between equal priorities;
	// ordering compares the input rate.
	CostPerMillionTokens Cost `yaml:"cost_per_million_tokens" json:"cost_per_million_tokens"`

	// Limits declares the provider-imposed quota for this credential.
	// Zero-valued windows are unlimited.
	Limits ratelimit.Limits `yaml:"limits" json:"limits"`
}

// Cost is per-million-token pricing in USD, split by direction.
type Cost struct {
	In  float64 `yaml:"in" json:"in"`
	Out float64 `yaml:"out" json:"out"`
}

// HasCapability reports whether the credential declares a capability.
func (c *Credential) HasCapability(cap Capability) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ChatRequest contains all parameters for a chat completion.
type ChatRequest struct {
	// Model overrides the credential's default model when set.
	Model string `json:"model,omitempty"`

	// System is the system prompt, handled separately from messages
	// in most provider APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools defines what the model may invoke. Empty disables tool use.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls sampling randomness. Nil uses the provider default.
	Temperature *float32 `json:"temperature,omitempty"`
}

// ChatChunk is a single chunk in a streaming chat response.
//
// Chunks are delivered through channels as the model generates:
//   - Text deltas arrive incrementally
//   - Tool calls arrive complete, once fully accumulated
//   - The final chunk carries Done plus token usage
//   - Error terminates the stream
type ChatChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed.
	Done bool `json:"done,omitempty"`

	// Error carries a streaming failure; the stream ends after it.
	Error error `json:"-"`

	// InputTokens and OutputTokens report usage. Only populated on
	// the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ChatProvider is the streaming interface every chat adapter implements.
//
// Implementations must be safe for concurrent use; each Complete call
// creates an independent stream and goroutine.
type ChatProvider interface {
	// Complete sends a request and returns a streaming response.
	Complete(ctx context.Context, req *ChatRequest) (<-chan *ChatChunk, error)

	// Name returns the provider type name for logging and metrics.
	Name() string
}

// ImageRequest describes an image generation call.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// ImageResult is the output of an image generation call.
type ImageResult struct {
	// URLs point at the generated images.
	URLs []string `json:"urls"`
}

// ImageProvider is implemented by adapters that can generate images.
type ImageProvider interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResult, error)
	Name() string
}

// EstimateTokens gives a rough token count for a request, used to
// pre-charge the rate limiter before usage is known. Roughly four
// characters per token, plus the expected response.
func EstimateTokens(req *ChatRequest) int {
	chars := len(req.System)
	for _, msg := range req.Messages {
		chars += len(msg.Content)
		for _, tr := range msg.ToolResults {
			chars += len(tr.Content)
		}
		for _, tc := range msg.ToolCalls {
			chars += len(tc.Input)
		}
	}
	estimate := chars/4 + 1
	if req.MaxTokens > 0 {
		estimate += req.MaxTokens
	} else {
		estimate += 1024
	}
	return estimate
}
