// Package engine drives the agent loop: call the model through the
// credential pool, sanitize its output, execute requested tools, feed
// results back, and repeat until a final answer, the iteration cap, or
// a fatal provider failure. Progress streams to the caller as typed
// events over a channel the transport layer drains.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ai/kestrel/internal/observability"
	"github.com/kestrel-ai/kestrel/internal/pool"
	"github.com/kestrel-ai/kestrel/internal/provider"
	"github.com/kestrel-ai/kestrel/internal/sanitize"
	"github.com/kestrel-ai/kestrel/internal/tools"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

const eventBufferSize = 64

// Config controls loop behavior.
type Config struct {
	// MaxIterations caps model round-trips per run. Default: 15.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// MaxTokens limits each model response. Zero uses provider defaults.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// SystemPrompt is used when a request does not carry its own.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
}

// Request is one inbound agent run.
type Request struct {
	// Messages seeds the conversation. Must contain at least one entry.
	Messages []models.Message `json:"messages"`

	// System overrides the configured system prompt.
	System string `json:"system,omitempty"`

	// Model overrides each credential's default model.
	Model string `json:"model,omitempty"`

	// Tools restricts which registered tools the model may call.
	// Empty offers everything in the registry.
	Tools []string `json:"tools,omitempty"`

	// ProviderPreferences names credentials to try first, in order.
	ProviderPreferences []string `json:"provider_preferences,omitempty"`

	// Temperature passes through to the provider when set.
	Temperature *float32 `json:"temperature,omitempty"`
}

// chatProviderFactory resolves a credential to its chat adapter.
type chatProviderFactory interface {
	Chat(ctx context.Context, cred provider.Credential) (provider.ChatProvider, error)
}

// Engine runs agent loops against a shared credential pool.
type Engine struct {
	pool      *pool.CredentialPool
	factory   chatProviderFactory
	registry  *tools.Registry
	executor  *tools.Executor
	sanitizer *sanitize.Sanitizer
	metrics   *observability.Metrics
	logger    *observability.Logger
	tracer    *observability.Tracer
	config    Config
}

// New creates an engine. Registry and executor may be nil for
// tool-less deployments.
func New(credentialPool *pool.CredentialPool, factory *provider.Factory, registry *tools.Registry, executor *tools.Executor, sanitizer *sanitize.Sanitizer, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer, config Config) *Engine {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 15
	}
	return &Engine{
		pool:      credentialPool,
		factory:   factory,
		registry:  registry,
		executor:  executor,
		sanitizer: sanitizer,
		metrics:   metrics,
		logger:    logger,
		tracer:    tracer,
		config:    config,
	}
}

// Run starts an agent loop and returns its event stream. The channel
// closes after a terminal event (agent_complete or error) or when ctx
// is cancelled. Validation failures return an error instead of a
// stream.
func (e *Engine) Run(ctx context.Context, req *Request) (<-chan models.ProgressEvent, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("request must contain at least one message")
	}

	runID := uuid.NewString()
	events := make(chan models.ProgressEvent, eventBufferSize)

	go e.run(ctx, runID, req, events)
	return events, nil
}

// iterationOutcome carries one model turn's results.
type iterationOutcome struct {
	text      string
	toolCalls []models.ToolCall
	usage     models.Usage
}

func (e *Engine) run(ctx context.Context, runID string, req *Request, events chan<- models.ProgressEvent) {
	defer close(events)

	if e.metrics != nil {
		e.metrics.RunStarted()
	}
	iterations := 0
	defer func() {
		if e.metrics != nil {
			e.metrics.RunEnded(iterations)
		}
	}()

	runCtx := ctx
	if e.tracer != nil {
		var end func()
		runCtx, end = e.startRunSpan(ctx, runID)
		defer end()
	}

	em := newEmitter(runID, events)

	system := req.System
	if system == "" {
		system = e.config.SystemPrompt
	}
	messages := append([]models.Message(nil), req.Messages...)
	specs := e.toolSpecs(req.Tools)

	var (
		bestPartial string
		totalUsage  models.Usage
	)
	// Credentials disqualified earlier in this run (auth, billing) are
	// never offered to later iterations.
	excluded := make(map[string]bool)

	for iteration := 0; iteration < e.config.MaxIterations; iteration++ {
		iterations = iteration + 1
		em.setIteration(iteration)

		if err := runCtx.Err(); err != nil {
			return
		}

		iterCtx := runCtx
		endIteration := func() {}
		if e.tracer != nil {
			iterCtx, endIteration = e.startIterationSpan(runCtx, iteration)
		}

		outcome, fatal := e.modelTurn(iterCtx, em, req, system, messages, specs, excluded)
		if fatal != nil {
			endIteration()
			em.error(runCtx, fatal.Error(), retriable(fatal))
			return
		}

		totalUsage.InputTokens += outcome.usage.InputTokens
		totalUsage.OutputTokens += outcome.usage.OutputTokens
		if len(outcome.text) > 0 && len(outcome.text) >= len(bestPartial) {
			bestPartial = outcome.text
		}

		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   outcome.text,
			ToolCalls: outcome.toolCalls,
		})

		if len(outcome.toolCalls) == 0 {
			endIteration()
			em.agentComplete(runCtx, outcome.text, models.StopReasonComplete, iterations, totalUsage)
			return
		}

		results := e.executeTools(iterCtx, em, outcome.toolCalls)
		messages = append(messages, models.Message{
			Role:        models.RoleTool,
			ToolResults: results,
		})
		endIteration()
	}

	em.agentComplete(runCtx, bestPartial, models.StopReasonIterationLimit, iterations, totalUsage)
}

// modelTurn performs one model step: select a credential, stream the
// response, sanitize the text. Credentials disqualified during the
// walk are added to excluded. A non-nil fatal error ends the run.
func (e *Engine) modelTurn(ctx context.Context, em *emitter, req *Request, system string, messages []models.Message, specs []provider.ToolSpec, excluded map[string]bool) (*iterationOutcome, error) {
	chatReq := &provider.ChatRequest{
		Model:       req.Model,
		System:      system,
		Messages:    messages,
		Tools:       specs,
		MaxTokens:   e.config.MaxTokens,
		Temperature: req.Temperature,
	}
	estimate := provider.EstimateTokens(chatReq)

	em.llmRequest(ctx, req.Model)

	result, err := pool.ExecuteWithFallbackPreferring(ctx, e.pool, "chat", provider.CapabilityChat, req.ProviderPreferences, excluded, estimate,
		func(ctx context.Context, cred provider.Credential) (<-chan *provider.ChatChunk, error) {
			adapter, err := e.factory.Chat(ctx, cred)
			if err != nil {
				return nil, err
			}
			credReq := *chatReq
			if credReq.Model == "" {
				credReq.Model = cred.Model
			}
			return adapter.Complete(ctx, &credReq)
		})
	if err != nil {
		return nil, err
	}
	for _, id := range result.Excluded {
		excluded[id] = true
	}

	model := req.Model
	if model == "" {
		model = result.Credential.Model
	}

	turnStart := time.Now()
	streamCtx := ctx
	endStream := func(error) {}
	if e.tracer != nil {
		streamCtx, endStream = e.startProviderSpan(ctx, string(result.Credential.Type), model)
	}

	var (
		text      strings.Builder
		toolCalls []models.ToolCall
		usage     models.Usage
	)
	for chunk := range result.Value {
		if chunk.Error != nil {
			result.RecordStreamFailure()
			result.Reconcile(usage.Total())
			endStream(chunk.Error)
			e.recordProviderRequest(result.Credential, model, "error", turnStart, usage)
			return nil, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			em.messageDelta(streamCtx, chunk.Text)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			usage.InputTokens = chunk.InputTokens
			usage.OutputTokens = chunk.OutputTokens
		}
	}
	result.Reconcile(usage.Total())
	endStream(nil)
	e.recordProviderRequest(result.Credential, model, "success", turnStart, usage)

	cleaned := text.String()
	if e.sanitizer != nil {
		msg := e.sanitizer.Message(ctx, models.Message{Role: models.RoleAssistant, Content: cleaned})
		cleaned = msg.Content
	} else {
		cleaned, _ = sanitize.Text(cleaned)
	}

	em.llmResponse(ctx, string(result.Credential.Type), model, len(toolCalls), usage)
	em.messageComplete(ctx, cleaned)

	if e.logger != nil {
		e.logger.Debug(ctx, "model turn complete",
			"credential", result.Credential.ID,
			"depth", result.Depth,
			"tool_calls", len(toolCalls),
			"input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens,
		)
	}

	return &iterationOutcome{
		text:      cleaned,
		toolCalls: toolCalls,
		usage:     usage,
	}, nil
}

// executeTools runs one turn's tool calls and forwards their lifecycle
// events onto the run stream.
func (e *Engine) executeTools(ctx context.Context, em *emitter, calls []models.ToolCall) []models.ToolResult {
	if e.executor == nil {
		results := make([]models.ToolResult, len(calls))
		for i, call := range calls {
			results[i] = models.ToolResult{
				ToolCallID: call.ID,
				Content:    "tool execution is not configured",
				IsError:    true,
			}
		}
		return results
	}

	return e.executor.ExecuteAll(ctx, calls, func(eventType models.ProgressEventType, payload models.ToolEventPayload) {
		em.tool(ctx, eventType, payload)
	})
}

// toolSpecs returns the registry's specs, restricted to allowed names
// when the request narrows them.
func (e *Engine) toolSpecs(allowed []string) []provider.ToolSpec {
	if e.registry == nil {
		return nil
	}
	specs := e.registry.Specs()
	if len(allowed) == 0 {
		return specs
	}
	allow := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allow[name] = true
	}
	filtered := specs[:0]
	for _, spec := range specs {
		if allow[spec.Name] {
			filtered = append(filtered, spec)
		}
	}
	return filtered
}

// retriable reports whether the caller may usefully retry. Pool
// exhaustion is retriable when any candidate failed transiently.
func retriable(err error) bool {
	var none *pool.NoProvidersAvailableError
	if errors.As(err, &none) {
		for _, failure := range none.Failures {
			if strings.Contains(failure.Reason, "rate limited") || strings.Contains(failure.Reason, "circuit open") {
				return true
			}
		}
		return false
	}
	return provider.ReasonOf(err).Transient()
}

func (e *Engine) startRunSpan(ctx context.Context, runID string) (context.Context, func()) {
	spanCtx, span := e.tracer.TraceAgentRun(ctx, runID)
	return spanCtx, func() { span.End() }
}

func (e *Engine) startIterationSpan(ctx context.Context, iteration int) (context.Context, func()) {
	spanCtx, span := e.tracer.TraceIteration(ctx, iteration)
	return spanCtx, func() { span.End() }
}

// startProviderSpan opens a span for one provider stream. The returned
// closure ends it, recording err when the stream failed.
func (e *Engine) startProviderSpan(ctx context.Context, providerName, model string) (context.Context, func(error)) {
	spanCtx, span := e.tracer.TraceProviderRequest(ctx, providerName, model)
	return spanCtx, func(err error) {
		if err != nil {
			e.tracer.RecordError(span, err)
		}
		span.End()
	}
}

func (e *Engine) recordProviderRequest(cred provider.Credential, model, status string, start time.Time, usage models.Usage) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordProviderRequest(string(cred.Type), model, status, time.Since(start).Seconds(), usage.InputTokens, usage.OutputTokens)
}
