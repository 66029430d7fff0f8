package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

// emitter builds sequenced ProgressEvents for one run and delivers them
// to the run's channel. Sends race the run context so an abandoned
// consumer cannot wedge the loop.
type emitter struct {
	runID     string
	sequence  atomic.Uint64
	iteration int
	events    chan<- models.ProgressEvent
}

func newEmitter(runID string, events chan<- models.ProgressEvent) *emitter {
	return &emitter{runID: runID, events: events}
}

func (e *emitter) setIteration(iteration int) {
	e.iteration = iteration
}

func (e *emitter) base(eventType models.ProgressEventType) models.ProgressEvent {
	return models.ProgressEvent{
		Version:   1,
		Type:      eventType,
		Time:      time.Now(),
		Sequence:  e.sequence.Add(1),
		RunID:     e.runID,
		Iteration: e.iteration,
	}
}

func (e *emitter) send(ctx context.Context, event models.ProgressEvent) {
	select {
	case e.events <- event:
	case <-ctx.Done():
	}
}

func (e *emitter) llmRequest(ctx context.Context, model string) {
	event := e.base(models.EventLLMRequest)
	event.Model = &models.ModelEventPayload{Model: model}
	e.send(ctx, event)
}

func (e *emitter) llmResponse(ctx context.Context, providerName, model string, toolCallCount int, usage models.Usage) {
	event := e.base(models.EventLLMResponse)
	event.Model = &models.ModelEventPayload{
		Provider:      providerName,
		Model:         model,
		ToolCallCount: toolCallCount,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
	}
	e.send(ctx, event)
}

func (e *emitter) messageDelta(ctx context.Context, delta string) {
	event := e.base(models.EventMessageDelta)
	event.Model = &models.ModelEventPayload{Delta: delta}
	e.send(ctx, event)
}

func (e *emitter) messageComplete(ctx context.Context, final string) {
	event := e.base(models.EventMessageComplete)
	event.Model = &models.ModelEventPayload{Final: final}
	e.send(ctx, event)
}

func (e *emitter) tool(ctx context.Context, eventType models.ProgressEventType, payload models.ToolEventPayload) {
	event := e.base(eventType)
	event.Tool = &payload
	e.send(ctx, event)
}

func (e *emitter) agentComplete(ctx context.Context, content string, stopReason models.StopReason, iterations int, usage models.Usage) {
	event := e.base(models.EventAgentComplete)
	event.Done = &models.DoneEventPayload{
		Content:    content,
		StopReason: stopReason,
		Iterations: iterations,
		Usage:      usage,
	}
	e.send(ctx, event)
}

func (e *emitter) error(ctx context.Context, message string, retriable bool) {
	event := e.base(models.EventError)
	event.Error = &models.ErrorEventPayload{Message: message, Retriable: retriable}
	e.send(ctx, event)
}
