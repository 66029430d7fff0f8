package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-ai/kestrel/internal/observability"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// ExecConfig configures concurrent tool execution.
type ExecConfig struct {
	// Concurrency bounds how many tool calls run at once. Default: 5.
	Concurrency int

	// PerCallTimeout bounds each individual execution. Default: 30s.
	PerCallTimeout time.Duration
}

// EventCallback receives tool lifecycle notifications during execution.
// It must not block; the executor calls it inline.
type EventCallback func(eventType models.ProgressEventType, payload models.ToolEventPayload)

// Executor runs the tool calls from one model turn concurrently,
// bounded by a semaphore, and reassembles results in request order.
type Executor struct {
	registry *Registry
	config   ExecConfig
	metrics  *observability.Metrics
	logger   *observability.Logger
	tracer   *observability.Tracer
}

// NewExecutor creates an executor over a registry, applying defaults
// for zero config fields.
func NewExecutor(registry *Registry, config ExecConfig, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 5
	}
	if config.PerCallTimeout <= 0 {
		config.PerCallTimeout = 30 * time.Second
	}
	return &Executor{
		registry: registry,
		config:   config,
		metrics:  metrics,
		logger:   logger,
		tracer:   tracer,
	}
}

// ExecuteAll runs every tool call and returns one result per call, in
// the original order regardless of completion order. Timeouts,
// cancellation, unknown names, and handler panics all produce IsError
// results; the slice always has len(calls) entries.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, emit EventCallback) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = models.ToolResult{
					ToolCallID: call.ID,
					Content:    "tool execution canceled",
					IsError:    true,
				}
				return
			}

			if emit != nil {
				emit(models.EventToolStart, models.ToolEventPayload{
					CallID:   call.ID,
					Name:     call.Name,
					ArgsJSON: call.Input,
				})
			}

			execCtx := ctx
			endSpan := func(error) {}
			if e.tracer != nil {
				spanCtx, span := e.tracer.TraceToolExecution(ctx, call.Name)
				execCtx = spanCtx
				endSpan = func(err error) {
					if err != nil {
						e.tracer.RecordError(span, err)
					}
					span.End()
				}
			}

			start := time.Now()
			result := e.executeOne(execCtx, call)
			elapsed := time.Since(start)
			results[idx] = result

			var execErr error
			if result.IsError {
				execErr = errors.New(result.Content)
			}
			endSpan(execErr)

			status := "success"
			eventType := models.EventToolComplete
			payload := models.ToolEventPayload{
				CallID:  call.ID,
				Name:    call.Name,
				Output:  result.Content,
				Elapsed: elapsed,
			}
			if result.IsError {
				status = "error"
				eventType = models.EventToolError
				payload.Output = ""
				payload.Error = result.Content
			}

			if e.metrics != nil {
				e.metrics.RecordToolExecution(call.Name, status, elapsed.Seconds())
			}
			if e.logger != nil {
				e.logger.Debug(ctx, "tool executed",
					"tool", call.Name, "call_id", call.ID, "status", status, "elapsed", elapsed.String())
			}
			if emit != nil {
				emit(eventType, payload)
			}
		}(i, call)
	}

	wg.Wait()
	return results
}

// executeOne runs a single call under the per-call timeout. The tool
// runs in its own goroutine so a hung handler cannot wedge the
// executor; its late result is discarded.
func (e *Executor) executeOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	callCtx, cancel := context.WithTimeout(ctx, e.config.PerCallTimeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := e.registry.Execute(callCtx, call.Name, call.Input)
		select {
		case done <- outcome{result: result, err: err}:
		default:
		}
	}()

	select {
	case <-callCtx.Done():
		msg := "tool execution timed out after " + e.config.PerCallTimeout.String()
		if ctx.Err() != nil {
			msg = "tool execution canceled"
		}
		return models.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}

	case out := <-done:
		if out.err != nil {
			return models.ToolResult{ToolCallID: call.ID, Content: out.err.Error(), IsError: true}
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    out.result.Content,
			IsError:    out.result.IsError,
		}
	}
}
