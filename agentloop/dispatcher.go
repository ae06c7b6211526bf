package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/martinemde/tapir/sandbox"
	"github.com/martinemde/tapir/unifiedllm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// OperationRunner executes sandbox operations. *sandbox.Sandbox implements it.
type OperationRunner interface {
	Run(ctx context.Context, op sandbox.Operation) sandbox.Outcome
}

// DefaultMaxParallelTools bounds concurrent read-only calls in one batch.
const DefaultMaxParallelTools = 4

const tracerName = "github.com/martinemde/tapir/agentloop"

// Dispatcher validates tool calls, routes them to the sandbox and
// normalizes the outcomes into ToolResults.
type Dispatcher struct {
	registry    *ToolRegistry
	runner      OperationRunner
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	maxParallel int
	truncation  TruncationPolicy
	onStart     func(call unifiedllm.ToolCall)
	onEnd       func(call unifiedllm.ToolCall, result ToolResult, fullOutput string)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatchMetrics records tool results on m.
func WithDispatchMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatchTracer sets the tracer used for tool spans.
func WithDispatchTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithMaxParallel bounds concurrent read-only calls. Values below 1 run
// calls one at a time.
func WithMaxParallel(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxParallel = n }
}

// WithDispatchTruncation sets the model-facing output limits.
func WithDispatchTruncation(p TruncationPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.truncation = p }
}

// WithToolObserver registers callbacks around each call. onEnd receives
// the untrimmed output. Either may be nil. Callbacks may run concurrently.
func WithToolObserver(onStart func(unifiedllm.ToolCall), onEnd func(unifiedllm.ToolCall, ToolResult, string)) DispatcherOption {
	return func(d *Dispatcher) {
		d.onStart = onStart
		d.onEnd = onEnd
	}
}

// NewDispatcher creates a Dispatcher over registry and runner.
func NewDispatcher(registry *ToolRegistry, runner OperationRunner, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		runner:      runner,
		logger:      slog.New(slog.DiscardHandler),
		tracer:      otel.Tracer(tracerName),
		maxParallel: DefaultMaxParallelTools,
		truncation:  DefaultTruncationPolicy(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxParallel < 1 {
		d.maxParallel = 1
	}
	return d
}

// Registry returns the tool registry.
func (d *Dispatcher) Registry() *ToolRegistry {
	return d.registry
}

// Mutates reports whether call must run alone. Unknown tools never reach
// the sandbox and count as read-only.
func (d *Dispatcher) Mutates(call unifiedllm.ToolCall) bool {
	tool := d.registry.Get(call.Name)
	return tool != nil && tool.Mutates
}

// Dispatch executes one call. It always returns a result for call.ID.
func (d *Dispatcher) Dispatch(ctx context.Context, call unifiedllm.ToolCall) ToolResult {
	ctx, span := d.tracer.Start(ctx, "agentloop.tool", trace.WithAttributes(
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
	))
	defer span.End()

	if d.onStart != nil {
		d.onStart(call)
	}
	start := time.Now()
	result, full := d.execute(ctx, call)
	result.CallID = call.ID
	result.ToolName = call.Name
	result.Duration = time.Since(start)

	span.SetAttributes(attribute.String("status", string(result.Status)))
	if result.IsError() {
		span.SetStatus(codes.Error, string(result.Status))
	}
	d.metrics.ObserveToolResult(call.Name, string(result.Status), result.Duration)

	level := slog.LevelDebug
	if result.Status == sandbox.StatusDenied {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "tool call finished",
		"tool", call.Name,
		"call_id", call.ID,
		"status", result.Status,
		"duration", result.Duration,
		"truncated", result.Truncated,
	)
	if d.onEnd != nil {
		d.onEnd(call, result, full)
	}
	return result
}

func (d *Dispatcher) execute(ctx context.Context, call unifiedllm.ToolCall) (ToolResult, string) {
	if ctx.Err() != nil {
		return errorResult("cancelled: the tool call was not executed"), ""
	}
	tool := d.registry.Get(call.Name)
	if tool == nil {
		return errorResult(fmt.Sprintf("unknown tool %q; available tools: %s", call.Name, strings.Join(d.registry.Names(), ", "))), ""
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if details := tool.Validate(args); len(details) > 0 {
		verr := &ValidationError{Tool: call.Name, Details: details}
		return errorResult(verr.JSON()), ""
	}

	if tool.Kind == ToolKindControl {
		return ToolResult{Status: sandbox.StatusOK, Output: "acknowledged"}, ""
	}

	op, err := tool.Build(args)
	if err != nil {
		verr := &ValidationError{Tool: call.Name, Details: []string{err.Error()}}
		return errorResult(verr.JSON()), ""
	}
	outcome := d.runner.Run(ctx, op)
	output, trimmed := d.truncation.Apply(call.Name, outcome.Output)
	return ToolResult{
		Status:    outcome.Status,
		Output:    output,
		Truncated: outcome.Truncated || trimmed,
		Diffstat:  outcome.Diffstat,
	}, outcome.Output
}

func errorResult(msg string) ToolResult {
	return ToolResult{Status: sandbox.StatusError, Output: msg}
}

// DispatchAll executes calls and returns one result per call in emission
// order. Consecutive read-only calls run concurrently; a mutating call runs
// alone after everything before it has finished. A failing call never
// cancels its siblings.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []unifiedllm.ToolCall) []ToolResult {
	ctx, span := d.tracer.Start(ctx, "agentloop.dispatch", trace.WithAttributes(attribute.Int("calls", len(calls))))
	defer span.End()

	results := make([]ToolResult, len(calls))
	for i := 0; i < len(calls); {
		if d.Mutates(calls[i]) {
			results[i] = d.Dispatch(ctx, calls[i])
			i++
			continue
		}
		j := i
		for j < len(calls) && !d.Mutates(calls[j]) {
			j++
		}
		var g errgroup.Group
		g.SetLimit(d.maxParallel)
		for k := i; k < j; k++ {
			g.Go(func() error {
				results[k] = d.Dispatch(ctx, calls[k])
				return nil
			})
		}
		_ = g.Wait()
		i = j
	}
	return results
}
