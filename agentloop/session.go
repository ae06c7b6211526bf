package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/martinemde/tapir/sandbox"
	"github.com/martinemde/tapir/unifiedllm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInit           Status = "init"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusBudgetExceeded Status = "budget_exceeded"
)

// Terminal reports whether no further steps are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusBudgetExceeded:
		return true
	}
	return false
}

// Limits bounds what a session may consume. Zero disables a limit.
type Limits struct {
	MaxTurns    int           `json:"max_turns" yaml:"max_turns"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`
	MaxCost     float64       `json:"max_cost" yaml:"max_cost"`
	// ContextBudget caps the tokens sent per model call. Zero derives it
	// from the model's context window.
	ContextBudget int `json:"context_budget" yaml:"context_budget"`
}

// Validate returns every invalid limit.
func (l Limits) Validate() error {
	var result *multierror.Error
	if l.MaxTurns < 0 {
		result = multierror.Append(result, &ConfigError{Field: "limits.max_turns", Reason: "must not be negative"})
	}
	if l.MaxTokens < 0 {
		result = multierror.Append(result, &ConfigError{Field: "limits.max_tokens", Reason: "must not be negative"})
	}
	if l.MaxDuration < 0 {
		result = multierror.Append(result, &ConfigError{Field: "limits.max_duration", Reason: "must not be negative"})
	}
	if l.MaxCost < 0 {
		result = multierror.Append(result, &ConfigError{Field: "limits.max_cost", Reason: "must not be negative"})
	}
	if l.ContextBudget < 0 {
		result = multierror.Append(result, &ConfigError{Field: "limits.context_budget", Reason: "must not be negative"})
	}
	return result.ErrorOrNil()
}

// UsageSummary reports what a session has consumed.
type UsageSummary struct {
	SessionID     string        `json:"session_id"`
	Status        Status        `json:"status"`
	Turns         int           `json:"turns"`
	ToolCalls     int           `json:"tool_calls"`
	InputTokens   int           `json:"input_tokens"`
	OutputTokens  int           `json:"output_tokens"`
	Elapsed       time.Duration `json:"elapsed"`
	CostUSD       float64       `json:"cost_usd"`
	ExceededLimit string        `json:"exceeded_limit,omitempty"`
	Result        string        `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// ModelClient completes requests. *unifiedllm.Client implements it.
type ModelClient interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

type sessionOptions struct {
	client          ModelClient
	profile         ProviderProfile
	policy          *sandbox.Policy
	logger          *slog.Logger
	estimator       TokenEstimator
	transcript      TranscriptWriter
	metrics         *Metrics
	tracer          trace.Tracer
	eventBuffer     int
	maxParallel     int
	loopWindow      int
	sessionID       string
	history         []Turn
	truncation      *TruncationPolicy
	reasoningEffort *string
}

// Option configures Start.
type Option func(*sessionOptions)

// WithModelClient sets the client used for model calls. Required.
func WithModelClient(c ModelClient) Option {
	return func(o *sessionOptions) { o.client = c }
}

// WithProfile sets the provider profile. Defaults to the default model's profile.
func WithProfile(p ProviderProfile) Option {
	return func(o *sessionOptions) { o.profile = p }
}

// WithSandboxPolicy sets the policy template; its working root is replaced
// by the session's.
func WithSandboxPolicy(p sandbox.Policy) Option {
	return func(o *sessionOptions) { o.policy = &p }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *sessionOptions) { o.logger = l }
}

// WithTokenEstimator sets the estimator used for context windows.
func WithTokenEstimator(e TokenEstimator) Option {
	return func(o *sessionOptions) { o.estimator = e }
}

// WithTranscript persists every appended turn to w. The session closes w
// when it terminates.
func WithTranscript(w TranscriptWriter) Option {
	return func(o *sessionOptions) { o.transcript = w }
}

// WithMetrics records session activity on m.
func WithMetrics(m *Metrics) Option {
	return func(o *sessionOptions) { o.metrics = m }
}

// WithTracer sets the tracer for step, model and tool spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *sessionOptions) { o.tracer = t }
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(o *sessionOptions) { o.eventBuffer = n }
}

// WithMaxParallelTools bounds concurrent read-only tool calls.
func WithMaxParallelTools(n int) Option {
	return func(o *sessionOptions) { o.maxParallel = n }
}

// WithLoopDetectionWindow sets how many recent tool calls are checked for
// repetition. Zero or one disables loop detection.
func WithLoopDetectionWindow(n int) Option {
	return func(o *sessionOptions) { o.loopWindow = n }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(o *sessionOptions) { o.sessionID = id }
}

// WithHistory resumes from previously recorded turns.
func WithHistory(turns []Turn) Option {
	return func(o *sessionOptions) { o.history = turns }
}

// WithTruncationPolicy sets the model-facing tool output limits.
func WithTruncationPolicy(p TruncationPolicy) Option {
	return func(o *sessionOptions) { o.truncation = &p }
}

// WithReasoningEffort overrides the profile's reasoning effort.
func WithReasoningEffort(effort string) Option {
	return func(o *sessionOptions) { o.reasoningEffort = &effort }
}

var (
	errWallClock = errors.New("wall-clock budget exhausted")
	errCancelled = errors.New("session cancelled")
)

const (
	stepSteerContinue = "Your previous response was cut off by the output limit. Continue exactly where you left off."
	stepSteerNoCalls  = "Your previous response ended without a tool call. Continue working on the task with the available tools, or call task_complete if it is done."
	interruptedOutput = "not executed: the session was interrupted before this call ran"
)

// Session drives one goal to a terminal status, one model round trip per Step.
type Session struct {
	id         string
	goal       string
	limits     Limits
	profile    ProviderProfile
	client     ModelClient
	sandbox    *sandbox.Sandbox
	dispatcher *Dispatcher
	context    *ContextManager
	emitter    *EventEmitter
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	transcript TranscriptWriter

	systemPrompt    string
	toolDefs        []unifiedllm.ToolDefinition
	overhead        int
	windowBudget    int
	maxOutput       int
	reasoningEffort string
	loopWindow      int

	cancelCtx context.Context
	cancel    context.CancelCauseFunc

	stepMu sync.Mutex

	mu        sync.Mutex
	status    Status
	turn      int
	toolCalls int
	usage     unifiedllm.Usage
	cost      float64
	started   time.Time
	ended     time.Time
	err       error
	exceeded  string
	result    string
	steering  []string
}

// Start validates its input, prepares the sandbox and the history, and
// returns a running session. Invalid input yields *ConfigError values
// (aggregated when there are several) and no session.
func Start(goal, workingRoot string, limits Limits, opts ...Option) (*Session, error) {
	o := sessionOptions{loopWindow: DefaultLoopWindow, maxParallel: DefaultMaxParallelTools}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.estimator == nil {
		o.estimator = NewTiktokenEstimator()
	}

	var problems *multierror.Error
	if goal == "" && len(o.history) == 0 {
		problems = multierror.Append(problems, &ConfigError{Field: "goal", Reason: "must not be empty"})
	}
	if err := limits.Validate(); err != nil {
		problems = multierror.Append(problems, err)
	}
	if o.client == nil {
		problems = multierror.Append(problems, &ConfigError{Field: "client", Reason: "no model client configured"})
	}
	if o.profile == nil {
		p, err := NewProfile("", "")
		if err != nil {
			problems = multierror.Append(problems, &ConfigError{Field: "profile", Reason: "no default profile", Err: err})
		}
		o.profile = p
	}

	policy := sandbox.DefaultPolicy(workingRoot)
	if o.policy != nil {
		policy = *o.policy
		policy.WorkingRoot = workingRoot
	}
	sb, err := sandbox.New(policy, o.logger)
	if err != nil {
		problems = multierror.Append(problems, err)
	}
	if problems.ErrorOrNil() != nil {
		return nil, configErrors(problems)
	}

	id := o.sessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		id:         id,
		goal:       goal,
		limits:     limits,
		profile:    o.profile,
		client:     o.client,
		sandbox:    sb,
		context:    NewContextManager(o.estimator),
		emitter:    NewEventEmitter(id, o.eventBuffer),
		logger:     o.logger.With("session_id", id),
		metrics:    o.metrics,
		tracer:     o.tracer,
		transcript: o.transcript,
		loopWindow: o.loopWindow,
		maxOutput:  o.profile.MaxOutputTokens(),
		status:     StatusInit,
	}
	s.reasoningEffort = o.profile.ReasoningEffort()
	if o.reasoningEffort != nil {
		s.reasoningEffort = *o.reasoningEffort
	}

	dispatchOpts := []DispatcherOption{
		WithDispatchLogger(s.logger),
		WithDispatchMetrics(o.metrics),
		WithDispatchTracer(o.tracer),
		WithMaxParallel(o.maxParallel),
		WithToolObserver(s.toolStarted, s.toolFinished),
	}
	if o.truncation != nil {
		dispatchOpts = append(dispatchOpts, WithDispatchTruncation(*o.truncation))
	}
	s.dispatcher = NewDispatcher(o.profile.ToolRegistry(), sb, dispatchOpts...)

	env := NewPromptEnvironment(sb.Root(), o.profile.ModelID(), o.profile.ID())
	s.systemPrompt = o.profile.BuildSystemPrompt(env)
	s.toolDefs = o.profile.ToolRegistry().Definitions()
	s.overhead = messageTokens(o.estimator, unifiedllm.SystemMessage(s.systemPrompt)) +
		toolDefinitionTokens(o.estimator, s.toolDefs)

	budget := limits.ContextBudget
	if budget == 0 {
		budget = o.profile.ContextWindowSize() - s.maxOutput
	}
	s.windowBudget = budget - s.overhead
	if s.windowBudget <= messageOverhead {
		return nil, configErrors(&ConfigError{
			Field:  "limits.context_budget",
			Reason: fmt.Sprintf("%d tokens leave no room beside %d tokens of system prompt and tools", budget, s.overhead),
		})
	}

	if len(o.history) > 0 {
		if err := s.restore(o.history); err != nil {
			return nil, configErrors(&ConfigError{Field: "history", Reason: "cannot resume", Err: err})
		}
	} else if err := s.appendTurn(NewGoalTurn(goal)); err != nil {
		return nil, err
	}

	s.cancelCtx, s.cancel = context.WithCancelCause(context.Background())
	s.mu.Lock()
	s.started = time.Now()
	s.status = StatusRunning
	s.mu.Unlock()

	s.emitter.Emit(EventSessionStart, s.turn, map[string]any{
		"goal":     s.goal,
		"root":     sb.Root(),
		"model":    o.profile.ModelID(),
		"provider": o.profile.ID(),
		"resumed":  len(o.history) > 0,
	})
	s.emitter.Emit(EventStatusChange, s.turn, map[string]any{"from": StatusInit, "to": StatusRunning})
	s.logger.Info("session started", "turn", s.turn, "model", o.profile.ModelID(), "root", sb.Root())
	return s, nil
}

// restore replays recorded turns and answers any calls left pending by an
// interrupted run.
func (s *Session) restore(history []Turn) error {
	if err := s.context.Replay(history); err != nil {
		return err
	}
	for _, t := range history {
		if t.Pinned && t.User != nil && s.goal == "" {
			s.goal = t.User.Content
		}
		if t.Kind == TurnAssistant && t.Assistant != nil {
			s.turn = max(s.turn, t.Index)
			s.toolCalls += len(t.Assistant.ToolCalls)
			s.usage = s.usage.Add(t.Assistant.Usage)
			s.cost += unifiedllm.CostFor(t.Assistant.Model, t.Assistant.Usage)
		}
	}
	last := history[len(history)-1]
	if last.Kind == TurnAssistant && last.Assistant != nil && len(last.Assistant.ToolCalls) > 0 {
		results := make([]ToolResult, len(last.Assistant.ToolCalls))
		for i, call := range last.Assistant.ToolCalls {
			results[i] = ToolResult{CallID: call.ID, ToolName: call.Name, Status: sandbox.StatusError, Output: interruptedOutput}
		}
		return s.appendTurn(NewToolResultsTurn(last.Index, results))
	}
	return nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Goal returns the task the session is working on.
func (s *Session) Goal() string { return s.goal }

// Root returns the resolved working root.
func (s *Session) Root() string { return s.sandbox.Root() }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the diagnostic of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// History returns a copy of the conversation history.
func (s *Session) History() []Turn {
	return s.context.History()
}

// Events returns the event channel. It is closed when the session
// reaches a terminal status.
func (s *Session) Events() <-chan SessionEvent {
	return s.emitter.Events()
}

// Summary reports consumption so far.
func (s *Session) Summary() UsageSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := UsageSummary{
		SessionID:     s.id,
		Status:        s.status,
		Turns:         s.turn,
		ToolCalls:     s.toolCalls,
		InputTokens:   s.usage.InputTokens,
		OutputTokens:  s.usage.OutputTokens,
		Elapsed:       s.elapsedLocked(),
		CostUSD:       s.cost,
		ExceededLimit: s.exceeded,
		Result:        s.result,
	}
	if s.err != nil {
		sum.Error = s.err.Error()
	}
	return sum
}

func (s *Session) elapsedLocked() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	if !s.ended.IsZero() {
		return s.ended.Sub(s.started)
	}
	return time.Since(s.started)
}

// Steer queues a message that is added to the history before the next
// model call.
func (s *Session) Steer(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steering = append(s.steering, message)
}

// Cancel stops the session from any goroutine. An in-flight model call or
// command is aborted; the session ends as cancelled.
func (s *Session) Cancel() {
	s.cancel(errCancelled)
}

// Run steps until the session is terminal. The error is the diagnostic of
// a failed session and nil otherwise.
func (s *Session) Run(ctx context.Context) (Status, error) {
	for {
		status, err := s.Step(ctx)
		if status.Terminal() {
			return status, err
		}
	}
}

// bind returns a context cancelled by either ctx or Cancel.
func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	merged, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(s.cancelCtx, func() {
		cancel(context.Cause(s.cancelCtx))
	})
	return merged, func() {
		stop()
		cancel(nil)
	}
}

// Step performs exactly one turn: one model call and the tool calls it
// requests. A terminal session returns its status without side effects.
func (s *Session) Step(ctx context.Context) (Status, error) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	if status := s.Status(); status.Terminal() {
		return status, s.Err()
	}

	ctx, release := s.bind(ctx)
	defer release()

	if ctx.Err() != nil || s.cancelCtx.Err() != nil {
		return s.finish(StatusCancelled, nil)
	}
	if limit := s.exceededLimit(); limit != "" {
		return s.exceed(limit)
	}

	s.mu.Lock()
	s.turn++
	index := s.turn
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "agentloop.step", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.Int("turn", index),
	))
	defer span.End()

	s.drainSteering(index)

	window := s.context.WindowFor(s.windowBudget)
	if len(window.Messages) == 0 {
		return s.fail(span, fmt.Errorf("context budget of %d tokens cannot hold the goal", s.windowBudget))
	}
	if window.Truncated {
		s.emitter.Emit(EventContextTruncated, index, map[string]any{
			"dropped_turns":    window.DroppedTurns,
			"estimated_tokens": window.EstimatedTokens,
			"budget":           window.Budget,
		})
		s.logger.Debug("context window truncated", "turn", index, "dropped_turns", window.DroppedTurns)
	}

	req := s.buildRequest(window)
	s.emitter.Emit(EventTurnStart, index, map[string]any{
		"messages":         len(req.Messages),
		"estimated_tokens": window.EstimatedTokens + s.overhead,
	})

	started := time.Now()
	resp, err := s.callModel(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, errWallClock):
			return s.exceed("max_duration")
		case ctx.Err() != nil:
			return s.finish(StatusCancelled, nil)
		default:
			return s.fail(span, fmt.Errorf("model call: %w", err))
		}
	}

	outbound := Outbound{Messages: len(req.Messages), EstimatedTokens: window.EstimatedTokens + s.overhead, Truncated: window.Truncated}
	turn := NewAssistantTurn(index, resp, outbound, started)
	if err := s.appendTurn(turn); err != nil {
		return s.fail(span, err)
	}
	s.recordUsage(turn.Assistant)

	calls := turn.Assistant.ToolCalls
	s.emitter.Emit(EventAssistantMessage, index, map[string]any{
		"content":       turn.Assistant.Content,
		"reasoning":     turn.Assistant.Reasoning,
		"tool_calls":    len(calls),
		"finish_reason": turn.Assistant.FinishReason.Reason,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	})

	complete := false
	result := ""
	for _, call := range calls {
		if call.Name == TaskCompleteTool {
			complete = true
			result = completionSummary(call.Arguments)
		}
	}

	if len(calls) == 0 {
		switch turn.Assistant.FinishReason.Reason {
		case "stop":
			complete = true
			result = turn.Assistant.Content
		case "length":
			s.injectSteering(index, stepSteerContinue)
		default:
			s.injectSteering(index, stepSteerNoCalls)
		}
	} else {
		results := s.dispatcher.DispatchAll(ctx, calls)
		if err := s.appendTurn(NewToolResultsTurn(index, results)); err != nil {
			return s.fail(span, err)
		}
		if ctx.Err() != nil {
			return s.finish(StatusCancelled, nil)
		}
		if !complete && s.loopWindow > 1 {
			if period := DetectLoop(s.context.History(), s.loopWindow); period > 0 {
				s.emitter.Emit(EventLoopDetected, index, map[string]any{"period": period, "window": s.loopWindow})
				s.logger.Warn("tool call loop detected", "turn", index, "period", period)
				s.injectSteering(index, loopSteering(period, s.loopWindow))
			}
		}
	}

	if complete {
		s.mu.Lock()
		s.result = result
		s.mu.Unlock()
		return s.finish(StatusCompleted, nil)
	}
	if limit := s.exceededLimit(); limit != "" {
		return s.exceed(limit)
	}
	return StatusRunning, nil
}

func (s *Session) buildRequest(window ContextWindow) unifiedllm.Request {
	messages := make([]unifiedllm.Message, 0, len(window.Messages)+1)
	messages = append(messages, unifiedllm.SystemMessage(s.systemPrompt))
	messages = append(messages, window.Messages...)
	req := unifiedllm.Request{
		Model:           s.profile.ModelID(),
		Provider:        s.profile.ID(),
		Messages:        messages,
		ToolDefs:        s.toolDefs,
		ToolChoice:      &unifiedllm.ToolChoice{Mode: "auto"},
		ReasoningEffort: s.reasoningEffort,
		ProviderOptions: s.profile.ProviderOptions(),
	}
	if s.maxOutput > 0 {
		maxOutput := s.maxOutput
		req.MaxTokens = &maxOutput
	}
	return req
}

// callModel runs one model call bounded by the remaining wall-clock budget.
// Exhausting that budget surfaces as errWallClock.
func (s *Session) callModel(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	ctx, span := s.tracer.Start(ctx, "agentloop.model_call", trace.WithAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
	))
	defer span.End()

	if s.limits.MaxDuration > 0 {
		s.mu.Lock()
		deadline := s.started.Add(s.limits.MaxDuration)
		s.mu.Unlock()
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadlineCause(ctx, deadline, errWallClock)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.client.Complete(ctx, req)
	if err == nil && resp == nil {
		err = &unifiedllm.MalformedResponseError{SDKError: unifiedllm.SDKError{Message: "empty response"}}
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(context.Cause(ctx), errWallClock) {
			err = fmt.Errorf("%w: %w", errWallClock, err)
			outcome = "deadline"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.ObserveModelCall(req.Provider, outcome, time.Since(start))
	if err != nil {
		s.logger.Warn("model call failed", "turn", s.currentTurn(), "error", err)
		return nil, err
	}
	s.metrics.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	span.SetAttributes(
		attribute.Int("input_tokens", resp.Usage.InputTokens),
		attribute.Int("output_tokens", resp.Usage.OutputTokens),
		attribute.String("finish_reason", resp.FinishReason.Reason),
	)
	return resp, nil
}

func (s *Session) currentTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

func (s *Session) recordUsage(a *AssistantTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = s.usage.Add(a.Usage)
	s.cost += unifiedllm.CostFor(s.profile.ModelID(), a.Usage)
	s.toolCalls += len(a.ToolCalls)
}

// exceededLimit names the first exhausted limit, or "".
func (s *Session) exceededLimit() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.limits.MaxTurns > 0 && s.turn >= s.limits.MaxTurns:
		return "max_turns"
	case s.limits.MaxTokens > 0 && s.usage.InputTokens+s.usage.OutputTokens >= s.limits.MaxTokens:
		return "max_tokens"
	case s.limits.MaxDuration > 0 && time.Since(s.started) >= s.limits.MaxDuration:
		return "max_duration"
	case s.limits.MaxCost > 0 && s.cost >= s.limits.MaxCost:
		return "max_cost"
	}
	return ""
}

func (s *Session) exceed(limit string) (Status, error) {
	s.mu.Lock()
	s.exceeded = limit
	s.mu.Unlock()
	s.emitter.Emit(EventBudgetExceeded, s.currentTurn(), map[string]any{"limit": limit})
	return s.finish(StatusBudgetExceeded, nil)
}

func (s *Session) fail(span trace.Span, err error) (Status, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.emitter.Emit(EventError, s.currentTurn(), map[string]any{"error": err.Error()})
	return s.finish(StatusFailed, err)
}

// finish moves the session to a terminal status once.
func (s *Session) finish(status Status, err error) (Status, error) {
	s.mu.Lock()
	if s.status.Terminal() {
		status, err = s.status, s.err
		s.mu.Unlock()
		return status, err
	}
	from := s.status
	s.status = status
	s.err = err
	s.ended = time.Now()
	turn := s.turn
	s.mu.Unlock()

	s.metrics.IncSessionFinished(status)
	summary := s.Summary()
	s.emitter.Emit(EventStatusChange, turn, map[string]any{"from": from, "to": status})
	s.emitter.Emit(EventSessionEnd, turn, map[string]any{"summary": summary})
	s.emitter.Close()
	if dropped := s.emitter.Dropped(); len(dropped) > 0 {
		s.logger.Warn("slow event consumer", "dropped", dropped)
	}
	s.cancel(nil)
	if s.transcript != nil {
		if cerr := s.transcript.Close(); cerr != nil {
			s.logger.Warn("closing transcript", "error", cerr)
		}
	}

	attrs := []any{"status", status, "turn", turn, "input_tokens", summary.InputTokens,
		"output_tokens", summary.OutputTokens, "cost_usd", summary.CostUSD}
	if err != nil {
		s.logger.Error("session failed", append(attrs, "error", err)...)
	} else {
		s.logger.Info("session finished", attrs...)
	}
	if status == StatusFailed {
		return status, err
	}
	return status, nil
}

// appendTurn records turn in the history and the transcript.
func (s *Session) appendTurn(turn Turn) error {
	if err := s.context.Append(turn); err != nil {
		return fmt.Errorf("appending %s turn: %w", turn.Kind, err)
	}
	if s.transcript != nil {
		if err := s.transcript.WriteTurn(turn); err != nil {
			s.logger.Warn("writing transcript", "turn", turn.Index, "error", err)
			s.emitter.Emit(EventWarning, turn.Index, map[string]any{"warning": err.Error()})
		}
	}
	return nil
}

func (s *Session) injectSteering(index int, content string) {
	t := NewSteeringTurn(content)
	t.Index = index
	if err := s.appendTurn(t); err != nil {
		s.logger.Warn("dropping steering message", "turn", index, "error", err)
		return
	}
	s.emitter.Emit(EventSteeringInjected, index, map[string]any{"content": content})
}

func (s *Session) drainSteering(index int) {
	s.mu.Lock()
	queued := s.steering
	s.steering = nil
	s.mu.Unlock()
	for _, msg := range queued {
		s.injectSteering(index, msg)
	}
}

func (s *Session) toolStarted(call unifiedllm.ToolCall) {
	s.emitter.Emit(EventToolCallStart, s.currentTurn(), map[string]any{
		"tool":      call.Name,
		"call_id":   call.ID,
		"arguments": string(call.Arguments),
	})
}

func (s *Session) toolFinished(call unifiedllm.ToolCall, result ToolResult, full string) {
	output := full
	if output == "" {
		output = result.Output
	}
	s.emitter.Emit(EventToolCallEnd, s.currentTurn(), map[string]any{
		"tool":      call.Name,
		"call_id":   call.ID,
		"status":    result.Status,
		"output":    output,
		"duration":  result.Duration,
		"truncated": result.Truncated,
	})
}
