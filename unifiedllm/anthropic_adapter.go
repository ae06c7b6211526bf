package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicMaxOut  = 8192
	anthropicProviderName   = "anthropic"
	anthropicDefaultTimeout = 10 * time.Minute
	anthropicStreamErrorTag = "received error while streaming: "
)

// thinkingBudgets maps Request.ReasoningEffort to an extended thinking budget.
var thinkingBudgets = map[string]int{
	"low":    1024,
	"medium": 4096,
	"high":   16000,
}

// AnthropicAdapter talks to the Anthropic Messages API through the official
// SDK, always streaming.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

type anthropicSettings struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	model      string
	maxTokens  int
	logger     *slog.Logger
}

// AnthropicOption configures an AnthropicAdapter.
type AnthropicOption func(*anthropicSettings)

// WithAnthropicBaseURL overrides the API base URL.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(s *anthropicSettings) {
		s.baseURL = url
	}
}

// WithAnthropicHTTPClient sets the HTTP client used for requests.
func WithAnthropicHTTPClient(c *http.Client) AnthropicOption {
	return func(s *anthropicSettings) {
		s.httpClient = c
	}
}

// WithAnthropicModel sets the model used when a request does not name one.
func WithAnthropicModel(model string) AnthropicOption {
	return func(s *anthropicSettings) {
		s.model = model
	}
}

// WithAnthropicMaxTokens sets the default output token limit.
func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(s *anthropicSettings) {
		s.maxTokens = n
	}
}

// WithAnthropicLogger sets the logger for request diagnostics.
func WithAnthropicLogger(l *slog.Logger) AnthropicOption {
	return func(s *anthropicSettings) {
		s.logger = l
	}
}

// NewAnthropicAdapter creates an adapter authenticated with apiKey.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) (*AnthropicAdapter, error) {
	s := anthropicSettings{
		apiKey:     apiKey,
		model:      DefaultModel,
		maxTokens:  defaultAnthropicMaxOut,
		httpClient: &http.Client{Timeout: anthropicDefaultTimeout},
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "anthropic api key is required"}}
	}

	// Retries belong to RetryMiddleware so attempts are counted and logged once.
	clientOpts := []option.RequestOption{
		option.WithAPIKey(s.apiKey),
		option.WithHTTPClient(s.httpClient),
		option.WithMaxRetries(0),
	}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(s.baseURL))
	}
	return &AnthropicAdapter{
		client:    anthropic.NewClient(clientOpts...),
		model:     s.model,
		maxTokens: s.maxTokens,
		logger:    s.logger,
	}, nil
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string {
	return anthropicProviderName
}

// SupportsToolChoice reports whether the adapter supports a tool choice mode.
func (a *AnthropicAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required", "named":
		return true
	}
	return false
}

// Complete streams the request and returns the assembled response. Partial
// output is never returned.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := a.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(ctx, ch)
}

// Stream opens a streaming Messages request and returns a channel of events.
// The channel is closed after a finish or error event.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := a.buildRequest(req)
	a.logger.Debug("anthropic request", "model", params.Model, "messages", len(req.Messages), "tools", len(req.ToolDefs))

	stream := a.client.Messages.NewStreaming(ctx, params)
	// The HTTP exchange happens inside NewStreaming; a non-2xx status is
	// already recorded on the stream.
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, anthropicError(ctx, err)
	}

	ch := make(chan StreamEvent, 64)
	go a.pump(ctx, stream, ch)
	return ch, nil
}

// anthropicEventStream is the subset of the SDK stream the pump consumes.
type anthropicEventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

// pump relays SDK stream events as StreamEvents.
func (a *AnthropicAdapter) pump(ctx context.Context, stream anthropicEventStream, ch chan<- StreamEvent) {
	defer close(ch)
	defer stream.Close()

	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	dec := newAnthropicDecoder()
	for stream.Next() {
		for _, ev := range dec.decode(stream.Current()) {
			if !send(ev) {
				return
			}
		}
		if dec.done {
			return
		}
	}

	err := stream.Err()
	switch {
	case ctx.Err() != nil:
		send(StreamEvent{Type: StreamError, Error: abortError(ctx)})
	case err != nil:
		send(StreamEvent{Type: StreamError, Error: anthropicError(ctx, err)})
	default:
		send(StreamEvent{Type: StreamError, Error: &StreamInterruptedError{SDKError: SDKError{Message: "anthropic stream ended before message_stop"}}})
	}
}

func isClassified(err error) bool {
	var t interface{ transient() bool }
	return errors.As(err, &t)
}

func (a *AnthropicAdapter) modelFor(req Request) string {
	if req.Model != "" {
		return ResolveModel(req.Model)
	}
	return a.model
}

func (a *AnthropicAdapter) buildRequest(req Request) anthropic.MessageNewParams {
	out := anthropic.MessageNewParams{
		Model:         anthropic.Model(a.modelFor(req)),
		MaxTokens:     int64(a.maxTokens),
		StopSequences: req.StopSequences,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = int64(*req.MaxTokens)
	}
	budget, thinking := thinkingBudgets[req.ReasoningEffort]
	// Extended thinking requires the default temperature.
	if req.Temperature != nil && !thinking {
		out.Temperature = anthropic.Float(*req.Temperature)
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			if text := msg.TextContent(); text != "" {
				system = append(system, text)
			}
			continue
		}
		role := anthropic.MessageParamRoleUser
		if msg.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		blocks := anthropicBlocks(msg)
		if len(blocks) == 0 {
			continue
		}
		// The API requires alternating roles.
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			continue
		}
		out.Messages = append(out.Messages, anthropic.MessageParam{Role: role, Content: blocks})
	}
	if len(system) > 0 {
		out.System = []anthropic.TextBlockParam{{
			Text:         strings.Join(system, "\n\n"),
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}

	for _, t := range req.ToolDefs {
		tool := anthropic.ToolParam{Name: t.Name, InputSchema: anthropicSchema(t.Parameters)}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		out.Tools = append(out.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	if req.ToolChoice != nil && len(out.Tools) > 0 {
		switch req.ToolChoice.Mode {
		case "auto":
			out.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		case "required":
			out.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case "named":
			out.ToolChoice = anthropic.ToolChoiceParamOfTool(req.ToolChoice.ToolName)
		case "none":
			out.Tools = nil
		}
	}

	if thinking {
		out.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
		if out.MaxTokens <= int64(budget) {
			out.MaxTokens = int64(budget + defaultAnthropicMaxOut)
		}
	}
	return out
}

// anthropicSchema splits a JSON schema object into the SDK's input schema
// shape. Keys other than properties and required travel as extra fields.
func anthropicSchema(params map[string]interface{}) anthropic.ToolInputSchemaParam {
	schema := anthropic.ToolInputSchemaParam{Properties: map[string]interface{}{}}
	extra := map[string]any{}
	for k, v := range params {
		switch k {
		case "type":
		case "properties":
			schema.Properties = v
		case "required":
			schema.Required = stringList(v)
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		schema.ExtraFields = extra
	}
	return schema
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func anthropicBlocks(msg Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, part := range msg.Content {
		switch part.Kind {
		case ContentText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case ContentThinking:
			// Unsigned reasoning cannot be replayed.
			if part.Thinking != nil && part.Thinking.Signature != "" {
				blocks = append(blocks, anthropic.NewThinkingBlock(part.Thinking.Signature, part.Thinking.Text))
			}
		case ContentToolCall:
			if part.ToolCall == nil {
				continue
			}
			input := part.ToolCall.Arguments
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, input, part.ToolCall.Name))
		case ContentToolResult:
			if part.ToolResult == nil {
				continue
			}
			blocks = append(blocks, anthropic.NewToolResultBlock(part.ToolResult.ToolCallID, part.ToolResult.Content, part.ToolResult.IsError))
		}
	}
	return blocks
}

type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b anthropicErrorBody) parse(raw string) (anthropicErrorBody, bool) {
	if err := json.Unmarshal([]byte(raw), &b); err != nil || b.Error.Message == "" {
		return b, false
	}
	return b, true
}

// anthropicError maps SDK failures onto the unified error hierarchy.
func anthropicError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return abortError(ctx)
	}
	if isClassified(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message, code := "", ""
		if body, ok := (anthropicErrorBody{}).parse(apiErr.RawJSON()); ok {
			message, code = body.Error.Message, body.Error.Type
		}
		var retryAfter *float64
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			if message == "" {
				message = apiErr.Response.Status
			}
		}
		if message == "" {
			message = http.StatusText(apiErr.StatusCode)
		}
		return ErrorFromStatus(anthropicProviderName, apiErr.StatusCode, code, message, retryAfter)
	}

	// Error frames inside an open stream surface as formatted text.
	if raw, ok := strings.CutPrefix(err.Error(), anthropicStreamErrorTag); ok {
		if body, ok := (anthropicErrorBody{}).parse(raw); ok {
			return anthropicStreamError(body.Error.Type, body.Error.Message)
		}
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return &NetworkError{SDKError: SDKError{Message: "anthropic request failed", Cause: err}}
	}
	return &StreamInterruptedError{SDKError: SDKError{Message: "anthropic stream interrupted", Cause: err}}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) *float64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return &secs
	}
	if t, err := http.ParseTime(v); err == nil {
		secs := time.Until(t).Seconds()
		if secs < 0 {
			secs = 0
		}
		return &secs
	}
	return nil
}

// anthropicDecoder maps Messages API stream events to StreamEvents.
type anthropicDecoder struct {
	id     string
	model  string
	blocks map[int64]anthropicBlockState
	usage  Usage
	finish FinishReason
	done   bool
}

type anthropicBlockState struct {
	kind string
	id   string
}

func newAnthropicDecoder() *anthropicDecoder {
	return &anthropicDecoder{blocks: make(map[int64]anthropicBlockState)}
}

func optionalTokens(n int64, present bool) *int {
	if !present {
		return nil
	}
	v := int(n)
	return &v
}

func (d *anthropicDecoder) decode(ev anthropic.MessageStreamEventUnion) []StreamEvent {
	idx := int(ev.Index)

	switch ev.Type {
	case "message_start":
		usage := ev.Message.Usage
		d.id = ev.Message.ID
		d.model = string(ev.Message.Model)
		d.usage.InputTokens = int(usage.InputTokens)
		d.usage.OutputTokens = int(usage.OutputTokens)
		d.usage.CacheReadTokens = optionalTokens(usage.CacheReadInputTokens, usage.JSON.CacheReadInputTokens.Valid())
		d.usage.CacheWriteTokens = optionalTokens(usage.CacheCreationInputTokens, usage.JSON.CacheCreationInputTokens.Valid())
		return []StreamEvent{{Type: StreamStart}}

	case "content_block_start":
		st := anthropicBlockState{kind: ev.ContentBlock.Type, id: ev.ContentBlock.ID}
		d.blocks[ev.Index] = st
		switch st.kind {
		case "text":
			evs := []StreamEvent{{Type: TextStart, TextID: textID(idx)}}
			if ev.ContentBlock.Text != "" {
				evs = append(evs, StreamEvent{Type: TextDelta, TextID: textID(idx), Delta: ev.ContentBlock.Text})
			}
			return evs
		case "thinking":
			return []StreamEvent{{Type: ReasoningStart}}
		case "tool_use":
			return []StreamEvent{{Type: ToolCallStart, ToolCall: &ToolCall{ID: st.id, Name: ev.ContentBlock.Name}}}
		}
		return nil

	case "content_block_delta":
		st := d.blocks[ev.Index]
		switch ev.Delta.Type {
		case "text_delta":
			return []StreamEvent{{Type: TextDelta, TextID: textID(idx), Delta: ev.Delta.Text}}
		case "thinking_delta":
			return []StreamEvent{{Type: ReasoningDelta, ReasoningDelta: ev.Delta.Thinking}}
		case "signature_delta":
			return []StreamEvent{{Type: ReasoningDelta, Signature: ev.Delta.Signature}}
		case "input_json_delta":
			return []StreamEvent{{Type: ToolCallDelta, ToolCall: &ToolCall{ID: st.id}, Delta: ev.Delta.PartialJSON}}
		}
		return nil

	case "content_block_stop":
		st, ok := d.blocks[ev.Index]
		if !ok {
			return nil
		}
		delete(d.blocks, ev.Index)
		switch st.kind {
		case "text":
			return []StreamEvent{{Type: TextEnd, TextID: textID(idx)}}
		case "thinking":
			return []StreamEvent{{Type: ReasoningEnd}}
		case "tool_use":
			return []StreamEvent{{Type: ToolCallEnd, ToolCall: &ToolCall{ID: st.id}}}
		}
		return nil

	case "message_delta":
		if ev.Delta.StopReason != "" {
			d.finish = mapAnthropicStopReason(string(ev.Delta.StopReason))
		}
		if ev.JSON.Usage.Valid() {
			d.usage.OutputTokens = int(ev.Usage.OutputTokens)
		}
		return nil

	case "message_stop":
		d.done = true
		d.usage.TotalTokens = d.usage.InputTokens + d.usage.OutputTokens
		finish := d.finish
		if finish.Reason == "" {
			finish = FinishReason{Reason: "stop", Raw: "end_turn"}
		}
		usage := d.usage
		return []StreamEvent{{
			Type:         StreamFinish,
			FinishReason: &finish,
			Usage:        &usage,
			Response:     &Response{ID: d.id, Model: d.model, Provider: anthropicProviderName},
		}}
	}
	return nil
}

func textID(index int) string {
	return "text_" + strconv.Itoa(index)
}

func mapAnthropicStopReason(raw string) FinishReason {
	switch raw {
	case "end_turn", "stop_sequence":
		return FinishReason{Reason: "stop", Raw: raw}
	case "max_tokens":
		return FinishReason{Reason: "length", Raw: raw}
	case "tool_use":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "refusal":
		return FinishReason{Reason: "content_filter", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

// anthropicStreamError classifies an in-stream error frame.
func anthropicStreamError(kind, message string) error {
	status := 500
	switch kind {
	case "overloaded_error":
		status = 529
	case "rate_limit_error":
		status = 429
	case "invalid_request_error":
		status = 400
	case "authentication_error":
		status = 401
	case "permission_error":
		status = 403
	case "not_found_error":
		status = 404
	case "request_too_large":
		status = 413
	}
	return ErrorFromStatus(anthropicProviderName, status, kind, message, nil)
}
