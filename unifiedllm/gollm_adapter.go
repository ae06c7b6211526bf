package unifiedllm

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter serves the providers reachable through gollm (openai,
// ollama, groq and the rest). gollm takes a single prompt, so the
// conversation is rendered as a transcript and tool calls are parsed out of
// JSON the model writes into its reply.
type GollmAdapter struct {
	provider string
	model    string

	// mu serializes calls: request options are set on the shared LLM.
	mu        sync.Mutex
	llm       gollm.LLM
	maxTokens int
}

const defaultGollmTemperature = 0.2

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmSettings)

type gollmSettings struct {
	model     string
	maxTokens int
}

// WithModel sets the model used when a request names none.
func WithModel(model string) GollmAdapterOption {
	return func(s *gollmSettings) { s.model = model }
}

// WithMaxTokens caps output tokens when a request sets no limit.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(s *gollmSettings) { s.maxTokens = n }
}

// NewGollmAdapter builds an adapter for provider. An empty apiKey leaves
// gollm to read the provider's conventional environment variable. gollm's
// own retries are disabled; RetryMiddleware retries instead.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	s := gollmSettings{maxTokens: 8192}
	for _, opt := range opts {
		opt(&s)
	}
	if s.model == "" {
		info := LatestModel(provider)
		if info == nil {
			return nil, &ConfigurationError{SDKError{Message: "no default model for " + provider + "; set a model"}}
		}
		s.model = info.ID
	}

	cfg := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(s.model),
		gollm.SetMaxTokens(s.maxTokens),
		gollm.SetTemperature(defaultGollmTemperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		cfg = append(cfg, gollm.SetAPIKey(apiKey))
	}
	llm, err := gollm.NewLLM(cfg...)
	if err != nil {
		return nil, &ConfigurationError{SDKError{Message: "create " + provider + " client", Cause: err}}
	}
	return &GollmAdapter{provider: provider, model: s.model, llm: llm, maxTokens: s.maxTokens}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete renders the conversation, generates a reply and parses any tool
// calls out of it.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := renderPrompt(req)

	a.mu.Lock()
	a.applyRequestOptions(req)
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(ctx, err)
	}
	return a.buildResponse(req, text), nil
}

// Stream relays text chunks as they arrive. Tool calls only become known
// once the reply is complete, so they ride on the finish event's Response.
// The adapter stays locked until the stream drains.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := renderPrompt(req)

	a.mu.Lock()
	a.applyRequestOptions(req)
	next, stop, err := a.open(ctx, prompt)
	if err != nil {
		a.mu.Unlock()
		return nil, a.translateError(ctx, err)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer a.mu.Unlock()
		defer stop()
		a.relay(ctx, req, next, ch)
	}()
	return ch, nil
}

// chunkSource yields reply text until io.EOF.
type chunkSource func() (string, error)

// open starts generation. Providers gollm cannot stream from generate the
// whole reply on the first pull.
func (a *GollmAdapter) open(ctx context.Context, prompt *gollm.Prompt) (chunkSource, func(), error) {
	if !a.llm.SupportsStreaming() {
		pulled := false
		return func() (string, error) {
			if pulled {
				return "", io.EOF
			}
			pulled = true
			return a.llm.Generate(ctx, prompt)
		}, func() {}, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, nil, err
	}
	next := func() (string, error) {
		for {
			tok, err := stream.Next(ctx)
			if err != nil {
				return "", err
			}
			if tok != nil {
				return tok.Text, nil
			}
		}
	}
	return next, func() { stream.Close() }, nil
}

func (a *GollmAdapter) relay(ctx context.Context, req Request, next chunkSource, ch chan<- StreamEvent) {
	id := textID(0)
	ch <- StreamEvent{Type: StreamStart}

	var text strings.Builder
	for {
		chunk, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ch <- StreamEvent{Type: StreamError, Error: a.translateError(ctx, err)}
			return
		}
		if chunk == "" {
			continue
		}
		if text.Len() == 0 {
			ch <- StreamEvent{Type: TextStart, TextID: id}
		}
		ch <- StreamEvent{Type: TextDelta, TextID: id, Delta: chunk}
		text.WriteString(chunk)
	}
	if text.Len() > 0 {
		ch <- StreamEvent{Type: TextEnd, TextID: id}
	}

	resp := a.buildResponse(req, text.String())
	ch <- StreamEvent{Type: StreamFinish, FinishReason: &resp.FinishReason, Usage: &resp.Usage, Response: resp}
}

// SupportsToolChoice reports whether the adapter supports a particular tool choice mode.
func (a *GollmAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required":
		return true
	case "named":
		return a.provider != "ollama"
	default:
		return false
	}
}

const toolCallInstructions = `To call tools, reply with a JSON object of the form
{"tool_calls": [{"name": "<tool>", "arguments": {...}}]}
after any explanatory text. Call task_complete when the task is finished.`

// renderPrompt flattens a request into one gollm prompt: system messages
// become the system prompt and everything else a plain-text transcript.
func renderPrompt(req Request) *gollm.Prompt {
	var system, transcript []string
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.TextContent())
			continue
		}
		transcript = append(transcript, transcriptLines(msg)...)
	}
	if len(transcript) == 0 {
		transcript = []string{"Begin."}
	}

	var opts []gollm.PromptOption
	if len(req.ToolDefs) > 0 {
		system = append(system, toolCallInstructions)
		opts = append(opts, gollm.WithTools(gollmTools(req.ToolDefs)))
	}
	if sp := strings.TrimSpace(strings.Join(system, "\n\n")); sp != "" {
		opts = append(opts, gollm.WithSystemPrompt(sp, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if req.ToolChoice != nil {
		opts = append(opts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}
	return gollm.NewPrompt(strings.Join(transcript, "\n\n"), opts...)
}

func transcriptLines(msg Message) []string {
	var lines []string
	switch msg.Role {
	case RoleUser:
		lines = append(lines, msg.TextContent())
	case RoleAssistant:
		if text := msg.TextContent(); text != "" {
			lines = append(lines, "Assistant: "+text)
		}
		for _, tc := range msg.ToolCalls() {
			lines = append(lines, fmt.Sprintf("Assistant called %s (id %s) with %s", tc.Name, tc.ID, tc.Arguments))
		}
	case RoleTool:
		for _, part := range msg.Content {
			r := part.ToolResult
			if r == nil {
				continue
			}
			outcome := "returned"
			if r.IsError {
				outcome = "failed"
			}
			lines = append(lines, fmt.Sprintf("Tool call %s %s:\n%s", r.ToolCallID, outcome, r.Content))
		}
	}
	return lines
}

func gollmTools(defs []ToolDefinition) []gollm.Tool {
	tools := make([]gollm.Tool, len(defs))
	for i, d := range defs {
		tools[i] = gollm.Tool{
			Type:     "function",
			Function: gollm.Function{Name: d.Name, Description: d.Description, Parameters: d.Parameters},
		}
	}
	return tools
}

// applyRequestOptions points the shared LLM at this request's settings,
// restoring adapter defaults for anything the request leaves unset.
// Callers hold a.mu.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	temperature, maxTokens := defaultGollmTemperature, a.maxTokens
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	a.llm.SetOption("model", cmp.Or(req.Model, a.model))
	a.llm.SetOption("temperature", temperature)
	a.llm.SetOption("max_tokens", maxTokens)
}

// buildResponse splits a reply into prose and the tool calls that follow
// it. gollm reports no usage, so token counts are estimates.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	calls, at := parseToolCalls(text)
	prose := text
	if at >= 0 {
		prose = strings.TrimSpace(text[:at])
	}

	msg := AssistantMessage(prose)
	finish := "stop"
	for _, c := range calls {
		msg.Content = append(msg.Content, ToolCallPart(c.ID, c.Name, c.Arguments))
		finish = "tool_calls"
	}

	usage := Usage{InputTokens: estimateTokens(req), OutputTokens: len(text) / 4}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        cmp.Or(req.Model, a.model),
		Provider:     a.provider,
		Message:      msg,
		FinishReason: FinishReason{Reason: finish, Raw: finish},
		Usage:        usage,
	}
}

type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool calls that the model wrote into its reply,
// either as {"tool_calls": [...]} or as a bare [{"name": ...}] array. It
// returns the calls and the offset where the JSON begins, or -1.
func parseToolCalls(text string) ([]ToolCallData, int) {
	var raw []rawToolCall
	idx := -1

	if start := strings.Index(text, `{"tool_calls"`); start != -1 {
		var wrapper struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&wrapper); err == nil {
			raw, idx = wrapper.ToolCalls, start
		}
	}
	if idx == -1 {
		if start := strings.Index(text, `[{"name"`); start != -1 {
			if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&raw); err == nil {
				idx = start
			}
		}
	}
	if idx == -1 || len(raw) == 0 {
		return nil, -1
	}

	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCallData{
			ID:        "call_" + uuid.NewString()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls, idx
}

// gollmStatusHints recovers an HTTP status from gollm's flattened error
// text. Earlier entries win.
var gollmStatusHints = []struct {
	status   int
	keywords []string
}{
	{401, []string{"401", "unauthorized", "invalid key", "invalid api key"}},
	{403, []string{"403", "forbidden"}},
	{404, []string{"404", "not found"}},
	{429, []string{"429", "rate limit"}},
	{413, []string{"context length", "too many tokens"}},
	{529, []string{"529", "overloaded"}},
	{503, []string{"503", "service unavailable"}},
	{500, []string{"500", "internal server"}},
	{408, []string{"timeout"}},
}

var gollmNetworkHints = []string{"connection refused", "connection reset", "no such host", "unexpected eof"}

// translateError classifies a gollm error. gollm does not expose status
// codes, so the message text is matched against known hints. Unmatched
// errors stay retryable.
func (a *GollmAdapter) translateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, h := range gollmStatusHints {
		if containsAny(lower, h.keywords) {
			return ErrorFromStatus(a.provider, h.status, "", msg, nil)
		}
	}
	switch {
	case containsAny(lower, []string{"content filter", "safety"}):
		return &ContentFilterError{ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}}
	case containsAny(lower, gollmNetworkHints):
		return &NetworkError{SDKError{Message: msg, Cause: err}}
	}
	return &ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, Retryable: true}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				if part.ToolResult != nil {
					total += len(part.ToolResult.Content) / 4
				}
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
