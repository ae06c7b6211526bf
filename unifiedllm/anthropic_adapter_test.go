package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSSE(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, f := range frames {
		var frameType struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(f), &frameType)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frameType.Type, f)
	}
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}
}

var toolUseStream = []string{
	`{"type":"message_start","message":{"id":"msg_1","model":"claude-opus-4-6","usage":{"input_tokens":120,"output_tokens":1,"cache_read_input_tokens":100}}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Look at the file."}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"EqQB"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Reading "}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"main.go"}}`,
	`{"type":"content_block_stop","index":1}`,
	`{"type":"ping"}`,
	`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_01","name":"read_file","input":{}}}`,
	`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"path\": \"ma"}}`,
	`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"in.go\"}"}}`,
	`{"type":"content_block_stop","index":2}`,
	`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":42}}`,
	`{"type":"message_stop"}`,
}

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *AnthropicAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := NewAnthropicAdapter("test-key", WithAnthropicBaseURL(srv.URL), WithAnthropicHTTPClient(srv.Client()))
	require.NoError(t, err)
	return a
}

func TestAnthropicAdapterRequiresKey(t *testing.T) {
	_, err := NewAnthropicAdapter("")
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestAnthropicAdapterCompleteToolUse(t *testing.T) {
	var body struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
		System []struct {
			Text         string `json:"text"`
			CacheControl struct {
				Type string `json:"type"`
			} `json:"cache_control"`
		} `json:"system"`
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"input_schema"`
		} `json:"tools"`
	}
	var path string
	a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("Anthropic-Version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeSSE(w, toolUseStream...)
	})

	resp, err := a.Complete(context.Background(), Request{
		Model: "opus",
		Messages: []Message{
			SystemMessage("You are a coding agent."),
			UserMessage("Fix the build"),
		},
		ToolDefs: []ToolDefinition{{Name: "read_file", Description: "Read a file", Parameters: map[string]interface{}{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/messages", path)
	assert.True(t, body.Stream)
	assert.Equal(t, "claude-opus-4-6", body.Model)
	require.Len(t, body.System, 1)
	assert.Equal(t, "You are a coding agent.", body.System[0].Text)
	assert.Equal(t, "ephemeral", body.System[0].CacheControl.Type)
	require.Len(t, body.Tools, 1)
	assert.Equal(t, "read_file", body.Tools[0].Name)
	assert.Equal(t, "object", body.Tools[0].InputSchema["type"])

	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "Reading main.go", resp.Text())
	assert.Equal(t, "Look at the file.", resp.Reasoning())
	assert.Equal(t, "EqQB", resp.ReasoningSignature())
	assert.Equal(t, "tool_calls", resp.FinishReason.Reason)
	assert.Equal(t, 120, resp.Usage.InputTokens)
	assert.Equal(t, 42, resp.Usage.OutputTokens)
	require.NotNil(t, resp.Usage.CacheReadTokens)
	assert.Equal(t, 100, *resp.Usage.CacheReadTokens)

	calls := resp.ToolCallsFromResponse()
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_01", calls[0].ID)
	assert.JSONEq(t, `{"path":"main.go"}`, string(calls[0].Arguments))
}

func TestAnthropicAdapterStreamInterrupted(t *testing.T) {
	a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, toolUseStream[:8]...)
	})

	_, err := a.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var streamErr *StreamInterruptedError
	require.ErrorAs(t, err, &streamErr)
	assert.True(t, IsRetryable(err))
}

func TestAnthropicAdapterOverloadedFrame(t *testing.T) {
	a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			toolUseStream[0],
			`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		)
	})

	_, err := a.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var server *ServerError
	require.ErrorAs(t, err, &server)
	assert.Equal(t, 529, server.StatusCode)
	assert.True(t, IsRetryable(err))
}

func TestAnthropicAdapterHTTPErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		retryable  bool
	}{
		{"unauthorized", http.StatusUnauthorized, "", false},
		{"bad request", http.StatusBadRequest, "", false},
		{"rate limited", http.StatusTooManyRequests, "3", true},
		{"overloaded", 529, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"type":"error","error":{"type":"some_error","message":"nope"}}`)
			})
			_, err := a.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Contains(t, err.Error(), "nope")
			if tt.retryAfter != "" {
				hint := retryAfterHint(err)
				require.NotNil(t, hint)
				assert.Equal(t, 3.0, *hint)
			}
		})
	}
}

func TestAnthropicAdapterTransparentRetry(t *testing.T) {
	var calls atomic.Int32
	a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(529)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			return
		}
		writeSSE(w, toolUseStream...)
	})
	client := NewClient(
		WithProvider("anthropic", a),
		WithMiddleware(RetryMiddleware(fastPolicy(3))),
	)

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, resp.ToolCallsFromResponse(), 1)
}

func TestAnthropicBuildRequest(t *testing.T) {
	a := &AnthropicAdapter{model: DefaultModel, maxTokens: 1000}
	temp := 0.5
	out := a.buildRequest(Request{
		Temperature:     &temp,
		ReasoningEffort: "medium",
		Messages: []Message{
			UserMessage("goal"),
			{Role: RoleAssistant, Content: []ContentPart{
				ThinkingPart("unsigned", ""),
				TextPart("calling"),
				ToolCallPart("c1", "read_file", json.RawMessage(`{"path":"a"}`)),
				ToolCallPart("c2", "glob", nil),
			}},
			ToolResultMessage("c1", "contents", false),
			ToolResultMessage("c2", "denied", true),
			UserMessage("keep going"),
		},
		ToolChoice: &ToolChoice{Mode: "required"},
	})

	require.Len(t, out.Messages, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, out.Messages[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out.Messages[1].Role)
	// unsigned thinking is dropped
	require.Len(t, out.Messages[1].Content, 3)
	assert.NotNil(t, out.Messages[1].Content[0].OfText)
	require.NotNil(t, out.Messages[1].Content[2].OfToolUse)
	assert.Equal(t, json.RawMessage(`{}`), out.Messages[1].Content[2].OfToolUse.Input)

	// tool results and the follow-up user text merge into one user turn
	user := out.Messages[2]
	assert.Equal(t, anthropic.MessageParamRoleUser, user.Role)
	require.Len(t, user.Content, 3)
	require.NotNil(t, user.Content[0].OfToolResult)
	assert.Equal(t, "c1", user.Content[0].OfToolResult.ToolUseID)
	require.NotNil(t, user.Content[1].OfToolResult)
	assert.True(t, user.Content[1].OfToolResult.IsError.Value)
	assert.NotNil(t, user.Content[2].OfText)

	require.NotNil(t, out.Thinking.OfEnabled)
	assert.Equal(t, int64(4096), out.Thinking.OfEnabled.BudgetTokens)
	assert.False(t, out.Temperature.Valid())
	assert.Greater(t, out.MaxTokens, out.Thinking.OfEnabled.BudgetTokens)
	assert.Nil(t, out.ToolChoice.OfAny, "tool choice needs tools")
}

func TestAnthropicBuildRequestToolChoice(t *testing.T) {
	a := &AnthropicAdapter{model: DefaultModel, maxTokens: 1000}
	tools := []ToolDefinition{{Name: "grep", Parameters: map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{"pattern": map[string]interface{}{"type": "string"}},
		"required":             []interface{}{"pattern"},
		"additionalProperties": false,
	}}}
	temp := 0.3

	named := a.buildRequest(Request{ToolDefs: tools, Temperature: &temp, ToolChoice: &ToolChoice{Mode: "named", ToolName: "grep"}})
	require.NotNil(t, named.ToolChoice.OfTool)
	assert.Equal(t, "grep", named.ToolChoice.OfTool.Name)
	assert.Equal(t, 0.3, named.Temperature.Value)

	schema := named.Tools[0].OfTool.InputSchema
	assert.Equal(t, []string{"pattern"}, schema.Required)
	assert.Contains(t, schema.Properties, "pattern")
	assert.Equal(t, false, schema.ExtraFields["additionalProperties"])

	none := a.buildRequest(Request{ToolDefs: tools, ToolChoice: &ToolChoice{Mode: "none"}})
	assert.Empty(t, none.Tools)
}

func TestAnthropicErrorClassification(t *testing.T) {
	ctx := context.Background()

	frame := anthropicError(ctx, fmt.Errorf("received error while streaming: %s", `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	var rate *RateLimitError
	require.ErrorAs(t, frame, &rate)
	assert.Contains(t, rate.Error(), "slow down")

	cut := anthropicError(ctx, io.ErrUnexpectedEOF)
	var streamErr *StreamInterruptedError
	require.ErrorAs(t, cut, &streamErr)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	var abort *AbortError
	assert.ErrorAs(t, anthropicError(cancelled, io.ErrUnexpectedEOF), &abort)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Nil(t, parseRetryAfter(""))
	assert.Nil(t, parseRetryAfter("soon"))
	v := parseRetryAfter("1.5")
	require.NotNil(t, v)
	assert.Equal(t, 1.5, *v)
}

func TestMapAnthropicStopReason(t *testing.T) {
	assert.Equal(t, "stop", mapAnthropicStopReason("end_turn").Reason)
	assert.Equal(t, "stop", mapAnthropicStopReason("stop_sequence").Reason)
	assert.Equal(t, "length", mapAnthropicStopReason("max_tokens").Reason)
	assert.Equal(t, "tool_calls", mapAnthropicStopReason("tool_use").Reason)
	assert.Equal(t, "other", mapAnthropicStopReason("pause_turn").Reason)
}
