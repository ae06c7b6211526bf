package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/tapir/sandbox"
	"github.com/martinemde/tapir/unifiedllm"
	"github.com/stretchr/testify/require"
)

// scriptedClient answers Complete from a fixed list of responses.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*unifiedllm.Response
	errs      []error
	requests  []unifiedllm.Request
}

func newScriptedClient(responses ...*unifiedllm.Response) *scriptedClient {
	return &scriptedClient{responses: responses}
}

func (c *scriptedClient) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		return nil, errors.New("script exhausted")
	}
	return c.responses[i], nil
}

func (c *scriptedClient) Requests() []unifiedllm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]unifiedllm.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// blockingClient waits for ctx to end.
type blockingClient struct{}

func (blockingClient) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	<-ctx.Done()
	return nil, &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "aborted", Cause: ctx.Err()}}
}

func toolCall(id, name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func toolResponse(calls ...unifiedllm.ToolCall) *unifiedllm.Response {
	msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	for _, c := range calls {
		msg.Content = append(msg.Content, unifiedllm.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return &unifiedllm.Response{
		ID:           "resp",
		Model:        unifiedllm.DefaultModel,
		Message:      msg,
		FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
		Usage:        unifiedllm.Usage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
	}
}

func textResponse(text, finish string) *unifiedllm.Response {
	return &unifiedllm.Response{
		ID:           "resp",
		Model:        unifiedllm.DefaultModel,
		Message:      unifiedllm.AssistantMessage(text),
		FinishReason: unifiedllm.FinishReason{Reason: finish},
		Usage:        unifiedllm.Usage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
	}
}

func startTestSession(t *testing.T, client ModelClient, limits Limits, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithModelClient(client),
		WithTokenEstimator(HeuristicEstimator{}),
	}
	s, err := Start("make the change", t.TempDir(), limits, append(base, opts...)...)
	require.NoError(t, err)
	return s
}

// drainEvents collects events until the channel closes or timeout elapses.
func drainEvents(t *testing.T, ch <-chan SessionEvent, timeout time.Duration) []SessionEvent {
	t.Helper()
	var events []SessionEvent
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-deadline:
			t.Fatalf("event channel not closed after %s", timeout)
			return events
		}
	}
}

func eventKinds(events []SessionEvent) []EventKind {
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

func assistantTurn(index int, calls ...unifiedllm.ToolCall) Turn {
	return NewAssistantTurn(index, toolResponse(calls...), Outbound{}, time.Now())
}

func resultsFor(index int, status string, calls ...unifiedllm.ToolCall) Turn {
	results := make([]ToolResult, len(calls))
	for i, c := range calls {
		results[i] = ToolResult{CallID: c.ID, ToolName: c.Name, Status: sandbox.Status(status), Output: fmt.Sprintf("%s output", c.Name)}
	}
	return NewToolResultsTurn(index, results)
}
