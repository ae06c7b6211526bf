package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"

	"github.com/martinemde/tapir/agentloop"
	"github.com/martinemde/tapir/sandbox"
)

func TestRendererPrintsProgress(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, false, false)

	r.Render(agentloop.SessionEvent{Kind: agentloop.EventSessionStart, Data: map[string]any{
		"goal": "fix it", "provider": "anthropic", "model": "claude-opus-4-6", "root": "/work",
	}})
	r.Render(agentloop.SessionEvent{Kind: agentloop.EventTurnStart, Turn: 1})
	r.Render(agentloop.SessionEvent{Kind: agentloop.EventAssistantMessage, Data: map[string]any{
		"content": "Looking at the code.", "reasoning": "hidden unless verbose",
	}})
	r.Render(agentloop.SessionEvent{Kind: agentloop.EventToolCallStart, Data: map[string]any{
		"tool": "read_file", "arguments": `{"path":"main.go"}`,
	}})
	r.Render(agentloop.SessionEvent{Kind: agentloop.EventToolCallEnd, Data: map[string]any{
		"tool": "read_file", "status": sandbox.StatusOK, "output": "1\tpackage main\n2\t", "duration": 12 * time.Millisecond,
	}})
	r.Render(agentloop.SessionEvent{Kind: agentloop.EventToolCallEnd, Data: map[string]any{
		"tool": "shell", "status": sandbox.StatusDenied, "output": "path escapes the working root",
	}})
	r.Render(agentloop.SessionEvent{Kind: agentloop.EventSessionEnd, Data: map[string]any{
		"summary": agentloop.UsageSummary{Status: agentloop.StatusBudgetExceeded, ExceededLimit: "max_turns", Turns: 3, ToolCalls: 4},
	}})

	out := buf.String()
	assert.Contains(t, out, "starting fix it\n")
	assert.Contains(t, out, "anthropic/claude-opus-4-6 in /work")
	assert.NotContains(t, out, "turn 1")
	assert.NotContains(t, out, "hidden unless verbose")
	assert.Contains(t, out, "Looking at the code.\n")
	assert.Contains(t, out, `→ read_file {"path":"main.go"}`)
	assert.Contains(t, out, "✓ read_file (12ms) 1\tpackage main …")
	assert.Contains(t, out, "✗ shell denied: path escapes the working root")
	assert.Contains(t, out, "budget_exceeded (max_turns) after 3 turns, 4 tool calls")
	assert.NotContains(t, out, "\x1b[")
}

func TestRendererVerboseAndPrefix(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, false, true)
	r.prefix = "[lint] "
	r.Render(agentloop.SessionEvent{Kind: agentloop.EventTurnStart, Turn: 2, Data: map[string]any{"messages": 5, "estimated_tokens": 900}})
	r.Render(agentloop.SessionEvent{Kind: agentloop.EventAssistantMessage, Data: map[string]any{"reasoning": "think\nmore"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "[lint] turn 2: 5 messages, ~900 tokens", lines[0])
	assert.Equal(t, "[lint]   think", lines[1])
}

func TestRendererColors(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, true, false)
	r.Render(agentloop.SessionEvent{Kind: agentloop.EventBudgetExceeded, Data: map[string]any{"limit": "max_cost"}})
	assert.Contains(t, buf.String(), "\x1b[31m")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "one …", preview("one\ntwo"))
	long := strings.Repeat("x", previewWidth+10)
	assert.Equal(t, strings.Repeat("x", previewWidth)+"…", preview(long))
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, exitCompleted, statusCode(agentloop.StatusCompleted))
	assert.Equal(t, exitFailed, statusCode(agentloop.StatusFailed))
	assert.Equal(t, exitBudgetExceeded, statusCode(agentloop.StatusBudgetExceeded))
	assert.Equal(t, exitCancelled, statusCode(agentloop.StatusCancelled))

	assert.NoError(t, statusError(agentloop.StatusCompleted, nil))
	assert.Equal(t, exitCancelled, exitCode(statusError(agentloop.StatusCancelled, nil)))

	var merr *multierror.Error
	merr = multierror.Append(merr, &agentloop.ConfigError{Field: "goal", Reason: "must not be empty"})
	assert.Equal(t, exitConfig, exitCode(merr))
	assert.Equal(t, exitFailed, exitCode(errors.New("boom")))
	assert.Equal(t, exitCompleted, exitCode(nil))

	assert.Empty(t, errorMessage(&exitError{code: exitBudgetExceeded}))
	assert.Equal(t, "boom", errorMessage(&exitError{code: exitFailed, err: errors.New("boom")}))
}
