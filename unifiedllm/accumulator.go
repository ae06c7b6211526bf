package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
)

type accState int

const (
	accIdle accState = iota
	accText
	accThinking
	accToolCall
)

func (s accState) String() string {
	switch s {
	case accText:
		return "text"
	case accThinking:
		return "thinking"
	case accToolCall:
		return "tool_call"
	}
	return "idle"
}

// StreamAccumulator assembles StreamEvents into a complete Response. It is a
// state machine over content blocks: idle, text, thinking and tool_call.
// Tool-call argument fragments are buffered until the call ends and are only
// then parsed, so no partial arguments escape.
type StreamAccumulator struct {
	state accState
	parts []ContentPart

	text strings.Builder

	thinking  strings.Builder
	signature string

	callID   string
	callName string
	args     strings.Builder
	seenIDs  map[string]bool

	finished bool
	finish   FinishReason
	usage    Usage
	meta     *Response
	adopted  *Response
}

// NewStreamAccumulator creates an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{seenIDs: make(map[string]bool)}
}

// Process feeds one event into the accumulator. Error events and malformed
// sequences are returned as errors.
func (a *StreamAccumulator) Process(ev StreamEvent) error {
	if a.finished {
		return nil
	}
	switch ev.Type {
	case StreamStart:
		return nil

	case TextStart:
		if err := a.closeBlock(); err != nil {
			return err
		}
		a.state = accText
	case TextDelta:
		if a.state != accText {
			if err := a.closeBlock(); err != nil {
				return err
			}
			a.state = accText
		}
		a.text.WriteString(ev.Delta)
	case TextEnd:
		if a.state == accText {
			return a.closeBlock()
		}

	case ReasoningStart:
		if err := a.closeBlock(); err != nil {
			return err
		}
		a.state = accThinking
	case ReasoningDelta:
		if a.state != accThinking {
			if err := a.closeBlock(); err != nil {
				return err
			}
			a.state = accThinking
		}
		a.thinking.WriteString(ev.ReasoningDelta)
		if ev.Signature != "" {
			a.signature += ev.Signature
		}
	case ReasoningEnd:
		if a.state == accThinking {
			return a.closeBlock()
		}

	case ToolCallStart:
		if err := a.closeBlock(); err != nil {
			return err
		}
		a.state = accToolCall
		if ev.ToolCall != nil {
			a.callID = ev.ToolCall.ID
			a.callName = ev.ToolCall.Name
		}
	case ToolCallDelta:
		if a.state != accToolCall {
			return a.malformed("tool call delta outside a tool call", "")
		}
		if ev.ToolCall != nil && ev.ToolCall.ID != "" && a.callID != "" && ev.ToolCall.ID != a.callID {
			return a.malformed(fmt.Sprintf("tool call delta for %q while %q is open", ev.ToolCall.ID, a.callID), "")
		}
		a.args.WriteString(ev.Delta)
	case ToolCallEnd:
		if a.state != accToolCall {
			return a.malformed("tool call end outside a tool call", "")
		}
		return a.closeBlock()

	case StreamFinish:
		if err := a.closeBlock(); err != nil {
			return err
		}
		a.finished = true
		if ev.FinishReason != nil {
			a.finish = *ev.FinishReason
		}
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
		if ev.Response != nil {
			if len(ev.Response.Message.Content) > 0 {
				a.adopted = ev.Response
			} else {
				a.meta = ev.Response
			}
		}

	case StreamError:
		if ev.Error != nil {
			return ev.Error
		}
		return &StreamInterruptedError{SDKError: SDKError{Message: "stream error"}}
	}
	return nil
}

// closeBlock finalizes the open content block, if any, and returns to idle.
func (a *StreamAccumulator) closeBlock() error {
	defer func() { a.state = accIdle }()
	switch a.state {
	case accText:
		if a.text.Len() > 0 {
			a.parts = append(a.parts, TextPart(a.text.String()))
		}
		a.text.Reset()
	case accThinking:
		a.parts = append(a.parts, ThinkingPart(a.thinking.String(), a.signature))
		a.thinking.Reset()
		a.signature = ""
	case accToolCall:
		args, err := a.finalizeArgs()
		if err != nil {
			return err
		}
		id := a.callID
		if id == "" || a.seenIDs[id] {
			id = "call_" + uuid.New().String()[:8]
		}
		a.seenIDs[id] = true
		a.parts = append(a.parts, ToolCallPart(id, a.callName, args))
		a.callID, a.callName = "", ""
		a.args.Reset()
	}
	return nil
}

// finalizeArgs validates the buffered argument JSON, allowing one repair pass.
func (a *StreamAccumulator) finalizeArgs() (json.RawMessage, error) {
	raw := strings.TrimSpace(a.args.String())
	if raw == "" {
		return json.RawMessage(`{}`), nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err == nil && json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired), nil
	}
	return nil, a.malformed(fmt.Sprintf("invalid arguments for tool call %q", a.callName), raw)
}

func (a *StreamAccumulator) malformed(msg, raw string) error {
	return &MalformedResponseError{
		SDKError:   SDKError{Message: msg},
		ToolCallID: a.callID,
		Raw:        raw,
	}
}

// Response returns the assembled response. It fails if the stream never
// reached a finish event.
func (a *StreamAccumulator) Response() (*Response, error) {
	if !a.finished {
		return nil, &StreamInterruptedError{SDKError: SDKError{
			Message: fmt.Sprintf("stream ended before finish (state %s)", a.state),
		}}
	}
	if a.adopted != nil {
		return a.adopted, nil
	}

	resp := &Response{
		Message:      Message{Role: RoleAssistant, Content: a.parts},
		FinishReason: a.finish,
		Usage:        a.usage,
	}
	if a.meta != nil {
		resp.ID = a.meta.ID
		resp.Model = a.meta.Model
		resp.Provider = a.meta.Provider
	}
	if resp.ID == "" {
		resp.ID = "resp_" + uuid.New().String()[:8]
	}
	if resp.FinishReason.Reason == "" {
		resp.FinishReason = FinishReason{Reason: "stop"}
		if len(resp.ToolCallsFromResponse()) > 0 {
			resp.FinishReason = FinishReason{Reason: "tool_calls"}
		}
	}
	return resp, nil
}

// Collect drains a stream into a complete Response. Cancellation of ctx
// yields an *AbortError.
func Collect(ctx context.Context, ch <-chan StreamEvent) (*Response, error) {
	acc := NewStreamAccumulator()
	for {
		select {
		case <-ctx.Done():
			return nil, abortError(ctx)
		case ev, ok := <-ch:
			if !ok {
				return acc.Response()
			}
			if err := acc.Process(ev); err != nil {
				return nil, err
			}
		}
	}
}
