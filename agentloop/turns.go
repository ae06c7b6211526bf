package agentloop

import (
	"fmt"
	"time"

	"github.com/martinemde/tapir/sandbox"
	"github.com/martinemde/tapir/unifiedllm"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSteering    TurnKind = "steering"
	TurnSummary     TurnKind = "summary"
)

// Turn is a single entry in the conversation history. Turns are immutable
// once appended.
type Turn struct {
	Kind TurnKind `json:"kind"`
	// Index is the model round-trip ordinal of an assistant turn, and of the
	// assistant turn answered by a tool_results turn.
	Index       int              `json:"index"`
	Pinned      bool             `json:"pinned,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
	Steering    *SteeringTurn    `json:"steering,omitempty"`
	Summary     *SummaryTurn     `json:"summary,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string `json:"content"`
}

// Outbound describes the window that was sent to produce an assistant turn.
type Outbound struct {
	Messages        int  `json:"messages"`
	EstimatedTokens int  `json:"estimated_tokens"`
	Truncated       bool `json:"truncated"`
}

// AssistantTurn holds the model's response.
type AssistantTurn struct {
	Content            string                  `json:"content"`
	Reasoning          string                  `json:"reasoning,omitempty"`
	ReasoningSignature string                  `json:"reasoning_signature,omitempty"`
	ToolCalls          []unifiedllm.ToolCall   `json:"tool_calls,omitempty"`
	Usage              unifiedllm.Usage        `json:"usage"`
	FinishReason       unifiedllm.FinishReason `json:"finish_reason"`
	ResponseID         string                  `json:"response_id,omitempty"`
	Model              string                  `json:"model,omitempty"`
	Outbound           Outbound                `json:"outbound"`
	StartedAt          time.Time               `json:"started_at"`
	EndedAt            time.Time               `json:"ended_at"`
}

// ToolResult is the normalized outcome of one tool call.
type ToolResult struct {
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Status    sandbox.Status `json:"status"`
	Output    string         `json:"output"`
	Duration  time.Duration  `json:"duration"`
	Truncated bool           `json:"truncated,omitempty"`
	// Diffstat summarizes a file mutation, e.g. "+3 -1".
	Diffstat string `json:"diffstat,omitempty"`
}

// IsError reports whether the result should be flagged as an error to the model.
func (r ToolResult) IsError() bool {
	return r.Status != sandbox.StatusOK
}

// ModelContent is the text the model sees for this result.
func (r ToolResult) ModelContent() string {
	switch r.Status {
	case sandbox.StatusOK, sandbox.StatusError:
		return r.Output
	default:
		return fmt.Sprintf("[%s] %s", r.Status, r.Output)
	}
}

// ToolResultsTurn holds tool execution results in call emission order.
type ToolResultsTurn struct {
	Results []ToolResult `json:"results"`
}

// SteeringTurn holds an injected steering message.
type SteeringTurn struct {
	Content string `json:"content"`
}

// SummaryTurn stands in for turns dropped from a context window.
type SummaryTurn struct {
	Content      string `json:"content"`
	DroppedTurns int    `json:"dropped_turns"`
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{
		Kind:      TurnUser,
		Timestamp: time.Now(),
		User:      &UserTurn{Content: content},
	}
}

// NewGoalTurn creates the pinned user turn that opens a session.
func NewGoalTurn(goal string) Turn {
	t := NewUserTurn(goal)
	t.Pinned = true
	return t
}

// NewAssistantTurn creates a Turn from a complete model response.
func NewAssistantTurn(index int, resp *unifiedllm.Response, outbound Outbound, started time.Time) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Index:     index,
		Timestamp: time.Now(),
		Assistant: &AssistantTurn{
			Content:            resp.Text(),
			Reasoning:          resp.Reasoning(),
			ReasoningSignature: resp.ReasoningSignature(),
			ToolCalls:          resp.ToolCallsFromResponse(),
			Usage:              resp.Usage,
			FinishReason:       resp.FinishReason,
			ResponseID:         resp.ID,
			Model:              resp.Model,
			Outbound:           outbound,
			StartedAt:          started,
			EndedAt:            time.Now(),
		},
	}
}

// NewToolResultsTurn creates a Turn answering the assistant turn at index.
func NewToolResultsTurn(index int, results []ToolResult) Turn {
	return Turn{
		Kind:        TurnToolResults,
		Index:       index,
		Timestamp:   time.Now(),
		ToolResults: &ToolResultsTurn{Results: results},
	}
}

// NewSteeringTurn creates a Turn wrapping a steering message.
func NewSteeringTurn(content string) Turn {
	return Turn{
		Kind:      TurnSteering,
		Timestamp: time.Now(),
		Steering:  &SteeringTurn{Content: content},
	}
}

// NewSummaryTurn creates the synthetic turn that replaces dropped history.
func NewSummaryTurn(content string, dropped int) Turn {
	return Turn{
		Kind:      TurnSummary,
		Timestamp: time.Now(),
		Summary:   &SummaryTurn{Content: content, DroppedTurns: dropped},
	}
}

// TextContent returns the text content of a turn regardless of its kind.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			return t.User.Content
		}
	case TurnAssistant:
		if t.Assistant != nil {
			return t.Assistant.Content
		}
	case TurnSteering:
		if t.Steering != nil {
			return t.Steering.Content
		}
	case TurnSummary:
		if t.Summary != nil {
			return t.Summary.Content
		}
	}
	return ""
}

// Messages converts one turn into model messages.
func (t Turn) Messages() []unifiedllm.Message {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			return []unifiedllm.Message{unifiedllm.UserMessage(t.User.Content)}
		}
	case TurnAssistant:
		if t.Assistant == nil {
			return nil
		}
		msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
		if t.Assistant.Reasoning != "" {
			msg.Content = append(msg.Content, unifiedllm.ThinkingPart(t.Assistant.Reasoning, t.Assistant.ReasoningSignature))
		}
		if t.Assistant.Content != "" {
			msg.Content = append(msg.Content, unifiedllm.TextPart(t.Assistant.Content))
		}
		for _, tc := range t.Assistant.ToolCalls {
			msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
		}
		if len(msg.Content) == 0 {
			msg.Content = append(msg.Content, unifiedllm.TextPart("(no response)"))
		}
		return []unifiedllm.Message{msg}
	case TurnToolResults:
		if t.ToolResults == nil {
			return nil
		}
		msgs := make([]unifiedllm.Message, 0, len(t.ToolResults.Results))
		for _, r := range t.ToolResults.Results {
			msgs = append(msgs, unifiedllm.ToolResultMessage(r.CallID, r.ModelContent(), r.IsError()))
		}
		return msgs
	case TurnSteering:
		// Steering is sent as user text so the model treats it as an instruction.
		if t.Steering != nil {
			return []unifiedllm.Message{unifiedllm.UserMessage(t.Steering.Content)}
		}
	case TurnSummary:
		if t.Summary != nil {
			return []unifiedllm.Message{unifiedllm.UserMessage(t.Summary.Content)}
		}
	}
	return nil
}

// ConvertHistoryToMessages converts turns into model messages in order.
func ConvertHistoryToMessages(history []Turn) []unifiedllm.Message {
	var messages []unifiedllm.Message
	for _, turn := range history {
		messages = append(messages, turn.Messages()...)
	}
	return messages
}
