package agentloop

import (
	"strings"
	"sync"

	"github.com/martinemde/tapir/unifiedllm"
	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator counts and trims text in model tokens. Implementations
// must guarantee Count(Truncate(s, n)) <= n.
type TokenEstimator interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

// messageOverhead approximates the per-message framing tokens.
const messageOverhead = 4

const truncationMarker = "\n[... truncated ...]"

// TiktokenEstimator counts with the cl100k_base encoding. The encoding is
// loaded on first use; when it cannot be loaded the heuristic is used.
type TiktokenEstimator struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
	fallback HeuristicEstimator
}

// NewTiktokenEstimator returns an estimator backed by tiktoken.
func NewTiktokenEstimator() *TiktokenEstimator {
	return &TiktokenEstimator{}
}

func (e *TiktokenEstimator) enc() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.encoding = enc
		}
	})
	return e.encoding
}

// Count returns the number of tokens in text.
func (e *TiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.enc(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return e.fallback.Count(text)
}

// Truncate shortens text to at most maxTokens tokens, marking the cut.
func (e *TiktokenEstimator) Truncate(text string, maxTokens int) string {
	return truncateToBudget(e, text, maxTokens)
}

// HeuristicEstimator estimates max(runes/4, words). It needs no data files.
type HeuristicEstimator struct{}

// Count returns the estimated number of tokens in text.
func (HeuristicEstimator) Count(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate shortens text to at most maxTokens estimated tokens.
func (h HeuristicEstimator) Truncate(text string, maxTokens int) string {
	return truncateToBudget(h, text, maxTokens)
}

// truncateToBudget keeps the longest rune prefix that, with the marker,
// fits in maxTokens. Returns "" when not even the marker fits.
func truncateToBudget(est TokenEstimator, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if est.Count(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if est.Count(string(runes[:mid])+truncationMarker) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	out := string(runes[:lo]) + truncationMarker
	if est.Count(out) > maxTokens {
		return ""
	}
	return out
}

// messageTokens estimates the tokens one message costs in a request.
func messageTokens(est TokenEstimator, msg unifiedllm.Message) int {
	n := messageOverhead
	for _, part := range msg.Content {
		switch part.Kind {
		case unifiedllm.ContentText:
			n += est.Count(part.Text)
		case unifiedllm.ContentThinking:
			if part.Thinking != nil {
				n += est.Count(part.Thinking.Text)
			}
		case unifiedllm.ContentToolCall:
			if part.ToolCall != nil {
				n += est.Count(part.ToolCall.Name) + est.Count(string(part.ToolCall.Arguments))
			}
		case unifiedllm.ContentToolResult:
			if part.ToolResult != nil {
				n += est.Count(part.ToolResult.Content)
			}
		}
	}
	return n
}

func messagesTokens(est TokenEstimator, msgs []unifiedllm.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageTokens(est, m)
	}
	return total
}

// toolDefinitionTokens estimates the request overhead of tool declarations.
func toolDefinitionTokens(est TokenEstimator, defs []unifiedllm.ToolDefinition) int {
	total := 0
	for _, d := range defs {
		total += messageOverhead + est.Count(d.Name) + est.Count(d.Description)
		if schema, ok := marshalCompact(d.Parameters); ok {
			total += est.Count(schema)
		}
	}
	return total
}
