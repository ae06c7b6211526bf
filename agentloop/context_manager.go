package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/martinemde/tapir/sandbox"
	"github.com/martinemde/tapir/unifiedllm"
)

// ContextWindow is the bounded slice of history sent on one model call.
type ContextWindow struct {
	Messages        []unifiedllm.Message
	EstimatedTokens int
	Budget          int
	Truncated       bool
	DroppedTurns    int
	Summary         string
}

// ContextManager owns the append-only conversation history and builds
// token-bounded windows over it.
type ContextManager struct {
	mu        sync.RWMutex
	turns     []Turn
	estimator TokenEstimator
	cache     *lru.Cache[int, int]
}

const (
	defaultTokenCacheSize = 4096
	narrativeClip         = 160
	outcomeLineClip       = 200
	outcomeDiffClip       = 1200
	minSummaryTokens      = 32
	minResultTokens       = 16
)

// NewContextManager creates an empty manager. A nil estimator selects the
// heuristic estimator.
func NewContextManager(estimator TokenEstimator) *ContextManager {
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	cache, err := lru.New[int, int](defaultTokenCacheSize)
	if err != nil {
		panic(err)
	}
	return &ContextManager{estimator: estimator, cache: cache}
}

// Append adds a turn to the history. A tool_results turn must answer the
// immediately preceding assistant turn call for call, and nothing else may
// follow an assistant turn that is still waiting for its results.
func (cm *ContextManager) Append(turn Turn) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if err := cm.checkAppend(turn); err != nil {
		return err
	}
	cm.turns = append(cm.turns, turn)
	return nil
}

func (cm *ContextManager) checkAppend(turn Turn) error {
	var prev *Turn
	if n := len(cm.turns); n > 0 {
		prev = &cm.turns[n-1]
	}
	awaiting := prev != nil && prev.Kind == TurnAssistant && prev.Assistant != nil && len(prev.Assistant.ToolCalls) > 0

	if turn.Kind != TurnToolResults {
		if awaiting {
			return fmt.Errorf("turn %d has %d unanswered tool calls", prev.Index, len(prev.Assistant.ToolCalls))
		}
		return nil
	}
	if !awaiting {
		return fmt.Errorf("tool results do not follow an assistant turn with tool calls")
	}
	if turn.ToolResults == nil {
		return fmt.Errorf("tool results turn has no results")
	}
	calls := prev.Assistant.ToolCalls
	results := turn.ToolResults.Results
	if len(results) != len(calls) {
		return fmt.Errorf("turn %d: %d results for %d tool calls", prev.Index, len(results), len(calls))
	}
	for i, call := range calls {
		if results[i].CallID != call.ID {
			return fmt.Errorf("turn %d: result %d answers %q, want %q", prev.Index, i, results[i].CallID, call.ID)
		}
	}
	return nil
}

// History returns a copy of all turns in append order.
func (cm *ContextManager) History() []Turn {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]Turn, len(cm.turns))
	copy(out, cm.turns)
	return out
}

// Len returns the number of turns.
func (cm *ContextManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.turns)
}

// Replay resets the history to turns, checking each as if appended.
func (cm *ContextManager) Replay(turns []Turn) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.turns = nil
	cm.cache.Purge()
	for i, t := range turns {
		if err := cm.checkAppend(t); err != nil {
			cm.turns = nil
			return fmt.Errorf("replaying turn %d: %w", i, err)
		}
		cm.turns = append(cm.turns, t)
	}
	return nil
}

// unit is a run of turns that must be kept or dropped together.
type unit struct {
	turns  []Turn
	tokens int
	pinned bool
}

func (cm *ContextManager) turnTokens(i int) int {
	if n, ok := cm.cache.Get(i); ok {
		return n
	}
	n := messagesTokens(cm.estimator, cm.turns[i].Messages())
	cm.cache.Add(i, n)
	return n
}

func (cm *ContextManager) units() []unit {
	var units []unit
	for i := 0; i < len(cm.turns); i++ {
		u := unit{turns: cm.turns[i : i+1], tokens: cm.turnTokens(i), pinned: cm.turns[i].Pinned}
		if cm.turns[i].Kind == TurnAssistant && i+1 < len(cm.turns) && cm.turns[i+1].Kind == TurnToolResults {
			u.turns = cm.turns[i : i+2]
			u.tokens += cm.turnTokens(i + 1)
			i++
		}
		units = append(units, u)
	}
	return units
}

// WindowFor returns the messages to send within budget tokens. Everything
// is returned when it fits. Otherwise the pinned goal and the newest units
// that fit are kept, and a summary of the dropped units is inserted after
// the goal. The estimate never exceeds budget.
func (cm *ContextManager) WindowFor(budget int) ContextWindow {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	w := ContextWindow{Budget: budget}
	units := cm.units()
	total := 0
	for _, u := range units {
		total += u.tokens
	}
	if total <= budget {
		for _, u := range units {
			w.Messages = append(w.Messages, ConvertHistoryToMessages(u.turns)...)
		}
		w.EstimatedTokens = total
		return w
	}
	w.Truncated = true

	var pinned, rest []unit
	for _, u := range units {
		if u.pinned {
			pinned = append(pinned, u)
		} else {
			rest = append(rest, u)
		}
	}
	pinnedTokens := 0
	for _, u := range pinned {
		pinnedTokens += u.tokens
	}

	// Newest contiguous units that fit beside the pinned ones.
	kept := 0
	used := pinnedTokens
	for i := len(rest) - 1; i >= 0; i-- {
		if used+rest[i].tokens > budget {
			break
		}
		used += rest[i].tokens
		kept++
	}

	// An oversized newest unit is shrunk rather than dropped.
	var shrunk *unit
	if kept == 0 && len(rest) > 0 {
		shrunk = cm.shrinkUnit(rest[len(rest)-1], budget-pinnedTokens-minSummaryTokens-messageOverhead)
		if shrunk != nil {
			kept = 1
		}
	}

	for {
		keptUnits := rest[len(rest)-kept:]
		if shrunk != nil && kept == 1 {
			keptUnits = []unit{*shrunk}
		}
		dropped := rest[:len(rest)-kept]
		keptTokens := 0
		for _, u := range keptUnits {
			keptTokens += u.tokens
		}

		summary := ""
		summaryTokens := 0
		droppedTurns := 0
		for _, u := range dropped {
			droppedTurns += len(u.turns)
		}
		if droppedTurns > 0 {
			summary = cm.summarize(dropped, droppedTurns)
			summaryTokens = messageTokens(cm.estimator, unifiedllm.UserMessage(summary))
		}

		if pinnedTokens+keptTokens+summaryTokens <= budget {
			return cm.assemble(w, pinned, summary, keptUnits, droppedTurns)
		}
		if kept > 0 {
			kept--
			if kept == 0 {
				shrunk = nil
			}
			continue
		}

		// Only the goal and the summary remain.
		avail := budget - pinnedTokens - messageOverhead
		if summary != "" && avail >= minSummaryTokens {
			summary = cm.truncateSummary(summary, avail)
			if summary != "" {
				return cm.assemble(w, pinned, summary, nil, droppedTurns)
			}
		}
		if pinnedTokens <= budget {
			return cm.assemble(w, pinned, "", nil, droppedTurns)
		}
		return cm.assemble(w, cm.truncatePinned(pinned, budget), "", nil, droppedTurns)
	}
}

func (cm *ContextManager) assemble(w ContextWindow, pinned []unit, summary string, kept []unit, droppedTurns int) ContextWindow {
	for _, u := range pinned {
		w.Messages = append(w.Messages, ConvertHistoryToMessages(u.turns)...)
	}
	if summary != "" {
		w.Messages = append(w.Messages, unifiedllm.UserMessage(summary))
		w.Summary = summary
	}
	for _, u := range kept {
		w.Messages = append(w.Messages, ConvertHistoryToMessages(u.turns)...)
	}
	w.DroppedTurns = droppedTurns
	w.EstimatedTokens = messagesTokens(cm.estimator, w.Messages)
	if w.EstimatedTokens > w.Budget {
		// Estimator rounding can differ between parts and whole messages.
		w.Messages = nil
		w.EstimatedTokens = 0
		w.Summary = ""
	}
	return w
}

// shrinkUnit truncates the tool outputs of u so it fits in avail tokens.
// Returns nil when the unit cannot fit even with empty outputs.
func (cm *ContextManager) shrinkUnit(u unit, avail int) *unit {
	if avail <= 0 || len(u.turns) != 2 || u.turns[1].ToolResults == nil {
		return nil
	}
	results := u.turns[1].ToolResults.Results
	if len(results) == 0 {
		return nil
	}
	base := messagesTokens(cm.estimator, u.turns[0].Messages()) + len(results)*(messageOverhead+cm.estimator.Count("[status] "))
	per := (avail - base) / len(results)
	if per < minResultTokens {
		return nil
	}
	trimmed := make([]ToolResult, len(results))
	for i, r := range results {
		r.Output = cm.estimator.Truncate(r.Output, per)
		r.Truncated = true
		trimmed[i] = r
	}
	answered := u.turns[1]
	answered.ToolResults = &ToolResultsTurn{Results: trimmed}
	turns := []Turn{u.turns[0], answered}
	tokens := messagesTokens(cm.estimator, ConvertHistoryToMessages(turns))
	if tokens > avail {
		return nil
	}
	return &unit{turns: turns, tokens: tokens}
}

func (cm *ContextManager) truncateSummary(summary string, avail int) string {
	const open, closing = "<history_summary>\n", "\n</history_summary>"
	body := strings.TrimSuffix(strings.TrimPrefix(summary, open), closing)
	room := avail - cm.estimator.Count(open+closing) - 2
	if room < minSummaryTokens/2 {
		return ""
	}
	out := open + cm.estimator.Truncate(body, room) + closing
	if messageTokens(cm.estimator, unifiedllm.UserMessage(out)) > avail+messageOverhead {
		return ""
	}
	return out
}

func (cm *ContextManager) truncatePinned(pinned []unit, budget int) []unit {
	var out []unit
	remaining := budget
	for _, u := range pinned {
		if u.tokens <= remaining {
			out = append(out, u)
			remaining -= u.tokens
			continue
		}
		if len(u.turns) != 1 || u.turns[0].User == nil {
			continue
		}
		text := cm.estimator.Truncate(u.turns[0].User.Content, remaining-messageOverhead)
		if text == "" {
			continue
		}
		t := u.turns[0]
		t.User = &UserTurn{Content: text}
		tokens := messagesTokens(cm.estimator, t.Messages())
		if tokens > remaining {
			continue
		}
		out = append(out, unit{turns: []Turn{t}, tokens: tokens, pinned: true})
		remaining -= tokens
	}
	return out
}

// summarize renders dropped units. Every state-changing tool outcome is
// listed; narrative text is clipped.
func (cm *ContextManager) summarize(dropped []unit, droppedTurns int) string {
	var outcomes, notes []string
	for _, u := range dropped {
		for ti, t := range u.turns {
			switch t.Kind {
			case TurnAssistant:
				if t.Assistant == nil {
					continue
				}
				if text := strings.TrimSpace(t.Assistant.Content); text != "" {
					notes = append(notes, fmt.Sprintf("- turn %d: %s", t.Index, clip(oneLine(text), narrativeClip)))
				}
				if ti+1 >= len(u.turns) || u.turns[ti+1].ToolResults == nil {
					continue
				}
				results := u.turns[ti+1].ToolResults.Results
				for ci, call := range t.Assistant.ToolCalls {
					if !isStateChanging(call.Name) || ci >= len(results) {
						continue
					}
					outcomes = append(outcomes, describeOutcome(call, results[ci]))
				}
			case TurnUser, TurnSteering:
				if text := strings.TrimSpace(t.TextContent()); text != "" {
					notes = append(notes, fmt.Sprintf("- %s: %s", t.Kind, clip(oneLine(text), narrativeClip)))
				}
			case TurnSummary:
				if t.Summary != nil {
					notes = append(notes, "- earlier summary: "+clip(oneLine(t.Summary.Content), narrativeClip))
				}
			}
		}
	}

	var b strings.Builder
	b.WriteString("<history_summary>\n")
	fmt.Fprintf(&b, "%d earlier turns were removed to fit the context window.\n", droppedTurns)
	if len(outcomes) > 0 {
		b.WriteString("State-changing tool calls, oldest first:\n")
		for _, o := range outcomes {
			b.WriteString(o)
			b.WriteByte('\n')
		}
	}
	if len(notes) > 0 {
		b.WriteString("Earlier messages:\n")
		for _, n := range notes {
			b.WriteString(n)
			b.WriteByte('\n')
		}
	}
	b.WriteString("</history_summary>")
	return b.String()
}

func isStateChanging(tool string) bool {
	switch tool {
	case ToolWriteFile, ToolEditFile, ToolDeleteFile, ToolRunCommand:
		return true
	}
	return false
}

// describeOutcome renders one state-changing call. File mutations keep their
// diff hunks and diffstat; command output is reduced to its first and last
// lines.
func describeOutcome(call unifiedllm.ToolCall, r ToolResult) string {
	var args struct {
		Path    string `json:"path"`
		Command string `json:"command"`
	}
	_ = json.Unmarshal(call.Arguments, &args)
	target := args.Path
	if call.Name == ToolRunCommand {
		target = args.Command
	}
	line := fmt.Sprintf("- [%s] %s %s", r.Status, call.Name, clip(oneLine(target), outcomeLineClip))
	if r.Diffstat != "" {
		line += " (" + r.Diffstat + ")"
	}

	if r.Status == sandbox.StatusOK {
		switch call.Name {
		case ToolWriteFile, ToolEditFile:
			if hunks := diffHunks(r.Output); hunks != "" {
				return line + "\n" + indentLines(clip(hunks, outcomeDiffClip), "    ")
			}
		case ToolDeleteFile:
			if r.Diffstat != "" {
				return line
			}
		}
	}

	lines := strings.Split(strings.TrimSpace(r.Output), "\n")
	if first := strings.TrimSpace(lines[0]); first != "" {
		line += ": " + clip(first, outcomeLineClip)
	}
	if len(lines) > 1 {
		if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
			line += " ... " + clip(last, outcomeLineClip)
		}
	}
	return line
}

// diffHunks returns output from its first hunk header on.
func diffHunks(output string) string {
	i := strings.Index(output, "@@ ")
	if i < 0 {
		return ""
	}
	return strings.TrimRight(output[i:], "\n")
}

func indentLines(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func marshalCompact(v any) (string, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(data), true
}
