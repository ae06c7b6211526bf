package agentloop

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// DefaultLoopWindow is the number of recent tool calls examined for a loop.
const DefaultLoopWindow = 10

// toolCallSignature identifies a call by name and argument content.
// Arguments are compacted so formatting differences do not hide a repeat.
func toolCallSignature(name string, arguments json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, arguments); err != nil {
		buf.Reset()
		buf.Write(arguments)
	}
	h := sha256.Sum256(buf.Bytes())
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns up to count signatures of the newest tool calls,
// oldest first.
func recentSignatures(history []Turn, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		turn := history[i]
		if turn.Kind != TurnAssistant || turn.Assistant == nil {
			continue
		}
		for j := len(turn.Assistant.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			tc := turn.Assistant.ToolCalls[j]
			sigs = append(sigs, toolCallSignature(tc.Name, tc.Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports the period (1, 2 or 3) of a pattern that fills the last
// window tool calls, or 0 when there is none.
func DetectLoop(history []Turn, window int) int {
	if window <= 1 {
		return 0
	}
	sigs := recentSignatures(history, window)
	if len(sigs) < window {
		return 0
	}
	for period := 1; period <= 3; period++ {
		if window%period != 0 {
			continue
		}
		repeating := true
		for i := period; i < window && repeating; i++ {
			repeating = sigs[i] == sigs[i%period]
		}
		if repeating {
			return period
		}
	}
	return 0
}

func loopSteering(period, window int) string {
	return fmt.Sprintf("Your last %d tool calls repeat the same %d-call pattern without progress. "+
		"Stop repeating it: re-read the latest results, try a different approach, "+
		"or call task_complete if the task is done.", window, period)
}
