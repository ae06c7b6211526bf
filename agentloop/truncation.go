package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies which part of an oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// OutputLimit bounds the output of one tool as seen by the model. A zero
// field disables that limit.
type OutputLimit struct {
	Chars int
	Lines int
	Mode  TruncationMode
}

// TruncationPolicy maps tool names to model-facing output limits.
type TruncationPolicy struct {
	Limits   map[string]OutputLimit
	Fallback OutputLimit
}

// DefaultTruncationPolicy returns the limits used when none are configured.
func DefaultTruncationPolicy() TruncationPolicy {
	return TruncationPolicy{
		Limits: map[string]OutputLimit{
			ToolReadFile:      {Chars: 50000, Mode: TruncateHeadTail},
			ToolRunCommand:    {Chars: 30000, Lines: 256, Mode: TruncateHeadTail},
			ToolGrep:          {Chars: 20000, Lines: 200, Mode: TruncateTail},
			ToolGlob:          {Chars: 20000, Lines: 500, Mode: TruncateTail},
			ToolListDirectory: {Chars: 30000, Mode: TruncateHeadTail},
			ToolEditFile:      {Chars: 10000, Mode: TruncateHeadTail},
			ToolWriteFile:     {Chars: 10000, Mode: TruncateHeadTail},
			ToolDeleteFile:    {Chars: 1000, Mode: TruncateTail},
		},
		Fallback: OutputLimit{Chars: 30000, Mode: TruncateHeadTail},
	}
}

// Limit returns the limit for a tool.
func (p TruncationPolicy) Limit(tool string) OutputLimit {
	if l, ok := p.Limits[tool]; ok {
		return l
	}
	return p.Fallback
}

// Apply trims output for the model, characters first and then lines. It
// reports whether anything was removed.
func (p TruncationPolicy) Apply(tool, output string) (string, bool) {
	limit := p.Limit(tool)
	result := output
	truncated := false
	if limit.Chars > 0 && len(result) > limit.Chars {
		result = truncateChars(result, limit.Chars, limit.Mode)
		truncated = true
	}
	if limit.Lines > 0 {
		var cut bool
		result, cut = truncateLines(result, limit.Lines)
		truncated = truncated || cut
	}
	return result, truncated
}

func truncateChars(output string, maxChars int, mode TruncationMode) string {
	removed := len(output) - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[output truncated: first %d characters removed; full output is in the event stream]\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n[output truncated: %d characters removed from the middle; re-run with narrower parameters to see them]\n", removed) +
		output[len(output)-(maxChars-half):]
}

func truncateLines(output string, maxLines int) (string, bool) {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output, false
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n"), true
}
