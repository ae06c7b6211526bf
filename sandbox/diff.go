package sandbox

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	diffContext  = 3
	diffMaxLines = 400
)

type diffLine struct {
	op   diffmatchpatch.Operation
	text string
	// oldBefore and newBefore count the old and new lines preceding this one.
	oldBefore int
	newBefore int
}

// lineDiff computes a line-level diff of before and after.
func lineDiff(before, after string) []diffLine {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []diffLine
	oldN, newN := 0, 0
	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			out = append(out, diffLine{op: d.Type, text: text, oldBefore: oldN, newBefore: newN})
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldN++
				newN++
			case diffmatchpatch.DiffDelete:
				oldN++
			case diffmatchpatch.DiffInsert:
				newN++
			}
		}
	}
	return out
}

// unifiedDiff renders a unified diff of a file change and a "+N -M" stat.
func unifiedDiff(name, before, after string) (string, string) {
	lines := lineDiff(before, after)

	added, removed := 0, 0
	var changed []int
	for i, l := range lines {
		switch l.op {
		case diffmatchpatch.DiffInsert:
			added++
			changed = append(changed, i)
		case diffmatchpatch.DiffDelete:
			removed++
			changed = append(changed, i)
		}
	}
	stat := fmt.Sprintf("+%d -%d", added, removed)
	if len(changed) == 0 {
		return "", stat
	}

	var sb strings.Builder
	if before == "" {
		sb.WriteString("--- /dev/null\n")
	} else {
		fmt.Fprintf(&sb, "--- a/%s\n", name)
	}
	if after == "" {
		sb.WriteString("+++ /dev/null\n")
	} else {
		fmt.Fprintf(&sb, "+++ b/%s\n", name)
	}

	written := 0
	for i := 0; i < len(changed); {
		// Extend the hunk while the next change is within two contexts.
		j := i
		for j+1 < len(changed) && changed[j+1]-changed[j] <= 2*diffContext {
			j++
		}
		start := max(changed[i]-diffContext, 0)
		end := min(changed[j]+diffContext+1, len(lines))

		oldCount, newCount := 0, 0
		for _, l := range lines[start:end] {
			if l.op != diffmatchpatch.DiffInsert {
				oldCount++
			}
			if l.op != diffmatchpatch.DiffDelete {
				newCount++
			}
		}
		oldStart := lines[start].oldBefore
		if oldCount > 0 {
			oldStart++
		}
		newStart := lines[start].newBefore
		if newCount > 0 {
			newStart++
		}
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)

		for _, l := range lines[start:end] {
			if written >= diffMaxLines {
				fmt.Fprintf(&sb, "... (diff truncated, %s)\n", stat)
				return sb.String(), stat
			}
			switch l.op {
			case diffmatchpatch.DiffEqual:
				sb.WriteByte(' ')
			case diffmatchpatch.DiffDelete:
				sb.WriteByte('-')
			case diffmatchpatch.DiffInsert:
				sb.WriteByte('+')
			}
			sb.WriteString(l.text)
			sb.WriteByte('\n')
			written++
		}
		i = j + 1
	}
	return sb.String(), stat
}

// splitLines splits text into lines without their terminators.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

func countLines(text string) int {
	return len(splitLines(text))
}
