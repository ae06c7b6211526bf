package sandbox

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Status classifies the result of an operation.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
	StatusDenied  Status = "denied"
)

// Outcome is the result of running one Operation.
type Outcome struct {
	Status Status `json:"status"`
	// Output is file content, a diff, a listing or command output.
	Output string `json:"output"`
	// ExitCode is set for commands; -1 when the process did not exit normally.
	ExitCode int `json:"exit_code,omitempty"`
	// Truncated reports that Output was capped.
	Truncated bool `json:"truncated,omitempty"`
	// Diffstat summarizes a file mutation, e.g. "+3 -1".
	Diffstat string        `json:"diffstat,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the operation succeeded.
func (o Outcome) OK() bool {
	return o.Status == StatusOK
}

// outputMarkerRoom is held back from Policy.MaxOutputBytes, up to half of
// it, for the notes an operation appends after capping its own output.
const outputMarkerRoom = 128

// outputBudget is the byte budget for an operation's body: ceiling, further
// bounded by the policy limit less room for a trailing note.
func (s *Sandbox) outputBudget(ceiling int) int {
	limit := s.policy.MaxOutputBytes
	return max(min(ceiling, limit-min(outputMarkerRoom, limit/2)), 0)
}

// capOutcome bounds out.Output to limit bytes. Anything cut is replaced by a
// marker and the outcome is flagged truncated.
func capOutcome(out Outcome, limit int) Outcome {
	if limit <= 0 || len(out.Output) <= limit {
		return out
	}
	marker := fmt.Sprintf("\n[output truncated at %d of %d bytes]\n", limit, len(out.Output))
	keep := runePrefix(out.Output, limit-len(marker))
	out.Output = keep + marker
	out.Truncated = true
	return out
}

// runePrefix returns at most n bytes of s without splitting a rune.
func runePrefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func okOutcome(output string) Outcome {
	return Outcome{Status: StatusOK, Output: output}
}

func errorOutcome(format string, args ...any) Outcome {
	return Outcome{Status: StatusError, Output: fmt.Sprintf(format, args...)}
}

func deniedOutcome(err error) Outcome {
	return Outcome{Status: StatusDenied, Output: err.Error()}
}

// DeniedError is returned by path resolution when a path violates the policy.
type DeniedError struct {
	Path   string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: %s: %s", e.Path, e.Reason)
}
