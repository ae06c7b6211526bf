package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/martinemde/tapir/agentloop"
	"github.com/martinemde/tapir/sandbox"
)

const previewWidth = 120

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// renderer prints session events as human-readable progress.
type renderer struct {
	w       io.Writer
	verbose bool
	prefix  string

	bold   *color.Color
	gray   *color.Color
	cyan   *color.Color
	green  *color.Color
	yellow *color.Color
	red    *color.Color
}

func newRenderer(w io.Writer, colorize, verbose bool) *renderer {
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return &renderer{
		w:       w,
		verbose: verbose,
		bold:    mk(color.Bold),
		gray:    mk(color.FgHiBlack),
		cyan:    mk(color.FgCyan),
		green:   mk(color.FgGreen),
		yellow:  mk(color.FgYellow),
		red:     mk(color.FgRed),
	}
}

// Drain renders events until the channel is closed.
func (r *renderer) Drain(events <-chan agentloop.SessionEvent) {
	for ev := range events {
		r.Render(ev)
	}
}

// Render prints one event.
func (r *renderer) Render(ev agentloop.SessionEvent) {
	d := ev.Data
	switch ev.Kind {
	case agentloop.EventSessionStart:
		verb := "starting"
		if b, _ := d["resumed"].(bool); b {
			verb = "resuming"
		}
		r.line(r.bold, "%s %s", verb, d["goal"])
		r.line(r.gray, "  %v/%v in %v", d["provider"], d["model"], d["root"])
	case agentloop.EventTurnStart:
		if r.verbose {
			r.line(r.gray, "turn %d: %v messages, ~%v tokens", ev.Turn, d["messages"], d["estimated_tokens"])
		}
	case agentloop.EventAssistantMessage:
		if reasoning, _ := d["reasoning"].(string); reasoning != "" && r.verbose {
			r.line(r.gray, "%s", indent(reasoning))
		}
		if content, _ := d["content"].(string); strings.TrimSpace(content) != "" {
			r.line(nil, "%s", strings.TrimSpace(content))
		}
	case agentloop.EventToolCallStart:
		r.line(r.cyan, "→ %v %s", d["tool"], preview(fmt.Sprint(d["arguments"])))
	case agentloop.EventToolCallEnd:
		status, _ := d["status"].(sandbox.Status)
		elapsed, _ := d["duration"].(time.Duration)
		output := preview(fmt.Sprint(d["output"]))
		if status == sandbox.StatusOK {
			r.line(r.green, "  ✓ %v %s", d["tool"], r.gray.Sprintf("(%s) %s", elapsed.Round(time.Millisecond), output))
		} else {
			r.line(r.red, "  ✗ %v %s: %s", d["tool"], status, output)
		}
	case agentloop.EventSteeringInjected:
		if r.verbose {
			r.line(r.yellow, "↻ %s", preview(fmt.Sprint(d["content"])))
		}
	case agentloop.EventLoopDetected:
		r.line(r.yellow, "repeating tool calls detected (period %v), steering the model", d["period"])
	case agentloop.EventContextTruncated:
		r.line(r.gray, "context trimmed: %v earlier turns summarized", d["dropped_turns"])
	case agentloop.EventBudgetExceeded:
		r.line(r.red, "budget exceeded: %v", d["limit"])
	case agentloop.EventWarning:
		r.line(r.yellow, "warning: %v", d["warning"])
	case agentloop.EventError:
		r.line(r.red, "error: %v", d["error"])
	case agentloop.EventSessionEnd:
		if sum, ok := d["summary"].(agentloop.UsageSummary); ok {
			r.Summary(sum)
		}
	}
}

// Summary prints the final usage line for a session.
func (r *renderer) Summary(sum agentloop.UsageSummary) {
	c := r.green
	switch sum.Status {
	case agentloop.StatusCompleted:
	case agentloop.StatusBudgetExceeded, agentloop.StatusCancelled:
		c = r.yellow
	default:
		c = r.red
	}
	status := string(sum.Status)
	if sum.ExceededLimit != "" {
		status += " (" + sum.ExceededLimit + ")"
	}
	r.line(c, "%s after %d turns, %d tool calls, %d in / %d out tokens, $%.4f, %s",
		status, sum.Turns, sum.ToolCalls, sum.InputTokens, sum.OutputTokens, sum.CostUSD, sum.Elapsed.Round(time.Second))
	if sum.Error != "" {
		r.line(r.red, "  %s", sum.Error)
	}
}

func (r *renderer) line(c *color.Color, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c != nil {
		msg = c.Sprint(msg)
	}
	fmt.Fprintln(r.w, r.prefix+msg)
}

// preview returns the first line of s, shortened for one-line display.
func preview(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if r := []rune(s); len(r) > previewWidth {
		s = string(r[:previewWidth]) + "…"
	}
	return s
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n  ")
}
