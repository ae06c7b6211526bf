package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// cappedBuffer keeps the first and last halves of its limit and counts what
// falls in between.
type cappedBuffer struct {
	mu      sync.Mutex
	limit   int
	head    []byte
	tail    []byte
	omitted int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	headLimit := b.limit / 2
	if room := headLimit - len(b.head); room > 0 {
		take := min(room, len(p))
		b.head = append(b.head, p[:take]...)
		p = p[take:]
	}
	if len(p) == 0 {
		return n, nil
	}
	tailLimit := b.limit - headLimit
	b.tail = append(b.tail, p...)
	if over := len(b.tail) - tailLimit; over > 0 {
		b.omitted += over
		b.tail = append(b.tail[:0], b.tail[over:]...)
	}
	return n, nil
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.omitted > 0
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.omitted == 0 {
		return string(b.head) + string(b.tail)
	}
	return strings.ToValidUTF8(string(b.head), "") +
		fmt.Sprintf("\n[output truncated: %d bytes omitted]\n", b.omitted) +
		strings.ToValidUTF8(string(b.tail), "")
}

func shellPath() string {
	for _, sh := range []string{"/bin/bash", "/usr/bin/bash", "/bin/sh"} {
		if info, err := os.Stat(sh); err == nil && !info.IsDir() {
			return sh
		}
	}
	return "/bin/sh"
}

func (s *Sandbox) execute(ctx context.Context, op ExecuteCommand) Outcome {
	if strings.TrimSpace(op.Command) == "" {
		return errorOutcome("command must not be empty")
	}
	timeout := op.Timeout
	if timeout <= 0 {
		timeout = s.policy.DefaultExecTime
	}
	timeout = min(timeout, s.policy.MaxExecTime)

	attr, err := sysProcAttr(s.policy)
	if err != nil {
		return deniedOutcome(err)
	}

	buf := newCappedBuffer(s.outputBudget(s.policy.MaxOutputBytes))
	cmd := exec.Command(shellPath(), "-c", op.Command)
	cmd.Dir = s.root
	cmd.Env = commandEnv(os.Environ(), s.policy.PassEnv)
	cmd.Stdout = buf
	cmd.Stderr = buf
	cmd.SysProcAttr = attr
	// Bounds how long Wait blocks on pipes held open by orphaned grandchildren.
	cmd.WaitDelay = s.policy.KillGracePeriod + time.Second

	if err := cmd.Start(); err != nil {
		return startFailure(err, !s.policy.AllowNetwork)
	}
	s.logger.Debug("command started", "pid", cmd.Process.Pid, "timeout", timeout, "network", s.policy.AllowNetwork)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	var stopped string
	select {
	case waitErr = <-done:
	case <-timer.C:
		stopped = "timeout"
		waitErr = s.stop(cmd, done)
	case <-ctx.Done():
		stopped = "cancelled"
		waitErr = s.stop(cmd, done)
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		s.logger.Warn("command wait failed", "error", waitErr)
	}

	output := buf.String()
	out := Outcome{Output: output, ExitCode: exitCode, Truncated: buf.Truncated()}
	switch {
	case stopped == "timeout":
		out.Status = StatusTimeout
		out.ExitCode = -1
		out.Output = appendNote(output, fmt.Sprintf("[command timed out after %s]", timeout))
	case stopped == "cancelled":
		out.Status = StatusError
		out.ExitCode = -1
		out.Output = appendNote(output, "[command cancelled]")
	case exitCode != 0:
		out.Status = StatusError
		out.Output = appendNote(output, fmt.Sprintf("[exit code %d]", exitCode))
	default:
		out.Status = StatusOK
		if output == "" {
			out.Output = "(no output)"
		}
	}
	return out
}

// stop sends SIGTERM to the command's process group, escalates to SIGKILL
// after the grace period, and waits for the process to be reaped.
func (s *Sandbox) stop(cmd *exec.Cmd, done <-chan error) error {
	if err := terminateGroup(cmd.Process); err != nil {
		s.logger.Debug("terminate failed", "pid", cmd.Process.Pid, "error", err)
	}
	grace := time.NewTimer(s.policy.KillGracePeriod)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
	}
	if err := killGroup(cmd.Process); err != nil {
		s.logger.Warn("kill failed", "pid", cmd.Process.Pid, "error", err)
	}
	return <-done
}

// startFailure reports a command that could not be started. Only the
// kernel refusing namespaces for an isolated command counts as denied.
func startFailure(err error, isolated bool) Outcome {
	if isolated && isolationRefused(err) {
		return deniedOutcome(fmt.Errorf("network isolation unavailable: %w", err))
	}
	return errorOutcome("failed to start command: %v", err)
}

func appendNote(output, note string) string {
	if output == "" {
		return note
	}
	if !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return output + note
}
