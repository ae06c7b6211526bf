//go:build unix

package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCommand(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	out := sb.Run(ctx, ExecuteCommand{Command: "echo hello"})
	require.Equal(t, StatusOK, out.Status, out.Output)
	assert.Equal(t, "hello\n", out.Output)
	assert.Equal(t, 0, out.ExitCode)

	out = sb.Run(ctx, ExecuteCommand{Command: "pwd"})
	assert.Equal(t, sb.Root()+"\n", out.Output)

	out = sb.Run(ctx, ExecuteCommand{Command: "true"})
	assert.Equal(t, "(no output)", out.Output)
}

func TestExecuteCommandFailure(t *testing.T) {
	sb := newTestSandbox(t)

	out := sb.Run(context.Background(), ExecuteCommand{Command: "echo oops >&2; exit 3"})
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "oops\n[exit code 3]", out.Output)
}

func TestExecuteCommandEmpty(t *testing.T) {
	sb := newTestSandbox(t)
	out := sb.Run(context.Background(), ExecuteCommand{Command: "  "})
	assert.Equal(t, StatusError, out.Status)
}

func TestExecuteCommandTimeout(t *testing.T) {
	sb := newTestSandbox(t, func(p *Policy) { p.KillGracePeriod = 200 * time.Millisecond })

	start := time.Now()
	out := sb.Run(context.Background(), ExecuteCommand{Command: "echo started; sleep 30", Timeout: 300 * time.Millisecond})
	assert.Equal(t, StatusTimeout, out.Status)
	assert.Equal(t, -1, out.ExitCode)
	assert.Contains(t, out.Output, "started")
	assert.Contains(t, out.Output, "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteCommandIgnoringSIGTERMIsKilled(t *testing.T) {
	sb := newTestSandbox(t, func(p *Policy) { p.KillGracePeriod = 200 * time.Millisecond })

	start := time.Now()
	out := sb.Run(context.Background(), ExecuteCommand{Command: "trap '' TERM; sleep 30", Timeout: 200 * time.Millisecond})
	assert.Equal(t, StatusTimeout, out.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteCommandTimeoutClampedToMax(t *testing.T) {
	sb := newTestSandbox(t, func(p *Policy) {
		p.MaxExecTime = 200 * time.Millisecond
		p.KillGracePeriod = 100 * time.Millisecond
	})

	out := sb.Run(context.Background(), ExecuteCommand{Command: "sleep 30", Timeout: time.Hour})
	assert.Equal(t, StatusTimeout, out.Status)
}

func TestExecuteCommandCancelled(t *testing.T) {
	sb := newTestSandbox(t, func(p *Policy) { p.KillGracePeriod = 100 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	out := sb.Run(ctx, ExecuteCommand{Command: "sleep 30"})
	assert.Equal(t, StatusError, out.Status)
	assert.Contains(t, out.Output, "cancelled")
}

func TestExecuteCommandFiltersEnvironment(t *testing.T) {
	t.Setenv("MY_SERVICE_API_KEY", "s3cret-value")
	t.Setenv("TAPIR_MODEL", "hidden-model")
	t.Setenv("PLAIN_SETTING", "visible")
	sb := newTestSandbox(t)

	out := sb.Run(context.Background(), ExecuteCommand{Command: "env"})
	require.Equal(t, StatusOK, out.Status)
	assert.NotContains(t, out.Output, "s3cret-value")
	assert.NotContains(t, out.Output, "hidden-model")
	assert.Contains(t, out.Output, "PLAIN_SETTING=visible")
	assert.Contains(t, out.Output, "GIT_PAGER=cat")
}

func TestExecuteCommandPassesAllowedSecrets(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_allowed")
	t.Setenv("NPM_TOKEN", "npm_withheld")
	t.Setenv("GIT_PAGER", "less")
	sb := newTestSandbox(t, func(p *Policy) { p.PassEnv = []string{"github_token"} })

	out := sb.Run(context.Background(), ExecuteCommand{Command: "env"})
	require.Equal(t, StatusOK, out.Status)
	assert.Contains(t, out.Output, "GITHUB_TOKEN=ghp_allowed")
	assert.NotContains(t, out.Output, "npm_withheld")
	assert.Contains(t, out.Output, "GIT_PAGER=cat")
	assert.NotContains(t, out.Output, "GIT_PAGER=less")
}

func TestExecuteCommandOutputCapped(t *testing.T) {
	sb := newTestSandbox(t, func(p *Policy) { p.MaxOutputBytes = 200 })

	out := sb.Run(context.Background(), ExecuteCommand{Command: "printf 'H%.0s' $(seq 1 50); printf 'm%.0s' $(seq 1 900); printf 'T%.0s' $(seq 1 50)"})
	require.Equal(t, StatusOK, out.Status)
	assert.True(t, out.Truncated)
	assert.LessOrEqual(t, len(out.Output), 200)
	assert.Equal(t, strings.Repeat("H", 50)+"\n[output truncated: 900 bytes omitted]\n"+strings.Repeat("T", 50), out.Output)
}

func TestExecuteCommandWithoutNetwork(t *testing.T) {
	sb := newTestSandbox(t, func(p *Policy) { p.AllowNetwork = false })

	out := sb.Run(context.Background(), ExecuteCommand{Command: "echo isolated"})
	// Kernels without unprivileged user namespaces refuse rather than run
	// with network access.
	assert.Contains(t, []Status{StatusOK, StatusDenied}, out.Status, out.Output)
	if out.Status == StatusOK {
		assert.Equal(t, "isolated\n", out.Output)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(10)
	_, _ = b.Write([]byte("abc"))
	assert.False(t, b.Truncated())
	assert.Equal(t, "abc", b.String())

	_, _ = b.Write([]byte("defghijklmnop"))
	assert.True(t, b.Truncated())
	assert.Equal(t, "abcde\n[output truncated: 6 bytes omitted]\nlmnop", b.String())
}
