package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T, mutate ...func(*Policy)) *Sandbox {
	t.Helper()
	policy := DefaultPolicy(t.TempDir())
	for _, m := range mutate {
		m(&policy)
	}
	sb, err := New(policy, nil)
	require.NoError(t, err)
	return sb
}

func writeTestFile(t *testing.T, sb *Sandbox, rel, content string) string {
	t.Helper()
	p := filepath.Join(sb.Root(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestPolicyValidateCollectsAllProblems(t *testing.T) {
	err := Policy{
		WorkingRoot:    "relative/path",
		DeniedPatterns: []string{"[unclosed"},
	}.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 4)

	var perr *PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "working_root", perr.Field)
}

func TestPolicyValidateRootMustBeDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	err := DefaultPolicy(file).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")

	assert.NoError(t, DefaultPolicy(t.TempDir()).Validate())
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	_, err := New(Policy{}, nil)
	require.Error(t, err)
}

func TestDefaultExecTimeClampedToMax(t *testing.T) {
	sb := newTestSandbox(t, func(p *Policy) {
		p.MaxExecTime = time.Second
		p.DefaultExecTime = time.Minute
	})
	assert.Equal(t, time.Second, sb.Policy().DefaultExecTime)
}

func TestParentTraversalDenied(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	for _, op := range []Operation{
		ReadFile{Path: "../outside.txt"},
		WriteFile{Path: "sub/../../outside.txt", Content: "x"},
		ReadFile{Path: "/etc/passwd"},
		ListDirectory{Path: ".."},
		Search{Pattern: "x", Path: "../"},
		Glob{Pattern: "*", Path: "/"},
	} {
		out := sb.Run(ctx, op)
		assert.Equal(t, StatusDenied, out.Status, "%#v", op)
		assert.Contains(t, out.Output, "outside working root")
	}
	_, err := os.Stat(filepath.Join(filepath.Dir(sb.Root()), "outside.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestSymlinkEscapeDenied(t *testing.T) {
	sb := newTestSandbox(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(sb.Root(), "link")))
	ctx := context.Background()

	out := sb.Run(ctx, ReadFile{Path: "link/secret.txt"})
	assert.Equal(t, StatusDenied, out.Status)
	assert.NotContains(t, out.Output, "secret\n")

	out = sb.Run(ctx, WriteFile{Path: "link/new/file.txt", Content: "x"})
	assert.Equal(t, StatusDenied, out.Status)
	_, err := os.Stat(filepath.Join(outside, "new"))
	assert.True(t, os.IsNotExist(err))
}

func TestDanglingSymlinkDenied(t *testing.T) {
	sb := newTestSandbox(t)
	require.NoError(t, os.Symlink("/nonexistent/target", filepath.Join(sb.Root(), "dangling")))

	out := sb.Run(context.Background(), WriteFile{Path: "dangling", Content: "x"})
	assert.Equal(t, StatusDenied, out.Status)
	_, err := os.Stat("/nonexistent/target")
	assert.True(t, os.IsNotExist(err))
}

func TestSymlinkInsideRootAllowed(t *testing.T) {
	sb := newTestSandbox(t)
	writeTestFile(t, sb, "real/data.txt", "data\n")
	require.NoError(t, os.Symlink(filepath.Join(sb.Root(), "real"), filepath.Join(sb.Root(), "alias")))

	out := sb.Run(context.Background(), ReadFile{Path: "alias/data.txt"})
	require.Equal(t, StatusOK, out.Status, out.Output)
	assert.Equal(t, "1 | data\n", out.Output)
}

func TestDeniedPatterns(t *testing.T) {
	sb := newTestSandbox(t)
	writeTestFile(t, sb, ".env", "KEY=1\n")
	writeTestFile(t, sb, "config/.ssh/id_rsa", "key\n")
	writeTestFile(t, sb, "certs/server.pem", "pem\n")
	require.NoError(t, os.Symlink(filepath.Join(sb.Root(), ".env"), filepath.Join(sb.Root(), "innocent")))
	ctx := context.Background()

	tests := []struct {
		name string
		op   Operation
	}{
		{"exact", ReadFile{Path: ".env"}},
		{"env variant", WriteFile{Path: "app/.env.local", Content: "x"}},
		{"ancestor", ReadFile{Path: "config/.ssh/id_rsa"}},
		{"directory itself", ListDirectory{Path: "config/.ssh"}},
		{"extension", EditFile{Path: "certs/server.pem", OldString: "pem", NewString: "x"}},
		{"through symlink", ReadFile{Path: "innocent"}},
		{"delete", DeleteFile{Path: ".env"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := sb.Run(ctx, tt.op)
			assert.Equal(t, StatusDenied, out.Status)
			assert.Contains(t, out.Output, "denied pattern")
		})
	}
	_, err := os.Stat(filepath.Join(sb.Root(), ".env"))
	assert.NoError(t, err)
}

func TestAbsolutePathThroughSymlinkedRoot(t *testing.T) {
	realDir := t.TempDir()
	link := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, os.Symlink(realDir, link))
	sb, err := New(DefaultPolicy(link), nil)
	require.NoError(t, err)

	out := sb.Run(context.Background(), WriteFile{Path: filepath.Join(link, "x.txt"), Content: "x\n"})
	require.Equal(t, StatusOK, out.Status, out.Output)
	_, err = os.Stat(filepath.Join(realDir, "x.txt"))
	assert.NoError(t, err)
}

func TestRunCancelledContext(t *testing.T) {
	sb := newTestSandbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := sb.Run(ctx, WriteFile{Path: "a.txt", Content: "x"})
	assert.Equal(t, StatusError, out.Status)
	_, err := os.Stat(filepath.Join(sb.Root(), "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunNilOperation(t *testing.T) {
	sb := newTestSandbox(t)
	out := sb.Run(context.Background(), nil)
	assert.Equal(t, StatusError, out.Status)
}

func TestOperationMutates(t *testing.T) {
	assert.False(t, ReadFile{}.Mutates())
	assert.False(t, ListDirectory{}.Mutates())
	assert.False(t, Search{}.Mutates())
	assert.False(t, Glob{}.Mutates())
	assert.True(t, WriteFile{}.Mutates())
	assert.True(t, EditFile{}.Mutates())
	assert.True(t, DeleteFile{}.Mutates())
	assert.True(t, ExecuteCommand{}.Mutates())
}

func TestCommandEnv(t *testing.T) {
	env := commandEnv([]string{
		"PATH=/usr/bin",
		"HOME=/home/dev",
		"OPENAI_API_KEY=sk-1",
		"aws_secret_access_key=abc",
		"TAPIR_LOG_LEVEL=debug",
		"DB_PASSWORD=hunter2",
		"PAGER=less",
		"malformed",
	}, []string{"DB_PASSWORD"})

	assert.ElementsMatch(t, []string{
		"PATH=/usr/bin",
		"HOME=/home/dev",
		"DB_PASSWORD=hunter2",
		"PAGER=cat",
		"GIT_PAGER=cat",
		"GIT_TERMINAL_PROMPT=0",
	}, env)
}
