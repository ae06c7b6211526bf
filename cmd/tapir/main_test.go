package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAnthropic serves one scripted SSE response per request and repeats
// the last one once the script runs out.
type fakeAnthropic struct {
	mu       sync.Mutex
	script   [][]string
	requests int
}

func (f *fakeAnthropic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	i := min(f.requests, len(f.script)-1)
	f.requests++
	frames := f.script[i]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, frame := range frames {
		var frameType struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(frame), &frameType)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frameType.Type, frame)
	}
}

func (f *fakeAnthropic) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func toolUseFrames(id, name, input string) []string {
	quoted, _ := json.Marshal(input)
	return []string{
		`{"type":"message_start","message":{"id":"msg_` + id + `","model":"claude-opus-4-6","usage":{"input_tokens":100,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_` + id + `","name":"` + name + `","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":` + string(quoted) + `}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}`,
		`{"type":"message_stop"}`,
	}
}

type cliEnv struct {
	home   string
	dir    string
	config string
	server *httptest.Server
	fake   *fakeAnthropic
}

func newCLIEnv(t *testing.T, script ...[]string) *cliEnv {
	t.Helper()
	fake := &fakeAnthropic{script: script}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf("base_url: %s\ntoken_estimator: heuristic\nretry:\n  max_retries: 0\n", srv.URL)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	return &cliEnv{home: home, dir: t.TempDir(), config: cfgPath, server: srv, fake: fake}
}

func (e *cliEnv) execute(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	args = append([]string{"--config", e.config}, args...)
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunCompletesGoal(t *testing.T) {
	env := newCLIEnv(t,
		toolUseFrames("1", "write_file", `{"path":"hello.txt","content":"hello\n"}`),
		toolUseFrames("2", "task_complete", `{"summary":"wrote hello.txt"}`),
	)

	code, stdout, stderr := env.execute("run", "--dir", env.dir, "create hello.txt")
	require.Equal(t, exitCompleted, code, stderr)
	assert.Equal(t, "wrote hello.txt\n", stdout)
	assert.Contains(t, stderr, "starting create hello.txt")
	assert.Contains(t, stderr, "→ write_file")
	assert.Contains(t, stderr, "completed after 2 turns")

	data, err := os.ReadFile(filepath.Join(env.dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	transcripts, err := filepath.Glob(filepath.Join(env.home, ".tapir", "sessions", "*", "*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, transcripts, 1)
}

func TestRunResumesFromTranscript(t *testing.T) {
	env := newCLIEnv(t,
		toolUseFrames("1", "list_directory", `{"path":"."}`),
	)
	code, _, stderr := env.execute("run", "--dir", env.dir, "--max-turns", "1", "look around")
	require.Equal(t, exitBudgetExceeded, code, stderr)

	transcripts, err := filepath.Glob(filepath.Join(env.home, ".tapir", "sessions", "*", "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, transcripts, 1)
	id := strings.TrimSuffix(filepath.Base(transcripts[0]), ".jsonl")

	env.fake.mu.Lock()
	env.fake.script = [][]string{toolUseFrames("2", "task_complete", `{"summary":"resumed and done"}`)}
	env.fake.requests = 0
	env.fake.mu.Unlock()

	code, stdout, stderr := env.execute("run", "--dir", env.dir, "--resume", id)
	require.Equal(t, exitCompleted, code, stderr)
	assert.Contains(t, stderr, "resuming look around")
	assert.Equal(t, "resumed and done\n", stdout)
}

func TestRunResumeByPathAppendsToThatFile(t *testing.T) {
	env := newCLIEnv(t,
		toolUseFrames("1", "list_directory", `{"path":"."}`),
	)
	code, _, stderr := env.execute("run", "--dir", env.dir, "--max-turns", "1", "look around")
	require.Equal(t, exitBudgetExceeded, code, stderr)

	transcripts, err := filepath.Glob(filepath.Join(env.home, ".tapir", "sessions", "*", "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, transcripts, 1)
	data, err := os.ReadFile(transcripts[0])
	require.NoError(t, err)
	saved := filepath.Join(t.TempDir(), "saved.jsonl")
	require.NoError(t, os.WriteFile(saved, data, 0o600))
	before := strings.Count(string(data), "\n")

	env.fake.mu.Lock()
	env.fake.script = [][]string{toolUseFrames("2", "task_complete", `{"summary":"done"}`)}
	env.fake.requests = 0
	env.fake.mu.Unlock()

	code, _, stderr = env.execute("run", "--dir", env.dir, "--resume", saved)
	require.Equal(t, exitCompleted, code, stderr)

	after, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Greater(t, strings.Count(string(after), "\n"), before)

	transcripts, err = filepath.Glob(filepath.Join(env.home, ".tapir", "sessions", "*", "*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, transcripts, 1, "resumed turns go to the resumed file")
	unchanged, err := os.ReadFile(transcripts[0])
	require.NoError(t, err)
	assert.Equal(t, data, unchanged)
}

func TestRunBudgetExceededExitCode(t *testing.T) {
	env := newCLIEnv(t, toolUseFrames("1", "glob", `{"pattern":"*"}`))
	code, _, stderr := env.execute("run", "--dir", env.dir, "--max-turns", "2", "keep looking")
	assert.Equal(t, exitBudgetExceeded, code)
	assert.Contains(t, stderr, "budget exceeded: max_turns")
	assert.Equal(t, 2, env.fake.count())
}

func TestRunConfigErrors(t *testing.T) {
	env := newCLIEnv(t, toolUseFrames("1", "glob", `{"pattern":"*"}`))

	code, _, stderr := env.execute("run", "--dir", env.dir)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "invalid goal")

	code, _, _ = env.execute("run", "--dir", filepath.Join(env.dir, "missing"), "do it")
	assert.Equal(t, exitConfig, code)

	code, _, stderr = env.execute("run", "--dir", env.dir, "--max-turns", "-1", "do it")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "limits.max_turns")

	code, _, _ = env.execute("run", "--no-such-flag", "do it")
	assert.Equal(t, exitConfig, code)

	t.Setenv("ANTHROPIC_API_KEY", "")
	code, _, stderr = env.execute("run", "--dir", env.dir, "do it")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "anthropic_api_key")
	assert.Equal(t, 0, env.fake.count())
}

func TestRunModelFailureExitCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`))
	}))
	defer srv.Close()
	env := newCLIEnv(t)
	require.NoError(t, os.WriteFile(env.config, []byte("base_url: "+srv.URL+"\ntoken_estimator: heuristic\n"), 0o600))

	code, _, stderr := env.execute("run", "--dir", env.dir, "do it")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr, "failed after 1 turns")
}

func TestConfigShowMasksSecrets(t *testing.T) {
	env := newCLIEnv(t, nil)
	code, stdout, stderr := env.execute("config", "show")
	require.Equal(t, exitCompleted, code, stderr)
	assert.Contains(t, stdout, "# from "+env.config)
	assert.Contains(t, stdout, "********")
	assert.NotContains(t, stdout, "sk-test")
	assert.Contains(t, stdout, env.server.URL)
	assert.Contains(t, stdout, "token_estimator: heuristic")
}

func TestVersion(t *testing.T) {
	env := newCLIEnv(t, nil)
	code, stdout, _ := env.execute("version")
	assert.Equal(t, exitCompleted, code)
	assert.True(t, strings.HasPrefix(stdout, "tapir "))
}

func TestModelsListsCatalog(t *testing.T) {
	env := newCLIEnv(t, nil)
	code, stdout, stderr := env.execute("models", "anthropic")
	assert.Equal(t, exitCompleted, code, stderr)
	assert.Regexp(t, `claude-opus-4-6\s+anthropic\s+200000\s+32768\s+15\.00/75\.00\s+opus,claude-opus`, stdout)
	assert.NotContains(t, stdout, "llama3.1")

	code, stdout, _ = env.execute("models")
	assert.Equal(t, exitCompleted, code)
	assert.Regexp(t, `llama3\.1\s+ollama\s+131072\s+8192\s+free`, stdout)

	code, _, stderr = env.execute("models", "mistral")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr, `no models listed for provider "mistral"`)
}
