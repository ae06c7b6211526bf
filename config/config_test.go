package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/tapir/agentloop"
	"github.com/martinemde/tapir/unifiedllm"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func fields(err error) []string {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return nil
	}
	var out []string
	for _, e := range merr.Errors {
		var ce *agentloop.ConfigError
		if errors.As(e, &ce) {
			out = append(out, ce.Field)
		}
	}
	return out
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg, err := Load(New(), "", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, unifiedllm.DefaultModel, cfg.Model)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, agentloop.DefaultMaxParallelTools, cfg.MaxParallelTools)
	assert.True(t, cfg.Transcripts)
	assert.True(t, filepath.IsAbs(cfg.Dir))
	assert.Equal(t, cfg.Dir, cfg.Sandbox.WorkingRoot)
	assert.NotEmpty(t, cfg.Sandbox.DeniedPatterns)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadPrecedence(t *testing.T) {
	home := t.TempDir()
	cwd := t.TempDir()
	writeConfig(t, filepath.Join(home, ".tapir"), `
model: sonnet
limits:
  max_turns: 5
`)
	writeConfig(t, filepath.Join(cwd, ".tapir"), `
limits:
  max_turns: 7
  max_duration: 30m
  max_cost: 1.5
sandbox:
  max_exec_time: 45s
log:
  format: json
`)
	t.Setenv("TAPIR_LIMITS_MAX_TOKENS", "50000")
	t.Setenv("TAPIR_LOG_FORMAT", "text")

	v := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-turns", 0, "")
	require.NoError(t, v.BindPFlag("limits.max_turns", flags.Lookup("max-turns")))

	cfg, err := Load(v, "", SearchPaths(home, cwd)...)
	require.NoError(t, err)

	// The project file wins over the home file, which is then not read.
	assert.Equal(t, filepath.Join(cwd, ".tapir", "config.yaml"), v.ConfigFileUsed())
	assert.Equal(t, 7, cfg.Limits.MaxTurns)
	assert.Equal(t, unifiedllm.DefaultModel, cfg.Model)
	assert.Equal(t, 30*time.Minute, cfg.Limits.MaxDuration)
	assert.Equal(t, 1.5, cfg.Limits.MaxCost)
	assert.Equal(t, 45*time.Second, cfg.Sandbox.MaxExecTime)
	assert.Equal(t, 50000, cfg.Limits.MaxTokens)
	assert.Equal(t, "text", cfg.Log.Format)

	require.NoError(t, flags.Parse([]string{"--max-turns", "9"}))
	cfg, err = Load(v, "", SearchPaths(home, cwd)...)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Limits.MaxTurns)
}

func TestLoadHonorsAnthropicKeyVariable(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-plain")
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", cfg.AnthropicAPIKey)

	t.Setenv("TAPIR_ANTHROPIC_API_KEY", "sk-prefixed")
	cfg, err = Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "sk-prefixed", cfg.AnthropicAPIKey)
}

func TestLoadExplicitFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "provider: ollama\nmodel: qwen2.5-coder\n")
	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Provider)
	assert.Equal(t, "qwen2.5-coder", cfg.Model)

	_, err = Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	var ce *agentloop.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "config_file", ce.Field)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "limits: [not, a, map\n")
	_, err := Load(New(), path)
	var ce *agentloop.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Dir = filepath.Join(t.TempDir(), "missing")
	cfg.Provider = "nowhere"
	cfg.ReasoningEffort = "extreme"
	cfg.Limits.MaxTurns = -1
	cfg.Sandbox.MaxOutputBytes = 0
	cfg.Retry.MaxRetries = -2
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	cfg.MaxParallelTools = 0
	cfg.EventBuffer = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ElementsMatch(t, []string{
		"provider",
		"reasoning_effort",
		"limits.max_turns",
		"dir",
		"sandbox.max_output_bytes",
		"retry.max_retries",
		"log.level",
		"log.format",
		"max_parallel_tools",
		"event_buffer",
	}, fields(err))
}

func TestValidateRequiresAnthropicKey(t *testing.T) {
	cfg := Defaults()
	cfg.Dir = t.TempDir()
	err := cfg.Validate()
	assert.Equal(t, []string{"anthropic_api_key"}, fields(err))

	cfg.AnthropicAPIKey = "sk-test"
	assert.NoError(t, cfg.Validate())

	cfg.AnthropicAPIKey = ""
	cfg.Provider = "ollama"
	cfg.Model = "qwen2.5-coder"
	assert.NoError(t, cfg.Validate())
}

func TestRedactedHidesKeys(t *testing.T) {
	cfg := Defaults()
	cfg.AnthropicAPIKey = "sk-secret"
	r := cfg.Redacted()
	assert.Equal(t, redacted, r.AnthropicAPIKey)
	assert.Empty(t, r.APIKey)
	assert.Equal(t, "sk-secret", cfg.AnthropicAPIKey)
}

func TestRetryPolicy(t *testing.T) {
	cfg := Defaults()
	cfg.Retry = RetryConfig{MaxRetries: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
	p := cfg.RetryPolicy()
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 10*time.Second, p.MaxDelay)
}
