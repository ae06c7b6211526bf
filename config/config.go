// Package config loads tapir settings from defaults, a YAML file, TAPIR_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/martinemde/tapir/agentloop"
	"github.com/martinemde/tapir/sandbox"
	"github.com/martinemde/tapir/unifiedllm"
)

// EnvPrefix namespaces environment overrides: limits.max_turns is read
// from TAPIR_LIMITS_MAX_TURNS.
const EnvPrefix = "TAPIR"

const redacted = "********"

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RetryConfig tunes transient-failure retries of model calls.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Config is the resolved configuration of a tapir invocation.
type Config struct {
	Dir             string `yaml:"dir"`
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	ReasoningEffort string `yaml:"reasoning_effort"`

	Limits  agentloop.Limits `yaml:"limits"`
	Sandbox sandbox.Policy   `yaml:"sandbox"`
	Retry   RetryConfig      `yaml:"retry"`
	Log     LogConfig        `yaml:"log"`

	MetricsAddr         string `yaml:"metrics_addr"`
	MaxParallelTools    int    `yaml:"max_parallel_tools"`
	LoopDetectionWindow int    `yaml:"loop_detection_window"`
	EventBuffer         int    `yaml:"event_buffer"`
	Transcripts         bool   `yaml:"transcripts"`
	// TokenEstimator is "tiktoken" or "heuristic".
	TokenEstimator string `yaml:"token_estimator"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	policy := sandbox.DefaultPolicy("")
	return Config{
		Dir:     ".",
		Model:   unifiedllm.DefaultModel,
		Sandbox: policy,
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   time.Minute,
		},
		Log:                 LogConfig{Level: "info", Format: "text"},
		MaxParallelTools:    agentloop.DefaultMaxParallelTools,
		LoopDetectionWindow: agentloop.DefaultLoopWindow,
		EventBuffer:         agentloop.DefaultEventBuffer,
		Transcripts:         true,
		TokenEstimator:      "tiktoken",
	}
}

// New returns a viper instance carrying the defaults and the environment
// bindings. Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	d := Defaults()

	v.SetDefault("dir", d.Dir)
	v.SetDefault("provider", d.Provider)
	v.SetDefault("model", d.Model)
	v.SetDefault("api_key", "")
	v.SetDefault("base_url", "")
	v.SetDefault("reasoning_effort", "")

	v.SetDefault("limits.max_turns", d.Limits.MaxTurns)
	v.SetDefault("limits.max_tokens", d.Limits.MaxTokens)
	v.SetDefault("limits.max_duration", d.Limits.MaxDuration)
	v.SetDefault("limits.max_cost", d.Limits.MaxCost)
	v.SetDefault("limits.context_budget", d.Limits.ContextBudget)

	v.SetDefault("sandbox.denied_patterns", d.Sandbox.DeniedPatterns)
	v.SetDefault("sandbox.max_exec_time", d.Sandbox.MaxExecTime)
	v.SetDefault("sandbox.default_exec_time", d.Sandbox.DefaultExecTime)
	v.SetDefault("sandbox.max_output_bytes", d.Sandbox.MaxOutputBytes)
	v.SetDefault("sandbox.allow_network", d.Sandbox.AllowNetwork)
	v.SetDefault("sandbox.kill_grace_period", d.Sandbox.KillGracePeriod)
	v.SetDefault("sandbox.pass_env", []string{})

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("metrics_addr", "")
	v.SetDefault("max_parallel_tools", d.MaxParallelTools)
	v.SetDefault("loop_detection_window", d.LoopDetectionWindow)
	v.SetDefault("event_buffer", d.EventBuffer)
	v.SetDefault("transcripts", d.Transcripts)
	v.SetDefault("token_estimator", d.TokenEstimator)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The provider's conventional variable is honored as a fallback.
	_ = v.BindEnv("anthropic_api_key", EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

// SearchPaths lists the directories searched for config.yaml, most
// specific first.
func SearchPaths(home, cwd string) []string {
	var dirs []string
	if cwd != "" {
		dirs = append(dirs, filepath.Join(cwd, ".tapir"))
	}
	if home != "" {
		dirs = append(dirs, filepath.Join(home, ".tapir"))
	}
	return dirs
}

// Load reads file, or the first config.yaml found in searchDirs when file
// is empty, and decodes the merged settings. A missing config.yaml in the
// search directories is not an error; a missing explicit file is.
func Load(v *viper.Viper, file string, searchDirs ...string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range searchDirs {
			v.AddConfigPath(dir)
		}
	}
	if file != "" || len(searchDirs) > 0 {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if file != "" || !errors.As(err, &notFound) {
				return nil, &agentloop.ConfigError{Field: "config_file", Reason: "cannot read", Err: err}
			}
		}
	}

	cfg := Defaults()
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	if err != nil {
		return nil, &agentloop.ConfigError{Field: "config_file", Reason: "cannot decode", Err: err}
	}

	if cfg.Dir != "" {
		abs, err := filepath.Abs(cfg.Dir)
		if err != nil {
			return nil, &agentloop.ConfigError{Field: "dir", Reason: "cannot resolve", Err: err}
		}
		cfg.Dir = abs
	}
	cfg.Sandbox.WorkingRoot = cfg.Dir
	return &cfg, nil
}

// Profile resolves the provider profile for the configured model.
func (c *Config) Profile() (agentloop.ProviderProfile, error) {
	return agentloop.NewProfile(c.Provider, c.Model)
}

// Estimator returns the configured token estimator.
func (c *Config) Estimator() agentloop.TokenEstimator {
	if c.TokenEstimator == "heuristic" {
		return agentloop.HeuristicEstimator{}
	}
	return agentloop.NewTiktokenEstimator()
}

// Policy returns the sandbox policy rooted at Dir.
func (c *Config) Policy() sandbox.Policy {
	p := c.Sandbox
	p.WorkingRoot = c.Dir
	return p
}

// RetryPolicy returns the model client retry policy.
func (c *Config) RetryPolicy() unifiedllm.RetryPolicy {
	p := unifiedllm.DefaultRetryPolicy()
	p.MaxRetries = c.Retry.MaxRetries
	p.BaseDelay = c.Retry.BaseDelay
	p.MaxDelay = c.Retry.MaxDelay
	return p
}

// Validate returns every problem in the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(field, reason string, err error) {
		result = multierror.Append(result, &agentloop.ConfigError{Field: field, Reason: reason, Err: err})
	}

	profile, err := c.Profile()
	if err != nil {
		add("provider", "unsupported", err)
	} else if profile.ID() == "anthropic" && c.AnthropicAPIKey == "" {
		add("anthropic_api_key", "must be set (ANTHROPIC_API_KEY)", nil)
	}

	switch c.ReasoningEffort {
	case "", "low", "medium", "high":
	default:
		add("reasoning_effort", fmt.Sprintf("%q is not one of low, medium, high", c.ReasoningEffort), nil)
	}

	if err := c.Limits.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := c.Policy().Validate(); err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				var pe *sandbox.PolicyError
				if errors.As(e, &pe) {
					field := "sandbox." + pe.Field
					if pe.Field == "working_root" {
						field = "dir"
					}
					add(field, pe.Reason, pe.Cause)
					continue
				}
				result = multierror.Append(result, e)
			}
		} else {
			add("sandbox", "invalid", err)
		}
	}

	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries", "must not be negative", nil)
	}
	if c.Retry.BaseDelay < 0 {
		add("retry.base_delay", "must not be negative", nil)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry.max_delay", "must not be less than retry.base_delay", nil)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", fmt.Sprintf("%q is not one of debug, info, warn, error", c.Log.Level), nil)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format", fmt.Sprintf("%q is not one of text, json", c.Log.Format), nil)
	}

	if c.MaxParallelTools < 1 {
		add("max_parallel_tools", "must be at least 1", nil)
	}
	if c.LoopDetectionWindow < 0 {
		add("loop_detection_window", "must not be negative", nil)
	}
	if c.EventBuffer < 1 {
		add("event_buffer", "must be at least 1", nil)
	}
	switch c.TokenEstimator {
	case "tiktoken", "heuristic":
	default:
		add("token_estimator", fmt.Sprintf("%q is not one of tiktoken, heuristic", c.TokenEstimator), nil)
	}
	return result.ErrorOrNil()
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.AnthropicAPIKey != "" {
		c.AnthropicAPIKey = redacted
	}
	if c.APIKey != "" {
		c.APIKey = redacted
	}
	c.Sandbox.DeniedPatterns = append([]string(nil), c.Sandbox.DeniedPatterns...)
	return c
}
