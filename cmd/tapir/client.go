package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/martinemde/tapir/agentloop"
	"github.com/martinemde/tapir/config"
	"github.com/martinemde/tapir/unifiedllm"
)

// newModelClient builds the client for profile's provider with retries
// reported to the log and the metrics.
func newModelClient(cfg *config.Config, profile agentloop.ProviderProfile, logger *slog.Logger, metrics *agentloop.Metrics) (*unifiedllm.Client, error) {
	provider := profile.ID()

	var adapter unifiedllm.ProviderAdapter
	switch provider {
	case "anthropic":
		opts := []unifiedllm.AnthropicOption{
			unifiedllm.WithAnthropicModel(profile.ModelID()),
			unifiedllm.WithAnthropicMaxTokens(profile.MaxOutputTokens()),
			unifiedllm.WithAnthropicLogger(logger),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, unifiedllm.WithAnthropicBaseURL(cfg.BaseURL))
		}
		a, err := unifiedllm.NewAnthropicAdapter(cfg.AnthropicAPIKey, opts...)
		if err != nil {
			return nil, &agentloop.ConfigError{Field: "anthropic_api_key", Reason: "cannot create client", Err: err}
		}
		adapter = a
	default:
		a, err := unifiedllm.NewGollmAdapter(provider, cfg.APIKey,
			unifiedllm.WithModel(profile.ModelID()),
			unifiedllm.WithMaxTokens(profile.MaxOutputTokens()),
		)
		if err != nil {
			return nil, &agentloop.ConfigError{Field: "provider", Reason: fmt.Sprintf("cannot create %s client", provider), Err: err}
		}
		adapter = a
	}

	policy := cfg.RetryPolicy()
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying model call", "provider", provider, "attempt", attempt, "delay", delay, "error", err)
		metrics.IncModelRetry(provider)
	}

	return unifiedllm.NewClient(
		unifiedllm.WithProvider(provider, adapter),
		unifiedllm.WithDefaultProvider(provider),
		unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(policy)),
	), nil
}

// sessionOptions translates the configuration into session options shared
// by run and batch.
func sessionOptions(cfg *config.Config, profile agentloop.ProviderProfile, client agentloop.ModelClient, logger *slog.Logger, metrics *agentloop.Metrics) []agentloop.Option {
	opts := []agentloop.Option{
		agentloop.WithModelClient(client),
		agentloop.WithProfile(profile),
		agentloop.WithSandboxPolicy(cfg.Policy()),
		agentloop.WithLogger(logger),
		agentloop.WithMetrics(metrics),
		agentloop.WithMaxParallelTools(cfg.MaxParallelTools),
		agentloop.WithLoopDetectionWindow(cfg.LoopDetectionWindow),
		agentloop.WithEventBuffer(cfg.EventBuffer),
		agentloop.WithTokenEstimator(cfg.Estimator()),
	}
	if cfg.ReasoningEffort != "" {
		opts = append(opts, agentloop.WithReasoningEffort(cfg.ReasoningEffort))
	}
	return opts
}
