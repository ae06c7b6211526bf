package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/martinemde/tapir/agentloop"
	"github.com/martinemde/tapir/config"
)

// flagKeys binds command-line flags to configuration keys.
var flagKeys = map[string]string{
	"dir":                "dir",
	"model":              "model",
	"provider":           "provider",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"metrics-addr":       "metrics_addr",
	"max-turns":          "limits.max_turns",
	"max-tokens":         "limits.max_tokens",
	"max-time":           "limits.max_duration",
	"max-cost":           "limits.max_cost",
	"context-budget":     "limits.context_budget",
	"reasoning-effort":   "reasoning_effort",
	"max-parallel-tools": "max_parallel_tools",
}

// app holds state shared by the subcommands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	stdout  io.Writer
	stderr  io.Writer

	cfg    *config.Config
	home   string
	logger *slog.Logger
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: config.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "tapir",
		Short: "Autonomous coding agent",
		Long: `tapir works on a goal inside a working directory, calling a language model
and executing its tool calls in a sandbox until the goal is complete or a
budget runs out.

Configuration is read from ./.tapir/config.yaml or ~/.tapir/config.yaml,
then TAPIR_* environment variables, then flags.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &agentloop.ConfigError{Field: "flags", Reason: "invalid", Err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default ./.tapir/config.yaml, then ~/.tapir/config.yaml)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "show turn details and model reasoning")
	pf.String("dir", "", "working root the agent is confined to (default current directory)")
	pf.StringP("model", "m", "", "model id or alias")
	pf.String("provider", "", "provider (default inferred from the model)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text, json")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newRunCommand(a),
		newBatchCommand(a),
		newConfigCommand(a),
		newModelsCommand(a),
		newVersionCommand(a),
	)
	return root
}

// load resolves the configuration for the command about to run.
func (a *app) load(cmd *cobra.Command, _ []string) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	cfg, err := config.Load(a.v, a.cfgFile, config.SearchPaths(home, cwd)...)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.home = home
	a.logger = newLogger(cfg.Log, a.stderr)
	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.Debug("loaded config", "path", used)
	}
	return nil
}

// startMetrics serves /metrics when an address is configured and returns
// the metrics plus a function that stops the server.
func (a *app) startMetrics() (*agentloop.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := agentloop.MustNewMetrics(reg)
	if a.cfg.MetricsAddr == "" {
		return metrics, func() {}, nil
	}

	ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return nil, nil, &agentloop.ConfigError{Field: "metrics_addr", Reason: "cannot listen", Err: err}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return metrics, stop, nil
}
