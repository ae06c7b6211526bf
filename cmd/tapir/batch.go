package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/tapir/agentloop"
	"github.com/martinemde/tapir/config"
)

// batchTask is one entry of a tasks file. Empty fields fall back to the
// file's defaults and then to the loaded configuration.
type batchTask struct {
	ID       string            `yaml:"id"`
	Goal     string            `yaml:"goal"`
	Dir      string            `yaml:"dir"`
	Model    string            `yaml:"model"`
	Provider string            `yaml:"provider"`
	Limits   *agentloop.Limits `yaml:"limits"`
}

type batchFile struct {
	Defaults batchTask   `yaml:"defaults"`
	Tasks    []batchTask `yaml:"tasks"`
}

type batchResult struct {
	Task    batchTask
	Summary agentloop.UsageSummary
	Err     error
	Code    int
}

func newBatchCommand(a *app) *cobra.Command {
	var parallel int

	cmd := &cobra.Command{
		Use:   "batch tasks.yaml",
		Short: "Run independent sessions from a tasks file concurrently",
		Long: `Run every task in a YAML tasks file as its own session.

  defaults:
    model: sonnet
    limits:
      max_turns: 30
  tasks:
    - id: lint
      goal: fix the lint warnings
      dir: ./service
    - goal: update the changelog
      limits:
        max_cost: 0.5

Relative task directories are resolved against the tasks file's directory.
The exit code is that of the first task, in file order, that did not complete.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.batch(cmd.Context(), args[0], parallel)
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 2, "sessions run at the same time")
	return cmd
}

// loadBatch reads and checks a tasks file.
func loadBatch(path string) (*batchFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &agentloop.ConfigError{Field: "tasks", Reason: "cannot open", Err: err}
	}
	defer f.Close()

	var bf batchFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&bf); err != nil && !errors.Is(err, io.EOF) {
		return nil, &agentloop.ConfigError{Field: "tasks", Reason: "cannot decode", Err: err}
	}
	if len(bf.Tasks) == 0 {
		return nil, &agentloop.ConfigError{Field: "tasks", Reason: "no tasks defined"}
	}

	base := filepath.Dir(path)
	seen := make(map[string]bool, len(bf.Tasks))
	for i := range bf.Tasks {
		t := &bf.Tasks[i]
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%d", i+1)
		}
		if seen[t.ID] {
			return nil, &agentloop.ConfigError{Field: "tasks", Reason: fmt.Sprintf("duplicate task id %q", t.ID)}
		}
		seen[t.ID] = true
		if t.Goal == "" {
			return nil, &agentloop.ConfigError{Field: "tasks", Reason: fmt.Sprintf("task %q has no goal", t.ID)}
		}
		if t.Dir == "" {
			t.Dir = bf.Defaults.Dir
		}
		if t.Dir != "" && !filepath.IsAbs(t.Dir) {
			t.Dir = filepath.Join(base, t.Dir)
		}
		if t.Model == "" {
			t.Model = bf.Defaults.Model
		}
		if t.Provider == "" {
			t.Provider = bf.Defaults.Provider
		}
		if t.Limits == nil {
			t.Limits = bf.Defaults.Limits
		}
	}
	return &bf, nil
}

// taskConfig overlays a task on the loaded configuration.
func taskConfig(base *config.Config, t batchTask) *config.Config {
	cfg := *base
	if t.Dir != "" {
		cfg.Dir = t.Dir
	}
	if t.Model != "" {
		cfg.Model = t.Model
		cfg.Provider = t.Provider
	} else if t.Provider != "" {
		cfg.Provider = t.Provider
	}
	if t.Limits != nil {
		cfg.Limits = *t.Limits
	}
	return &cfg
}

func (a *app) batch(ctx context.Context, path string, parallel int) error {
	if parallel < 1 {
		return &agentloop.ConfigError{Field: "parallel", Reason: "must be at least 1"}
	}
	bf, err := loadBatch(path)
	if err != nil {
		return err
	}

	metrics, stopMetrics, err := a.startMetrics()
	if err != nil {
		return err
	}
	defer stopMetrics()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := agentloop.NewSessionManager(metrics)
	out := &lockedWriter{w: a.stderr}
	results := make([]batchResult, len(bf.Tasks))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, task := range bf.Tasks {
		g.Go(func() error {
			results[i] = a.runTask(ctx, mgr, task, metrics, out)
			return nil
		})
	}
	_ = g.Wait()

	if err := mgr.Shutdown(context.Background()); err != nil {
		a.logger.Debug("batch sessions ended with failures", "error", err)
	}

	writeBatchReport(a.stdout, results)
	for _, r := range results {
		if r.Code != exitCompleted {
			return &exitError{code: r.Code}
		}
	}
	return nil
}

// runTask runs one task to a terminal status through the manager.
func (a *app) runTask(ctx context.Context, mgr *agentloop.SessionManager, task batchTask, metrics *agentloop.Metrics, out io.Writer) batchResult {
	res := batchResult{Task: task}
	logger := a.logger.With("task", task.ID)

	cfg := taskConfig(a.cfg, task)
	if err := cfg.Validate(); err != nil {
		res.Err, res.Code = err, exitConfig
		return res
	}
	profile, err := cfg.Profile()
	if err != nil {
		res.Err, res.Code = err, exitConfig
		return res
	}
	client, err := newModelClient(cfg, profile, logger, metrics)
	if err != nil {
		res.Err, res.Code = err, exitCode(err)
		return res
	}
	defer client.Close()

	id := uuid.NewString()
	opts := sessionOptions(cfg, profile, client, logger, metrics)
	opts = append(opts, agentloop.WithSessionID(id))
	var transcript *agentloop.JSONLTranscript
	if cfg.Transcripts && a.home != "" {
		transcript, err = agentloop.OpenTranscript(agentloop.DefaultTranscriptPath(a.home, cfg.Dir, id))
		if err != nil {
			logger.Warn("transcript disabled", "error", err)
		} else {
			opts = append(opts, agentloop.WithTranscript(transcript))
		}
	}

	h, err := mgr.Start(ctx, task.Goal, cfg.Dir, cfg.Limits, opts...)
	if err != nil {
		if transcript != nil {
			_ = transcript.Close()
		}
		res.Err, res.Code = err, exitCode(err)
		return res
	}

	r := newRenderer(out, isTerminal(a.stderr), a.verbose)
	r.prefix = "[" + task.ID + "] "
	r.Drain(h.Session.Events())

	status, err := h.Result()
	res.Summary = h.Session.Summary()
	res.Err = err
	res.Code = statusCode(status)
	return res
}

func writeBatchReport(w io.Writer, results []batchResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tTURNS\tTOKENS\tCOST\tSESSION")
	for _, r := range results {
		status := string(r.Summary.Status)
		if r.Err != nil && r.Summary.Status == "" {
			status = "config_error"
		}
		if r.Summary.ExceededLimit != "" {
			status += " (" + r.Summary.ExceededLimit + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t$%.4f\t%s\n", r.Task.ID, status, r.Summary.Turns,
			r.Summary.InputTokens+r.Summary.OutputTokens, r.Summary.CostUSD, r.Summary.SessionID)
	}
	_ = tw.Flush()
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "%s: %v\n", r.Task.ID, r.Err)
		}
	}
}

// lockedWriter serializes writes from concurrently rendered sessions.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
