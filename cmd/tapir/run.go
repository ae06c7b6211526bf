package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/martinemde/tapir/agentloop"
)

func newRunCommand(a *app) *cobra.Command {
	var resume string

	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Work on a goal until it is done or a budget runs out",
		Example: `  tapir run "make the failing tests in ./parser pass"
  tapir run --dir ../service --max-turns 40 --max-cost 2.50 "add request logging"
  tapir run --resume 3f2c9a1e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.TrimSpace(strings.Join(args, " "))
			return a.run(cmd.Context(), goal, resume)
		},
	}

	f := cmd.Flags()
	f.Int("max-turns", 0, "stop after this many model turns (0 = unlimited)")
	f.Int("max-tokens", 0, "stop after this many input+output tokens (0 = unlimited)")
	f.Duration("max-time", 0, "stop after this much wall-clock time (0 = unlimited)")
	f.Float64("max-cost", 0, "stop after this much estimated spend in USD (0 = unlimited)")
	f.Int("context-budget", 0, "tokens sent per model call (default derived from the model)")
	f.String("reasoning-effort", "", "reasoning effort: low, medium, high")
	f.Int("max-parallel-tools", 0, "read-only tool calls run concurrently")
	f.StringVar(&resume, "resume", "", "resume a session by id or transcript path")
	return cmd
}

func (a *app) run(ctx context.Context, goal, resume string) error {
	cfg := a.cfg
	if goal == "" && resume == "" {
		return &agentloop.ConfigError{Field: "goal", Reason: "must not be empty"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	profile, err := cfg.Profile()
	if err != nil {
		return &agentloop.ConfigError{Field: "provider", Reason: "unsupported", Err: err}
	}
	metrics, stopMetrics, err := a.startMetrics()
	if err != nil {
		return err
	}
	defer stopMetrics()

	client, err := newModelClient(cfg, profile, a.logger, metrics)
	if err != nil {
		return err
	}
	defer client.Close()

	opts := sessionOptions(cfg, profile, client, a.logger, metrics)

	id := uuid.NewString()
	var transcriptPath string
	if a.home != "" {
		transcriptPath = agentloop.DefaultTranscriptPath(a.home, cfg.Dir, id)
	}
	if resume != "" {
		path, resumedID, err := agentloop.FindTranscript(a.home, cfg.Dir, resume)
		if err != nil {
			return &agentloop.ConfigError{Field: "resume", Reason: "no such session", Err: err}
		}
		history, err := agentloop.LoadTranscript(path)
		if err != nil {
			return &agentloop.ConfigError{Field: "resume", Reason: "unreadable transcript", Err: err}
		}
		if len(history) == 0 {
			return &agentloop.ConfigError{Field: "resume", Reason: "transcript is empty"}
		}
		// New turns continue the file the history came from.
		id, transcriptPath = resumedID, path
		opts = append(opts, agentloop.WithHistory(history))
		if goal != "" {
			a.logger.Info("resuming session; the new goal is sent as steering", "session_id", id)
		}
	}
	opts = append(opts, agentloop.WithSessionID(id))

	var transcript *agentloop.JSONLTranscript
	if cfg.Transcripts && transcriptPath != "" {
		transcript, err = agentloop.OpenTranscript(transcriptPath)
		if err != nil {
			a.logger.Warn("transcript disabled", "error", err)
		} else {
			opts = append(opts, agentloop.WithTranscript(transcript))
		}
	}

	startGoal := goal
	if resume != "" {
		startGoal = ""
	}
	s, err := agentloop.Start(startGoal, cfg.Dir, cfg.Limits, opts...)
	if err != nil {
		if transcript != nil {
			_ = transcript.Close()
		}
		return err
	}
	if resume != "" && goal != "" {
		s.Steer(goal)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	stopCancel := context.AfterFunc(sigCtx, s.Cancel)
	defer stopCancel()

	r := newRenderer(a.stderr, isTerminal(a.stderr), a.verbose)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		r.Drain(s.Events())
	}()

	// A failure is already in the rendered summary.
	status, _ := s.Run(ctx)
	<-rendered

	sum := s.Summary()
	if sum.Result != "" {
		fmt.Fprintln(a.stdout, sum.Result)
	}
	a.logger.Debug("session summary", "session_id", sum.SessionID, "status", status,
		"turns", sum.Turns, "cost_usd", sum.CostUSD)
	return statusError(status, nil)
}
