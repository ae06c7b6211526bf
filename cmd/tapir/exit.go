package main

import (
	"errors"
	"fmt"

	"github.com/martinemde/tapir/agentloop"
)

const (
	exitCompleted      = 0
	exitFailed         = 1
	exitConfig         = 2
	exitBudgetExceeded = 3
	exitCancelled      = 130
)

// exitError carries a non-zero exit code out of a command. err is nil when
// the outcome has already been reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// statusCode maps a terminal session status to an exit code.
func statusCode(status agentloop.Status) int {
	switch status {
	case agentloop.StatusCompleted:
		return exitCompleted
	case agentloop.StatusBudgetExceeded:
		return exitBudgetExceeded
	case agentloop.StatusCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

// statusError converts a session outcome into the error a command returns.
func statusError(status agentloop.Status, err error) error {
	code := statusCode(status)
	if code == exitCompleted {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitCompleted
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var ce *agentloop.ConfigError
	if errors.As(err, &ce) {
		return exitConfig
	}
	return exitFailed
}

// errorMessage is what gets printed for err, or "" when nothing should be.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ee *exitError
	if errors.As(err, &ee) && ee.err == nil {
		return ""
	}
	return err.Error()
}
