package agentloop

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/martinemde/tapir/sandbox"
)

// ConfigError reports invalid input to Start or Resume. No session exists
// when one is returned.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// configErrors converts sandbox policy problems into ConfigErrors so callers
// classify every startup failure the same way.
func configErrors(err error) error {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		merr = multierror.Append(nil, err)
	}
	var result *multierror.Error
	for _, e := range merr.Errors {
		var pe *sandbox.PolicyError
		if errors.As(e, &pe) {
			result = multierror.Append(result, &ConfigError{Field: pe.Field, Reason: pe.Reason, Err: pe})
			continue
		}
		var ce *ConfigError
		if errors.As(e, &ce) {
			result = multierror.Append(result, ce)
			continue
		}
		result = multierror.Append(result, &ConfigError{Field: "session", Reason: "invalid", Err: e})
	}
	return result.ErrorOrNil()
}

// ValidationError reports tool-call arguments the dispatcher refused. It is
// rendered into the ToolResult so the model can correct itself.
type ValidationError struct {
	Tool    string
	Details []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: invalid arguments: %s", e.Tool, strings.Join(e.Details, "; "))
}

// JSON renders the error in the structured form sent to the model.
func (e *ValidationError) JSON() string {
	data, err := json.Marshal(struct {
		Error   string   `json:"error"`
		Tool    string   `json:"tool"`
		Details []string `json:"details"`
	}{"validation_error", e.Tool, e.Details})
	if err != nil {
		return e.Error()
	}
	return string(data)
}
