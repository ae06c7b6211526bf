package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"
)

// Default limits.
const (
	DefaultExecTime       = 2 * time.Minute
	DefaultMaxExecTime    = 10 * time.Minute
	DefaultMaxOutputBytes = 256 * 1024
	DefaultKillGrace      = 2 * time.Second
)

// DefaultDeniedPatterns keeps secrets out of reach of the agent.
var DefaultDeniedPatterns = []string{
	".env",
	".env.*",
	"**/.env",
	"**/.env.*",
	"**/*.pem",
	"**/*.key",
	"**/.ssh",
	".git/objects",
}

// Policy is the immutable permission and limit configuration of a Sandbox.
type Policy struct {
	// WorkingRoot confines every path argument and command.
	WorkingRoot string `json:"working_root" yaml:"working_root"`
	// DeniedPatterns are doublestar patterns matched against slash-separated
	// paths relative to WorkingRoot and each of their ancestors.
	DeniedPatterns []string `json:"denied_patterns" yaml:"denied_patterns"`
	// MaxExecTime bounds any single command; requested timeouts are clamped to it.
	MaxExecTime time.Duration `json:"max_exec_time" yaml:"max_exec_time"`
	// DefaultExecTime applies when a command does not request a timeout.
	DefaultExecTime time.Duration `json:"default_exec_time" yaml:"default_exec_time"`
	// MaxOutputBytes caps captured command output.
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`
	// AllowNetwork permits commands to reach the network.
	AllowNetwork bool `json:"allow_network" yaml:"allow_network"`
	// KillGracePeriod is the delay between SIGTERM and SIGKILL.
	KillGracePeriod time.Duration `json:"kill_grace_period" yaml:"kill_grace_period"`
	// PassEnv names variables handed to commands even though they look like
	// secrets, such as GITHUB_TOKEN for gh.
	PassEnv []string `json:"pass_env" yaml:"pass_env"`
}

// DefaultPolicy returns a policy rooted at root with default limits.
func DefaultPolicy(root string) Policy {
	return Policy{
		WorkingRoot:     root,
		DeniedPatterns:  append([]string(nil), DefaultDeniedPatterns...),
		MaxExecTime:     DefaultMaxExecTime,
		DefaultExecTime: DefaultExecTime,
		MaxOutputBytes:  DefaultMaxOutputBytes,
		AllowNetwork:    true,
		KillGracePeriod: DefaultKillGrace,
	}
}

// PolicyError reports an invalid policy field.
type PolicyError struct {
	Field  string
	Reason string
	Cause  error
}

func (e *PolicyError) Error() string {
	msg := fmt.Sprintf("sandbox policy: %s: %s", e.Field, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PolicyError) Unwrap() error {
	return e.Cause
}

// Validate checks the policy and returns every problem found.
func (p Policy) Validate() error {
	var result *multierror.Error

	if p.WorkingRoot == "" {
		result = multierror.Append(result, &PolicyError{Field: "working_root", Reason: "must be set"})
	} else if !filepath.IsAbs(p.WorkingRoot) {
		result = multierror.Append(result, &PolicyError{Field: "working_root", Reason: "must be an absolute path"})
	} else if info, err := os.Stat(p.WorkingRoot); err != nil {
		result = multierror.Append(result, &PolicyError{Field: "working_root", Reason: "not accessible", Cause: err})
	} else if !info.IsDir() {
		result = multierror.Append(result, &PolicyError{Field: "working_root", Reason: "not a directory"})
	} else if f, err := os.Open(p.WorkingRoot); err != nil {
		result = multierror.Append(result, &PolicyError{Field: "working_root", Reason: "not readable", Cause: err})
	} else {
		_ = f.Close()
	}

	for _, pat := range p.DeniedPatterns {
		if !doublestar.ValidatePattern(pat) {
			result = multierror.Append(result, &PolicyError{Field: "denied_patterns", Reason: fmt.Sprintf("invalid pattern %q", pat)})
		}
	}
	if p.MaxExecTime <= 0 {
		result = multierror.Append(result, &PolicyError{Field: "max_exec_time", Reason: "must be positive"})
	}
	if p.DefaultExecTime < 0 {
		result = multierror.Append(result, &PolicyError{Field: "default_exec_time", Reason: "must not be negative"})
	}
	if p.MaxOutputBytes <= 0 {
		result = multierror.Append(result, &PolicyError{Field: "max_output_bytes", Reason: "must be positive"})
	}
	if p.KillGracePeriod < 0 {
		result = multierror.Append(result, &PolicyError{Field: "kill_grace_period", Reason: "must not be negative"})
	}
	return result.ErrorOrNil()
}
