package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Sandbox performs file and command operations on behalf of the agent,
// confined to a working root and bounded by a Policy. It keeps no state
// between operations beyond the policy itself and is safe for concurrent use.
type Sandbox struct {
	policy Policy
	// root is WorkingRoot with symlinks resolved; given is WorkingRoot as
	// configured. Absolute paths under either are accepted.
	root   string
	given  string
	logger *slog.Logger
}

// New validates policy and returns a Sandbox rooted at its WorkingRoot.
func New(policy Policy, logger *slog.Logger) (*Sandbox, error) {
	if policy.DefaultExecTime == 0 {
		policy.DefaultExecTime = DefaultExecTime
	}
	if policy.DefaultExecTime > policy.MaxExecTime && policy.MaxExecTime > 0 {
		policy.DefaultExecTime = policy.MaxExecTime
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	given := filepath.Clean(policy.WorkingRoot)
	root, err := filepath.EvalSymlinks(given)
	if err != nil {
		return nil, &PolicyError{Field: "working_root", Reason: "cannot resolve", Cause: err}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	policy.DeniedPatterns = append([]string(nil), policy.DeniedPatterns...)
	return &Sandbox{
		policy: policy,
		root:   root,
		given:  given,
		logger: logger.With("component", "sandbox"),
	}, nil
}

// Policy returns a copy of the sandbox policy.
func (s *Sandbox) Policy() Policy {
	p := s.policy
	p.DeniedPatterns = append([]string(nil), s.policy.DeniedPatterns...)
	return p
}

// Root returns the resolved working root.
func (s *Sandbox) Root() string {
	return s.root
}

// Run performs op and reports its outcome. Run never panics on bad input and
// never touches anything outside the working root.
func (s *Sandbox) Run(ctx context.Context, op Operation) Outcome {
	start := time.Now()
	var out Outcome
	if err := ctx.Err(); err != nil {
		out = errorOutcome("cancelled before %s started", opName(op))
	} else {
		switch op := op.(type) {
		case ReadFile:
			out = s.readFile(op)
		case WriteFile:
			out = s.writeFile(op)
		case EditFile:
			out = s.editFile(op)
		case DeleteFile:
			out = s.deleteFile(op)
		case ListDirectory:
			out = s.listDirectory(op)
		case ExecuteCommand:
			out = s.execute(ctx, op)
		case Search:
			out = s.search(ctx, op)
		case Glob:
			out = s.glob(ctx, op)
		case nil:
			out = errorOutcome("no operation")
		default:
			out = errorOutcome("unsupported operation %s", op.Name())
		}
	}
	out = capOutcome(out, s.policy.MaxOutputBytes)
	out.Duration = time.Since(start)

	level := slog.LevelDebug
	if out.Status == StatusDenied {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "operation finished",
		"op", opName(op),
		"status", out.Status,
		"duration", out.Duration,
		"truncated", out.Truncated,
	)
	return out
}

func opName(op Operation) string {
	if op == nil {
		return "<nil>"
	}
	return op.Name()
}

// resolve maps a user-supplied path to an absolute path inside the root and
// its slash-separated form relative to the root. Paths that escape the root
// lexically or through symlinks, and paths matching a denied pattern, return
// a *DeniedError.
func (s *Sandbox) resolve(p string) (abs string, rel string, err error) {
	if strings.ContainsRune(p, 0) {
		return "", "", &DeniedError{Path: p, Reason: "invalid path"}
	}
	if p == "" {
		p = "."
	}

	var joined string
	if filepath.IsAbs(p) {
		joined = filepath.Clean(p)
		if s.given != s.root && within(s.given, joined) && !within(s.root, joined) {
			r, _ := filepath.Rel(s.given, joined)
			joined = filepath.Join(s.root, r)
		}
	} else {
		joined = filepath.Join(s.root, p)
	}
	if !within(s.root, joined) {
		return "", "", &DeniedError{Path: p, Reason: "outside working root"}
	}

	resolved, err := evalExisting(joined)
	if err != nil {
		return "", "", &DeniedError{Path: p, Reason: "unresolvable symlink"}
	}
	if !within(s.root, resolved) {
		return "", "", &DeniedError{Path: p, Reason: "symlink escapes working root"}
	}

	lexRel := s.relSlash(joined)
	realRel := s.relSlash(resolved)
	if pat, ok := s.denied(lexRel); ok {
		return "", "", &DeniedError{Path: p, Reason: fmt.Sprintf("matches denied pattern %q", pat)}
	}
	if pat, ok := s.denied(realRel); ok {
		return "", "", &DeniedError{Path: p, Reason: fmt.Sprintf("resolves to a path matching denied pattern %q", pat)}
	}
	return resolved, realRel, nil
}

func (s *Sandbox) relSlash(abs string) string {
	r, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}

// denied reports the first pattern matching rel or any of its ancestors.
func (s *Sandbox) denied(rel string) (string, bool) {
	if rel == "." || rel == "" {
		return "", false
	}
	for candidate := rel; candidate != "." && candidate != "/" && candidate != ""; candidate = path.Dir(candidate) {
		for _, pat := range s.policy.DeniedPatterns {
			if ok, _ := doublestar.Match(pat, candidate); ok {
				return pat, true
			}
		}
	}
	return "", false
}

// within reports whether target is root or lies beneath it.
func within(root, target string) bool {
	r, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)) && !filepath.IsAbs(r)
}

// evalExisting resolves symlinks in the longest existing prefix of p and
// appends the components that cannot be stat'ed. A dangling symlink in the
// existing prefix is an error.
func evalExisting(p string) (string, error) {
	existing := p
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}
