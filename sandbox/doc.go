// Package sandbox executes the agent's file and command operations inside a
// working root under an immutable Policy.
//
// Every path argument is resolved against the root. Paths that climb out of
// it with "..", escape it through a symlink, or match a denied pattern are
// refused with StatusDenied before any filesystem access happens. Commands
// run through /bin/bash -c in their own process group with a filtered
// environment; on timeout or cancellation the whole group receives SIGTERM
// and then SIGKILL once the grace period lapses. When the policy forbids
// network access, Linux commands run in a private network namespace and
// other platforms refuse to run commands at all.
//
//	sb, err := sandbox.New(sandbox.DefaultPolicy(root), logger)
//	out := sb.Run(ctx, sandbox.ReadFile{Path: "main.go"})
//	if out.Status != sandbox.StatusOK { ... }
package sandbox
