package sandbox

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// secretEnvPatterns match, case-insensitively, variable names withheld
// from commands unless the policy passes them explicitly.
var secretEnvPatterns = []string{
	"TAPIR_*",
	"*_API_KEY",
	"*_SECRET",
	"*_SECRET_*",
	"*_TOKEN",
	"*_PASSWORD",
	"*_CREDENTIAL",
	"*_CREDENTIALS",
}

// commandEnvOverrides keep tools from waiting on a terminal that isn't
// there. They replace any inherited value.
var commandEnvOverrides = map[string]string{
	"PAGER":               "cat",
	"GIT_PAGER":           "cat",
	"GIT_TERMINAL_PROMPT": "0",
}

func isSecretEnv(name string, pass []string) bool {
	upper := strings.ToUpper(name)
	for _, p := range pass {
		if strings.EqualFold(p, name) {
			return false
		}
	}
	for _, pat := range secretEnvPatterns {
		if ok, _ := doublestar.Match(pat, upper); ok {
			return true
		}
	}
	return false
}

// commandEnv derives a command's environment from environ ("NAME=value"
// entries) by dropping secrets not named in pass and applying the
// non-interactive overrides.
func commandEnv(environ, pass []string) []string {
	out := make([]string, 0, len(environ)+len(commandEnvOverrides))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || isSecretEnv(name, pass) {
			continue
		}
		if _, overridden := commandEnvOverrides[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for name, value := range commandEnvOverrides {
		out = append(out, name+"="+value)
	}
	return out
}
