package agentloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

// PromptEnvironment carries what a profile needs to render its system prompt.
type PromptEnvironment struct {
	WorkingRoot string
	Model       string
	Date        time.Time
	// ProjectDocs holds AGENTS.md and provider-specific instruction files.
	ProjectDocs string
	// BaseOverride replaces the profile's base prompt when set.
	BaseOverride string
	// Append is added after everything else.
	Append string
	// GitContext is the rendered <git_context> block, if any.
	GitContext string
	// Skills is the rendered <available-skills> block, if any.
	Skills string
}

// NewPromptEnvironment gathers project instructions, prompt overrides, skills
// and git state for root.
func NewPromptEnvironment(root, model, provider string) PromptEnvironment {
	home, _ := os.UserHomeDir()
	return PromptEnvironment{
		WorkingRoot:  root,
		Model:        model,
		Date:         time.Now(),
		ProjectDocs:  DiscoverProjectDocs(root, provider),
		BaseOverride: readPromptFile(filepath.Join(root, ".tapir", "SYSTEM.md")),
		Append:       readPromptFile(filepath.Join(root, ".tapir", "APPEND_SYSTEM.md")),
		GitContext:   GetGitContext(root),
		Skills:       FormatSkills(DiscoverSkills(home, root)),
	}
}

func readPromptFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// BuildEnvironmentContext generates the <environment> block.
func BuildEnvironmentContext(env PromptEnvironment) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", env.WorkingRoot)
	fmt.Fprintf(&sb, "Is git repository: %v\n", env.GitContext != "")
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	date := env.Date
	if date.IsZero() {
		date = time.Now()
	}
	fmt.Fprintf(&sb, "Today's date: %s\n", date.Format("2006-01-02"))
	if env.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", env.Model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// renderSystemPrompt assembles the base prompt, environment, git state,
// tool list, skills and project instructions in that order.
func renderSystemPrompt(base string, env PromptEnvironment, registry *ToolRegistry) string {
	var sb strings.Builder
	if env.BaseOverride != "" {
		base = env.BaseOverride
	}
	sb.WriteString(base)
	sb.WriteString("\n\n")

	sb.WriteString(BuildEnvironmentContext(env))
	sb.WriteString("\n\n")

	if env.GitContext != "" {
		sb.WriteString(env.GitContext)
		sb.WriteString("\n\n")
	}

	sb.WriteString("# Available Tools\n\n")
	for _, def := range registry.Definitions() {
		fmt.Fprintf(&sb, "## %s\n%s\n\n", def.Name, def.Description)
	}

	if env.Skills != "" {
		sb.WriteString("# Skills\n\nRead a skill's file with read_file when its description matches the task.\n\n")
		sb.WriteString(env.Skills)
		sb.WriteString("\n\n")
	}

	if env.ProjectDocs != "" {
		sb.WriteString("# Project Instructions\n\n")
		sb.WriteString(env.ProjectDocs)
		sb.WriteString("\n\n")
	}
	if env.Append != "" {
		sb.WriteString(env.Append)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// DiscoverProjectDocs loads instruction files from the git root (or root)
// down to root. AGENTS.md is always recognized; CLAUDE.md only for
// Anthropic models.
func DiscoverProjectDocs(root string, provider string) string {
	top := gitRoot(root)
	if top == "" {
		top = root
	}

	recognized := []string{"AGENTS.md"}
	if provider == "anthropic" {
		recognized = append(recognized, "CLAUDE.md")
	}

	var docs []string
	total := 0
	for _, dir := range collectPathHierarchy(top, root) {
		for _, name := range recognized {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// GetGitContext returns a <git_context> block, or "" outside a repository.
func GetGitContext(dir string) string {
	top := gitRoot(dir)
	if top == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if branch := strings.TrimSpace(runGit(top, "rev-parse", "--abbrev-ref", "HEAD")); branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", branch)
	}
	if status := strings.TrimSpace(runGit(top, "status", "--short")); status != "" {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", len(strings.Split(status, "\n")))
	}
	if log := runGit(top, "log", "--oneline", "-10"); log != "" {
		sb.WriteString("Recent commits:\n")
		sb.WriteString(log)
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	if root == target {
		return dirs
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return []string{target}
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitRoot(dir string) string {
	return strings.TrimSpace(runGit(dir, "rev-parse", "--show-toplevel"))
}

func runGit(dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}
