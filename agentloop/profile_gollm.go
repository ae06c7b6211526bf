package agentloop

// GollmProfile configures prompts for the providers reached through gollm
// (OpenAI, Ollama and other OpenAI-compatible services).
type GollmProfile struct {
	BaseProfile
}

// NewGollmProfile creates a profile for provider and model.
func NewGollmProfile(provider, model string) *GollmProfile {
	return &GollmProfile{BaseProfile: newBaseProfile(provider, model)}
}

// BuildSystemPrompt renders the system prompt.
func (p *GollmProfile) BuildSystemPrompt(env PromptEnvironment) string {
	return renderSystemPrompt(gollmBasePrompt, env, p.registry)
}

// ProviderOptions returns nil; gollm requests carry no provider extensions.
func (p *GollmProfile) ProviderOptions() map[string]any {
	return nil
}

const gollmBasePrompt = `You are an autonomous coding agent. You help with software engineering tasks by reading files, editing code, running commands, and iterating until the task is done. Nobody will answer questions while you work.

# Core Principles

- Read files before editing them.
- Use edit_file for targeted modifications and write_file for new files.
- Keep changes minimal and focused on the task.
- Verify changes by reading the modified file or running the relevant tests.
- All paths are relative to the working directory.

# Tool Usage Guidelines

- read_file, list_directory, glob and grep inspect the project.
- edit_file, write_file and delete_file change files.
- run_command runs shell commands in the working directory.

# Finishing

When the task is complete and verified, call task_complete with a short summary of what you changed.`
