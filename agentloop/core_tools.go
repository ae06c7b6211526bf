package agentloop

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/martinemde/tapir/sandbox"
)

// TaskCompleteTool is the control tool the model calls when it is done.
const TaskCompleteTool = "task_complete"

// Tool names offered to the model.
const (
	ToolReadFile      = "read_file"
	ToolWriteFile     = "write_file"
	ToolEditFile      = "edit_file"
	ToolDeleteFile    = "delete_file"
	ToolListDirectory = "list_directory"
	ToolRunCommand    = "run_command"
	ToolGrep          = "grep"
	ToolGlob          = "glob"
)

const maxCommandTimeoutSeconds = 600

// NewCoreToolRegistry returns a registry holding the full tool set.
func NewCoreToolRegistry() *ToolRegistry {
	reg := NewToolRegistry()
	if err := RegisterCoreTools(reg); err != nil {
		// The core schemas are static; failing to resolve them is a programming error.
		panic(err)
	}
	return reg
}

// RegisterCoreTools registers the core tools on reg.
func RegisterCoreTools(reg *ToolRegistry) error {
	for _, tool := range []RegisteredTool{
		readFileTool(),
		writeFileTool(),
		editFileTool(),
		deleteFileTool(),
		listDirectoryTool(),
		runCommandTool(),
		grepTool(),
		globTool(),
		taskCompleteTool(),
	} {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

func stringProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func nonEmptyStringProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc, MinLength: jsonschema.Ptr(1)}
}

func intProp(desc string, minimum, maximum float64) *jsonschema.Schema {
	s := &jsonschema.Schema{Type: "integer", Description: desc, Minimum: jsonschema.Ptr(minimum)}
	if maximum > 0 {
		s.Maximum = jsonschema.Ptr(maximum)
	}
	return s
}

func boolProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "boolean", Description: desc}
}

// decode unmarshals already validated arguments into dst.
func decode[T any](arguments json.RawMessage) (T, error) {
	var dst T
	if err := json.Unmarshal(arguments, &dst); err != nil {
		return dst, fmt.Errorf("decoding arguments: %w", err)
	}
	return dst, nil
}

func readFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolReadFile,
			Description: "Read a text file relative to the working directory. Returns line-numbered content.",
			Schema: objectSchema([]string{"path"}, map[string]*jsonschema.Schema{
				"path":   nonEmptyStringProp("Path of the file to read, relative to the working directory."),
				"offset": intProp("1-based line number to start reading from.", 1, 0),
				"limit":  intProp("Maximum number of lines to read. Default: 2000.", 1, 0),
			}),
		},
		Kind: ToolKindSandbox,
		Build: func(arguments json.RawMessage) (sandbox.Operation, error) {
			args, err := decode[struct {
				Path   string `json:"path"`
				Offset int    `json:"offset"`
				Limit  int    `json:"limit"`
			}](arguments)
			if err != nil {
				return nil, err
			}
			return sandbox.ReadFile{Path: args.Path, Offset: args.Offset, Limit: args.Limit}, nil
		},
	}
}

func writeFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolWriteFile,
			Description: "Write content to a file, replacing it if it exists. Creates parent directories as needed. Returns a diff.",
			Schema: objectSchema([]string{"path", "content"}, map[string]*jsonschema.Schema{
				"path":    nonEmptyStringProp("Path of the file to write, relative to the working directory."),
				"content": stringProp("The full file content to write."),
			}),
		},
		Kind:    ToolKindSandbox,
		Mutates: true,
		Build: func(arguments json.RawMessage) (sandbox.Operation, error) {
			args, err := decode[struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}](arguments)
			if err != nil {
				return nil, err
			}
			return sandbox.WriteFile{Path: args.Path, Content: args.Content}, nil
		},
	}
}

func editFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name: ToolEditFile,
			Description: "Replace a string in a file. old_string must match exactly one location unless replace_all is true. " +
				"Whitespace and quote differences are tolerated when the match is unambiguous. Returns a diff.",
			Schema: objectSchema([]string{"path", "old_string", "new_string"}, map[string]*jsonschema.Schema{
				"path":        nonEmptyStringProp("Path of the file to edit, relative to the working directory."),
				"old_string":  nonEmptyStringProp("Text to find in the file."),
				"new_string":  stringProp("Replacement text."),
				"replace_all": boolProp("Replace every occurrence instead of requiring a unique match."),
			}),
		},
		Kind:    ToolKindSandbox,
		Mutates: true,
		Build: func(arguments json.RawMessage) (sandbox.Operation, error) {
			args, err := decode[struct {
				Path       string `json:"path"`
				OldString  string `json:"old_string"`
				NewString  string `json:"new_string"`
				ReplaceAll bool   `json:"replace_all"`
			}](arguments)
			if err != nil {
				return nil, err
			}
			return sandbox.EditFile{
				Path:       args.Path,
				OldString:  args.OldString,
				NewString:  args.NewString,
				ReplaceAll: args.ReplaceAll,
			}, nil
		},
	}
}

func deleteFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolDeleteFile,
			Description: "Delete a file. Directories are not removed.",
			Schema: objectSchema([]string{"path"}, map[string]*jsonschema.Schema{
				"path": nonEmptyStringProp("Path of the file to delete, relative to the working directory."),
			}),
		},
		Kind:    ToolKindSandbox,
		Mutates: true,
		Build: func(arguments json.RawMessage) (sandbox.Operation, error) {
			args, err := decode[struct {
				Path string `json:"path"`
			}](arguments)
			if err != nil {
				return nil, err
			}
			return sandbox.DeleteFile{Path: args.Path}, nil
		},
	}
}

func listDirectoryTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolListDirectory,
			Description: "List a directory. Directories are shown with a trailing slash.",
			Schema: objectSchema(nil, map[string]*jsonschema.Schema{
				"path":  stringProp("Directory to list, relative to the working directory. Default: the working directory."),
				"depth": intProp("How many levels to descend. Default: 1.", 1, 5),
			}),
		},
		Kind: ToolKindSandbox,
		Build: func(arguments json.RawMessage) (sandbox.Operation, error) {
			args, err := decode[struct {
				Path  string `json:"path"`
				Depth int    `json:"depth"`
			}](arguments)
			if err != nil {
				return nil, err
			}
			return sandbox.ListDirectory{Path: args.Path, Depth: args.Depth}, nil
		},
	}
}

func runCommandTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolRunCommand,
			Description: "Run a shell command in the working directory. Returns combined stdout and stderr and the exit code on failure.",
			Schema: objectSchema([]string{"command"}, map[string]*jsonschema.Schema{
				"command":         nonEmptyStringProp("The command to run with bash -c."),
				"timeout_seconds": intProp("Timeout in seconds. Default: 120.", 1, maxCommandTimeoutSeconds),
			}),
		},
		Kind:    ToolKindSandbox,
		Mutates: true,
		Build: func(arguments json.RawMessage) (sandbox.Operation, error) {
			args, err := decode[struct {
				Command        string `json:"command"`
				TimeoutSeconds int    `json:"timeout_seconds"`
			}](arguments)
			if err != nil {
				return nil, err
			}
			return sandbox.ExecuteCommand{
				Command: args.Command,
				Timeout: time.Duration(args.TimeoutSeconds) * time.Second,
			}, nil
		},
	}
}

func grepTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolGrep,
			Description: "Search file contents with a regular expression. Returns matching lines with file paths and line numbers.",
			Schema: objectSchema([]string{"pattern"}, map[string]*jsonschema.Schema{
				"pattern":     nonEmptyStringProp("Regular expression (RE2 syntax)."),
				"path":        stringProp("File or directory to search. Default: the working directory."),
				"include":     stringProp("Glob filter for file names, e.g. \"*.go\"."),
				"ignore_case": boolProp("Match case-insensitively."),
				"max_results": intProp("Maximum matches to return. Default: 100.", 1, 1000),
			}),
		},
		Kind: ToolKindSandbox,
		Build: func(arguments json.RawMessage) (sandbox.Operation, error) {
			args, err := decode[struct {
				Pattern    string `json:"pattern"`
				Path       string `json:"path"`
				Include    string `json:"include"`
				IgnoreCase bool   `json:"ignore_case"`
				MaxResults int    `json:"max_results"`
			}](arguments)
			if err != nil {
				return nil, err
			}
			return sandbox.Search{
				Pattern:    args.Pattern,
				Path:       args.Path,
				Include:    args.Include,
				IgnoreCase: args.IgnoreCase,
				MaxResults: args.MaxResults,
			}, nil
		},
	}
}

func globTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolGlob,
			Description: "Find files matching a glob pattern such as \"**/*.go\". Returns paths sorted by modification time (newest first).",
			Schema: objectSchema([]string{"pattern"}, map[string]*jsonschema.Schema{
				"pattern": nonEmptyStringProp("Glob pattern relative to path."),
				"path":    stringProp("Directory to search from. Default: the working directory."),
			}),
		},
		Kind: ToolKindSandbox,
		Build: func(arguments json.RawMessage) (sandbox.Operation, error) {
			args, err := decode[struct {
				Pattern string `json:"pattern"`
				Path    string `json:"path"`
			}](arguments)
			if err != nil {
				return nil, err
			}
			return sandbox.Glob{Pattern: args.Pattern, Path: args.Path}, nil
		},
	}
}

func taskCompleteTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        TaskCompleteTool,
			Description: "Call when the task is finished. Give a short summary of what was done.",
			Schema: objectSchema([]string{"summary"}, map[string]*jsonschema.Schema{
				"summary": stringProp("What was accomplished."),
			}),
		},
		Kind: ToolKindControl,
	}
}

// completionSummary extracts the summary argument of a task_complete call.
func completionSummary(arguments json.RawMessage) string {
	var args struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return ""
	}
	return args.Summary
}
