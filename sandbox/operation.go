package sandbox

import "time"

// Operation is a request to the Sandbox. The set of operations is closed.
type Operation interface {
	// Name identifies the operation kind.
	Name() string
	// Mutates reports whether the operation may change the filesystem or
	// spawn a process.
	Mutates() bool

	operation()
}

// ReadFile returns numbered lines of a file. Offset is 1-based; zero values
// read from the start with the default line limit.
type ReadFile struct {
	Path   string
	Offset int
	Limit  int
}

// WriteFile creates or overwrites a file and reports a diff.
type WriteFile struct {
	Path    string
	Content string
}

// EditFile replaces OldString with NewString. OldString must match exactly
// once unless ReplaceAll is set; a whitespace and punctuation insensitive
// match is tried when no exact match exists.
type EditFile struct {
	Path       string
	OldString  string
	NewString  string
	ReplaceAll bool
}

// DeleteFile removes a single file.
type DeleteFile struct {
	Path string
}

// ListDirectory lists entries up to Depth levels deep.
type ListDirectory struct {
	Path  string
	Depth int
}

// ExecuteCommand runs Command with /bin/bash -c in the working root.
type ExecuteCommand struct {
	Command string
	Timeout time.Duration
}

// Search greps file contents for a regular expression.
type Search struct {
	Pattern    string
	Path       string
	Include    string
	IgnoreCase bool
	MaxResults int
}

// Glob finds files matching a doublestar pattern.
type Glob struct {
	Pattern string
	Path    string
}

func (ReadFile) Name() string       { return "read_file" }
func (WriteFile) Name() string      { return "write_file" }
func (EditFile) Name() string       { return "edit_file" }
func (DeleteFile) Name() string     { return "delete_file" }
func (ListDirectory) Name() string  { return "list_directory" }
func (ExecuteCommand) Name() string { return "execute_command" }
func (Search) Name() string         { return "search" }
func (Glob) Name() string           { return "glob" }

func (ReadFile) Mutates() bool       { return false }
func (WriteFile) Mutates() bool      { return true }
func (EditFile) Mutates() bool       { return true }
func (DeleteFile) Mutates() bool     { return true }
func (ListDirectory) Mutates() bool  { return false }
func (ExecuteCommand) Mutates() bool { return true }
func (Search) Mutates() bool         { return false }
func (Glob) Mutates() bool           { return false }

func (ReadFile) operation()       {}
func (WriteFile) operation()      {}
func (EditFile) operation()       {}
func (DeleteFile) operation()     {}
func (ListDirectory) operation()  {}
func (ExecuteCommand) operation() {}
func (Search) operation()         {}
func (Glob) operation()           {}
