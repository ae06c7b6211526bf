// Command tapir runs an autonomous coding agent against a working directory
// until it completes its goal or exhausts a budget.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if msg := errorMessage(err); msg != "" {
		fmt.Fprintln(stderr, color.New(color.FgRed).Sprint("Error: ")+msg)
	}
	return code
}
