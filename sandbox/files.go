package sandbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	readMaxLines   = 2000
	readMaxBytes   = 50000
	listMaxEntries = 500
	listMaxBytes   = 30000
	listMaxDepth   = 5
	binarySniffLen = 8000
)

func isBinary(data []byte) bool {
	if len(data) > binarySniffLen {
		data = data[:binarySniffLen]
	}
	return bytes.IndexByte(data, 0) >= 0
}

func (s *Sandbox) readFile(op ReadFile) Outcome {
	abs, rel, err := s.resolve(op.Path)
	if err != nil {
		return deniedOutcome(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fileError("read", rel, err)
	}
	if info.IsDir() {
		return errorOutcome("%s is a directory, use list_directory", rel)
	}
	f, err := os.Open(abs)
	if err != nil {
		return fileError("read", rel, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	if head, _ := r.Peek(binarySniffLen); isBinary(head) {
		return errorOutcome("%s appears to be a binary file (%d bytes)", rel, info.Size())
	} else if len(head) == 0 {
		return okOutcome("(empty file)")
	}

	offset := max(op.Offset, 1)
	limit := op.Limit
	if limit <= 0 || limit > readMaxLines {
		limit = readMaxLines
	}
	budget := s.outputBudget(readMaxBytes)

	var sb strings.Builder
	var note string
	total, last := 0, offset-1
	full := false
	for {
		n := total + 1
		want := !full && n >= offset && n < offset+limit
		keep := 0
		if want {
			keep = budget + 1
		}
		line, size, more, err := readLine(r, keep)
		if err != nil {
			return fileError("read", rel, err)
		}
		if !more {
			break
		}
		total = n
		if !want {
			continue
		}
		prefix := strconv.Itoa(n) + " | "
		switch {
		case sb.Len()+len(prefix)+len(line)+1 <= budget:
			sb.WriteString(prefix)
			sb.Write(line)
			sb.WriteByte('\n')
			last = n
		case sb.Len() == 0:
			// A single line larger than the budget is clipped rather than
			// skipped so the continuation offset always advances.
			shown := runePrefix(string(line), budget-len(prefix)-1)
			sb.WriteString(prefix + shown + "\n")
			note = fmt.Sprintf("... (line %d clipped: showing %d of %d bytes)\n", n, len(shown), size)
			last = n
			full = true
		default:
			full = true
		}
	}

	if offset > total {
		return errorOutcome("offset %d is beyond the end of %s (%d lines)", offset, rel, total)
	}
	truncated := note != "" || last < total
	sb.WriteString(note)
	if last < total {
		fmt.Fprintf(&sb, "... (file has %d lines; use offset=%d to continue)\n", total, last+1)
	}
	out := okOutcome(sb.String())
	out.Truncated = truncated
	return out
}

// readLine consumes one line from r and returns up to keep bytes of it
// without the line terminator, along with the line's full length. more is
// false once r is exhausted.
func readLine(r *bufio.Reader, keep int) (line []byte, size int, more bool, err error) {
	read := 0
	for {
		chunk, err := r.ReadSlice('\n')
		read += len(chunk)
		body := bytes.TrimSuffix(chunk, []byte("\n"))
		if room := keep - len(line); room > 0 {
			line = append(line, body[:min(room, len(body))]...)
		}
		size += len(body)
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return line, size, read > 0, nil
		case err != nil:
			return nil, 0, false, err
		}
		return line, size, true, nil
	}
}

func (s *Sandbox) writeFile(op WriteFile) Outcome {
	abs, rel, err := s.resolve(op.Path)
	if err != nil {
		return deniedOutcome(err)
	}
	if rel == "." {
		return errorOutcome("cannot write to the working root")
	}

	var before string
	mode := fs.FileMode(0o644)
	info, err := os.Stat(abs)
	switch {
	case err == nil && info.IsDir():
		return errorOutcome("%s is a directory", rel)
	case err == nil:
		data, err := os.ReadFile(abs)
		if err != nil {
			return fileError("write", rel, err)
		}
		before = string(data)
		mode = info.Mode().Perm()
	case !errors.Is(err, fs.ErrNotExist):
		return fileError("write", rel, err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fileError("write", rel, err)
	}
	if err := os.WriteFile(abs, []byte(op.Content), mode); err != nil {
		return fileError("write", rel, err)
	}

	diff, stat := unifiedDiff(rel, before, op.Content)
	out := okOutcome(fmt.Sprintf("Wrote %d bytes to %s\n%s", len(op.Content), rel, diff))
	out.Diffstat = stat
	return out
}

func (s *Sandbox) editFile(op EditFile) Outcome {
	abs, rel, err := s.resolve(op.Path)
	if err != nil {
		return deniedOutcome(err)
	}
	if op.OldString == "" {
		return errorOutcome("old_string must not be empty")
	}
	if op.OldString == op.NewString {
		return errorOutcome("old_string and new_string are identical")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fileError("edit", rel, err)
	}
	if info.IsDir() {
		return errorOutcome("%s is a directory", rel)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fileError("edit", rel, err)
	}
	content := string(data)

	var updated string
	fuzzy := false
	switch n := strings.Count(content, op.OldString); {
	case n == 1 || (n > 1 && op.ReplaceAll):
		updated = strings.ReplaceAll(content, op.OldString, op.NewString)
	case n > 1:
		return errorOutcome("old_string appears %d times in %s (must be unique, or set replace_all)", n, rel)
	default:
		replaced, matches := fuzzyReplace(content, op.OldString, op.NewString)
		switch {
		case matches == 0:
			return errorOutcome("old_string not found in %s", rel)
		case matches > 1:
			return errorOutcome("old_string matches %d locations in %s after normalizing whitespace and quotes (must be unique)", matches, rel)
		}
		updated = replaced
		fuzzy = true
	}

	if err := os.WriteFile(abs, []byte(updated), info.Mode().Perm()); err != nil {
		return fileError("edit", rel, err)
	}

	diff, stat := unifiedDiff(rel, content, updated)
	header := "Edited " + rel
	if fuzzy {
		header += " (fuzzy match)"
	}
	out := okOutcome(header + "\n" + diff)
	out.Diffstat = stat
	return out
}

func (s *Sandbox) deleteFile(op DeleteFile) Outcome {
	abs, rel, err := s.resolve(op.Path)
	if err != nil {
		return deniedOutcome(err)
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return fileError("delete", rel, err)
	}
	if info.IsDir() {
		return errorOutcome("%s is a directory; only files can be deleted", rel)
	}
	removed := 0
	if info.Mode().IsRegular() {
		if data, err := os.ReadFile(abs); err == nil && !isBinary(data) {
			removed = countLines(string(data))
		}
	}
	if err := os.Remove(abs); err != nil {
		return fileError("delete", rel, err)
	}
	out := okOutcome("Deleted " + rel)
	out.Diffstat = fmt.Sprintf("+0 -%d", removed)
	return out
}

type listing struct {
	budget  int
	sb      strings.Builder
	shown   int
	total   int
	limited bool
}

func (s *Sandbox) listDirectory(op ListDirectory) Outcome {
	abs, rel, err := s.resolve(op.Path)
	if err != nil {
		return deniedOutcome(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fileError("list", rel, err)
	}
	if !info.IsDir() {
		return errorOutcome("%s is not a directory", rel)
	}
	depth := op.Depth
	if depth <= 0 {
		depth = 1
	}
	depth = min(depth, listMaxDepth)

	l := &listing{budget: s.outputBudget(listMaxBytes)}
	if err := s.listInto(l, abs, rel, 0, depth); err != nil {
		return fileError("list", rel, err)
	}
	if l.total == 0 {
		return okOutcome("(empty directory)")
	}
	if l.limited {
		fmt.Fprintf(&l.sb, "... (%d entries total, showing %d)\n", l.total, l.shown)
	}
	out := okOutcome(l.sb.String())
	out.Truncated = l.limited
	return out
}

func (s *Sandbox) listInto(l *listing, dir, rel string, level, depth int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})
	for _, e := range entries {
		childRel := path.Join(rel, e.Name())
		if _, denied := s.denied(childRel); denied {
			continue
		}
		l.total++
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		line := strings.Repeat("  ", level) + name + "\n"
		if l.shown >= listMaxEntries || l.sb.Len()+len(line) > l.budget {
			l.limited = true
		} else {
			l.sb.WriteString(line)
			l.shown++
		}
		if e.IsDir() && level+1 < depth && !skipDir(e.Name()) {
			if err := s.listInto(l, filepath.Join(dir, e.Name()), childRel, level+1, depth); err != nil && !errors.Is(err, fs.ErrPermission) {
				return err
			}
		}
	}
	return nil
}

// skipDir names directories that are listed but never descended into.
func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", ".hg", ".svn":
		return true
	}
	return false
}

func fileError(verb, rel string, err error) Outcome {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errorOutcome("%s: no such file or directory", rel)
	case errors.Is(err, fs.ErrPermission):
		return errorOutcome("%s: permission denied", rel)
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		err = pathErr.Err
	}
	return errorOutcome("%s %s: %v", verb, rel, err)
}
