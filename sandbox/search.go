package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	searchDefaultResults = 100
	searchMaxResults     = 1000
	searchLineMaxChars   = 500
	searchMaxFileBytes   = 10 << 20
	globMaxResults       = 500
)

var errSearchDone = errors.New("search limit reached")

func (s *Sandbox) search(ctx context.Context, op Search) Outcome {
	if op.Pattern == "" {
		return errorOutcome("pattern must not be empty")
	}
	expr := op.Pattern
	if op.IgnoreCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return errorOutcome("invalid pattern: %v", err)
	}
	if op.Include != "" && !doublestar.ValidatePattern(op.Include) {
		return errorOutcome("invalid include pattern %q", op.Include)
	}
	abs, rel, err := s.resolve(op.Path)
	if err != nil {
		return deniedOutcome(err)
	}
	limit := op.MaxResults
	if limit <= 0 {
		limit = searchDefaultResults
	}
	limit = min(limit, searchMaxResults)

	var sb strings.Builder
	budget := s.outputBudget(s.policy.MaxOutputBytes)
	matches := 0
	limited := false
	var limitNote string

	searchFile := func(file, fileRel string) error {
		if op.Include != "" && !includeMatches(op.Include, fileRel) {
			return nil
		}
		info, err := os.Stat(file)
		if err != nil || !info.Mode().IsRegular() || info.Size() > searchMaxFileBytes {
			return nil
		}
		data, err := os.ReadFile(file)
		if err != nil || isBinary(data) {
			return nil
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), searchMaxFileBytes)
		for n := 1; sc.Scan(); n++ {
			line := sc.Text()
			if !re.MatchString(line) {
				continue
			}
			if matches >= limit {
				limited = true
				limitNote = fmt.Sprintf("... (results limited to %d matches)\n", limit)
				return errSearchDone
			}
			if len(line) > searchLineMaxChars {
				line = runePrefix(line, searchLineMaxChars) + "..."
			}
			entry := fmt.Sprintf("%s:%d: %s\n", fileRel, n, line)
			if sb.Len()+len(entry) > budget {
				limited = true
				limitNote = fmt.Sprintf("... (output limit reached after %d matches)\n", matches)
				return errSearchDone
			}
			sb.WriteString(entry)
			matches++
		}
		return nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fileError("search", rel, err)
	}
	if !info.IsDir() {
		err = searchFile(abs, rel)
	} else {
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if walkErr != nil {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			pRel := s.relSlash(p)
			if p != abs {
				if _, denied := s.denied(pRel); denied {
					if d.IsDir() {
						return fs.SkipDir
					}
					return nil
				}
			}
			if d.IsDir() {
				if p != abs && skipDir(d.Name()) {
					return fs.SkipDir
				}
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			return searchFile(p, pRel)
		})
	}
	switch {
	case errors.Is(err, errSearchDone):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errorOutcome("search cancelled")
	case err != nil:
		return fileError("search", rel, err)
	}

	if matches == 0 && !limited {
		return okOutcome("No matches found.")
	}
	sb.WriteString(limitNote)
	out := okOutcome(sb.String())
	out.Truncated = limited
	return out
}

// includeMatches tests include against both the base name and the
// root-relative path so "*.go" and "internal/**/*.go" both work.
func includeMatches(include, rel string) bool {
	if ok, _ := doublestar.Match(include, path.Base(rel)); ok {
		return true
	}
	ok, _ := doublestar.Match(include, rel)
	return ok
}

func (s *Sandbox) glob(ctx context.Context, op Glob) Outcome {
	if op.Pattern == "" {
		return errorOutcome("pattern must not be empty")
	}
	pattern := filepath.ToSlash(op.Pattern)
	if strings.HasPrefix(pattern, "/") || !doublestar.ValidatePattern(pattern) {
		return errorOutcome("invalid glob pattern %q", op.Pattern)
	}
	abs, rel, err := s.resolve(op.Path)
	if err != nil {
		return deniedOutcome(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fileError("glob", rel, err)
	}
	if !info.IsDir() {
		return errorOutcome("%s is not a directory", rel)
	}

	type hit struct {
		rel   string
		mtime int64
	}
	var hits []hit
	err = doublestar.GlobWalk(os.DirFS(abs), pattern, func(p string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		full := path.Join(rel, p)
		if _, denied := s.denied(full); denied {
			return nil
		}
		var mtime int64
		if info, err := d.Info(); err == nil {
			mtime = info.ModTime().UnixNano()
		}
		hits = append(hits, hit{rel: full, mtime: mtime})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return errorOutcome("glob cancelled")
		}
		return fileError("glob", rel, err)
	}
	if len(hits) == 0 {
		return okOutcome("No files found matching pattern.")
	}

	// Most recently modified first.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].mtime != hits[j].mtime {
			return hits[i].mtime > hits[j].mtime
		}
		return hits[i].rel < hits[j].rel
	})
	var sb strings.Builder
	budget := s.outputBudget(s.policy.MaxOutputBytes)
	shown := 0
	for _, h := range hits[:min(len(hits), globMaxResults)] {
		if sb.Len()+len(h.rel)+1 > budget {
			break
		}
		sb.WriteString(h.rel)
		sb.WriteByte('\n')
		shown++
	}
	out := okOutcome(sb.String())
	if shown < len(hits) {
		fmt.Fprintf(&sb, "... (%d files total, showing %d)\n", len(hits), shown)
		out.Output = sb.String()
		out.Truncated = true
	}
	return out
}
