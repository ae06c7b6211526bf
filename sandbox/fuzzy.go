package sandbox

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// normalized is text with typographic quotes and dashes folded to ASCII and
// whitespace runs collapsed to one space. starts and ends map each byte of s
// back to the byte range of the original rune that produced it.
type normalized struct {
	s      string
	starts []int
	ends   []int
}

func normalizeForMatch(text string) normalized {
	var b strings.Builder
	b.Grow(len(text))
	starts := make([]int, 0, len(text))
	ends := make([]int, 0, len(text))
	prevSpace := false

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch r {
		case '‘', '’':
			r = '\''
		case '“', '”':
			r = '"'
		case '–', '—':
			r = '-'
		}
		if unicode.IsSpace(r) {
			if !prevSpace && b.Len() > 0 {
				b.WriteByte(' ')
				starts = append(starts, i)
				ends = append(ends, i+size)
			}
			prevSpace = true
		} else {
			n := b.Len()
			b.WriteRune(r)
			for k := n; k < b.Len(); k++ {
				starts = append(starts, i)
				ends = append(ends, i+size)
			}
			prevSpace = false
		}
		i += size
	}

	s := b.String()
	if strings.HasSuffix(s, " ") {
		s = s[:len(s)-1]
		starts = starts[:len(starts)-1]
		ends = ends[:len(ends)-1]
	}
	return normalized{s: s, starts: starts, ends: ends}
}

// fuzzyReplace replaces the single normalized occurrence of old in content
// with replacement. It returns the number of normalized matches; the content
// is only rewritten when that number is exactly one.
func fuzzyReplace(content, old, replacement string) (string, int) {
	nc := normalizeForMatch(content)
	no := normalizeForMatch(old)
	if no.s == "" {
		return "", 0
	}
	count := strings.Count(nc.s, no.s)
	if count != 1 {
		return "", count
	}
	idx := strings.Index(nc.s, no.s)
	start := nc.starts[idx]
	end := nc.ends[idx+len(no.s)-1]
	return content[:start] + replacement + content[end:], 1
}
