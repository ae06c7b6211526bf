package agentloop

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/tapir/unifiedllm"
)

// TranscriptWriter persists turns as they are appended.
type TranscriptWriter interface {
	WriteTurn(turn Turn) error
	Close() error
}

// Record is one line of a JSONL transcript.
type Record struct {
	Index       int                      `json:"index"`
	Kind        TurnKind                 `json:"kind"`
	Role        unifiedllm.Role          `json:"role"`
	Content     string                   `json:"content,omitempty"`
	Reasoning   string                   `json:"reasoning,omitempty"`
	ToolCalls   []unifiedllm.ToolCall    `json:"tool_calls,omitempty"`
	ToolResults []ToolResult             `json:"tool_results,omitempty"`
	Usage       *unifiedllm.Usage        `json:"usage,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
	Pinned      bool                     `json:"pinned,omitempty"`
	Signature   string                   `json:"reasoning_signature,omitempty"`
	Finish      *unifiedllm.FinishReason `json:"finish_reason,omitempty"`
	Model       string                   `json:"model,omitempty"`
	ResponseID  string                   `json:"response_id,omitempty"`
	Outbound    *Outbound                `json:"outbound,omitempty"`
	StartedAt   *time.Time               `json:"started_at,omitempty"`
	EndedAt     *time.Time               `json:"ended_at,omitempty"`
	Dropped     int                      `json:"dropped_turns,omitempty"`
}

// NewRecord converts a turn into its transcript record.
func NewRecord(t Turn) Record {
	r := Record{Index: t.Index, Kind: t.Kind, Timestamp: t.Timestamp, Pinned: t.Pinned}
	switch t.Kind {
	case TurnUser, TurnSteering:
		r.Role = unifiedllm.RoleUser
		r.Content = t.TextContent()
	case TurnSummary:
		r.Role = unifiedllm.RoleUser
		r.Content = t.TextContent()
		if t.Summary != nil {
			r.Dropped = t.Summary.DroppedTurns
		}
	case TurnAssistant:
		r.Role = unifiedllm.RoleAssistant
		if a := t.Assistant; a != nil {
			r.Content = a.Content
			r.Reasoning = a.Reasoning
			r.Signature = a.ReasoningSignature
			r.ToolCalls = a.ToolCalls
			usage := a.Usage
			r.Usage = &usage
			finish := a.FinishReason
			r.Finish = &finish
			r.Model = a.Model
			r.ResponseID = a.ResponseID
			outbound := a.Outbound
			r.Outbound = &outbound
			started, ended := a.StartedAt, a.EndedAt
			r.StartedAt, r.EndedAt = &started, &ended
		}
	case TurnToolResults:
		r.Role = unifiedllm.RoleTool
		if t.ToolResults != nil {
			r.ToolResults = t.ToolResults.Results
		}
	}
	return r
}

// Turn converts a record back into the turn it was written from.
func (r Record) Turn() (Turn, error) {
	t := Turn{Kind: r.Kind, Index: r.Index, Timestamp: r.Timestamp, Pinned: r.Pinned}
	switch r.Kind {
	case TurnUser:
		t.User = &UserTurn{Content: r.Content}
	case TurnSteering:
		t.Steering = &SteeringTurn{Content: r.Content}
	case TurnSummary:
		t.Summary = &SummaryTurn{Content: r.Content, DroppedTurns: r.Dropped}
	case TurnAssistant:
		a := &AssistantTurn{
			Content:            r.Content,
			Reasoning:          r.Reasoning,
			ReasoningSignature: r.Signature,
			ToolCalls:          r.ToolCalls,
			Model:              r.Model,
			ResponseID:         r.ResponseID,
		}
		if r.Usage != nil {
			a.Usage = *r.Usage
		}
		if r.Finish != nil {
			a.FinishReason = *r.Finish
		}
		if r.Outbound != nil {
			a.Outbound = *r.Outbound
		}
		if r.StartedAt != nil {
			a.StartedAt = *r.StartedAt
		}
		if r.EndedAt != nil {
			a.EndedAt = *r.EndedAt
		}
		t.Assistant = a
	case TurnToolResults:
		t.ToolResults = &ToolResultsTurn{Results: r.ToolResults}
	default:
		return Turn{}, fmt.Errorf("unknown turn kind %q", r.Kind)
	}
	return t, nil
}

// JSONLTranscript appends one JSON record per turn to a file.
type JSONLTranscript struct {
	mu   sync.Mutex
	path string
	f    *os.File
	enc  *json.Encoder
}

// OpenTranscript opens path for appending, creating it and its directory. An
// unterminated final line left by an interrupted write is dropped first so
// new records start on a line of their own.
func OpenTranscript(path string) (*JSONLTranscript, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating transcript directory: %w", err)
	}
	if err := trimTornTail(path); err != nil {
		return nil, fmt.Errorf("repairing transcript: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &JSONLTranscript{path: path, f: f, enc: enc}, nil
}

// trimTornTail truncates path after its last newline.
func trimTornTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	size := info.Size()
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		n := min(int64(len(buf)), end)
		if _, err := f.ReadAt(buf[:n], end-n); err != nil {
			return err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			if keep := end - n + int64(i) + 1; keep < size {
				return f.Truncate(keep)
			}
			return nil
		}
		end -= n
	}
	if size > 0 {
		return f.Truncate(0)
	}
	return nil
}

// Path returns the transcript file path.
func (t *JSONLTranscript) Path() string {
	return t.path
}

// WriteTurn appends turn as one line.
func (t *JSONLTranscript) WriteTurn(turn Turn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return os.ErrClosed
	}
	if err := t.enc.Encode(NewRecord(turn)); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Safe to call multiple times.
func (t *JSONLTranscript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

const maxRecordBytes = 64 << 20

// LoadTranscript reads the turns stored at path. A malformed final line,
// left by an interrupted write, is ignored.
func LoadTranscript(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()
	return ReadTranscript(f)
}

// ReadTranscript decodes JSONL records from r.
func ReadTranscript(r io.Reader) ([]Turn, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	var turns []Turn
	var pending error
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if pending != nil {
			return nil, pending
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			pending = fmt.Errorf("transcript line %d: %w", line, err)
			continue
		}
		turn, err := rec.Turn()
		if err != nil {
			return nil, fmt.Errorf("transcript line %d: %w", line, err)
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return turns, nil
}

// DefaultTranscriptPath returns ~/.tapir/sessions/<slug-of-root>/<id>.jsonl
// under home.
func DefaultTranscriptPath(home, root, sessionID string) string {
	return filepath.Join(home, ".tapir", "sessions", slugify(root), sessionID+".jsonl")
}

// FindTranscript resolves a --resume reference: either a path to a JSONL
// file or a session id stored under the default location for root.
func FindTranscript(home, root, ref string) (path, sessionID string, err error) {
	if ref == "" {
		return "", "", errors.New("empty transcript reference")
	}
	if strings.HasSuffix(ref, ".jsonl") || strings.ContainsRune(ref, filepath.Separator) {
		path = ref
		sessionID = strings.TrimSuffix(filepath.Base(ref), ".jsonl")
	} else {
		path = DefaultTranscriptPath(home, root, ref)
		sessionID = ref
	}
	if _, err := os.Stat(path); err != nil {
		return "", "", fmt.Errorf("transcript %s: %w", ref, err)
	}
	return path, sessionID, nil
}

func slugify(root string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(filepath.ToSlash(root)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "root"
	}
	return slug
}
