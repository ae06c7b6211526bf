package agentloop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/tapir/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTurns() []Turn {
	c := toolCall("c1", ToolRunCommand, `{"command":"go test ./..."}`)
	resp := toolResponse(c)
	resp.Message.Content = append([]unifiedllm.ContentPart{
		unifiedllm.ThinkingPart("run the tests first", "sig-1"),
		unifiedllm.TextPart("Running tests."),
	}, resp.Message.Content...)

	turns := []Turn{
		NewGoalTurn("fix the failing test"),
		NewAssistantTurn(1, resp, Outbound{Messages: 2, EstimatedTokens: 1200}, time.Now()),
		resultsFor(1, "error", c),
		NewSteeringTurn("look at the fixture"),
		NewSummaryTurn("<history_summary>\nnothing\n</history_summary>", 3),
	}
	turns[3].Index = 1
	return turns
}

func TestTranscriptRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "s1.jsonl")
	w, err := OpenTranscript(path)
	require.NoError(t, err)
	turns := sampleTurns()
	for _, turn := range turns {
		require.NoError(t, w.WriteTurn(turn))
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteTurn(turns[0]), os.ErrClosed)

	loaded, err := LoadTranscript(path)
	require.NoError(t, err)
	require.Len(t, loaded, len(turns))
	for i := range turns {
		assert.Equal(t, turns[i].Kind, loaded[i].Kind)
		assert.Equal(t, turns[i].Index, loaded[i].Index)
		assert.Equal(t, turns[i].Pinned, loaded[i].Pinned)
		assert.Equal(t, turns[i].Messages(), loaded[i].Messages(), "turn %d", i)
	}
	a := loaded[1].Assistant
	assert.Equal(t, "sig-1", a.ReasoningSignature)
	assert.Equal(t, 1200, a.Outbound.EstimatedTokens)
	assert.Equal(t, 100, a.Usage.InputTokens)
	assert.Equal(t, 3, loaded[4].Summary.DroppedTurns)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestTranscriptRecordFields(t *testing.T) {
	rec := NewRecord(sampleTurns()[1])
	assert.Equal(t, unifiedllm.RoleAssistant, rec.Role)
	assert.Equal(t, "Running tests.", rec.Content)
	assert.Equal(t, "run the tests first", rec.Reasoning)
	require.Len(t, rec.ToolCalls, 1)
	require.NotNil(t, rec.Usage)
}

func TestReadTranscriptToleratesTornFinalLine(t *testing.T) {
	var b strings.Builder
	w, err := OpenTranscript(filepath.Join(t.TempDir(), "t.jsonl"))
	require.NoError(t, err)
	require.NoError(t, w.WriteTurn(NewGoalTurn("goal")))
	require.NoError(t, w.Close())
	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	b.Write(data)
	b.WriteString(`{"index":1,"kind":"assis`)

	turns, err := ReadTranscript(strings.NewReader(b.String()))
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "goal", turns[0].TextContent())

	_, err = ReadTranscript(strings.NewReader(`{"kind":"user"` + "\n" + string(data)))
	assert.Error(t, err, "a malformed line in the middle is corruption")

	_, err = ReadTranscript(strings.NewReader(`{"kind":"telepathy"}` + "\n"))
	assert.Error(t, err)
}

func TestOpenTranscriptDropsTornTailBeforeAppending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	turns := sampleTurns()
	w, err := OpenTranscript(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteTurn(turns[0]))
	require.NoError(t, w.WriteTurn(turns[1]))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"index":2,"kind":"tool_res`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = OpenTranscript(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteTurn(turns[2]))
	require.NoError(t, w.WriteTurn(turns[3]))
	require.NoError(t, w.Close())

	loaded, err := LoadTranscript(path)
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	assert.Equal(t, TurnToolResults, loaded[2].Kind)
	assert.Equal(t, TurnSteering, loaded[3].Kind)
}

func TestOpenTranscriptUnterminatedOnlyLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"index":0`), 0o600))

	w, err := OpenTranscript(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteTurn(NewGoalTurn("again")))
	require.NoError(t, w.Close())

	loaded, err := LoadTranscript(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, TurnUser, loaded[0].Kind)
}

func TestFindTranscript(t *testing.T) {
	home := t.TempDir()
	root := "/work/My Project"
	path := DefaultTranscriptPath(home, root, "abc")
	assert.Equal(t, filepath.Join(home, ".tapir", "sessions", "work-my-project", "abc.jsonl"), path)

	_, _, err := FindTranscript(home, root, "abc")
	assert.Error(t, err, "missing file")

	w, err := OpenTranscript(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, id, err := FindTranscript(home, root, "abc")
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, "abc", id)

	got, id, err = FindTranscript(home, "/elsewhere", path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, "abc", id)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "root", slugify("/"))
	assert.Equal(t, "home-dev-src-app", slugify("/home/dev/src/app/"))
}
