package unifiedllm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageConstructors(t *testing.T) {
	assert.Equal(t, RoleSystem, SystemMessage("You are a coding agent.").Role)
	assert.Equal(t, "fix the build", UserMessage("fix the build").TextContent())
	assert.Empty(t, AssistantMessage("").Content)

	res := ToolResultMessage("toolu_01", "exit status 1", true)
	assert.Equal(t, RoleTool, res.Role)
	require.Len(t, res.Content, 1)
	assert.Equal(t, ContentToolResult, res.Content[0].Kind)
	assert.Equal(t, &ToolResultData{ToolCallID: "toolu_01", Content: "exit status 1", IsError: true}, res.Content[0].ToolResult)
}

func TestAssistantTurnAccessors(t *testing.T) {
	resp := Response{Message: Message{Role: RoleAssistant, Content: []ContentPart{
		ThinkingPart("the test expects ", ""),
		ThinkingPart("a trailing newline", "sig_2"),
		TextPart("Reading "),
		ToolCallPart("toolu_01", "read_file", json.RawMessage(`{"path":"fmt.go"}`)),
		TextPart("fmt.go"),
		ToolCallPart("toolu_02", "grep", json.RawMessage(`{"pattern":"Newline"}`)),
	}}}

	assert.Equal(t, "Reading fmt.go", resp.Text())
	assert.Equal(t, "the test expects a trailing newline", resp.Reasoning())
	assert.Equal(t, "sig_2", resp.ReasoningSignature())

	calls := resp.ToolCallsFromResponse()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"read_file", "grep"}, []string{calls[0].Name, calls[1].Name})
	assert.Equal(t, calls, resp.Message.ToolCalls())
}

func TestUsageAdd(t *testing.T) {
	read, write := 5, 10
	cases := []struct {
		name        string
		a, b        Usage
		read, write *int
	}{
		{"both nil", Usage{}, Usage{}, nil, nil},
		{"one side", Usage{CacheReadTokens: &read}, Usage{}, &read, nil},
		{"both set", Usage{CacheReadTokens: &read, CacheWriteTokens: &write}, Usage{CacheReadTokens: &read, CacheWriteTokens: &write}, ptr(10), ptr(20)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sum := tc.a.Add(tc.b)
			assert.Equal(t, tc.read, sum.CacheReadTokens)
			assert.Equal(t, tc.write, sum.CacheWriteTokens)
		})
	}

	sum := Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}.Add(Usage{InputTokens: 5, OutputTokens: 15, TotalTokens: 20})
	assert.Equal(t, Usage{InputTokens: 15, OutputTokens: 35, TotalTokens: 50}, sum)
	assert.Equal(t, 5, read)
}

func ptr(n int) *int { return &n }
