package watcher

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"

	"github.com/roach88/convo/internal/agent"
	"github.com/roach88/convo/internal/ir"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestEvaluationPrompt_Supervisor(t *testing.T) {
	rel := ir.WatchRelationship{
		ParentID:    "P",
		WatcherID:   "W",
		Role:        "reviewer",
		Description: "Catch unsafe file operations",
		Authority:   ir.AuthoritySupervisor,
	}
	obs := []agent.Chunk{
		{Kind: agent.ChunkThinking, Text: "check the repo layout"},
		{Kind: agent.ChunkText, Text: "Listing files.\n"},
		{Kind: agent.ChunkToolCall, Tool: "ls", CallID: "call-1"},
		{Kind: agent.ChunkToolResult, Tool: "ls", CallID: "call-1", Text: "main.go\ngo.mod"},
	}

	newGoldie(t).Assert(t, "evaluation_prompt_supervisor", []byte(EvaluationPrompt(rel, obs)))
}

func TestEvaluationPrompt_Peer(t *testing.T) {
	rel := ir.WatchRelationship{ParentID: "P", WatcherID: "W", Role: "tester", Authority: ir.AuthorityPeer}
	obs := []agent.Chunk{{Kind: agent.ChunkText, Text: "All tests pass."}}

	newGoldie(t).Assert(t, "evaluation_prompt_peer", []byte(EvaluationPrompt(rel, obs)))
}

func TestEvaluationPrompt_ToolCallWithoutID(t *testing.T) {
	rel := ir.WatchRelationship{Role: "r"}
	p := EvaluationPrompt(rel, []agent.Chunk{{Kind: agent.ChunkToolCall, Tool: "grep"}})
	assert.Contains(t, p, "[Tool Call]: grep (grep)\n")
	assert.Contains(t, p, "Authority level: Peer - ")
}

func TestObservationBuffer_Breakpoints(t *testing.T) {
	var b ObservationBuffer

	assert.False(t, b.Push(agent.Chunk{Kind: agent.ChunkDone}), "done on an empty buffer")
	assert.True(t, b.Empty())

	assert.False(t, b.Push(agent.Chunk{Kind: agent.ChunkToolResult, Text: "r"}), "first chunk never breaks")
	assert.False(t, b.Push(agent.Chunk{Kind: agent.ChunkText, Text: "a"}))
	assert.True(t, b.Push(agent.Chunk{Kind: agent.ChunkToolResult, Text: "r2"}))
	assert.Equal(t, 3, b.Len())

	got := b.Take()
	assert.Len(t, got, 3)
	assert.True(t, b.Empty())

	b.Push(agent.Chunk{Kind: agent.ChunkText, Text: "x"})
	assert.True(t, b.Push(agent.Chunk{Kind: agent.ChunkDone}))
	assert.Equal(t, 1, b.Len(), "done is not buffered")
}
