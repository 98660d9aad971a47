package watcher

import (
	"strings"

	"github.com/roach88/convo/internal/agent"
	"github.com/roach88/convo/internal/ir"
)

const responseFormat = `Based on these observations, evaluate whether you need to interject.

RESPONSE FORMAT (required):
If you need to inject a message to the parent session, respond with:
[INTERJECT]
urgent: true
content: Your message here
[/INTERJECT]

Set 'urgent: true' to interrupt the parent mid-stream (for critical issues).
Set 'urgent: false' to wait until the parent's current turn completes.

If no interjection is needed, respond with:
[CONTINUE]
Your reasoning here (optional)
[/CONTINUE]

Important: Use EXACT markers [INTERJECT], [/INTERJECT], [CONTINUE], [/CONTINUE].
Field names must be lowercase: 'urgent:' and 'content:'.
`

// EvaluationPrompt builds the prompt for an observation-triggered watcher
// turn: the watcher's role and authority, the observed parent output, and
// the response protocol ParseInterjection accepts.
func EvaluationPrompt(rel ir.WatchRelationship, observations []agent.Chunk) string {
	var b strings.Builder

	b.WriteString("You are a watcher session with role: ")
	b.WriteString(rel.Role)
	b.WriteString("\n")
	if rel.Description != "" {
		b.WriteString("Role description: ")
		b.WriteString(rel.Description)
		b.WriteString("\n")
	}
	b.WriteString("Authority level: ")
	b.WriteString(authorityFraming(rel.Authority))
	b.WriteString("\n\n")

	b.WriteString("=== PARENT SESSION OBSERVATIONS ===\n\n")
	for _, c := range observations {
		writeObservation(&b, c)
	}
	b.WriteString("\n=== END OBSERVATIONS ===\n\n")

	b.WriteString(responseFormat)
	return b.String()
}

func authorityFraming(a ir.Authority) string {
	if a == ir.AuthoritySupervisor {
		return "Supervisor - As a Supervisor, your interjections carry authority and should be followed by the parent session."
	}
	return "Peer - As a Peer, your interjections are suggestions that the parent session may consider."
}

func writeObservation(b *strings.Builder, c agent.Chunk) {
	switch c.Kind {
	case agent.ChunkText:
		b.WriteString(c.Text)
	case agent.ChunkThinking:
		b.WriteString("[Thinking]: ")
		b.WriteString(c.Text)
		b.WriteString("\n")
	case agent.ChunkToolCall:
		b.WriteString("[Tool Call]: ")
		b.WriteString(c.Tool)
		b.WriteString(" (")
		b.WriteString(callRef(c))
		b.WriteString(")\n")
	case agent.ChunkToolResult:
		b.WriteString("[Tool Result]: ")
		b.WriteString(callRef(c))
		b.WriteString("\n")
		b.WriteString(c.Text)
		b.WriteString("\n")
	}
}

// callRef identifies a tool call, falling back to the tool name when the
// agent did not supply a call id.
func callRef(c agent.Chunk) string {
	if c.CallID != "" {
		return c.CallID
	}
	return c.Tool
}
