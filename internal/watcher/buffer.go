package watcher

import (
	"time"

	"github.com/roach88/convo/internal/agent"
)

// DefaultSilenceTimeout is how long a non-empty buffer may sit without new
// observations before it is evaluated anyway.
const DefaultSilenceTimeout = 5 * time.Second

// ObservationBuffer accumulates the parent's output between evaluations.
// Not safe for concurrent use; each watcher loop owns its buffer.
type ObservationBuffer struct {
	chunks []agent.Chunk
}

// Push records c and reports whether the buffer reached a natural
// breakpoint: a completed turn or a tool result arriving after earlier
// observations. Done chunks mark the breakpoint but are not kept.
func (b *ObservationBuffer) Push(c agent.Chunk) bool {
	hadContent := len(b.chunks) > 0
	if c.Kind != agent.ChunkDone {
		b.chunks = append(b.chunks, c)
	}
	return hadContent && IsBreakpoint(c)
}

// IsBreakpoint reports whether c ends a unit of parent work.
func IsBreakpoint(c agent.Chunk) bool {
	return c.Kind == agent.ChunkDone || c.Kind == agent.ChunkToolResult
}

// Take returns the buffered observations and empties the buffer.
func (b *ObservationBuffer) Take() []agent.Chunk {
	out := b.chunks
	b.chunks = nil
	return out
}

// Len returns the number of buffered observations.
func (b *ObservationBuffer) Len() int { return len(b.chunks) }

// Empty reports whether nothing is buffered.
func (b *ObservationBuffer) Empty() bool { return len(b.chunks) == 0 }
