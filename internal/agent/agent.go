// Package agent defines the runtime contracts between conversations and the
// model that drives them: the streaming agent interface, stream chunks,
// output sinks, the parent inbox for watcher input, and the turn loop.
//
// Inference itself is out of scope. An Agent is anything that turns a prompt
// into a stream of chunks.
package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/roach88/convo/internal/ir"
)

// ChunkKind distinguishes stream chunk types.
type ChunkKind int

const (
	// ChunkText is assistant output text.
	ChunkText ChunkKind = iota + 1
	// ChunkThinking is reasoning output.
	ChunkThinking
	// ChunkToolCall announces a tool invocation.
	ChunkToolCall
	// ChunkToolResult carries a tool's result.
	ChunkToolResult
	// ChunkDone ends a turn.
	ChunkDone
)

var chunkKindNames = map[ChunkKind]string{
	ChunkText:       "text",
	ChunkThinking:   "thinking",
	ChunkToolCall:   "tool_call",
	ChunkToolResult: "tool_result",
	ChunkDone:       "done",
}

func (k ChunkKind) String() string {
	if s, ok := chunkKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Chunk is one element of an agent's output stream.
type Chunk struct {
	Kind ChunkKind
	Text string
	Tool string // tool name for ToolCall and ToolResult
	// CallID links a ToolResult to its ToolCall.
	CallID string
}

// Request is the input to one agent turn.
type Request struct {
	// Context is the reconstructed conversation so far.
	Context []ir.ContextEntry
	// Prompt is the new input for this turn.
	Prompt string
}

// Agent produces a stream of chunks for a request. The returned channel is
// closed when the turn ends or ctx is cancelled; implementations must stop
// sending promptly after cancellation.
type Agent interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Sink receives chunks as they are produced.
type Sink interface {
	Emit(Chunk)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Chunk)

// Emit calls f(c).
func (f SinkFunc) Emit(c Chunk) { f(c) }

// Discard is a Sink that drops every chunk.
var Discard Sink = SinkFunc(func(Chunk) {})

// Tee returns a Sink that forwards each chunk to every non-nil sink in order.
func Tee(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(c Chunk) {
		for _, s := range out {
			s.Emit(c)
		}
	})
}

// CaptureSink wraps a sink, forwarding every chunk and accumulating text
// chunks so the complete reply is available after the turn.
type CaptureSink struct {
	next Sink

	mu   sync.Mutex
	text strings.Builder
	done bool
}

// NewCaptureSink wraps next. A nil next discards forwarded chunks.
func NewCaptureSink(next Sink) *CaptureSink {
	if next == nil {
		next = Discard
	}
	return &CaptureSink{next: next}
}

// Emit forwards c and records its text.
func (s *CaptureSink) Emit(c Chunk) {
	s.mu.Lock()
	switch c.Kind {
	case ChunkText:
		s.text.WriteString(c.Text)
	case ChunkDone:
		s.done = true
	}
	s.mu.Unlock()
	s.next.Emit(c)
}

// Text returns the accumulated text.
func (s *CaptureSink) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Done reports whether a Done chunk has passed through.
func (s *CaptureSink) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Reset clears the accumulated text for reuse in the next turn.
func (s *CaptureSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.Reset()
	s.done = false
}
