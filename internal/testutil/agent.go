package testutil

import (
	"context"
	"sync"

	"github.com/roach88/convo/internal/agent"
)

// ScriptedAgent replays canned replies, one per turn, and records every
// request it receives. When the script runs out it replies with Fallback.
//
// Each reply is streamed as a single text chunk followed by Done, unless the
// turn was scripted with Chunks. A turn with Hold set blocks after its
// chunks until the context is cancelled, which simulates a long-running
// stream for interrupt tests.
type ScriptedAgent struct {
	Fallback string

	mu       sync.Mutex
	turns    []Turn
	requests []agent.Request
	started  chan struct{}
}

// Turn is one scripted reply.
type Turn struct {
	Reply  string
	Chunks []agent.Chunk
	Hold   bool
}

// NewScriptedAgent returns an agent replying with replies in order.
func NewScriptedAgent(replies ...string) *ScriptedAgent {
	a := &ScriptedAgent{started: make(chan struct{}, 64)}
	for _, r := range replies {
		a.turns = append(a.turns, Turn{Reply: r})
	}
	return a
}

// Script appends turns to the script.
func (a *ScriptedAgent) Script(turns ...Turn) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = append(a.turns, turns...)
	return a
}

// Stream implements agent.Agent.
func (a *ScriptedAgent) Stream(ctx context.Context, req agent.Request) (<-chan agent.Chunk, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	turn := Turn{Reply: a.Fallback}
	if len(a.turns) > 0 {
		turn = a.turns[0]
		a.turns = a.turns[1:]
	}
	a.mu.Unlock()

	chunks := turn.Chunks
	if chunks == nil {
		chunks = []agent.Chunk{{Kind: agent.ChunkText, Text: turn.Reply}}
		if !turn.Hold {
			chunks = append(chunks, agent.Chunk{Kind: agent.ChunkDone})
		}
	}

	out := make(chan agent.Chunk)
	go func() {
		defer close(out)
		select {
		case a.started <- struct{}{}:
		default:
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		if turn.Hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// Started signals each time a turn begins streaming.
func (a *ScriptedAgent) Started() <-chan struct{} {
	return a.started
}

// Requests returns a copy of the requests received so far.
func (a *ScriptedAgent) Requests() []agent.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]agent.Request, len(a.requests))
	copy(out, a.requests)
	return out
}
