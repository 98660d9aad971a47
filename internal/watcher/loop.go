package watcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/convo/internal/agent"
	"github.com/roach88/convo/internal/ir"
)

type askRequest struct {
	prompt string
	sink   agent.Sink
	done   chan askResult
}

type askResult struct {
	reply string
	err   error
}

// loop is one watcher's goroutine state. Evaluations and direct turns run
// on the loop goroutine only, so they never overlap for one watcher.
type loop struct {
	hub    *Hub
	id     string
	agent  agent.Agent
	sink   agent.Sink
	conv   *agent.Conversation
	logger *zap.Logger

	observations chan agent.Chunk
	asks         chan askRequest
	quit         chan struct{}
	stopped      chan struct{}
	stopOnce     sync.Once

	mu      sync.Mutex
	state   State
	pending *ir.Interjection
}

func newLoop(h *Hub, cfg Config) *loop {
	id := cfg.Relationship.WatcherID
	sink := cfg.Sink
	if sink == nil {
		sink = agent.Discard
	}
	logger := h.logger.With(zap.String("watcher_id", id))
	return &loop{
		hub:          h,
		id:           id,
		agent:        cfg.Agent,
		sink:         sink,
		conv:         agent.NewConversation(h.sessions, cfg.Agent, id, cfg.Project, nil, logger).RequireSession(),
		logger:       logger,
		observations: make(chan agent.Chunk, observationBacklog),
		asks:         make(chan askRequest),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

func (l *loop) stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

func (l *loop) run(ctx context.Context) {
	defer close(l.stopped)

	var buf ObservationBuffer
	silence := time.NewTimer(l.hub.silence)
	silence.Stop()
	defer silence.Stop()

	for {
		// Direct prompts go first.
		select {
		case req := <-l.asks:
			l.answer(ctx, req)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case req := <-l.asks:
			l.answer(ctx, req)
		case c := <-l.observations:
			if buf.Push(c) {
				silence.Stop()
				l.evaluate(ctx, buf.Take())
			} else if !buf.Empty() {
				silence.Reset(l.hub.silence)
			}
		case <-silence.C:
			if !buf.Empty() {
				l.evaluate(ctx, buf.Take())
			}
		}
	}
}

// answer runs a direct user turn. The reply is not parsed.
func (l *loop) answer(ctx context.Context, req askRequest) {
	res, err := l.conv.Turn(ctx, req.prompt, agent.Tee(l.sink, req.sink))
	req.done <- askResult{reply: res.Reply, err: err}
}

// evaluate runs one observation-triggered turn and acts on its reply.
func (l *loop) evaluate(ctx context.Context, observations []agent.Chunk) {
	rel, ok := l.hub.graph.GetParent(l.id)
	if !ok {
		l.logger.Debug("watcher detached, observations discarded",
			zap.Int("observations", len(observations)))
		return
	}

	l.setState(StateEvaluating)
	defer l.setState(StateIdle)

	ev := Evaluation{WatcherID: l.id, ParentID: rel.ParentID}
	ev.Reply, ev.Err = l.runEvaluation(ctx, rel, observations)
	if ir.IsNotFound(ev.Err) {
		// The watcher session was deleted mid-evaluation.
		ev.Outcome, ev.Err = OutcomeDropped, nil
		l.logger.Debug("watcher session gone, reply discarded")
		l.report(ev)
		return
	}
	if ev.Err != nil {
		ev.Outcome = OutcomeFailed
		l.logger.Error("watcher evaluation failed", zap.Error(ev.Err))
		l.report(ev)
		return
	}

	ij, ok := ParseInterjection(ev.Reply, l.logger)
	if !ok {
		l.setState(StateContinuing)
		ev.Outcome = OutcomeContinue
		l.report(ev)
		return
	}
	ev.Interjection = ij
	l.setState(StateInjecting)

	// Auto-inject may have been toggled, or the parent removed, while the
	// evaluation ran.
	rel, ok = l.hub.graph.GetParent(l.id)
	switch {
	case !ok:
		ev.Outcome = OutcomeDropped
	case !rel.AutoInject:
		l.setPending(ij)
		ev.Outcome = OutcomePending
		l.logger.Info("interjection awaiting manual send", zap.Bool("urgent", ij.Urgent))
	default:
		delivered, err := l.hub.WatcherInject(l.id, ij.Content, ij.Urgent)
		switch {
		case err != nil:
			ev.Outcome, ev.Err = OutcomeFailed, err
			l.logger.Warn("interjection rejected", zap.Error(err))
		case delivered:
			ev.Outcome = OutcomeInjected
		default:
			ev.Outcome = OutcomeDropped
		}
	}
	l.report(ev)
}

// runEvaluation streams the evaluation turn to the watcher's own sink and
// persists the raw reply to the watcher session.
func (l *loop) runEvaluation(ctx context.Context, rel ir.WatchRelationship, observations []agent.Chunk) (string, error) {
	var history []ir.ContextEntry
	loaded, err := l.hub.sessions.Load(ctx, l.id)
	switch {
	case err == nil:
		history = loaded.Context
	case !ir.IsNotFound(err):
		return "", err
	}

	req := agent.Request{Context: history, Prompt: EvaluationPrompt(rel, observations)}
	res, runErr := agent.RunTurn(ctx, l.agent, req, l.sink, nil)

	if strings.TrimSpace(res.Reply) != "" {
		if _, err := l.hub.sessions.AppendExisting(context.WithoutCancel(ctx), l.id, ir.RoleAssistant, res.Reply); err != nil {
			return res.Reply, err
		}
	}
	return res.Reply, runErr
}

func (l *loop) report(ev Evaluation) {
	l.logger.Debug("watcher evaluation finished",
		zap.String("parent_id", ev.ParentID),
		zap.Stringer("outcome", ev.Outcome))
	if l.hub.onEval != nil {
		l.hub.onEval(ev)
	}
}

func (l *loop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

func (l *loop) currentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *loop) setPending(ij ir.Interjection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = &ij
}

func (l *loop) pendingAction() (ir.Interjection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return ir.Interjection{}, false
	}
	return *l.pending, true
}

func (l *loop) takePending() (ir.Interjection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return ir.Interjection{}, false
	}
	ij := *l.pending
	l.pending = nil
	return ij, true
}
