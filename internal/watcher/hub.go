// Package watcher runs watcher sessions: secondary agents that observe a
// parent session's output and may inject messages back into it.
//
// Each watcher is one goroutine. It accumulates the parent's stream chunks,
// evaluates them at natural breakpoints, parses the reply with the strict
// INTERJECT/CONTINUE protocol and delivers interjections through
// Hub.WatcherInject, the single path from a watcher to its parent.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/convo/internal/agent"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/session"
	"github.com/roach88/convo/internal/watch"
)

// observationBacklog bounds undelivered observations per watcher. The
// parent never blocks on a slow watcher; overflow is dropped.
const observationBacklog = 256

// ErrHubClosed is returned by operations on a closed hub.
var ErrHubClosed = errors.New("watcher hub closed")

// State is a watcher's position in the evaluation cycle.
type State int

const (
	StateIdle State = iota
	StateEvaluating
	StateInjecting
	StateContinuing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	case StateInjecting:
		return "injecting"
	case StateContinuing:
		return "continuing"
	}
	return "unknown"
}

// Outcome is the result of one evaluation.
type Outcome int

const (
	// OutcomeContinue: the reply was CONTINUE or malformed.
	OutcomeContinue Outcome = iota + 1
	// OutcomeInjected: the interjection reached the parent's inbox.
	OutcomeInjected
	// OutcomePending: auto-inject is off; the interjection awaits SendPending.
	OutcomePending
	// OutcomeDropped: the parent was gone or its inbox was full.
	OutcomeDropped
	// OutcomeFailed: the watcher's agent or session store failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeInjected:
		return "injected"
	case OutcomePending:
		return "pending"
	case OutcomeDropped:
		return "dropped"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Evaluation describes one finished observation-triggered turn.
type Evaluation struct {
	WatcherID    string
	ParentID     string
	Reply        string
	Interjection ir.Interjection
	Outcome      Outcome
	Err          error
}

// Config describes a watcher to start.
type Config struct {
	Relationship ir.WatchRelationship
	Agent        agent.Agent
	// Project is used when the watcher session has to be created.
	Project string
	// Sink receives the watcher's own output stream. Nil discards it.
	Sink agent.Sink
	// ManualInject starts the watcher with auto-inject disabled.
	ManualInject bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithSilenceTimeout sets how long a non-empty observation buffer may stay
// quiet before it is evaluated.
func WithSilenceTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.silence = d
		}
	}
}

// WithInboxCapacity sets the capacity of inboxes created by OpenParent.
func WithInboxCapacity(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.inboxCap = n
		}
	}
}

// WithEvaluationHook registers fn to be called after every evaluation, on
// the watcher's goroutine.
func WithEvaluationHook(fn func(Evaluation)) Option {
	return func(h *Hub) { h.onEval = fn }
}

// Hub owns the watcher goroutines and the parent inboxes they deliver to.
type Hub struct {
	sessions *session.Manager
	graph    *watch.Graph
	logger   *zap.Logger
	silence  time.Duration
	inboxCap int
	onEval   func(Evaluation)

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	parents  map[string]*agent.Inbox
	watchers map[string]*loop
}

// NewHub creates a hub whose watcher goroutines live until ctx is cancelled
// or Close is called.
func NewHub(ctx context.Context, m *session.Manager, g *watch.Graph, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	h := &Hub{
		sessions: m,
		graph:    g,
		logger:   zap.NewNop(),
		silence:  DefaultSilenceTimeout,
		inboxCap: agent.DefaultInboxCapacity,
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
		parents:  make(map[string]*agent.Inbox),
		watchers: make(map[string]*loop),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close stops every watcher and waits for them to exit.
func (h *Hub) Close() error {
	h.cancel()
	return h.group.Wait()
}

// RegisterParent makes inbox the delivery target for parentID.
func (h *Hub) RegisterParent(parentID string, inbox *agent.Inbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parents[parentID] = inbox
}

// OpenParent creates an inbox with the hub's configured capacity and
// registers it as parentID's delivery target.
func (h *Hub) OpenParent(parentID string) *agent.Inbox {
	inbox := agent.NewInbox(h.inboxCap)
	h.RegisterParent(parentID, inbox)
	return inbox
}

// UnregisterParent removes parentID's inbox. Later deliveries to it are
// dropped silently.
func (h *Hub) UnregisterParent(parentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.parents, parentID)
}

// Watch registers the relationship in the watch graph, creates the watcher
// session if needed and starts its loop. Watching again with the same parent
// updates the relationship and keeps the running loop.
func (h *Hub) Watch(ctx context.Context, cfg Config) error {
	if err := h.ctx.Err(); err != nil {
		return ErrHubClosed
	}
	rel := cfg.Relationship
	if rel.WatcherID == "" || rel.ParentID == "" {
		return fmt.Errorf("watch: parent and watcher ids are required")
	}
	if cfg.Agent == nil {
		return fmt.Errorf("watch %s: agent is required", rel.WatcherID)
	}
	rel.AutoInject = !cfg.ManualInject

	if err := h.graph.AddWatcher(rel); err != nil {
		return err
	}
	if _, err := h.sessions.Ensure(ctx, rel.WatcherID, cfg.Project, rel.Role); err != nil {
		h.graph.RemoveWatcher(rel.WatcherID)
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, running := h.watchers[rel.WatcherID]; running {
		return nil
	}
	l := newLoop(h, cfg)
	h.watchers[rel.WatcherID] = l
	h.group.Go(func() error {
		l.run(h.ctx)
		return nil
	})
	h.logger.Info("watcher started",
		zap.String("parent_id", rel.ParentID),
		zap.String("watcher_id", rel.WatcherID),
		zap.String("role", rel.Role),
		zap.String("authority", string(rel.Authority)))
	return nil
}

// Unwatch removes the watcher's relationship and stops its loop.
func (h *Hub) Unwatch(watcherID string) {
	h.graph.RemoveWatcher(watcherID)
	h.mu.Lock()
	l := h.watchers[watcherID]
	delete(h.watchers, watcherID)
	h.mu.Unlock()
	if l != nil {
		l.stop()
	}
}

// SetAutoInject toggles automatic delivery for a watcher.
func (h *Hub) SetAutoInject(watcherID string, enabled bool) error {
	return h.graph.SetAutoInject(watcherID, enabled)
}

// Observe hands c to every watcher of parentID without blocking.
func (h *Hub) Observe(parentID string, c agent.Chunk) {
	for _, rel := range h.graph.GetWatchers(parentID) {
		l := h.loop(rel.WatcherID)
		if l == nil {
			continue
		}
		select {
		case l.observations <- c:
		default:
			h.logger.Warn("watcher backlog full, observation dropped",
				zap.String("parent_id", parentID),
				zap.String("watcher_id", rel.WatcherID),
				zap.Stringer("kind", c.Kind))
		}
	}
}

// ObserveSink returns a sink that forwards parentID's output to its
// watchers.
func (h *Hub) ObserveSink(parentID string) agent.Sink {
	return agent.SinkFunc(func(c agent.Chunk) { h.Observe(parentID, c) })
}

// WatcherInject formats message with the watcher's relationship prefix and
// queues it on the parent's inbox; urgent input interrupts the parent's
// in-flight turn. It never blocks.
//
// Returns EMPTY_MESSAGE for a blank message. A parent that no longer exists
// is not an error: the message is dropped silently. A full inbox drops the
// message with a warning. The returned bool reports delivery.
func (h *Hub) WatcherInject(watcherID, message string, urgent bool) (bool, error) {
	rel, ok := h.graph.GetParent(watcherID)
	if !ok {
		h.logger.Debug("watcher has no parent, message dropped",
			zap.String("watcher_id", watcherID))
		return false, nil
	}
	text, err := FormatWatcherInput(rel, message)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	inbox := h.parents[rel.ParentID]
	h.mu.Unlock()
	if inbox == nil || inbox.Closed() {
		h.logger.Debug("watcher message dropped",
			zap.String("parent_id", rel.ParentID),
			zap.String("watcher_id", watcherID),
			zap.Error(ir.NewParentGone(rel.ParentID)))
		return false, nil
	}

	if !inbox.TryPush(agent.Input{WatcherID: watcherID, Text: text, Urgent: urgent}) {
		h.logger.Warn("parent inbox full, watcher message dropped",
			zap.String("parent_id", rel.ParentID),
			zap.String("watcher_id", watcherID),
			zap.Int("capacity", inbox.Cap()))
		return false, nil
	}
	h.logger.Info("watcher message delivered",
		zap.String("parent_id", rel.ParentID),
		zap.String("watcher_id", watcherID),
		zap.Bool("urgent", urgent))
	return true, nil
}

// Pending returns the interjection awaiting manual delivery, if any.
func (h *Hub) Pending(watcherID string) (ir.Interjection, bool) {
	l := h.loop(watcherID)
	if l == nil {
		return ir.Interjection{}, false
	}
	return l.pendingAction()
}

// SendPending delivers the watcher's pending interjection through
// WatcherInject and clears it. Returns false when nothing was pending or
// the message was dropped.
func (h *Hub) SendPending(watcherID string) (bool, error) {
	l := h.loop(watcherID)
	if l == nil {
		return false, nil
	}
	ij, ok := l.takePending()
	if !ok {
		return false, nil
	}
	return h.WatcherInject(watcherID, ij.Content, ij.Urgent)
}

// DiscardPending drops the watcher's pending interjection.
func (h *Hub) DiscardPending(watcherID string) {
	if l := h.loop(watcherID); l != nil {
		l.takePending()
	}
}

// State returns the watcher's current state. Unknown watchers are idle.
func (h *Hub) State(watcherID string) State {
	if l := h.loop(watcherID); l != nil {
		return l.currentState()
	}
	return StateIdle
}

// Ask runs a direct user turn on the watcher session. It takes priority
// over pending observations and its reply is never parsed for control
// blocks.
func (h *Hub) Ask(ctx context.Context, watcherID, prompt string, sink agent.Sink) (string, error) {
	l := h.loop(watcherID)
	if l == nil {
		return "", ir.NewSessionNotFound(watcherID)
	}
	req := askRequest{prompt: prompt, sink: sink, done: make(chan askResult, 1)}
	select {
	case l.asks <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-l.stopped:
		return "", ErrHubClosed
	}
	select {
	case res := <-req.done:
		return res.reply, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Detach removes sessionID from the watch graph and stops its loop if it is
// a watcher. Suitable as the session manager's detacher.
func (h *Hub) Detach(sessionID string) {
	h.graph.Detach(sessionID)
	h.UnregisterParent(sessionID)
	h.mu.Lock()
	l := h.watchers[sessionID]
	delete(h.watchers, sessionID)
	h.mu.Unlock()
	if l != nil {
		l.stop()
	}
}

func (h *Hub) loop(watcherID string) *loop {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watchers[watcherID]
}
