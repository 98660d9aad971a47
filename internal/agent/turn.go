package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/session"
)

// TurnResult describes a finished turn.
type TurnResult struct {
	// Reply is the text produced before the turn ended or was interrupted.
	Reply string
	// Interrupted is set when urgent watcher input stopped the stream.
	Interrupted bool
	// Injected is the watcher input drained and persisted after the turn.
	Injected []Input
}

// RunTurn streams one agent turn into sink. It selects over the stream, the
// inbox's interrupt signal and ctx: urgent input cancels the in-flight
// stream and returns with Interrupted set. A nil inbox never interrupts.
func RunTurn(ctx context.Context, a Agent, req Request, sink Sink, inbox *Inbox) (TurnResult, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := a.Stream(turnCtx, req)
	if err != nil {
		return TurnResult{}, fmt.Errorf("start turn: %w", err)
	}

	capture := NewCaptureSink(sink)
	var interrupt <-chan struct{}
	if inbox != nil {
		interrupt = inbox.Interrupt()
	}

	for {
		select {
		case c, ok := <-stream:
			if !ok {
				return TurnResult{Reply: capture.Text()}, nil
			}
			capture.Emit(c)
			if c.Kind == ChunkDone {
				cancel()
				drain(stream)
				return TurnResult{Reply: capture.Text()}, nil
			}
		case <-interrupt:
			cancel()
			drain(stream)
			return TurnResult{Reply: capture.Text(), Interrupted: true}, nil
		case <-ctx.Done():
			cancel()
			drain(stream)
			return TurnResult{Reply: capture.Text()}, ctx.Err()
		}
	}
}

// drain discards chunks until the agent closes the stream.
func drain(stream <-chan Chunk) {
	for range stream {
	}
}

// Conversation drives a parent session: it persists prompts and replies
// through the session manager and folds watcher input from its inbox into
// the session between turns. Turns must not run concurrently.
type Conversation struct {
	sessions  *session.Manager
	agent     Agent
	inbox     *Inbox
	sessionID string
	project   string
	logger    *zap.Logger
	// existing disables session auto-creation.
	existing  bool
}

// NewConversation binds an agent to a session. The session is created on
// the first persisted message if it does not exist; an empty sessionID picks
// a new id. A nil inbox gets a default one; a nil logger disables logging.
func NewConversation(m *session.Manager, a Agent, sessionID, project string, inbox *Inbox, logger *zap.Logger) *Conversation {
	if sessionID == "" {
		sessionID = ir.NewID()
	}
	if inbox == nil {
		inbox = NewInbox(DefaultInboxCapacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversation{
		sessions:  m,
		agent:     a,
		inbox:     inbox,
		sessionID: sessionID,
		project:   project,
		logger:    logger,
	}
}

// RequireSession makes the conversation fail with NOT_FOUND instead of
// creating its session, so a deleted session stays deleted.
func (c *Conversation) RequireSession() *Conversation {
	c.existing = true
	return c
}

func (c *Conversation) append(ctx context.Context, role ir.Role, content string) error {
	var err error
	if c.existing {
		_, err = c.sessions.AppendExisting(ctx, c.sessionID, role, content)
	} else {
		_, err = c.sessions.AppendMessage(ctx, c.sessionID, c.project, role, content)
	}
	return err
}

// SessionID returns the driven session.
func (c *Conversation) SessionID() string { return c.sessionID }

// Inbox returns the conversation's watcher inbox.
func (c *Conversation) Inbox() *Inbox { return c.inbox }

// Turn persists prompt as a user message, runs one agent turn over the
// session context and persists the reply. Watcher input that arrived before
// the turn becomes part of its context; input that arrives during the turn
// is persisted once it ends. An empty prompt continues without new user
// input, as after an interruption.
func (c *Conversation) Turn(ctx context.Context, prompt string, sink Sink) (TurnResult, error) {
	if _, err := c.persistInjected(ctx); err != nil {
		return TurnResult{}, err
	}

	loaded, err := c.sessions.Load(ctx, c.sessionID)
	if err != nil && !ir.IsNotFound(err) {
		return TurnResult{}, err
	}
	var history []ir.ContextEntry
	if loaded != nil {
		history = loaded.Context
	}

	if strings.TrimSpace(prompt) != "" {
		if err := c.append(ctx, ir.RoleUser, prompt); err != nil {
			return TurnResult{}, err
		}
	}

	result, runErr := RunTurn(ctx, c.agent, Request{Context: history, Prompt: prompt}, sink, c.inbox)
	if result.Interrupted {
		c.logger.Info("turn interrupted by urgent watcher input",
			zap.String("session_id", c.sessionID))
	}

	if strings.TrimSpace(result.Reply) != "" {
		// Partial replies are kept even when ctx was cancelled.
		if err := c.append(context.WithoutCancel(ctx), ir.RoleAssistant, result.Reply); err != nil {
			return result, err
		}
	}
	if runErr != nil {
		return result, runErr
	}

	injected, err := c.persistInjected(ctx)
	if err != nil {
		return result, err
	}
	result.Injected = injected
	return result, nil
}

// persistInjected drains the inbox into the session as watcher messages.
func (c *Conversation) persistInjected(ctx context.Context) ([]Input, error) {
	pending := c.inbox.Drain()
	for _, in := range pending {
		if err := c.append(ctx, ir.RoleWatcher, in.Text); err != nil {
			return nil, fmt.Errorf("persist watcher input from %s: %w", in.WatcherID, err)
		}
		c.logger.Debug("watcher input persisted",
			zap.String("session_id", c.sessionID),
			zap.String("watcher_id", in.WatcherID),
			zap.Bool("urgent", in.Urgent))
	}
	return pending, nil
}
