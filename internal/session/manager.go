// Package session implements the session manager: conversation lifecycle,
// context reconstruction, fork, merge, cherry-pick, compaction and orphan
// cleanup on top of the SQLite store.
//
// All mutations of one session are serialized by a per-session lock.
// Independent sessions proceed in parallel; the store itself serializes
// writers at the connection level.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/store"
)

// DefaultName is the name given to sessions created without one.
const DefaultName = "New session"

// maxDerivedNameRunes bounds names derived from a first message.
const maxDerivedNameRunes = 50

// Detacher removes watch relationships that involve a session.
// Implemented by *watch.Graph and *watcher.Hub.
type Detacher interface {
	Detach(sessionID string)
}

// DetacherFunc adapts a function to Detacher.
type DetacherFunc func(sessionID string)

// Detach calls f(sessionID).
func (f DetacherFunc) Detach(sessionID string) { f(sessionID) }

// Loaded is a manifest plus its reconstructed conversation context.
type Loaded struct {
	Manifest *ir.SessionManifest `json:"manifest"`
	Context  []ir.ContextEntry   `json:"context"`
}

// Manager coordinates session operations.
type Manager struct {
	store    *store.Store
	detacher Detacher
	now      func() time.Time
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// gc excludes orphan cleanup while a message is stored but not yet
	// referenced, or while another session's messages are being imported.
	gc sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithDetacher registers the watch graph to clean up on Delete.
func WithDetacher(d Detacher) Option {
	return func(m *Manager) {
		m.detacher = d
	}
}

// NewManager creates a manager over an open store.
func NewManager(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		now:    time.Now,
		logger: zap.NewNop(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() *store.Store {
	return m.store
}

// lock acquires the per-session lock and returns its release function.
func (m *Manager) lock(sessionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.locks, sessionID)
	m.mu.Unlock()
}

// Create makes a new empty session. An empty name yields DefaultName.
func (m *Manager) Create(ctx context.Context, project, model, name string) (*ir.SessionManifest, error) {
	return m.create(ctx, ir.NewID(), project, model, name)
}

func (m *Manager) create(ctx context.Context, id, project, model, name string) (*ir.SessionManifest, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	now := m.now().UTC()
	manifest := &ir.SessionManifest{
		ID:           id,
		Name:         name,
		Project:      project,
		Model:        model,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
		Messages:     []ir.MessageRef{},
	}
	if err := m.store.CreateSession(ctx, manifest); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("project", project))
	return manifest, nil
}

// Ensure creates the session under sessionID if it does not exist yet and
// reports whether it did.
func (m *Manager) Ensure(ctx context.Context, sessionID, project, name string) (bool, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	exists, err := m.store.SessionExists(ctx, sessionID)
	if err != nil || exists {
		return false, err
	}
	if _, err := m.create(ctx, sessionID, project, "", name); err != nil {
		return false, err
	}
	return true, nil
}

// Load returns the manifest and its reconstructed context. When compaction is
// active the context is the summary, as a system entry, followed by the
// messages from the compaction boundary onward.
func (m *Manager) Load(ctx context.Context, sessionID string) (*Loaded, error) {
	manifest, err := m.store.ReadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := m.reconstruct(ctx, manifest)
	if err != nil {
		return nil, err
	}
	return &Loaded{Manifest: manifest, Context: entries}, nil
}

func (m *Manager) reconstruct(ctx context.Context, manifest *ir.SessionManifest) ([]ir.ContextEntry, error) {
	start := manifest.CompactedBefore()
	entries := make([]ir.ContextEntry, 0, manifest.ActiveContextLen())
	if manifest.Compaction != nil {
		entries = append(entries, ir.ContextEntry{
			Role:    ir.RoleSystem,
			Content: manifest.Compaction.Summary,
			Summary: true,
		})
	}
	msgs, err := m.store.GetMessages(ctx, manifest.MessageIDs()[start:])
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", manifest.ID, err)
	}
	for _, msg := range msgs {
		entries = append(entries, ir.ContextEntry{
			MessageID: msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
		})
	}
	return entries, nil
}

// ResumeLast loads the project's most recently active session.
func (m *Manager) ResumeLast(ctx context.Context, project string) (*Loaded, error) {
	id, err := m.store.LatestSessionID(ctx, project)
	if err != nil {
		return nil, err
	}
	return m.Load(ctx, id)
}

// Switch marks a session as the project's active one and loads it.
func (m *Manager) Switch(ctx context.Context, sessionID string) (*Loaded, error) {
	unlock := m.lock(sessionID)
	err := m.store.TouchSession(ctx, sessionID)
	unlock()
	if err != nil {
		return nil, err
	}
	return m.Load(ctx, sessionID)
}

// AppendResult describes an appended message.
type AppendResult struct {
	Message   ir.StoredMessage `json:"message"`
	SessionID string           `json:"session_id"`
	Index     int              `json:"index"`   // position of the new reference
	Created   bool             `json:"created"` // the session was created by this append
}

// AppendMessage stores a message and appends a reference to the session.
// If the session does not exist yet it is created, named after the first
// line of the message. An empty sessionID creates a session with a new id.
func (m *Manager) AppendMessage(ctx context.Context, sessionID, project string, role ir.Role, content string) (AppendResult, error) {
	if sessionID == "" {
		sessionID = ir.NewID()
	}
	return m.appendMessage(ctx, sessionID, project, role, content, true)
}

// AppendExisting is AppendMessage without auto-creation: it fails with
// NOT_FOUND when the session does not exist, including one deleted while
// the caller was running.
func (m *Manager) AppendExisting(ctx context.Context, sessionID string, role ir.Role, content string) (AppendResult, error) {
	return m.appendMessage(ctx, sessionID, "", role, content, false)
}

func (m *Manager) appendMessage(ctx context.Context, sessionID, project string, role ir.Role, content string, create bool) (AppendResult, error) {
	unlock := m.lock(sessionID)
	defer unlock()
	m.gc.RLock()
	defer m.gc.RUnlock()

	exists, err := m.store.SessionExists(ctx, sessionID)
	if err != nil {
		return AppendResult{}, err
	}
	created := false
	if !exists {
		if !create {
			return AppendResult{}, ir.NewSessionNotFound(sessionID)
		}
		if _, err := m.create(ctx, sessionID, project, "", deriveName(content)); err != nil {
			return AppendResult{}, err
		}
		created = true
	}

	msg, err := m.store.AppendMessage(ctx, role, content, nil)
	if err != nil {
		return AppendResult{}, err
	}
	n, err := m.store.AppendRefs(ctx, sessionID, []ir.MessageRef{{
		MessageID: msg.ID,
		Source:    ir.MessageSource{Kind: ir.SourceNative},
	}}, nil)
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Message: msg, SessionID: sessionID, Index: n - 1, Created: created}, nil
}

// deriveName returns the first non-blank line of content, trimmed and
// truncated to maxDerivedNameRunes.
func deriveName(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) <= maxDerivedNameRunes {
			return line
		}
		runes := []rune(line)
		return string(runes[:maxDerivedNameRunes])
	}
	return DefaultName
}

// Fork creates a new session holding the first atIndex references of the
// source. The fork inherits the source's compaction state and records its
// lineage. Fails with INVALID_RANGE when atIndex is below the compaction
// boundary or past the end.
func (m *Manager) Fork(ctx context.Context, sourceID string, atIndex int, name string) (*ir.SessionManifest, error) {
	unlock := m.lock(sourceID)
	defer unlock()

	src, err := m.store.ReadSession(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	boundary := src.CompactedBefore()
	if atIndex < boundary || atIndex > src.Len() || atIndex < 0 {
		return nil, ir.NewInvalidForkIndex(sourceID, atIndex, boundary, src.Len())
	}

	if strings.TrimSpace(name) == "" {
		name = "Fork of " + src.Name
	}
	now := m.now().UTC()
	fork := &ir.SessionManifest{
		ID:           ir.NewID(),
		Name:         name,
		Project:      src.Project,
		Model:        src.Model,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
		Messages:     make([]ir.MessageRef, 0, atIndex),
		ForkedFrom: &ir.ForkPoint{
			SourceSessionID: sourceID,
			ForkIndex:       atIndex,
			ForkedAt:        now,
		},
	}
	for _, ref := range src.Messages[:atIndex] {
		fork.Messages = append(fork.Messages, ir.MessageRef{
			MessageID: ref.MessageID,
			Source:    ir.MessageSource{Kind: ir.SourceForked, FromSession: sourceID},
		})
	}
	if src.Compaction != nil {
		c := *src.Compaction
		fork.Compaction = &c
	}

	if err := m.store.CreateSession(ctx, fork); err != nil {
		return nil, fmt.Errorf("fork session %s: %w", sourceID, err)
	}
	m.logger.Info("session forked",
		zap.String("session_id", fork.ID),
		zap.String("source_id", sourceID),
		zap.Int("index", atIndex))
	return fork, nil
}

// Merge appends references to the given source messages after the target's
// tail and records the merge. The target's compaction state is unaffected.
// Returns the number of references appended. An empty index list writes
// nothing.
func (m *Manager) Merge(ctx context.Context, targetID, sourceID string, indices []int) (int, error) {
	unlock := m.lock(targetID)
	defer unlock()
	m.gc.RLock()
	defer m.gc.RUnlock()

	src, err := m.readSource(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	for _, idx := range indices {
		if idx < 0 || idx >= src.Len() {
			return 0, ir.NewIndexOutOfRange(sourceID, idx, src.Len())
		}
	}
	if len(indices) == 0 {
		exists, err := m.store.SessionExists(ctx, targetID)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, ir.NewSessionNotFound(targetID)
		}
		return 0, nil
	}
	if err := m.importRefs(ctx, targetID, src, indices); err != nil {
		return 0, err
	}
	return len(indices), nil
}

// CherryPick imports the message at index plus up to contextCount preceding
// messages of the source, in source order. When fewer than contextCount
// messages precede index, what is available is imported. Returns the source
// indices imported.
func (m *Manager) CherryPick(ctx context.Context, targetID, sourceID string, index, contextCount int) ([]int, error) {
	unlock := m.lock(targetID)
	defer unlock()
	m.gc.RLock()
	defer m.gc.RUnlock()

	src, err := m.readSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= src.Len() {
		return nil, ir.NewIndexOutOfRange(sourceID, index, src.Len())
	}
	start := max(index-max(contextCount, 0), 0)
	indices := make([]int, 0, index-start+1)
	for i := start; i <= index; i++ {
		indices = append(indices, i)
	}
	if err := m.importRefs(ctx, targetID, src, indices); err != nil {
		return nil, err
	}
	return indices, nil
}

func (m *Manager) readSource(ctx context.Context, sourceID string) (*ir.SessionManifest, error) {
	src, err := m.store.ReadSession(ctx, sourceID)
	if ir.IsNotFound(err) {
		return nil, ir.NewSourceSessionNotFound(sourceID)
	}
	return src, err
}

func (m *Manager) importRefs(ctx context.Context, targetID string, src *ir.SessionManifest, indices []int) error {
	refs := make([]ir.MessageRef, 0, len(indices))
	for _, idx := range indices {
		refs = append(refs, ir.MessageRef{
			MessageID: src.Messages[idx].MessageID,
			Source: ir.MessageSource{
				Kind:          ir.SourceImported,
				FromSession:   src.ID,
				OriginalIndex: idx,
			},
		})
	}
	record := &ir.MergeRecord{
		SourceSessionID: src.ID,
		SourceIndices:   append([]int(nil), indices...),
		MergedAt:        m.now().UTC(),
	}
	if _, err := m.store.AppendRefs(ctx, targetID, refs, record); err != nil {
		return err
	}
	m.logger.Info("messages imported",
		zap.String("session_id", targetID),
		zap.String("source_id", src.ID),
		zap.Ints("indices", indices))
	return nil
}

// Rename changes a session's name.
func (m *Manager) Rename(ctx context.Context, sessionID, name string) error {
	if strings.TrimSpace(name) == "" {
		return ir.NewEmptyMessage("session name")
	}
	return m.update(ctx, sessionID, func(s *ir.SessionManifest) error {
		s.Name = name
		return nil
	})
}

// Compact records that the context before beforeIndex is replaced by
// summary. No messages are deleted.
func (m *Manager) Compact(ctx context.Context, sessionID, summary string, beforeIndex int) error {
	if strings.TrimSpace(summary) == "" {
		return ir.NewEmptyMessage("compaction summary")
	}
	return m.update(ctx, sessionID, func(s *ir.SessionManifest) error {
		if beforeIndex < 0 || beforeIndex > s.Len() {
			return ir.NewIndexOutOfRange(sessionID, beforeIndex, s.Len())
		}
		s.Compaction = &ir.CompactionState{
			Summary:              summary,
			CompactedBeforeIndex: beforeIndex,
			CompactedAt:          m.now().UTC(),
		}
		return nil
	})
}

// ClearCompaction restores the full message list as the active context.
func (m *Manager) ClearCompaction(ctx context.Context, sessionID string) error {
	return m.update(ctx, sessionID, func(s *ir.SessionManifest) error {
		s.Compaction = nil
		return nil
	})
}

// RecordUsage adds provider-reported token counts to the session totals.
func (m *Manager) RecordUsage(ctx context.Context, sessionID string, usage ir.TokenUsage) error {
	return m.update(ctx, sessionID, func(s *ir.SessionManifest) error {
		s.Usage.InputTokens += usage.InputTokens
		s.Usage.OutputTokens += usage.OutputTokens
		s.Usage.CacheReadTokens += usage.CacheReadTokens
		s.Usage.CacheCreationTokens += usage.CacheCreationTokens
		return nil
	})
}

func (m *Manager) update(ctx context.Context, sessionID string, fn func(*ir.SessionManifest) error) error {
	unlock := m.lock(sessionID)
	defer unlock()

	s, err := m.store.ReadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	s.UpdatedAt = m.now().UTC()
	return m.store.UpdateSession(ctx, s)
}

// Delete removes the session manifest and detaches any watch relationship it
// takes part in. Message records are left for CleanupOrphans.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	unlock := m.lock(sessionID)
	err := m.store.DeleteSession(ctx, sessionID)
	unlock()
	if err != nil {
		return err
	}
	m.forget(sessionID)
	if m.detacher != nil {
		m.detacher.Detach(sessionID)
	}
	m.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// CleanupOrphans removes message records that no live manifest references
// and returns how many were removed. Blob content is left in place.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	m.gc.Lock()
	defer m.gc.Unlock()

	removed, err := m.store.DeleteOrphanedMessages(ctx)
	if err != nil {
		return 0, err
	}
	m.logger.Info("orphaned messages removed", zap.Int("count", len(removed)))
	return len(removed), nil
}

// ListSessions returns the project's sessions, most recently active first.
// An empty project lists all sessions.
func (m *Manager) ListSessions(ctx context.Context, project string) ([]ir.SessionSummary, error) {
	return m.store.ListSessions(ctx, project)
}
