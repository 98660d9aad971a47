package ir

import "time"

// Role identifies the author of a stored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleWatcher   Role = "watcher"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleWatcher:
		return true
	}
	return false
}

// StoredMessage is an immutable record in the message store.
//
// When the content exceeded the blob threshold at write time, BlobHash is set
// and Preview holds a short prefix. Content is always the full text once the
// message has been read back through the store.
type StoredMessage struct {
	ID          string            `json:"id"`
	CreatedAt   time.Time         `json:"created_at"`
	Role        Role              `json:"role"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	BlobHash    string            `json:"blob_hash,omitempty"`
	Preview     string            `json:"preview,omitempty"`
	TokenCount  int               `json:"token_count,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IsBlobRef reports whether the message content lives in the blob store.
func (m StoredMessage) IsBlobRef() bool {
	return m.BlobHash != ""
}

// SourceKind records how a message reference got into a manifest.
type SourceKind string

const (
	SourceNative   SourceKind = "native"
	SourceForked   SourceKind = "forked"
	SourceImported SourceKind = "imported"
)

// MessageSource describes the provenance of one manifest entry.
type MessageSource struct {
	Kind          SourceKind `json:"kind"`
	FromSession   string     `json:"from_session,omitempty"`
	OriginalIndex int        `json:"original_index,omitempty"`
}

// MessageRef is one ordered entry of a manifest. It references a message; it
// never owns it.
type MessageRef struct {
	MessageID string        `json:"message_id"`
	Source    MessageSource `json:"source"`
}

// ForkPoint records where a session was forked from.
type ForkPoint struct {
	SourceSessionID string    `json:"source_session_id"`
	ForkIndex       int       `json:"fork_index"`
	ForkedAt        time.Time `json:"forked_at"`
}

// MergeRecord is the audit trail of one merge or cherry-pick.
type MergeRecord struct {
	SourceSessionID string    `json:"source_session_id"`
	SourceIndices   []int     `json:"source_indices"`
	InsertedAt      int       `json:"inserted_at"`
	MergedAt        time.Time `json:"merged_at"`
}

// CompactionState records that the oldest part of a session's active context
// has been replaced by a summary. Messages before CompactedBeforeIndex are
// retained in storage but excluded from the reconstructed context.
type CompactionState struct {
	Summary              string    `json:"summary"`
	CompactedBeforeIndex int       `json:"compacted_before_index"`
	CompactedAt          time.Time `json:"compacted_at"`
}

// TokenUsage accumulates provider-reported token counts for a session.
type TokenUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

// SessionManifest is a session's view of its conversation: ordered message
// references plus lineage and compaction metadata.
type SessionManifest struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Project      string           `json:"project"`
	Model        string           `json:"model,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	LastActiveAt time.Time        `json:"last_active_at"`
	Messages     []MessageRef     `json:"messages"`
	ForkedFrom   *ForkPoint       `json:"forked_from,omitempty"`
	MergedFrom   []MergeRecord    `json:"merged_from,omitempty"`
	Compaction   *CompactionState `json:"compaction,omitempty"`
	Usage        TokenUsage       `json:"usage"`
}

// Len returns the number of message references.
func (m *SessionManifest) Len() int {
	return len(m.Messages)
}

// CompactedBefore returns the compaction boundary, or 0 when not compacted.
func (m *SessionManifest) CompactedBefore() int {
	if m.Compaction == nil {
		return 0
	}
	return m.Compaction.CompactedBeforeIndex
}

// ActiveContextLen is the number of logical context entries Load returns:
// the uncompacted tail plus one entry for the summary when compacted.
func (m *SessionManifest) ActiveContextLen() int {
	if m.Compaction == nil {
		return len(m.Messages)
	}
	return len(m.Messages) - m.Compaction.CompactedBeforeIndex + 1
}

// MessageIDs returns the referenced ids in manifest order.
func (m *SessionManifest) MessageIDs() []string {
	ids := make([]string, len(m.Messages))
	for i, ref := range m.Messages {
		ids[i] = ref.MessageID
	}
	return ids
}

// ContextEntry is one logical entry of a reconstructed conversation context.
// The compaction summary appears as a system entry with an empty MessageID.
type ContextEntry struct {
	MessageID string `json:"message_id,omitempty"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Summary   bool   `json:"summary,omitempty"`
}

// SessionSummary is a compact listing view of a session.
type SessionSummary struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Project          string     `json:"project"`
	MessageCount     int        `json:"message_count"`
	ActiveContextLen int        `json:"active_context_len"`
	ForkedFrom       *ForkPoint `json:"forked_from,omitempty"`
	MergeCount       int        `json:"merge_count"`
	Compacted        bool       `json:"compacted"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastActiveAt     time.Time  `json:"last_active_at"`
}

// HistoryEntry is one raw command-input record.
type HistoryEntry struct {
	Display   string    `json:"display"`
	Timestamp time.Time `json:"timestamp"`
	Project   string    `json:"project"`
	SessionID string    `json:"session_id"`
}
