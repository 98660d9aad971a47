package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/convo/internal/ir"
)

// AppendMessage writes a new immutable message record and returns it.
//
// Content larger than the blob threshold is written to the blob store and the
// row keeps only {blob_hash, preview}. The returned record always carries the
// full content. The id is freshly generated and never reused.
func (s *Store) AppendMessage(ctx context.Context, role ir.Role, content string, metadata map[string]string) (ir.StoredMessage, error) {
	if !role.Valid() {
		return ir.StoredMessage{}, fmt.Errorf("append message: invalid role %q", role)
	}

	mdJSON, err := marshalMetadata(metadata)
	if err != nil {
		return ir.StoredMessage{}, fmt.Errorf("append message: %w", err)
	}

	msg := ir.StoredMessage{
		ID:          ir.NewID(),
		CreatedAt:   s.now().UTC(),
		Role:        role,
		Content:     content,
		ContentHash: ir.ContentHash([]byte(content)),
		TokenCount:  estimateTokens(content),
		Metadata:    metadata,
	}

	stored := content
	var blobHash sql.NullString
	if s.blobs != nil && len(content) > s.blobThreshold {
		hash, err := s.blobs.Put([]byte(content))
		if err != nil {
			return ir.StoredMessage{}, fmt.Errorf("append message: %w", err)
		}
		msg.BlobHash = hash
		msg.Preview = preview(content, s.previewRunes)
		stored = msg.Preview
		blobHash = sql.NullString{String: hash, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
		(id, created_at, role, content, content_hash, blob_hash, token_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		toNanos(msg.CreatedAt),
		string(msg.Role),
		stored,
		msg.ContentHash,
		blobHash,
		msg.TokenCount,
		mdJSON,
	)
	if err != nil {
		return ir.StoredMessage{}, fmt.Errorf("append message: %w", err)
	}

	s.logger.Debug("message appended",
		zap.String("message_id", msg.ID),
		zap.String("role", string(msg.Role)),
		zap.Bool("blob", msg.IsBlobRef()))
	return msg, nil
}

// CreateSession inserts a new manifest together with its initial references
// (non-empty for forks) in a single transaction.
func (s *Store) CreateSession(ctx context.Context, m *ir.SessionManifest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create session: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var forkSource sql.NullString
	var forkIndex, forkedAt sql.NullInt64
	if m.ForkedFrom != nil {
		forkSource = sql.NullString{String: m.ForkedFrom.SourceSessionID, Valid: true}
		forkIndex = sql.NullInt64{Int64: int64(m.ForkedFrom.ForkIndex), Valid: true}
		forkedAt = sql.NullInt64{Int64: toNanos(m.ForkedFrom.ForkedAt), Valid: true}
	}
	summary, before, compactedAt := compactionColumns(m.Compaction)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions
		(id, name, project, model, created_at, updated_at, last_active_at,
		 fork_source, fork_index, forked_at,
		 compaction_summary, compacted_before, compacted_at,
		 input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.Name, m.Project, m.Model,
		toNanos(m.CreatedAt), toNanos(m.UpdatedAt), toNanos(m.LastActiveAt),
		forkSource, forkIndex, forkedAt,
		summary, before, compactedAt,
		m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.CacheReadTokens, m.Usage.CacheCreationTokens,
	)
	if err != nil {
		return fmt.Errorf("create session: insert: %w", err)
	}

	if err := insertRefs(ctx, tx, m.ID, 0, m.Messages); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create session: commit: %w", err)
	}
	return nil
}

// AppendRefs appends message references after the session's current tail and
// optionally records a merge, atomically. Returns the new manifest length.
// Returns a NOT_FOUND *ir.Error if the session does not exist.
func (s *Store) AppendRefs(ctx context.Context, sessionID string, refs []ir.MessageRef, merge *ir.MergeRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append refs: begin tx: %w", err)
	}
	defer tx.Rollback()

	var length int
	err = tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM session_messages WHERE session_id = s.id)
		FROM sessions s WHERE s.id = ?
	`, sessionID).Scan(&length)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ir.NewSessionNotFound(sessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("append refs: read length: %w", err)
	}

	if err := insertRefs(ctx, tx, sessionID, length, refs); err != nil {
		return 0, fmt.Errorf("append refs: %w", err)
	}

	if merge != nil {
		indicesJSON, err := marshalIndices(merge.SourceIndices)
		if err != nil {
			return 0, fmt.Errorf("append refs: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO merges (session_id, source_session_id, source_indices, inserted_at, merged_at)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, merge.SourceSessionID, indicesJSON, length, toNanos(merge.MergedAt))
		if err != nil {
			return 0, fmt.Errorf("append refs: insert merge: %w", err)
		}
	}

	now := toNanos(s.now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ?, last_active_at = ? WHERE id = ?
	`, now, now, sessionID); err != nil {
		return 0, fmt.Errorf("append refs: touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append refs: commit: %w", err)
	}
	return length + len(refs), nil
}

// UpdateSession persists the scalar fields of a manifest: name, model,
// compaction state, token usage and timestamps. References are not touched.
// Returns a NOT_FOUND *ir.Error if the session does not exist.
func (s *Store) UpdateSession(ctx context.Context, m *ir.SessionManifest) error {
	summary, before, compactedAt := compactionColumns(m.Compaction)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			name = ?, model = ?, updated_at = ?, last_active_at = ?,
			compaction_summary = ?, compacted_before = ?, compacted_at = ?,
			input_tokens = ?, output_tokens = ?, cache_read_tokens = ?, cache_creation_tokens = ?
		WHERE id = ?
	`,
		m.Name, m.Model, toNanos(m.UpdatedAt), toNanos(m.LastActiveAt),
		summary, before, compactedAt,
		m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.CacheReadTokens, m.Usage.CacheCreationTokens,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireOneRow(res, m.ID, "update session")
}

// TouchSession marks a session as the most recently active one.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = ? WHERE id = ?
	`, toNanos(s.now()), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return requireOneRow(res, sessionID, "touch session")
}

// DeleteSession removes a manifest, its references and merge records.
// Message records are left in place for orphan cleanup.
// Returns a NOT_FOUND *ir.Error if the session does not exist.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireOneRow(res, sessionID, "delete session")
}

// DeleteOrphanedMessages computes the set of message ids referenced by any
// live manifest and removes every message record outside it. Returns the ids
// removed. Blob content referenced by removed messages is not deleted.
func (s *Store) DeleteOrphanedMessages(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("delete orphaned messages: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT m.id FROM messages m
		WHERE NOT EXISTS (SELECT 1 FROM session_messages sm WHERE sm.message_id = m.id)
		ORDER BY m.seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("delete orphaned messages: query: %w", err)
	}
	var orphans []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("delete orphaned messages: scan: %w", err)
		}
		orphans = append(orphans, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("delete orphaned messages: iterate: %w", err)
	}
	rows.Close()

	for _, id := range orphans {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("delete orphaned messages: delete %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("delete orphaned messages: commit: %w", err)
	}

	if orphans == nil {
		orphans = []string{}
	}
	return orphans, nil
}

// insertRefs writes refs at consecutive positions starting at start.
func insertRefs(ctx context.Context, tx *sql.Tx, sessionID string, start int, refs []ir.MessageRef) error {
	if len(refs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_messages
		(session_id, position, message_id, source_kind, source_session, source_index)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare refs: %w", err)
	}
	defer stmt.Close()

	for i, ref := range refs {
		var fromSession sql.NullString
		var sourceIndex sql.NullInt64
		if ref.Source.FromSession != "" {
			fromSession = sql.NullString{String: ref.Source.FromSession, Valid: true}
		}
		if ref.Source.Kind == ir.SourceImported {
			sourceIndex = sql.NullInt64{Int64: int64(ref.Source.OriginalIndex), Valid: true}
		}
		kind := ref.Source.Kind
		if kind == "" {
			kind = ir.SourceNative
		}
		if _, err := stmt.ExecContext(ctx,
			sessionID, start+i, ref.MessageID, string(kind), fromSession, sourceIndex,
		); err != nil {
			return fmt.Errorf("insert ref %d (message %s): %w", start+i, ref.MessageID, err)
		}
	}
	return nil
}

func compactionColumns(c *ir.CompactionState) (sql.NullString, sql.NullInt64, sql.NullInt64) {
	if c == nil {
		return sql.NullString{}, sql.NullInt64{}, sql.NullInt64{}
	}
	return sql.NullString{String: c.Summary, Valid: true},
		sql.NullInt64{Int64: int64(c.CompactedBeforeIndex), Valid: true},
		sql.NullInt64{Int64: toNanos(c.CompactedAt), Valid: true}
}

func requireOneRow(res sql.Result, sessionID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ir.NewSessionNotFound(sessionID)
	}
	return nil
}
