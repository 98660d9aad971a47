package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/convo/internal/ir"
)

// GetMessage retrieves a single message by id. Blob references are resolved
// transparently: the returned Content is always the full text.
// Returns a NOT_FOUND *ir.Error if the message does not exist.
func (s *Store) GetMessage(ctx context.Context, id string) (ir.StoredMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, role, content, content_hash, blob_hash, token_count, metadata
		FROM messages
		WHERE id = ?
	`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.StoredMessage{}, ir.NewMessageNotFound(id)
	}
	if err != nil {
		return ir.StoredMessage{}, fmt.Errorf("get message %s: %w", id, err)
	}

	if msg.IsBlobRef() {
		if s.blobs == nil {
			return ir.StoredMessage{}, fmt.Errorf("get message %s: content is in blob %s but no blob store is attached", id, msg.BlobHash)
		}
		data, err := s.blobs.Get(msg.BlobHash)
		if err != nil {
			return ir.StoredMessage{}, fmt.Errorf("get message %s: %w", id, err)
		}
		msg.Preview = msg.Content
		msg.Content = string(data)
	}
	return msg, nil
}

// GetMessages resolves ids in order. Fails on the first missing id.
func (s *Store) GetMessages(ctx context.Context, ids []string) ([]ir.StoredMessage, error) {
	out := make([]ir.StoredMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := s.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// MessageCount returns the number of message records.
func (s *Store) MessageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ListMessageIDs returns every message id in append order.
func (s *Store) ListMessageIDs(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM messages ORDER BY seq ASC`)
}

// ReferencedMessageIDs returns the distinct message ids referenced by any
// live manifest.
func (s *Store) ReferencedMessageIDs(ctx context.Context) (map[string]struct{}, error) {
	ids, err := s.queryIDs(ctx, `SELECT DISTINCT message_id FROM session_messages`)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// ReadSession loads a full manifest: scalar fields, ordered references and
// merge records. Returns a NOT_FOUND *ir.Error if the session does not exist.
func (s *Store) ReadSession(ctx context.Context, id string) (*ir.SessionManifest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE id = ?
	`, id)
	m, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewSessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	if m.Messages, err = s.readRefs(ctx, id); err != nil {
		return nil, err
	}
	if m.MergedFrom, err = s.readMerges(ctx, id); err != nil {
		return nil, err
	}
	return m, nil
}

// SessionExists reports whether a manifest with the given id exists.
func (s *Store) SessionExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("session exists: %w", err)
	}
	return n > 0, nil
}

// ListSessions returns summaries of the project's sessions, most recently
// active first. An empty project lists every session.
func (s *Store) ListSessions(ctx context.Context, project string) ([]ir.SessionSummary, error) {
	query := `
		SELECT ` + sessionColumns + `,
			(SELECT COUNT(*) FROM session_messages sm WHERE sm.session_id = sessions.id),
			(SELECT COUNT(*) FROM merges mg WHERE mg.session_id = sessions.id)
		FROM sessions`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY last_active_at DESC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	summaries := []ir.SessionSummary{}
	for rows.Next() {
		var count, merges int
		m, err := scanSessionWith(rows, &count, &merges)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		active := count
		if m.Compaction != nil {
			active = count - m.Compaction.CompactedBeforeIndex + 1
		}
		summaries = append(summaries, ir.SessionSummary{
			ID:               m.ID,
			Name:             m.Name,
			Project:          m.Project,
			MessageCount:     count,
			ActiveContextLen: active,
			ForkedFrom:       m.ForkedFrom,
			MergeCount:       merges,
			Compacted:        m.Compaction != nil,
			UpdatedAt:        m.UpdatedAt,
			LastActiveAt:     m.LastActiveAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: iterate: %w", err)
	}
	return summaries, nil
}

// LatestSessionID returns the id of the project's most recently active
// session. Returns a NOT_FOUND *ir.Error if the project has none.
func (s *Store) LatestSessionID(ctx context.Context, project string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM sessions
		WHERE project = ?
		ORDER BY last_active_at DESC, id COLLATE BINARY ASC
		LIMIT 1
	`, project).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ir.NewNoSessionForProject(project)
	}
	if err != nil {
		return "", fmt.Errorf("latest session: %w", err)
	}
	return id, nil
}

// ListSessionIDs returns all session ids ordered by id.
func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM sessions ORDER BY id COLLATE BINARY ASC`)
}

func (s *Store) readRefs(ctx context.Context, sessionID string) ([]ir.MessageRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, source_kind, source_session, source_index
		FROM session_messages
		WHERE session_id = ?
		ORDER BY position ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query refs: %w", err)
	}
	defer rows.Close()

	refs := []ir.MessageRef{}
	for rows.Next() {
		var (
			ref         ir.MessageRef
			kind        string
			fromSession sql.NullString
			sourceIndex sql.NullInt64
		)
		if err := rows.Scan(&ref.MessageID, &kind, &fromSession, &sourceIndex); err != nil {
			return nil, fmt.Errorf("scan ref: %w", err)
		}
		ref.Source = ir.MessageSource{
			Kind:          ir.SourceKind(kind),
			FromSession:   fromSession.String,
			OriginalIndex: int(sourceIndex.Int64),
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refs: %w", err)
	}
	return refs, nil
}

func (s *Store) readMerges(ctx context.Context, sessionID string) ([]ir.MergeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_session_id, source_indices, inserted_at, merged_at
		FROM merges
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query merges: %w", err)
	}
	defer rows.Close()

	var merges []ir.MergeRecord
	for rows.Next() {
		var (
			rec         ir.MergeRecord
			indicesJSON string
			mergedAt    int64
		)
		if err := rows.Scan(&rec.SourceSessionID, &indicesJSON, &rec.InsertedAt, &mergedAt); err != nil {
			return nil, fmt.Errorf("scan merge: %w", err)
		}
		if rec.SourceIndices, err = unmarshalIndices(indicesJSON); err != nil {
			return nil, err
		}
		rec.MergedAt = fromNanos(mergedAt)
		merges = append(merges, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merges: %w", err)
	}
	return merges, nil
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

const sessionColumns = `id, name, project, model, created_at, updated_at, last_active_at,
	fork_source, fork_index, forked_at,
	compaction_summary, compacted_before, compacted_at,
	input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (ir.StoredMessage, error) {
	var (
		msg       ir.StoredMessage
		role      string
		createdAt int64
		blobHash  sql.NullString
		mdJSON    string
	)
	if err := row.Scan(&msg.ID, &createdAt, &role, &msg.Content, &msg.ContentHash, &blobHash, &msg.TokenCount, &mdJSON); err != nil {
		return ir.StoredMessage{}, err
	}
	msg.CreatedAt = fromNanos(createdAt)
	msg.Role = ir.Role(role)
	msg.BlobHash = blobHash.String
	md, err := unmarshalMetadata(mdJSON)
	if err != nil {
		return ir.StoredMessage{}, err
	}
	msg.Metadata = md
	return msg, nil
}

func scanSession(row scanner) (*ir.SessionManifest, error) {
	return scanSessionWith(row)
}

// scanSessionWith scans sessionColumns followed by any extra destinations.
func scanSessionWith(row scanner, extra ...any) (*ir.SessionManifest, error) {
	var (
		m                                 ir.SessionManifest
		createdAt, updatedAt, lastActive  int64
		forkSource                        sql.NullString
		forkIndex, forkedAt               sql.NullInt64
		summary                           sql.NullString
		compactedBefore, compactedAt      sql.NullInt64
	)
	dest := []any{
		&m.ID, &m.Name, &m.Project, &m.Model, &createdAt, &updatedAt, &lastActive,
		&forkSource, &forkIndex, &forkedAt,
		&summary, &compactedBefore, &compactedAt,
		&m.Usage.InputTokens, &m.Usage.OutputTokens, &m.Usage.CacheReadTokens, &m.Usage.CacheCreationTokens,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	m.CreatedAt = fromNanos(createdAt)
	m.UpdatedAt = fromNanos(updatedAt)
	m.LastActiveAt = fromNanos(lastActive)
	if forkSource.Valid {
		m.ForkedFrom = &ir.ForkPoint{
			SourceSessionID: forkSource.String,
			ForkIndex:       int(forkIndex.Int64),
			ForkedAt:        nullNanos(forkedAt),
		}
	}
	if summary.Valid {
		m.Compaction = &ir.CompactionState{
			Summary:              summary.String,
			CompactedBeforeIndex: int(compactedBefore.Int64),
			CompactedAt:          nullNanos(compactedAt),
		}
	}
	m.Messages = []ir.MessageRef{}
	return &m, nil
}
