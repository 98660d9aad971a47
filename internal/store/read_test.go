package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convo/internal/ir"
)

func TestGetMessage_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetMessage(t.Context(), "missing")
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err))

	var e *ir.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "missing", e.ID)
}

func TestGetMessage_MissingBlob(t *testing.T) {
	s := createTestStore(t, WithBlobThreshold(4))
	ctx := t.Context()
	msg, err := s.AppendMessage(ctx, ir.RoleUser, "large enough", nil)
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE messages SET blob_hash = ? WHERE id = ?`, ir.ContentHash([]byte("other")), msg.ID)
	require.NoError(t, err)

	_, err = s.GetMessage(ctx, msg.ID)
	assert.True(t, ir.IsNotFound(err))
}

func TestGetMessages_Order(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	a, err := s.AppendMessage(ctx, ir.RoleUser, "a", nil)
	require.NoError(t, err)
	b, err := s.AppendMessage(ctx, ir.RoleAssistant, "b", nil)
	require.NoError(t, err)

	got, err := s.GetMessages(ctx, []string{b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Content)
	assert.Equal(t, "a", got[1].Content)

	_, err = s.GetMessages(ctx, []string{a.ID, "missing"})
	assert.True(t, ir.IsNotFound(err))
}

func TestReadSession_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ReadSession(t.Context(), "missing")
	assert.True(t, ir.IsNotFound(err))
}

func TestReadSession_ForkLineage(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	createTestSession(t, s, "src", "/p")
	ids := appendTestMessages(t, s, "src", 3)

	now := s.now()
	fork := &ir.SessionManifest{
		ID:           "fork",
		Name:         "fork",
		Project:      "/p",
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
		ForkedFrom:   &ir.ForkPoint{SourceSessionID: "src", ForkIndex: 2, ForkedAt: now},
		Messages: []ir.MessageRef{
			{MessageID: ids[0], Source: ir.MessageSource{Kind: ir.SourceForked, FromSession: "src"}},
			{MessageID: ids[1], Source: ir.MessageSource{Kind: ir.SourceForked, FromSession: "src"}},
		},
	}
	require.NoError(t, s.CreateSession(ctx, fork))

	got, err := s.ReadSession(ctx, "fork")
	require.NoError(t, err)
	assert.Equal(t, ids[:2], got.MessageIDs())
	require.NotNil(t, got.ForkedFrom)
	assert.Equal(t, "src", got.ForkedFrom.SourceSessionID)
	assert.Equal(t, 2, got.ForkedFrom.ForkIndex)
	assert.True(t, got.ForkedFrom.ForkedAt.Equal(now))
	assert.Equal(t, ir.SourceForked, got.Messages[0].Source.Kind)
	assert.Nil(t, got.Compaction)
}

func TestListSessions_RecencyOrder(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := t.Context()
		createTestSession(t, s, "a", "/p")
		createTestSession(t, s, "b", "/p")
		createTestSession(t, s, "c", "/other")
		appendTestMessages(t, s, "a", 2)

		all, err := s.ListSessions(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", all[0].ID, "most recently active first")
		assert.Equal(t, 2, all[0].MessageCount)
		assert.Equal(t, 2, all[0].ActiveContextLen)

		proj, err := s.ListSessions(ctx, "/p")
		require.NoError(t, err)
		require.Len(t, proj, 2)
		assert.Equal(t, "a", proj[0].ID)
		assert.Equal(t, "b", proj[1].ID)

		none, err := s.ListSessions(ctx, "/nowhere")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestListSessions_CompactionAndMerges(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	m := createTestSession(t, s, "s1", "/p")
	appendTestMessages(t, s, "s1", 10)
	m.Compaction = &ir.CompactionState{Summary: "sum", CompactedBeforeIndex: 8, CompactedAt: s.now()}
	require.NoError(t, s.UpdateSession(ctx, m))
	_, err := s.AppendRefs(ctx, "s1", nil, &ir.MergeRecord{SourceSessionID: "x", MergedAt: s.now()})
	require.NoError(t, err)

	list, err := s.ListSessions(ctx, "/p")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Compacted)
	assert.Equal(t, 10, list[0].MessageCount)
	assert.Equal(t, 3, list[0].ActiveContextLen)
	assert.Equal(t, 1, list[0].MergeCount)
}

func TestLatestSessionID(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, err := s.LatestSessionID(ctx, "/p")
	assert.True(t, ir.IsNotFound(err))

	createTestSession(t, s, "a", "/p")
	createTestSession(t, s, "b", "/p")
	id, err := s.LatestSessionID(ctx, "/p")
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	require.NoError(t, s.TouchSession(ctx, "a"))
	id, err = s.LatestSessionID(ctx, "/p")
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestReferencedMessageIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	createTestSession(t, s, "s1", "/p")
	ids := appendTestMessages(t, s, "s1", 2)
	orphan, err := s.AppendMessage(ctx, ir.RoleUser, "orphan", nil)
	require.NoError(t, err)

	refs, err := s.ReferencedMessageIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
	assert.Contains(t, refs, ids[0])
	assert.NotContains(t, refs, orphan.ID)

	exists, err := s.SessionExists(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, exists)
}
