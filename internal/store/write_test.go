package store

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convo/internal/ir"
)

func TestAppendMessage_Inline(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := t.Context()
		msg, err := s.AppendMessage(ctx, ir.RoleUser, "hello", map[string]string{"k": "v"})
		require.NoError(t, err)

		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.IsBlobRef())
		assert.Equal(t, ir.ContentHash([]byte("hello")), msg.ContentHash)

		got, err := s.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Content)
		assert.Equal(t, ir.RoleUser, got.Role)
		assert.Equal(t, map[string]string{"k": "v"}, got.Metadata)
		assert.True(t, got.CreatedAt.Equal(msg.CreatedAt))
	})
}

func TestAppendMessage_LargeContentUsesBlob(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := t.Context()
		content := strings.Repeat("a", 20*1024)

		msg, err := s.AppendMessage(ctx, ir.RoleAssistant, content, nil)
		require.NoError(t, err)
		require.True(t, msg.IsBlobRef())
		assert.Equal(t, content, msg.Content)
		assert.Len(t, msg.Preview, DefaultPreviewRunes)
		assert.True(t, s.Blobs().Exists(msg.BlobHash))

		// The row keeps only the preview.
		var stored string
		require.NoError(t, s.db.QueryRow(`SELECT content FROM messages WHERE id = ?`, msg.ID).Scan(&stored))
		assert.Equal(t, msg.Preview, stored)

		got, err := s.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, content, got.Content)
		assert.Equal(t, msg.Preview, got.Preview)
	})
}

func TestAppendMessage_ThresholdBoundary(t *testing.T) {
	s := createTestStore(t, WithBlobThreshold(8))
	ctx := t.Context()

	atLimit, err := s.AppendMessage(ctx, ir.RoleUser, "12345678", nil)
	require.NoError(t, err)
	assert.False(t, atLimit.IsBlobRef())

	over, err := s.AppendMessage(ctx, ir.RoleUser, "123456789", nil)
	require.NoError(t, err)
	assert.True(t, over.IsBlobRef())
}

func TestAppendMessage_IdenticalLargeContentSharesBlob(t *testing.T) {
	s := createTestStore(t, WithBlobThreshold(4))
	ctx := t.Context()

	a, err := s.AppendMessage(ctx, ir.RoleUser, "same large content", nil)
	require.NoError(t, err)
	b, err := s.AppendMessage(ctx, ir.RoleUser, "same large content", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.BlobHash, b.BlobHash)
	n, err := s.Blobs().Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendMessage_InvalidRole(t *testing.T) {
	s := createTestStore(t)
	_, err := s.AppendMessage(t.Context(), ir.Role("robot"), "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid role")
}

func TestAppendMessage_ConcurrentUniqueIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	const n = 50
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := s.AppendMessage(ctx, ir.RoleUser, "concurrent", nil)
			ids[i], errs[i] = msg.ID, err
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := range ids {
		require.NoError(t, errs[i])
		assert.False(t, seen[ids[i]], "duplicate id %s", ids[i])
		seen[ids[i]] = true
	}
	count, err := s.MessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestAppendRefs_PositionsAndMerge(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	createTestSession(t, s, "target", "/p")
	first := appendTestMessages(t, s, "target", 2)

	msg, err := s.AppendMessage(ctx, ir.RoleUser, "imported", nil)
	require.NoError(t, err)
	ref := ir.MessageRef{
		MessageID: msg.ID,
		Source:    ir.MessageSource{Kind: ir.SourceImported, FromSession: "other", OriginalIndex: 7},
	}
	n, err := s.AppendRefs(ctx, "target", []ir.MessageRef{ref}, &ir.MergeRecord{
		SourceSessionID: "other",
		SourceIndices:   []int{7},
		MergedAt:        s.now(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	m, err := s.ReadSession(ctx, "target")
	require.NoError(t, err)
	assert.Equal(t, append(first, msg.ID), m.MessageIDs())
	assert.Equal(t, ref.Source, m.Messages[2].Source)
	require.Len(t, m.MergedFrom, 1)
	assert.Equal(t, 2, m.MergedFrom[0].InsertedAt)
	assert.Equal(t, []int{7}, m.MergedFrom[0].SourceIndices)
}

func TestAppendRefs_UnknownSession(t *testing.T) {
	s := createTestStore(t)
	_, err := s.AppendRefs(t.Context(), "missing", nil, nil)
	assert.True(t, ir.IsNotFound(err))
}

func TestAppendRefs_UnknownMessageRejected(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "s1", "/p")
	_, err := s.AppendRefs(t.Context(), "s1", []ir.MessageRef{{MessageID: "nope"}}, nil)
	require.Error(t, err)

	m, err := s.ReadSession(t.Context(), "s1")
	require.NoError(t, err)
	assert.Zero(t, m.Len(), "failed append must not leave partial refs")
}

func TestUpdateSession(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	m := createTestSession(t, s, "s1", "/p")
	appendTestMessages(t, s, "s1", 3)

	m.Name = "renamed"
	m.Compaction = &ir.CompactionState{Summary: "sum", CompactedBeforeIndex: 2, CompactedAt: s.now()}
	m.Usage.InputTokens = 10
	m.Usage.CacheReadTokens = 3
	require.NoError(t, s.UpdateSession(ctx, m))

	got, err := s.ReadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	require.NotNil(t, got.Compaction)
	assert.Equal(t, 2, got.Compaction.CompactedBeforeIndex)
	assert.Equal(t, "sum", got.Compaction.Summary)
	assert.Equal(t, int64(10), got.Usage.InputTokens)
	assert.Equal(t, int64(3), got.Usage.CacheReadTokens)
	assert.Len(t, got.Messages, 3, "update must not touch refs")

	got.Compaction = nil
	require.NoError(t, s.UpdateSession(ctx, got))
	cleared, err := s.ReadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, cleared.Compaction)
}

func TestUpdateSession_Unknown(t *testing.T) {
	s := createTestStore(t)
	err := s.UpdateSession(t.Context(), &ir.SessionManifest{ID: "missing"})
	assert.True(t, ir.IsNotFound(err))
}

func TestDeleteSession_KeepsMessages(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	createTestSession(t, s, "s1", "/p")
	ids := appendTestMessages(t, s, "s1", 2)
	_, err := s.AppendRefs(ctx, "s1", nil, &ir.MergeRecord{SourceSessionID: "x", MergedAt: s.now()})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	_, err = s.ReadSession(ctx, "s1")
	assert.True(t, ir.IsNotFound(err))
	for _, id := range ids {
		_, err := s.GetMessage(ctx, id)
		assert.NoError(t, err)
	}

	var refs, merges int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM session_messages`).Scan(&refs))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM merges`).Scan(&merges))
	assert.Zero(t, refs)
	assert.Zero(t, merges)

	assert.True(t, ir.IsNotFound(s.DeleteSession(ctx, "s1")))
}

func TestDeleteOrphanedMessages(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		ctx := t.Context()
		createTestSession(t, s, "keep", "/p")
		createTestSession(t, s, "drop", "/p")
		kept := appendTestMessages(t, s, "keep", 2)
		dropped := appendTestMessages(t, s, "drop", 3)

		// Shared between both sessions: must survive.
		_, err := s.AppendRefs(ctx, "drop", []ir.MessageRef{{MessageID: kept[0]}}, nil)
		require.NoError(t, err)

		require.NoError(t, s.DeleteSession(ctx, "drop"))
		removed, err := s.DeleteOrphanedMessages(ctx)
		require.NoError(t, err)
		assert.Equal(t, dropped, removed)

		ids, err := s.ListMessageIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, kept, ids)

		again, err := s.DeleteOrphanedMessages(ctx)
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

func TestTouchSession_Unknown(t *testing.T) {
	s := createTestStore(t)
	assert.True(t, ir.IsNotFound(s.TouchSession(t.Context(), "missing")))
}
