package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/convo/internal/blob"
	"github.com/roach88/convo/internal/ir"
)

// testClock is a deterministic clock advancing one second per call.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// createTestStore creates a store with an attached blob store in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blob.Open(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	all := append([]Option{WithBlobs(blobs), WithClock(newTestClock().Now)}, opts...)
	s, err := Open(filepath.Join(dir, "test.db"), all...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachDriver runs fn against a fresh store for both SQLite drivers.
func forEachDriver(t *testing.T, fn func(t *testing.T, s *Store)) {
	for _, driver := range []string{DriverCGO, DriverPure} {
		t.Run(driver, func(t *testing.T) {
			fn(t, createTestStore(t, WithDriver(driver)))
		})
	}
}

// createTestSession inserts an empty manifest for project.
func createTestSession(t *testing.T, s *Store, id, project string) *ir.SessionManifest {
	t.Helper()
	now := s.now()
	m := &ir.SessionManifest{
		ID:           id,
		Name:         "New session",
		Project:      project,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
		Messages:     []ir.MessageRef{},
	}
	require.NoError(t, s.CreateSession(t.Context(), m))
	return m
}

// appendTestMessages appends n user messages to a session and returns their ids.
func appendTestMessages(t *testing.T, s *Store, sessionID string, n int) []string {
	t.Helper()
	ctx := t.Context()
	ids := make([]string, 0, n)
	refs := make([]ir.MessageRef, 0, n)
	for i := 0; i < n; i++ {
		msg, err := s.AppendMessage(ctx, ir.RoleUser, "message", nil)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
		refs = append(refs, ir.MessageRef{MessageID: msg.ID, Source: ir.MessageSource{Kind: ir.SourceNative}})
	}
	_, err := s.AppendRefs(ctx, sessionID, refs, nil)
	require.NoError(t, err)
	return ids
}
