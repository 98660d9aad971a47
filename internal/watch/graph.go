// Package watch maintains the watch graph: which watcher sessions observe
// which parent session, and with what role and authority.
//
// A watcher has exactly one parent. A parent may have any number of
// watchers, kept in registration order. The graph never contains a cycle.
package watch

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/convo/internal/ir"
)

// Graph is the in-memory registry of watch relationships. Safe for
// concurrent use.
type Graph struct {
	mu        sync.RWMutex
	byWatcher map[string]ir.WatchRelationship
	byParent  map[string][]string // watcher ids in registration order
	logger    *zap.Logger
}

// NewGraph returns an empty graph. A nil logger disables logging.
func NewGraph(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		byWatcher: make(map[string]ir.WatchRelationship),
		byParent:  make(map[string][]string),
		logger:    logger,
	}
}

// AddWatcher registers rel.WatcherID as a watcher of rel.ParentID.
//
// Re-adding an existing pair updates its role, description, authority and
// auto-inject flag. Returns a CONFLICT error if the watcher already has a
// different parent or if the edge would close a cycle.
func (g *Graph) AddWatcher(rel ir.WatchRelationship) error {
	if rel.Authority == "" {
		rel.Authority = ir.AuthorityPeer
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.byWatcher[rel.WatcherID]; ok {
		if existing.ParentID != rel.ParentID {
			return ir.NewWatcherConflict(rel.WatcherID, existing.ParentID, rel.ParentID)
		}
		g.byWatcher[rel.WatcherID] = rel
		g.logger.Debug("watch relationship updated",
			zap.String("parent_id", rel.ParentID),
			zap.String("watcher_id", rel.WatcherID))
		return nil
	}

	// Walk up from the parent; reaching the watcher means a cycle.
	for cur := rel.ParentID; ; {
		if cur == rel.WatcherID {
			return ir.NewWatchCycle(rel.WatcherID, rel.ParentID)
		}
		up, ok := g.byWatcher[cur]
		if !ok {
			break
		}
		cur = up.ParentID
	}

	g.byWatcher[rel.WatcherID] = rel
	g.byParent[rel.ParentID] = append(g.byParent[rel.ParentID], rel.WatcherID)
	g.logger.Info("watcher added",
		zap.String("parent_id", rel.ParentID),
		zap.String("watcher_id", rel.WatcherID),
		zap.String("role", rel.Role),
		zap.String("authority", string(rel.Authority)))
	return nil
}

// GetParent returns the relationship of a watcher to its parent.
func (g *Graph) GetParent(watcherID string) (ir.WatchRelationship, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rel, ok := g.byWatcher[watcherID]
	return rel, ok
}

// GetWatchers returns the parent's watchers in registration order, or an
// empty slice.
func (g *Graph) GetWatchers(parentID string) []ir.WatchRelationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.byParent[parentID]
	out := make([]ir.WatchRelationship, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.byWatcher[id])
	}
	return out
}

// SetAutoInject toggles automatic delivery for a watcher. Returns a
// NOT_FOUND error if the session is not a watcher.
func (g *Graph) SetAutoInject(watcherID string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rel, ok := g.byWatcher[watcherID]
	if !ok {
		return &ir.Error{Code: ir.ErrCodeNotFound, Message: "watcher not found", ID: watcherID, Index: -1, Boundary: -1}
	}
	rel.AutoInject = enabled
	g.byWatcher[watcherID] = rel
	return nil
}

// RemoveWatcher drops a watcher's edge. Unknown ids are ignored.
func (g *Graph) RemoveWatcher(watcherID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeWatcherLocked(watcherID)
}

func (g *Graph) removeWatcherLocked(watcherID string) {
	rel, ok := g.byWatcher[watcherID]
	if !ok {
		return
	}
	delete(g.byWatcher, watcherID)
	ids := slices.DeleteFunc(g.byParent[rel.ParentID], func(id string) bool { return id == watcherID })
	if len(ids) == 0 {
		delete(g.byParent, rel.ParentID)
	} else {
		g.byParent[rel.ParentID] = ids
	}
	g.logger.Info("watcher removed",
		zap.String("parent_id", rel.ParentID),
		zap.String("watcher_id", watcherID))
}

// RemoveParent drops every edge to the parent's watchers. The watchers
// themselves remain sessions and may be attached elsewhere.
func (g *Graph) RemoveParent(parentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range slices.Clone(g.byParent[parentID]) {
		g.removeWatcherLocked(id)
	}
}

// Detach removes every relationship the session takes part in, as parent or
// as watcher.
func (g *Graph) Detach(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeWatcherLocked(sessionID)
	for _, id := range slices.Clone(g.byParent[sessionID]) {
		g.removeWatcherLocked(id)
	}
}

// Len returns the number of watch relationships.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byWatcher)
}
