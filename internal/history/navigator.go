package history

import "github.com/roach88/convo/internal/ir"

// Navigator walks history like shell up/down arrows. It starts at the empty
// prompt (no entry selected) and operates on a snapshot taken at creation.
type Navigator struct {
	entries []ir.HistoryEntry // newest first
	cursor  int               // -1 is the empty prompt
}

// Navigator returns a cursor over the project's entries, or over all entries
// when project is empty.
func (h *Log) Navigator(project string) *Navigator {
	return &Navigator{entries: h.Entries(project, 0), cursor: -1}
}

// Older moves one entry back in time and returns its text. At the oldest
// entry it stays put. ok is false only when there is no history at all.
func (n *Navigator) Older() (string, bool) {
	if len(n.entries) == 0 {
		return "", false
	}
	if n.cursor < len(n.entries)-1 {
		n.cursor++
	}
	return n.entries[n.cursor].Display, true
}

// Newer moves one entry forward in time. Moving past the newest entry
// returns to the empty prompt and yields "". ok is false when already at the
// empty prompt.
func (n *Navigator) Newer() (string, bool) {
	if n.cursor < 0 {
		return "", false
	}
	n.cursor--
	if n.cursor < 0 {
		return "", true
	}
	return n.entries[n.cursor].Display, true
}

// Current returns the selected entry, or false at the empty prompt.
func (n *Navigator) Current() (ir.HistoryEntry, bool) {
	if n.cursor < 0 {
		return ir.HistoryEntry{}, false
	}
	return n.entries[n.cursor], true
}

// Reset returns to the empty prompt.
func (n *Navigator) Reset() {
	n.cursor = -1
}
