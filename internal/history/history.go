// Package history implements the shared command-input history: an
// append-only JSON Lines log with cursor navigation and search.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/convo/internal/ir"
)

// MaxEntryBytes bounds a single encoded history record, newline excluded.
const MaxEntryBytes = 1 << 20

// Log is the append-only history file plus an in-memory index, newest first.
type Log struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	entries []ir.HistoryEntry
	// partial is set when the file ends without a newline, as after a crash
	// mid-write. The next append starts a fresh line.
	partial bool
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the log's logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Log) {
		if l != nil {
			h.logger = l
		}
	}
}

// Open loads the history file at path, creating parent directories as needed.
// A missing file is an empty history. Malformed lines are skipped with a
// warning.
func Open(path string, opts ...Option) (*Log, error) {
	h := &Log{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

// Path returns the history file path.
func (h *Log) Path() string {
	return h.path
}

func (h *Log) load() error {
	data, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	h.partial = len(data) > 0 && data[len(data)-1] != '\n'

	r := bufio.NewReader(bytes.NewReader(data))
	lineNo := 0
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 {
			lineNo++
			h.parseLine(lineNo, raw)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
	}

	// File order is oldest first; later lines win timestamp ties.
	slices.Reverse(h.entries)
	slices.SortStableFunc(h.entries, func(a, b ir.HistoryEntry) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return nil
}

func (h *Log) parseLine(lineNo int, raw []byte) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	if len(line) > MaxEntryBytes {
		h.logger.Warn("skipping oversized history entry",
			zap.Int("line", lineNo),
			zap.Int("bytes", len(line)))
		return
	}
	var e ir.HistoryEntry
	if err := json.Unmarshal(line, &e); err != nil {
		h.logger.Warn("skipping malformed history entry",
			zap.Int("line", lineNo),
			zap.Error(err))
		return
	}
	h.entries = append(h.entries, e)
}

// Append writes one entry as a JSON line and fsyncs the file.
// Returns an EMPTY_MESSAGE error when text is blank and an INVALID_RANGE
// error when the encoded entry exceeds MaxEntryBytes.
func (h *Log) Append(text, sessionID, project string, ts time.Time) (ir.HistoryEntry, error) {
	if strings.TrimSpace(text) == "" {
		return ir.HistoryEntry{}, ir.NewEmptyMessage("history entry")
	}
	e := ir.HistoryEntry{
		Display:   text,
		Timestamp: ts.UTC(),
		Project:   project,
		SessionID: sessionID,
	}
	line, err := json.Marshal(e)
	if err != nil {
		return ir.HistoryEntry{}, fmt.Errorf("marshal history entry: %w", err)
	}
	if len(line) > MaxEntryBytes {
		return ir.HistoryEntry{}, ir.NewEntryTooLarge("history entry", len(line), MaxEntryBytes)
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.partial {
		line = append([]byte{'\n'}, line...)
	}
	if err := appendSync(h.path, line); err != nil {
		return ir.HistoryEntry{}, err
	}
	h.partial = false

	// Keep newest first; an older timestamp is placed by order.
	i, _ := slices.BinarySearchFunc(h.entries, e, func(a, b ir.HistoryEntry) int {
		if a.Timestamp.After(b.Timestamp) {
			return -1
		}
		return 1
	})
	h.entries = slices.Insert(h.entries, i, e)
	return e, nil
}

func appendSync(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write history: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync history: %w", err)
	}
	return f.Close()
}

// Len returns the number of loaded entries.
func (h *Log) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Entries returns up to limit entries, newest first, optionally filtered by
// project. limit <= 0 returns all.
func (h *Log) Entries(project string, limit int) []ir.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := []ir.HistoryEntry{}
	for _, e := range h.entries {
		if project != "" && e.Project != project {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Search yields entries whose text contains query, newest first. Matching is
// case-insensitive under Unicode case folding of NFC-normalized text. An
// empty project matches every project. The sequence is lazy and may be
// ranged over again; each pass sees the entries present when it starts.
func (h *Log) Search(query, project string) iter.Seq[ir.HistoryEntry] {
	return func(yield func(ir.HistoryEntry) bool) {
		h.mu.RLock()
		snapshot := slices.Clone(h.entries)
		h.mu.RUnlock()

		fold := cases.Fold()
		needle := fold.String(norm.NFC.String(query))
		for _, e := range snapshot {
			if project != "" && e.Project != project {
				continue
			}
			if !strings.Contains(fold.String(norm.NFC.String(e.Display)), needle) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}
