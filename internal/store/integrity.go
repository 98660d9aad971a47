package store

import (
	"context"
	"fmt"

	"github.com/roach88/convo/internal/ir"
)

// IntegrityReport summarizes the consistency of the database.
type IntegrityReport struct {
	Sessions        int      `json:"sessions"`
	Messages        int      `json:"messages"`
	Orphans         int      `json:"orphans"`          // messages no manifest references
	MissingBlobs    []string `json:"missing_blobs"`    // message ids whose blob is absent
	CorruptMessages []string `json:"corrupt_messages"` // message ids whose content hash no longer matches
	BadCompaction   []string `json:"bad_compaction"`   // session ids whose compaction boundary exceeds their length
}

// OK reports whether no inconsistency was found. Orphans are expected
// between cleanups and are not counted as a failure.
func (r IntegrityReport) OK() bool {
	return len(r.MissingBlobs) == 0 && len(r.CorruptMessages) == 0 && len(r.BadCompaction) == 0
}

// Verify walks every message and manifest and reports inconsistencies.
// Message content is re-hashed (through the blob store for blob references).
func (s *Store) Verify(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport

	sessions, err := s.ListSessionIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("verify: list sessions: %w", err)
	}
	report.Sessions = len(sessions)

	referenced, err := s.ReferencedMessageIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("verify: referenced messages: %w", err)
	}

	bad, err := s.queryIDs(ctx, `
		SELECT s.id FROM sessions s
		WHERE s.compacted_before IS NOT NULL
		  AND s.compacted_before > (SELECT COUNT(*) FROM session_messages sm WHERE sm.session_id = s.id)
		ORDER BY s.id COLLATE BINARY ASC
	`)
	if err != nil {
		return report, fmt.Errorf("verify: compaction: %w", err)
	}
	report.BadCompaction = bad

	ids, err := s.ListMessageIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("verify: %w", err)
	}
	report.Messages = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, ok := referenced[id]; !ok {
			report.Orphans++
		}
		msg, err := s.GetMessage(ctx, id)
		if ir.IsNotFound(err) {
			report.MissingBlobs = append(report.MissingBlobs, id)
			continue
		}
		if err != nil {
			report.CorruptMessages = append(report.CorruptMessages, id)
			continue
		}
		if ir.ContentHash([]byte(msg.Content)) != msg.ContentHash {
			report.CorruptMessages = append(report.CorruptMessages, id)
		}
	}

	return report, nil
}
