package ir

import (
	"errors"
	"fmt"
)

// Error is the typed error returned by the store, session, history and watch
// layers. It carries the offending id and, for range errors, the index and
// boundary that were violated.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description naming the violated invariant.
	Message string

	// ID is the offending session, message, blob or watcher id.
	ID string

	// Index is the offending index for range errors (-1 when unused).
	Index int

	// Boundary is the limit that Index violated (-1 when unused).
	Boundary int
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a missing blob, message, session or source session.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInvalidRange indicates an index before the compaction boundary or past the end.
	ErrCodeInvalidRange ErrorCode = "INVALID_RANGE"

	// ErrCodeConflict indicates a watcher reassignment or a watch cycle.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeEmptyMessage indicates content that is empty after trimming.
	ErrCodeEmptyMessage ErrorCode = "EMPTY_MESSAGE"

	// ErrCodeMalformedInterjection indicates a watcher reply that broke the control protocol.
	ErrCodeMalformedInterjection ErrorCode = "MALFORMED_INTERJECTION"

	// ErrCodeParentGone indicates the delivery target no longer exists.
	ErrCodeParentGone ErrorCode = "PARENT_GONE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s (id=%s)", e.Code, e.Message, e.ID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code so that errors.Is(err, ErrNotFound) works for
// any NOT_FOUND error regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound     = &Error{Code: ErrCodeNotFound}
	ErrInvalidRange = &Error{Code: ErrCodeInvalidRange}
	ErrConflict     = &Error{Code: ErrCodeConflict}
	ErrEmptyMessage = &Error{Code: ErrCodeEmptyMessage}
)

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound returns true if err is a NOT_FOUND error.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsInvalidRange returns true if err is an INVALID_RANGE error.
func IsInvalidRange(err error) bool { return hasCode(err, ErrCodeInvalidRange) }

// IsConflict returns true if err is a CONFLICT error.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsEmptyMessage returns true if err is an EMPTY_MESSAGE error.
func IsEmptyMessage(err error) bool { return hasCode(err, ErrCodeEmptyMessage) }


// NewBlobNotFound creates a NOT_FOUND error for an unknown blob hash.
func NewBlobNotFound(hash string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "blob not found", ID: hash, Index: -1, Boundary: -1}
}

// NewMessageNotFound creates a NOT_FOUND error for an unknown message id.
func NewMessageNotFound(id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "message not found", ID: id, Index: -1, Boundary: -1}
}

// NewSessionNotFound creates a NOT_FOUND error for an unknown session id.
func NewSessionNotFound(id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "session not found", ID: id, Index: -1, Boundary: -1}
}

// NewSourceSessionNotFound creates a NOT_FOUND error for a missing merge or
// cherry-pick source.
func NewSourceSessionNotFound(id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "source session not found", ID: id, Index: -1, Boundary: -1}
}

// NewNoSessionForProject creates a NOT_FOUND error for ResumeLast.
func NewNoSessionForProject(project string) *Error {
	return &Error{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("no session found for project %q", project),
		Index:    -1,
		Boundary: -1,
	}
}

// NewInvalidForkIndex creates an INVALID_RANGE error for a fork below the
// compaction boundary or past the manifest end. It names both the index and
// the boundary that was violated.
func NewInvalidForkIndex(sessionID string, index, compactedBefore, length int) *Error {
	if index > length {
		return &Error{
			Code:     ErrCodeInvalidRange,
			Message:  fmt.Sprintf("fork index %d is past the end of the session (%d messages)", index, length),
			ID:       sessionID,
			Index:    index,
			Boundary: length,
		}
	}
	return &Error{
		Code: ErrCodeInvalidRange,
		Message: fmt.Sprintf(
			"cannot fork at index %d which is before compaction boundary %d; fork at index %d or later",
			index, compactedBefore, compactedBefore),
		ID:       sessionID,
		Index:    index,
		Boundary: compactedBefore,
	}
}

// NewIndexOutOfRange creates an INVALID_RANGE error for a message index
// outside a session.
func NewIndexOutOfRange(sessionID string, index, length int) *Error {
	return &Error{
		Code:     ErrCodeInvalidRange,
		Message:  fmt.Sprintf("message index %d is out of range (session has %d messages)", index, length),
		ID:       sessionID,
		Index:    index,
		Boundary: length,
	}
}

// NewWatcherConflict creates a CONFLICT error for a watcher that already has
// a different parent.
func NewWatcherConflict(watcherID, existingParent, requestedParent string) *Error {
	return &Error{
		Code: ErrCodeConflict,
		Message: fmt.Sprintf("watcher already has parent %s; cannot also watch %s",
			existingParent, requestedParent),
		ID:       watcherID,
		Index:    -1,
		Boundary: -1,
	}
}

// NewWatchCycle creates a CONFLICT error for an edge that would close a cycle.
func NewWatchCycle(watcherID, parentID string) *Error {
	return &Error{
		Code:     ErrCodeConflict,
		Message:  fmt.Sprintf("circular watching not allowed: %s already watches (directly or transitively) %s", parentID, watcherID),
		ID:       watcherID,
		Index:    -1,
		Boundary: -1,
	}
}

// NewEmptyMessage creates an EMPTY_MESSAGE error. what names the field.
func NewEmptyMessage(what string) *Error {
	return &Error{Code: ErrCodeEmptyMessage, Message: what + " is empty after trimming", Index: -1, Boundary: -1}
}

// NewEntryTooLarge creates an INVALID_RANGE error for a record whose encoded
// size exceeds limit bytes.
func NewEntryTooLarge(what string, size, limit int) *Error {
	return &Error{
		Code:     ErrCodeInvalidRange,
		Message:  fmt.Sprintf("%s is %d bytes encoded; limit is %d", what, size, limit),
		Index:    size,
		Boundary: limit,
	}
}

// NewParentGone creates a PARENT_GONE error.
func NewParentGone(parentID string) *Error {
	return &Error{Code: ErrCodeParentGone, Message: "parent session no longer exists", ID: parentID, Index: -1, Boundary: -1}
}

// NewMalformedInterjection creates a MALFORMED_INTERJECTION error naming why
// a watcher reply was rejected.
func NewMalformedInterjection(reason string) *Error {
	return &Error{Code: ErrCodeMalformedInterjection, Message: reason, Index: -1, Boundary: -1}
}
