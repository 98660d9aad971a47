package watcher

import (
	"fmt"
	"strings"

	"github.com/roach88/convo/internal/ir"
)

// FormatWatcherInput frames message for delivery to the parent session:
//
//	[WATCHER: {role} | Authority: {level} | Session: {watcherId}] {message}
//
// The prefix goes on the first line only; later lines of a multi-line
// message are delivered as written. Fails EMPTY_MESSAGE when message is
// blank.
func FormatWatcherInput(rel ir.WatchRelationship, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ir.NewEmptyMessage("watcher message")
	}
	authority := rel.Authority
	if authority == "" {
		authority = ir.AuthorityPeer
	}
	return fmt.Sprintf("[WATCHER: %s | Authority: %s | Session: %s] %s", rel.Role, authority, rel.WatcherID, message), nil
}
