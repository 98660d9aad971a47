package ir

import (
	"fmt"
	"strings"
)

// Authority is the weight a watcher's injections carry in the parent session.
type Authority string

const (
	// AuthorityPeer frames injections as suggestions.
	AuthorityPeer Authority = "Peer"
	// AuthoritySupervisor frames injections as directives.
	AuthoritySupervisor Authority = "Supervisor"
)

// ParseAuthority accepts "peer" or "supervisor" in any case.
func ParseAuthority(s string) (Authority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "peer":
		return AuthorityPeer, nil
	case "supervisor":
		return AuthoritySupervisor, nil
	}
	return "", fmt.Errorf("invalid authority %q: must be peer or supervisor", s)
}

// WatchRelationship is one parent -> watcher edge in the watch graph.
type WatchRelationship struct {
	ParentID    string    `json:"parent_id"`
	WatcherID   string    `json:"watcher_id"`
	Role        string    `json:"role"`
	Description string    `json:"description,omitempty"`
	Authority   Authority `json:"authority"`
	AutoInject  bool      `json:"auto_inject"`
}

// Interjection is a structured directive parsed from a watcher reply.
// It is never persisted except as its formatted injected message.
type Interjection struct {
	Urgent  bool   `json:"urgent"`
	Content string `json:"content"`
}
