package watcher

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/convo/internal/ir"
)

// Control protocol markers. Case-sensitive.
const (
	interjectOpen  = "[INTERJECT]"
	interjectClose = "[/INTERJECT]"
	continueOpen   = "[CONTINUE]"
	continueClose  = "[/CONTINUE]"

	urgentField  = "urgent:"
	contentField = "content:"
)

// ParseInterjection extracts an interjection from a watcher's evaluation
// reply. It returns ok only for a reply holding exactly one well-formed
// INTERJECT block. A CONTINUE block, and any malformed reply, yields ok
// false; the rejection reason is logged. Never panics.
func ParseInterjection(text string, logger *zap.Logger) (ir.Interjection, bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ij, interject, err := parseReply(text)
	switch {
	case err != nil:
		logger.Warn("malformed watcher reply treated as continue",
			zap.String("reason", err.Error()))
		return ir.Interjection{}, false
	case !interject:
		logger.Debug("watcher chose to continue")
		return ir.Interjection{}, false
	}
	return ij, true
}

// parseReply returns interject=false with a nil error for a well-formed
// CONTINUE block.
func parseReply(text string) (ir.Interjection, bool, error) {
	nIO := strings.Count(text, interjectOpen)
	nIC := strings.Count(text, interjectClose)
	nCO := strings.Count(text, continueOpen)
	nCC := strings.Count(text, continueClose)

	switch {
	case nIO+nCO == 0:
		return ir.Interjection{}, false, malformed("no [INTERJECT] or [CONTINUE] block")
	case nIO+nCO > 1:
		return ir.Interjection{}, false, malformed("expected exactly one control block, found %d", nIO+nCO)
	case nCO == 1:
		if nIC > 0 {
			return ir.Interjection{}, false, malformed("stray %s in continue reply", interjectClose)
		}
		if _, err := blockBody(text, continueOpen, continueClose, nCC); err != nil {
			return ir.Interjection{}, false, err
		}
		return ir.Interjection{}, false, nil
	}

	if nCC > 0 {
		return ir.Interjection{}, false, malformed("stray %s in interject reply", continueClose)
	}
	body, err := blockBody(text, interjectOpen, interjectClose, nIC)
	if err != nil {
		return ir.Interjection{}, false, err
	}
	ij, err := parseFields(body)
	if err != nil {
		return ir.Interjection{}, false, err
	}
	return ij, true, nil
}

// blockBody returns the text between the single open marker and its close.
func blockBody(text, openMarker, closeMarker string, closes int) (string, error) {
	switch {
	case closes == 0:
		return "", malformed("missing %s", closeMarker)
	case closes > 1:
		return "", malformed("expected one %s, found %d", closeMarker, closes)
	}
	start := strings.Index(text, openMarker) + len(openMarker)
	end := strings.Index(text, closeMarker)
	if end < start {
		return "", malformed("%s appears before %s", closeMarker, openMarker)
	}
	return text[start:end], nil
}

// parseFields reads "urgent: <bool> content: <text>" with arbitrary
// whitespace (newlines included) between the parts.
func parseFields(body string) (ir.Interjection, error) {
	rest := strings.TrimLeft(body, " \t\r\n")
	if !strings.HasPrefix(rest, urgentField) {
		if strings.Contains(strings.ToLower(rest), urgentField) {
			return ir.Interjection{}, malformed("field names must be lowercase and start the block with %q", urgentField)
		}
		return ir.Interjection{}, malformed("missing %q field", urgentField)
	}
	rest = strings.TrimLeft(rest[len(urgentField):], " \t")

	end := strings.IndexAny(rest, " \t\r\n")
	if end < 0 {
		end = len(rest)
	}
	var urgent bool
	switch value := rest[:end]; value {
	case "true":
		urgent = true
	case "false":
	case "":
		return ir.Interjection{}, malformed("urgent has no value")
	default:
		return ir.Interjection{}, malformed("urgent must be true or false, got %q", value)
	}

	rest = strings.TrimLeft(rest[end:], " \t\r\n")
	if !strings.HasPrefix(rest, contentField) {
		return ir.Interjection{}, malformed("missing %q field after urgent", contentField)
	}
	content := strings.TrimSpace(rest[len(contentField):])
	if content == "" {
		return ir.Interjection{}, malformed("content is empty")
	}
	return ir.Interjection{Urgent: urgent, Content: content}, nil
}

func malformed(format string, args ...any) error {
	return ir.NewMalformedInterjection(fmt.Sprintf(format, args...))
}

// FormatInterjection renders ij in the block form ParseInterjection accepts.
// Content is trimmed of surrounding whitespace, as parsing would.
func FormatInterjection(ij ir.Interjection) string {
	content := strings.TrimSpace(ij.Content)
	return fmt.Sprintf("%s\n%s %t\n%s %s\n%s", interjectOpen, urgentField, ij.Urgent, contentField, content, interjectClose)
}
