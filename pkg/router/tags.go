// Package router selects an execution mode for each chat request: it
// parses routing tags from the last user message, applies the IDE and
// multimodal overrides, optionally consults the intent classifier, and
// emits an immutable routing decision with stripped messages.
package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robaikg/gateway/pkg/protocol"
)

// Mode is the execution strategy chosen for a request.
type Mode string

const (
	ModePureLLM          Mode = "pure_llm"
	ModeStandardResearch Mode = "standard_research"
	ModeDeepResearch     Mode = "deep_research"
	ModeAutonomous       Mode = "autonomous"
	ModeAutonomousPlus   Mode = "autonomous_plus"
)

// tagNames maps the bracketed token (lowercase, without brackets) to its
// mode. Longer names sort first at match time so autonomous_plus wins
// over autonomous.
var tagNames = map[string]Mode{
	"pure_llm":         ModePureLLM,
	"research_request": ModeStandardResearch,
	"research_deeply":  ModeDeepResearch,
	"autonomous":       ModeAutonomous,
	"autonomous_plus":  ModeAutonomousPlus,
}

var tagPattern = regexp.MustCompile(`(?i)\[\[(pure_llm|research_request|research_deeply|autonomous_plus|autonomous)\]\]`)

// orderedTagNames lists tokens longest-first so autonomous_plus is probed
// before autonomous when looking for unclosed tags.
var orderedTagNames = []string{
	"research_request", "research_deeply", "autonomous_plus", "autonomous", "pure_llm",
}

// ErrMalformedTag reports an unbalanced routing tag.
type ErrMalformedTag struct {
	Token string
}

func (e *ErrMalformedTag) Error() string {
	return fmt.Sprintf("malformed routing tag near %q: unbalanced brackets", e.Token)
}

// ideMarkerPrefix is the well-known opening phrase IDE integrations put on
// their system prompt. Its presence anywhere in the request forces the
// pure-LLM path.
const ideMarkerPrefix = "You are an AI programming assistant"

// TagScan is the result of scanning a request for routing signals.
type TagScan struct {
	// Hint is the explicitly tagged mode, empty when no tag was present.
	Hint Mode
	// Token is the matched tag token, lowercase, without brackets.
	Token string
	// Stripped is the message list with the matched tag removed from the
	// last user message. Always safe to forward downstream.
	Stripped []protocol.Message
	// IDEMarker is true when an IDE-integration system prompt was seen.
	IDEMarker bool
	// Multimodal is true when any message carries a non-text part.
	Multimodal bool
}

// ScanTags inspects the request messages. Only the last user message is
// consulted for tags; tags in earlier turns are ignored.
func ScanTags(messages []protocol.Message) (*TagScan, error) {
	scan := &TagScan{Stripped: cloneMessages(messages)}

	for _, msg := range messages {
		if msg.Content.HasNonTextParts() {
			scan.Multimodal = true
		}
		if msg.Role == protocol.RoleSystem || msg.Role == protocol.RoleAssistant {
			if strings.HasPrefix(strings.TrimSpace(msg.Content.AsText()), ideMarkerPrefix) {
				scan.IDEMarker = true
			}
		}
	}

	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return scan, nil
	}

	text := messages[lastUser].Content.AsText()

	if m := tagPattern.FindStringSubmatch(text); m != nil {
		scan.Token = strings.ToLower(m[1])
		scan.Hint = tagNames[scan.Token]
		stripped := strings.TrimSpace(tagPattern.ReplaceAllString(text, ""))
		scan.Stripped[lastUser] = rewriteText(messages[lastUser], stripped)
		return scan, nil
	}

	if token := findMalformedTag(text); token != "" {
		return nil, &ErrMalformedTag{Token: token}
	}

	return scan, nil
}

// findMalformedTag reports a recognized token opened with [[ but not
// closed with ]]. Unknown bracketed tokens pass through untouched; only a
// real tag with unbalanced brackets is an error.
func findMalformedTag(text string) string {
	lower := strings.ToLower(text)
	for _, name := range orderedTagNames {
		open := "[[" + name
		from := 0
		for {
			idx := strings.Index(lower[from:], open)
			if idx < 0 {
				break
			}
			idx += from
			rest := lower[idx+len(open):]
			switch {
			case strings.HasPrefix(rest, "]]"):
				// Balanced; the tag pattern handles it.
			case rest != "" && (isWordChar(rest[0])):
				// A longer, unrecognized token such as [[autonomous_agent]].
			default:
				return text[idx : idx+len(open)+min(len(rest), 1)]
			}
			from = idx + len(open)
		}
	}
	return ""
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// rewriteText replaces the textual content of a message, preserving any
// non-text parts (relevant when a tag arrives alongside an image).
func rewriteText(msg protocol.Message, text string) protocol.Message {
	out := msg
	if msg.Content.Parts == nil {
		out.Content = protocol.TextContent(text)
		return out
	}

	parts := make([]protocol.ContentPart, 0, len(msg.Content.Parts))
	replaced := false
	for _, p := range msg.Content.Parts {
		if p.Type == "text" && !replaced {
			p.Text = text
			replaced = true
		} else if p.Type == "text" {
			continue
		}
		parts = append(parts, p)
	}
	out.Content = protocol.MessageContent{Parts: parts}
	return out
}

func cloneMessages(messages []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, len(messages))
	copy(out, messages)
	return out
}
