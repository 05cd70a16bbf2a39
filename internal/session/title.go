package session

import (
	"strings"
	"unicode/utf8"

	"github.com/convoke-dev/convoke/internal/message"
)

// MaxTitleLength is the maximum length for a session title.
const MaxTitleLength = 60

// GenerateTitle derives a title from the first user message.
func GenerateTitle(messages []message.Message) string {
	for _, msg := range messages {
		if msg.Role != message.RoleUser {
			continue
		}
		if text := msg.Text(); text != "" {
			return truncateTitle(text)
		}
	}
	return "Untitled Session"
}

// truncateTitle shortens s to MaxTitleLength runes, preferring a word
// boundary.
func truncateTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")

	if utf8.RuneCountInString(s) <= MaxTitleLength {
		return s
	}

	runes := []rune(s)
	truncated := string(runes[:MaxTitleLength])

	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > MaxTitleLength/2 {
		truncated = truncated[:lastSpace]
	}

	return strings.TrimSpace(truncated) + "..."
}
