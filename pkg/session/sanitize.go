package session

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aretw0/draftkeeper/pkg/domain"
)

// DefaultMaxMessageBytes is the largest message content AppendMessage accepts.
const DefaultMaxMessageBytes = 64 << 10

// SanitizeContent rejects content over limit bytes or with invalid UTF-8, and
// strips control characters other than newline, tab and carriage return.
// A non-positive limit disables the size check.
func SanitizeContent(content string, limit int) (string, error) {
	// Reject rather than truncate so what the client sent is what is stored.
	if limit > 0 && len(content) > limit {
		return "", domain.NewValidationError("content", fmt.Sprintf("size %d exceeds limit %d", len(content), limit))
	}
	if !utf8.ValidString(content) {
		return "", domain.NewValidationError("content", "contains invalid UTF-8")
	}

	clean := true
	for _, r := range content {
		if unicode.IsControl(r) && !isSafeControl(r) {
			clean = false
			break
		}
	}
	if clean {
		return content, nil
	}

	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		if !unicode.IsControl(r) || isSafeControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func isSafeControl(r rune) bool {
	return r == '\n' || r == '\t' || r == '\r'
}
