// Package sanitize makes untrusted alert text safe for single-line logs,
// action records and command arguments.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxReasonLength    = 256
	MaxSignatureLength = 512
)

// Line collapses s to one printable line. ANSI escape sequences become
// "[ESC]", tabs and newlines become spaces, other control characters become
// "[CTRL]". Invalid UTF-8 is replaced. Results longer than maxLen runes are
// cut and end in "...". maxLen <= 0 disables truncation.
func Line(s string, maxLen int) string {
	if s == "" {
		return s
	}
	if isClean(s) {
		return truncate(s, maxLen)
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size <= 1:
			b.WriteRune(utf8.RuneError)
		case r == 0x1B:
			i += size
			if i < len(s) && s[i] == '[' {
				i++
				for i < len(s) && !isCSITerminator(s[i]) {
					i++
				}
				if i < len(s) {
					i++
				}
			}
			b.WriteString("[ESC]")
			continue
		case r == '\t' || r == '\n' || r == '\r':
			b.WriteByte(' ')
		case r < 0x20 || r == 0x7F || (r >= 0x80 && r < 0xA0):
			b.WriteString("[CTRL]")
		default:
			b.WriteRune(r)
		}
		i += size
	}
	return truncate(b.String(), maxLen)
}

// Reason sanitizes a block reason.
func Reason(s string) string {
	return Line(strings.TrimSpace(s), MaxReasonLength)
}

// Signature sanitizes an IDS rule signature.
func Signature(s string) string {
	return Line(strings.TrimSpace(s), MaxSignatureLength)
}

// Address keeps only characters that can appear in an IPv4 or IPv6 literal.
// It is meant for log fields; validation happens elsewhere.
func Address(ip string) string {
	var b strings.Builder
	b.Grow(len(ip))
	for _, r := range ip {
		if unicode.IsDigit(r) || r == '.' || r == ':' ||
			(r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "[INVALID]"
	}
	return b.String()
}

func isClean(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7F || c >= 0x80 {
			return false
		}
	}
	return true
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string([]rune(s)[:maxLen])
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}

func isCSITerminator(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '@' || c == '`'
}
