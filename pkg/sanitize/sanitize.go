// Package sanitize cleans producer-supplied text before it is stored or
// rendered. Producers are untrusted: descriptions, user names and paths may
// carry terminal escape sequences or arbitrary control bytes.
package sanitize

import (
	"net/netip"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMaxDescriptionLength = 512
	DefaultMaxIdentityLength    = 128
	DefaultMaxDisplayLength     = 256
)

// Text removes control characters, folds whitespace runs into one space and
// truncates to maxLen runes. Invalid UTF-8 bytes are dropped.
func Text(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxDescriptionLength
	}
	if isClean(s) && utf8.RuneCountInString(s) <= maxLen {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	b.Grow(min(len(s), maxLen*utf8.UTFMax))

	count := 0
	pendingSpace := false
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size <= 1 {
				continue
			}
		}
		if unicode.IsSpace(r) {
			pendingSpace = count > 0
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if pendingSpace {
			if count+1 >= maxLen {
				break
			}
			b.WriteByte(' ')
			count++
			pendingSpace = false
		}
		if count >= maxLen {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

func isClean(s string) bool {
	prevSpace := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7F || c >= utf8.RuneSelf {
			return false
		}
		if c == ' ' {
			if prevSpace {
				return false
			}
			prevSpace = true
			continue
		}
		prevSpace = false
	}
	return !prevSpace || s == ""
}

// Description sanitizes an event description.
func Description(s string) string {
	return Text(s, DefaultMaxDescriptionLength)
}

// Identity sanitizes a user or group name.
func Identity(s string) string {
	return Text(s, DefaultMaxIdentityLength)
}

// IP returns the canonical form of an address, or "" when s is not one.
func IP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// ForTerminal neutralizes escape sequences and control bytes so that text
// can be printed to a terminal without side effects, then truncates it.
func ForTerminal(s string, maxLen int) string {
	sanitized := escapeControls(s)
	if maxLen > 0 && utf8.RuneCountInString(sanitized) > maxLen {
		runes := []rune(sanitized)
		if maxLen > 3 {
			return string(runes[:maxLen-3]) + "..."
		}
		return string(runes[:maxLen])
	}
	return sanitized
}

func escapeControls(s string) string {
	needsSanitization := false
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == 0x7F {
			needsSanitization = true
			break
		}
	}
	if !needsSanitization {
		return s
	}

	var result strings.Builder
	result.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]

		if c == 0x1B {
			i++
			if i < len(s) && s[i] == '[' {
				i++
				for i < len(s) && !isCSITerminator(s[i]) {
					i++
				}
				if i < len(s) {
					i++
				}
			}
			result.WriteString("[ESC]")
			continue
		}

		switch {
		case c == '\t', c == '\n':
			result.WriteByte(' ')
		case c == '\r':
			result.WriteString("[CR]")
		case c < 0x20:
			result.WriteString("[CTRL]")
		case c == 0x7F:
			result.WriteString("[DEL]")
		default:
			result.WriteByte(c)
		}
		i++
	}

	return result.String()
}

func isCSITerminator(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '@' || c == '`'
}
