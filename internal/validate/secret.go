package validate

import "strings"

const redacted = "[redacted]"

// MaskToken returns a log-safe rendering of a secret: the first prefixLen
// characters followed by a redaction marker. Tokens short enough that the
// prefix would reveal a meaningful fraction are fully redacted.
func MaskToken(token string, prefixLen int) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return redacted
	}
	if prefixLen < 0 {
		prefixLen = 0
	}
	// Small margin so e.g. a 9-char token with prefix 8 isn't basically exposed.
	if len(token) <= prefixLen+4 {
		return redacted
	}
	return token[:prefixLen] + "..." + redacted
}

// EscapeJSON escapes quotes, backslashes and control characters so text can
// be embedded inside a JSON string literal.
func EscapeJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				const hex = "0123456789abcdef"
				b.WriteString(`\u00`)
				b.WriteByte(hex[byte(r)>>4])
				b.WriteByte(hex[byte(r)&0xF])
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
