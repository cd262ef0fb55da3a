package validation

import (
	"fmt"
	"strings"
)

// tokenOK reports whether s is a valid RFC 7230 token (the grammar a
// Sec-WebSocket-Protocol value must satisfy).
func tokenOK(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}

// ParseSubprotocols parses a raw `Sec-WebSocket-Protocol` header value
// into its ordered, whitespace-trimmed list of tokens. Duplicates are
// rejected (spec §6/§8 round-trip law); whitespace variation around
// commas is accepted.
func ParseSubprotocols(header string) ([]string, error) {
	if strings.TrimSpace(header) == "" {
		return nil, nil
	}
	parts := strings.Split(header, ",")
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		tok := strings.TrimSpace(p)
		if !tokenOK(tok) {
			return nil, fmt.Errorf("invalid subprotocol token %q", p)
		}
		if seen[tok] {
			return nil, fmt.Errorf("duplicate subprotocol %q", tok)
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out, nil
}

// SerializeSubprotocols renders a subprotocol list back into a single
// header value, comma-space separated.
func SerializeSubprotocols(protocols []string) string {
	return strings.Join(protocols, ", ")
}
