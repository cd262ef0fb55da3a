// Package validation provides the small, pure string-processing helpers
// the router and server upgrade pipeline depend on: path normalization,
// identity extraction, and subprotocol list parsing. Kept separate from
// internal/radix so the trie can stay a pure data structure over
// pre-normalized segments.
package validation

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizePath collapses repeated slashes, trims leading/trailing
// slashes, and percent-decodes each segment, returning the ordered list
// of segments (spec §4.4).
func NormalizePath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	raw := strings.Split(trimmed, "/")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue // collapse //
		}
		decoded, err := url.PathUnescape(s)
		if err != nil {
			return nil, fmt.Errorf("invalid percent-encoding in path segment %q: %w", s, err)
		}
		segments = append(segments, decoded)
	}
	return segments, nil
}

// ExtractIdentity returns the last non-empty, percent-decoded path
// segment, per spec §3/§6. A path with no non-empty segment is an
// error; the upgrade pipeline rejects such a request with 404.
func ExtractIdentity(path string) (string, error) {
	segments, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("no identity segment in path %q", path)
	}
	return segments[len(segments)-1], nil
}
