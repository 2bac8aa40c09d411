package util

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const maxFileNameLen = 200

// SanitizeFileName normalizes an upload name into something safe to embed in
// a storage key: path separators are flattened, traversal patterns and
// control characters are rejected, and overlong names are truncated.
func SanitizeFileName(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", errors.New("invalid file name")
	}
	s := strings.TrimSpace(name)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	for _, ch := range s {
		if ch < 0x20 || ch == 0x7f {
			return "", errors.New("invalid file name")
		}
	}
	if s == "" {
		return "", errors.New("invalid file name")
	}
	if len(s) > maxFileNameLen {
		// Keep the tail so the extension survives; realign to a rune start.
		s = s[len(s)-maxFileNameLen:]
		for len(s) > 0 && !utf8.RuneStart(s[0]) {
			s = s[1:]
		}
	}
	return s, nil
}
