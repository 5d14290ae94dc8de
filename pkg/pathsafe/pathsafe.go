// Package pathsafe maps arbitrary strings to safe single path components.
package pathsafe

import (
	"strings"
	"unicode"
)

// invalid holds characters rejected in file names on at least one supported OS.
const invalid = `<>:"/\|?*`

// Component replaces every character that is invalid in a file or directory
// name with an underscore. The result is never empty and never "." or "..".
func Component(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f || unicode.IsControl(r) || strings.ContainsRune(invalid, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	// Windows strips trailing dots and spaces, which would let two names collide.
	// This also rules out "." and "..".
	out = strings.TrimRight(out, ". ")
	if out == "" {
		return "_"
	}
	return out
}
