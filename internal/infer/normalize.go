package infer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// NormalizeName cleans a raw header cell into a storage-safe column
// name:
//   - lower
//   - whitespace and common separators become underscore
//   - everything outside [a-z0-9_] is dropped
func NormalizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		if r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';' {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}

		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			lastUnderscore = (r == '_')
			continue
		}

		// Drop everything else.
	}

	return strings.Trim(b.String(), "_")
}

// TruncateName caps a column name at 63 bytes, the common identifier
// limit across the supported databases, cutting on a UTF-8 boundary.
func TruncateName(s string) string {
	const maxLen = 63
	if len(s) <= maxLen {
		return s
	}
	b := []byte(s)
	cut := maxLen
	for cut > 0 && !utf8.Valid(b[:cut]) {
		cut--
	}
	if cut <= 0 {
		return s[:maxLen]
	}
	return string(b[:cut])
}

// NormalizeHeader cleans every header cell, replaces empties with
// positional names and disambiguates duplicates with a numeric suffix.
// Suffixing keeps probing until the candidate is unused, so a suffixed
// name never collides with an original column ("a", "a_2", "a" becomes
// "a", "a_2", "a_3").
func NormalizeHeader(raw []string) []string {
	out := make([]string, len(raw))
	next := make(map[string]int, len(raw))
	taken := make(map[string]bool, len(raw))
	for i, h := range raw {
		name := TruncateName(NormalizeName(h))
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if taken[name] {
			base := name
			n := next[base]
			for {
				n++
				name = fmt.Sprintf("%s_%d", base, n)
				if !taken[name] {
					break
				}
			}
			next[base] = n
		}
		if next[name] == 0 {
			next[name] = 1
		}
		taken[name] = true
		out[i] = name
	}
	return out
}
