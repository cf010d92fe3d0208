package gateway

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// injectionMarkers are substrings stripped from inbound text before it
// reaches an agent. The list targets markup and template injection, not
// general HTML escaping; responses are JSON and never rendered server-side.
var injectionMarkers = []string{
	"<script", "</script", "javascript:", "data:text/html",
	"{{", "}}", "${", "<?", "?>", "<iframe", "onerror=", "onload=",
}

// sanitizeText strips control characters and known injection patterns from a
// textual field. Returns the cleaned text and whether anything was removed.
func sanitizeText(s string) (string, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	for _, marker := range injectionMarkers {
		for {
			idx := asciiFoldIndex(cleaned, marker, 0)
			if idx < 0 {
				break
			}
			cleaned = cleaned[:idx] + cleaned[idx+len(marker):]
		}
	}
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, cleaned != s
}

// asciiFoldIndex returns the byte offset of the first case-insensitive
// occurrence of needle in s at or after from, or -1. The needle must be
// ASCII; matching byte by byte keeps offsets valid in the presence of
// multibyte runes, whose bytes never collide with ASCII.
func asciiFoldIndex(s, needle string, from int) int {
	for i := from; i+len(needle) <= len(s); i++ {
		j := 0
		for ; j < len(needle); j++ {
			b := s[i+j]
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if b != needle[j] {
				break
			}
		}
		if j == len(needle) {
			return i
		}
	}
	return -1
}

// sanitizePayload walks a decoded JSON object and cleans every string value
// in place, including nested objects and arrays. Returns whether any value
// was altered.
func sanitizePayload(payload map[string]any) bool {
	altered := false
	for k, v := range payload {
		switch t := v.(type) {
		case string:
			cleaned, changed := sanitizeText(t)
			if changed {
				payload[k] = cleaned
				altered = true
			}
		case map[string]any:
			if sanitizePayload(t) {
				altered = true
			}
		case []any:
			if sanitizeSlice(t) {
				altered = true
			}
		}
	}
	return altered
}

func sanitizeSlice(items []any) bool {
	altered := false
	for i, v := range items {
		switch t := v.(type) {
		case string:
			cleaned, changed := sanitizeText(t)
			if changed {
				items[i] = cleaned
				altered = true
			}
		case map[string]any:
			if sanitizePayload(t) {
				altered = true
			}
		case []any:
			if sanitizeSlice(t) {
				altered = true
			}
		}
	}
	return altered
}

// redactedKeys are body fields whose values never appear in access records.
var redactedKeys = []string{"apikey", "api_key", "token", "authorization", "password", "secret"}

// redactExcerpt produces a printable, redacted excerpt of a request body for
// the access record.
func redactExcerpt(body []byte, max int) string {
	s := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, string(body))

	for _, key := range redactedKeys {
		needle := `"` + key + `"`
		idx := 0
		for {
			pos := asciiFoldIndex(s, needle, idx)
			if pos < 0 {
				break
			}
			// Blank everything from the key's value to the next comma or brace.
			start := pos + len(needle)
			end := start
			for end < len(s) && s[end] != ',' && s[end] != '}' {
				end++
			}
			s = s[:start] + `:"[redacted]"` + s[end:]
			idx = start + len(`:"[redacted]"`)
		}
	}

	if len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
