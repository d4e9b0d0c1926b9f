package generation

import (
	"encoding/json"
	"regexp"
	"strings"
)

// DefaultExplanationTag names the marker whose content is shown to the user.
const DefaultExplanationTag = "explanation"

// pathPattern finds a completed path-like string field inside partial JSON.
var pathPattern = regexp.MustCompile(`"(?:path|file_path|filePath|filename)"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// ExtractExplanation returns the user-visible part of streamed assistant
// text. When the text contains <tag> sections only their contents are
// returned, including an unterminated trailing section. Without any
// section the whole text is returned. In both cases a trailing partial
// tag is held back so it never flickers into view.
func ExtractExplanation(text, tag string) string {
	if tag == "" {
		tag = DefaultExplanationTag
	}
	open, close := "<"+tag+">", "</"+tag+">"

	if !strings.Contains(text, open) {
		return strings.TrimSpace(trimPartial(text, open))
	}

	var parts []string
	rest := text
	for {
		i := strings.Index(rest, open)
		if i < 0 {
			break
		}
		rest = rest[i+len(open):]
		j := strings.Index(rest, close)
		if j < 0 {
			parts = append(parts, trimPartial(rest, close))
			break
		}
		parts = append(parts, rest[:j])
		rest = rest[j+len(close):]
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// ExplanationStarted reports whether text contains an opening <tag> marker.
// Until it does, streamed text may still turn out to be framed by markers
// and is not shown.
func ExplanationStarted(text, tag string) bool {
	if tag == "" {
		tag = DefaultExplanationTag
	}
	return strings.Contains(text, "<"+tag+">")
}

// trimPartial drops a suffix of s that is a proper prefix of tag.
func trimPartial(s, tag string) string {
	for k := len(tag) - 1; k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return s[:len(s)-k]
		}
	}
	return s
}

// ExtractPath finds the target path in a tool call's partial JSON
// arguments. It only matches once the path string is closed.
func ExtractPath(partial string) (string, bool) {
	m := pathPattern.FindStringSubmatch(partial)
	if m == nil {
		return "", false
	}
	var path string
	if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &path); err != nil {
		return m[1], m[1] != ""
	}
	return path, path != ""
}
