package backend

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/grovetools/preview/command"
)

// localURLRe matches the local URL a dev server prints when it is listening.
var localURLRe = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1\]):\d+[^\s"'\x1b]*`)

// ansiRe strips terminal color codes dev servers put around their URL.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// DetectReadyURL inspects one output line for a readiness signal: either a
// structured {"ready":"<url>"} frame or a printed local URL.
func DetectReadyURL(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var frame struct {
			Ready string `json:"ready"`
		}
		if err := json.Unmarshal([]byte(trimmed), &frame); err == nil && frame.Ready != "" {
			return frame.Ready, true
		}
	}
	clean := ansiRe.ReplaceAllString(line, "")
	if m := localURLRe.FindString(clean); m != "" {
		return strings.Replace(m, "0.0.0.0", "localhost", 1), true
	}
	return "", false
}

// WatchReady forwards proc's output to sink (when non-nil) and reports the
// first detected URL to hub. It returns once the output ends.
func WatchReady(proc *command.Process, hub *Hub, sink func(string)) {
	for line := range proc.Output {
		if sink != nil {
			sink(line)
		}
		if url, ok := DetectReadyURL(line); ok {
			hub.ServerReady(url)
		}
	}
}
