package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/muesli/termenv"
)

// PrettyLogger writes user-facing status lines to the console.
type PrettyLogger struct {
	out *termenv.Output
}

// NewPrettyLogger creates a pretty logger on stderr.
func NewPrettyLogger() *PrettyLogger {
	return &PrettyLogger{out: termenv.NewOutput(os.Stderr)}
}

// WithWriter sets a custom writer for pretty output. Colors follow the
// writer: plain buffers get no escape codes.
func (p *PrettyLogger) WithWriter(w io.Writer) *PrettyLogger {
	p.out = termenv.NewOutput(w)
	return p
}

func (p *PrettyLogger) style(s, color string, bold bool) string {
	st := p.out.String(s).Foreground(p.out.Color(color))
	if bold {
		st = st.Bold()
	}
	return st.String()
}

// Success logs a success message with a checkmark
func (p *PrettyLogger) Success(message string) {
	fmt.Fprintf(p.out, "%s %s\n", p.style("✓", "10", true), p.style(message, "10", true))
}

// InfoPretty logs an info message
func (p *PrettyLogger) InfoPretty(message string) {
	fmt.Fprintf(p.out, "%s\n", p.style(message, "12", false))
}

// WarnPretty logs a warning
func (p *PrettyLogger) WarnPretty(message string) {
	fmt.Fprintf(p.out, "%s %s\n", p.style("⚠", "11", false), p.style(message, "11", false))
}

// ErrorPretty logs an error
func (p *PrettyLogger) ErrorPretty(message string, err error) {
	fmt.Fprintf(p.out, "%s %s", p.style("✗", "9", true), p.style(message, "9", true))
	if err != nil {
		fmt.Fprintf(p.out, ": %s", p.style(err.Error(), "9", true))
	}
	fmt.Fprintln(p.out)
}

// Field logs a key-value pair
func (p *PrettyLogger) Field(key string, value interface{}) {
	fmt.Fprintf(p.out, "%s: %s\n", p.style(key, "8", false), p.style(fmt.Sprint(value), "14", true))
}

// Code logs command output with indentation
func (p *PrettyLogger) Code(content string) {
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		fmt.Fprintf(p.out, "  %s\n", p.style(line, "5", false))
	}
}

// Divider prints a visual divider
func (p *PrettyLogger) Divider() {
	fmt.Fprintln(p.out, p.style(strings.Repeat("─", 60), "8", false))
}
