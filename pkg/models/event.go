// Package models holds the wire types exchanged with the generation
// provider: the event stream of one turn and the requests sent back.
package models

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/preview/pkg/filetree"
)

// EventType represents the type of a generation event
type EventType string

const (
	EventText              EventType = "text"
	EventToolDelta         EventType = "tool_delta"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventUsage             EventType = "usage"
	EventFileProgress      EventType = "file_progress"
	EventFileWritten       EventType = "file_written"
	EventScreenshotRequest EventType = "screenshot_request"
	EventQuestionRequest   EventType = "question_request"
	EventResult            EventType = "result"
	EventError             EventType = "error"
)

// Terminal reports whether the event ends a turn.
func (t EventType) Terminal() bool {
	return t == EventResult || t == EventError
}

// Event is one entry of a generation stream. Which fields are set depends
// on Type.
type Event struct {
	Type EventType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_delta, tool_call, tool_result
	Index      int                    `json:"index,omitempty"`
	ToolCallID string                 `json:"toolCallId,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	ArgsDelta  string                 `json:"argsDelta,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Result     json.RawMessage        `json:"result,omitempty"`

	// usage
	Usage *Usage `json:"usage,omitempty"`

	// file_progress, file_written
	Path    string  `json:"path,omitempty"`
	Content *string `json:"content,omitempty"`

	// screenshot_request, question_request
	RequestID string     `json:"requestId,omitempty"`
	Rect      *Rect      `json:"rect,omitempty"`
	Questions []Question `json:"questions,omitempty"`

	// result
	Files filetree.Tree `json:"files,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Validate checks the fields an event type depends on.
func (e *Event) Validate() error {
	switch e.Type {
	case EventText, EventToolDelta, EventToolCall, EventToolResult, EventUsage, EventResult, EventError:
	case EventFileProgress, EventFileWritten:
		if e.Path == "" {
			return fmt.Errorf("%s event without path", e.Type)
		}
	case EventScreenshotRequest:
		if e.RequestID == "" || e.Rect == nil {
			return fmt.Errorf("screenshot_request needs requestId and rect")
		}
	case EventQuestionRequest:
		if e.RequestID == "" || len(e.Questions) == 0 {
			return fmt.Errorf("question_request needs requestId and questions")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Usage is a token count report.
type Usage struct {
	InputTokens  int  `json:"inputTokens"`
	OutputTokens int  `json:"outputTokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// Add returns the sum of two usage reports.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		Estimated:    u.Estimated || o.Estimated,
	}
}

// Rect is a capture region in CSS pixels of the preview page.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the region has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ScreenshotResult answers a screenshot_request. Exactly one of Image and
// Error is set.
type ScreenshotResult struct {
	RequestID string `json:"requestId"`
	// Image is the base64 encoded PNG.
	Image string `json:"image,omitempty"`
	Error string `json:"error,omitempty"`
}

// GenerateOptions are forwarded to the provider with each prompt.
type GenerateOptions struct {
	Provider        string   `json:"provider,omitempty"`
	APIKey          string   `json:"apiKey,omitempty"`
	Model           string   `json:"model,omitempty"`
	Images          []string `json:"images,omitempty"`
	ForcedSkill     string   `json:"forcedSkill,omitempty"`
	OpenFiles       []string `json:"openFiles,omitempty"`
	PlanMode        bool     `json:"planMode,omitempty"`
	ReasoningEffort string   `json:"reasoningEffort,omitempty"`
}

// GenerateRequest starts one generation turn.
type GenerateRequest struct {
	ID      string          `json:"id"`
	Prompt  string          `json:"prompt"`
	Files   filetree.Tree   `json:"files"`
	Options GenerateOptions `json:"options"`
}
