package models

import (
	"time"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Message is one chat transcript entry. Content holds what the user sees;
// for assistant turns that is the explanation, not the raw text.
type Message struct {
	ID        string           `json:"id"`
	Role      MessageRole      `json:"role"`
	Content   string           `json:"content"`
	Status    string           `json:"status,omitempty"`
	Cancelled bool             `json:"cancelled,omitempty"`
	Error     bool             `json:"error,omitempty"`
	Question  *PendingQuestion `json:"question,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Question is one item of a question_request.
type Question struct {
	ID       string   `json:"id"`
	Text     string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required,omitempty"`
	// Default, when set, answers the question if the user leaves it blank.
	Default interface{} `json:"default,omitempty"`
}

// PendingQuestion is an unanswered question_request attached to the
// in-progress assistant message.
type PendingQuestion struct {
	RequestID string                 `json:"requestId"`
	Questions []Question             `json:"questions"`
	Answers   map[string]interface{} `json:"answers"`
	AskedAt   time.Time              `json:"askedAt"`
}

// NewPendingQuestion returns a question with no answers.
func NewPendingQuestion(requestID string, questions []Question) *PendingQuestion {
	return &PendingQuestion{
		RequestID: requestID,
		Questions: append([]Question(nil), questions...),
		Answers:   map[string]interface{}{},
		AskedAt:   time.Now(),
	}
}

// CanSubmit reports whether every required question without a default
// has a non-empty answer.
func (p *PendingQuestion) CanSubmit() bool {
	if p == nil {
		return false
	}
	for _, q := range p.Questions {
		if !q.Required || q.Default != nil {
			continue
		}
		if isBlank(p.Answers[q.ID]) {
			return false
		}
	}
	return true
}

// Resolved returns the answers with defaults filled in for blank questions.
func (p *PendingQuestion) Resolved() map[string]interface{} {
	out := make(map[string]interface{}, len(p.Questions))
	for _, q := range p.Questions {
		if v, ok := p.Answers[q.ID]; ok && !isBlank(v) {
			out[q.ID] = v
		} else if q.Default != nil {
			out[q.ID] = q.Default
		}
	}
	return out
}

func isBlank(v interface{}) bool {
	switch a := v.(type) {
	case nil:
		return true
	case string:
		return a == ""
	case []string:
		return len(a) == 0
	case []interface{}:
		return len(a) == 0
	}
	return false
}
