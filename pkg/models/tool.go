package models

import (
	"encoding/json"
	"time"
)

// ToolStatus represents the execution status
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusSuccess   ToolStatus = "success"
	ToolStatusCancelled ToolStatus = "cancelled"
)

// ToolCall is one tool invocation seen during a turn, assembled from its
// deltas, final call and result.
type ToolCall struct {
	ID          string                 `json:"id"`
	Index       int                    `json:"index"`
	Name        string                 `json:"name"`
	ArgsText    string                 `json:"argsText,omitempty"`
	Args        map[string]interface{} `json:"args,omitempty"`
	Path        string                 `json:"path,omitempty"`
	Result      json.RawMessage        `json:"result,omitempty"`
	Status      ToolStatus             `json:"status"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// TurnSummary is reported after a turn ends.
type TurnSummary struct {
	TurnID       string        `json:"turnId"`
	TouchedPaths []string      `json:"touchedPaths"`
	ToolCalls    []ToolCall    `json:"toolCalls,omitempty"`
	Usage        Usage         `json:"usage"`
	Outcome      string        `json:"outcome"`
	Duration     time.Duration `json:"duration"`
}
