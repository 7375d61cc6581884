package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStats accumulates per-session counters across turns.
type SessionStats struct {
	Turns        int           `json:"turns"`
	ToolCalls    int           `json:"tool_calls"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Errors       int           `json:"errors"`
	WallTime     time.Duration `json:"wall_time"`
}

// Session groups multiple turns. Its History is the session-level plane,
// appended with the finalised messages of each completed turn; it is distinct
// from a Prompt's per-turn history.
type Session struct {
	ID        string         `json:"session_id"`
	History   []Message      `json:"system_conversation_history,omitempty"`
	Stats     SessionStats   `json:"statistics"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSession builds an empty session.
func NewSession() *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
