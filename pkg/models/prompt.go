package models

import (
	"time"

	"github.com/google/uuid"
)

// ToolPolicy selects which tools a prompt may use.
type ToolPolicy string

const (
	// ToolPolicyAll exposes every tool in the registry.
	ToolPolicyAll ToolPolicy = "all_available"
	// ToolPolicySubset exposes only the prompt's CustomTools.
	ToolPolicySubset ToolPolicy = "named_subset"
	// ToolPolicyNone disables tool use for the prompt.
	ToolPolicyNone ToolPolicy = "none"
)

// PromptStatus tracks a prompt through the turn engine.
type PromptStatus string

const (
	PromptCreated      PromptStatus = "created"
	PromptProcessing   PromptStatus = "processing"
	PromptAwaitingTool PromptStatus = "awaiting_tool"
	PromptCompleted    PromptStatus = "completed"
	PromptError        PromptStatus = "error"
)

// Prompt is one unit of work handed to the turn engine. Its
// ConversationHistory is the turn-level plane: it accumulates the user
// message, assistant messages with tool calls, tool results, and the final
// assistant message while the turn runs.
type Prompt struct {
	ID                  string       `json:"prompt_id"`
	Content             string       `json:"content"`
	Role                Role         `json:"role"`
	ConversationHistory []Message    `json:"conversation_history,omitempty"`
	CustomTools         []string     `json:"custom_tools,omitempty"`
	ToolPolicy          ToolPolicy   `json:"tool_policy"`
	StreamingEnabled    bool         `json:"streaming_enabled"`
	ResultContent       string       `json:"result_content,omitempty"`
	ToolCalls           []ToolCall   `json:"tool_calls,omitempty"`
	Status              PromptStatus `json:"status"`
	CreatedAt           time.Time    `json:"created_at"`
}

// NewPrompt builds a user prompt ready for submission.
func NewPrompt(content string) *Prompt {
	return &Prompt{
		ID:         uuid.NewString(),
		Content:    content,
		Role:       RoleUser,
		ToolPolicy: ToolPolicyAll,
		Status:     PromptCreated,
		CreatedAt:  time.Now(),
	}
}

// AppendHistory appends messages to the turn-level history.
func (p *Prompt) AppendHistory(msgs ...Message) {
	p.ConversationHistory = append(p.ConversationHistory, msgs...)
}

// HasToolResult reports whether the turn history holds at least one tool
// result message.
func (p *Prompt) HasToolResult() bool {
	for _, m := range p.ConversationHistory {
		if m.IsToolResponse() {
			return true
		}
	}
	return false
}

// Complete marks the prompt completed. A completed prompt must carry result
// content or at least one tool result in its history.
func (p *Prompt) Complete(result string) {
	p.ResultContent = result
	p.Status = PromptCompleted
}

// Valid reports whether the prompt satisfies its status invariant.
func (p *Prompt) Valid() bool {
	if p.Status != PromptCompleted {
		return true
	}
	return p.ResultContent != "" || p.HasToolResult()
}
