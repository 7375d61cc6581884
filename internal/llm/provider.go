// Package llm adapts OpenAI-compatible chat completion endpoints to the
// kernel's message model, including streaming delta reconstruction and
// category-aware retries.
package llm

import (
	"context"

	"github.com/haasonsaas/loom/pkg/models"
)

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Usage is the token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is one chat completion request.
type Request struct {
	Messages []models.Message
	// Tools is the catalogue offered for function calling.
	Tools []models.ToolDefinition
}

// AssistantMessage is the reconstructed model response.
type AssistantMessage struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason FinishReason
	Usage        Usage
}

// Message converts the response into the conversation message shape.
func (a *AssistantMessage) Message() models.Message {
	return models.NewAssistantMessage(a.Content, a.ToolCalls)
}

// ToolCallDelta is one streamed fragment of a tool call. Fragments for the
// same call share an index; names arrive once, argument JSON arrives in
// pieces.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is one streamed chunk. Exactly one concern is populated per chunk;
// a non-nil Final is an authoritative complete message that supersedes the
// accumulated fragments.
type Delta struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason FinishReason
	Usage        *Usage
	Final        *AssistantMessage
	Err          error
}

// Provider is a chat completion backend.
type Provider interface {
	// Generate performs a blocking completion.
	Generate(ctx context.Context, req Request) (*AssistantMessage, error)
	// Stream starts a streaming completion. The returned channel closes
	// after the terminal chunk; stream faults arrive as a Delta with Err
	// set.
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}
