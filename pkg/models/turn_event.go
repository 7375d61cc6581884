package models

import "time"

// TurnEventType enumerates the events a turn yields to its consumer.
type TurnEventType string

const (
	// TurnEventContent carries one streamed text fragment.
	TurnEventContent TurnEventType = "content"
	// TurnEventToolCallRequest carries a parsed tool call about to execute.
	TurnEventToolCallRequest TurnEventType = "tool_call_request"
	// TurnEventToolCallResponse carries the result of one tool call.
	TurnEventToolCallResponse TurnEventType = "tool_call_response"
	// TurnEventError carries a structured error signal; terminal.
	TurnEventError TurnEventType = "error"
	// TurnEventFinished carries the final assistant message; terminal.
	TurnEventFinished TurnEventType = "finished"
)

// TurnEvent is one element of the event stream produced while a turn runs.
// Exactly one of the payload fields is set, matching Type.
type TurnEvent struct {
	Type     TurnEventType `json:"type"`
	Content  string        `json:"content,omitempty"`
	ToolCall *ToolCall     `json:"tool_call,omitempty"`
	Result   *ToolResult   `json:"result,omitempty"`
	Error    *ErrorSignal  `json:"error,omitempty"`
	Final    *Message      `json:"final,omitempty"`
	Time     time.Time     `json:"time"`
}

// ErrorSignal is a structured failure description fed to adaptive consumers
// instead of a bare error value.
type ErrorSignal struct {
	Category         string         `json:"category"`
	Kind             string         `json:"kind,omitempty"`
	Message          string         `json:"message"`
	SuggestedActions []string       `json:"suggested_actions,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

func contentEvent(text string) TurnEvent {
	return TurnEvent{Type: TurnEventContent, Content: text, Time: time.Now()}
}

// NewContentEvent wraps a streamed text fragment.
func NewContentEvent(text string) TurnEvent { return contentEvent(text) }

// NewToolCallRequestEvent wraps a tool call that is about to be dispatched.
func NewToolCallRequestEvent(call ToolCall) TurnEvent {
	c := call
	return TurnEvent{Type: TurnEventToolCallRequest, ToolCall: &c, Time: time.Now()}
}

// NewToolCallResponseEvent wraps a completed tool result.
func NewToolCallResponseEvent(result ToolResult) TurnEvent {
	r := result
	return TurnEvent{Type: TurnEventToolCallResponse, Result: &r, Time: time.Now()}
}

// NewErrorEvent wraps a structured error signal.
func NewErrorEvent(sig ErrorSignal) TurnEvent {
	s := sig
	return TurnEvent{Type: TurnEventError, Error: &s, Time: time.Now()}
}

// NewFinishedEvent wraps the terminal assistant message.
func NewFinishedEvent(final Message) TurnEvent {
	f := final
	return TurnEvent{Type: TurnEventFinished, Final: &f, Time: time.Now()}
}

// Terminal reports whether the event ends the turn stream.
func (e TurnEvent) Terminal() bool {
	return e.Type == TurnEventError || e.Type == TurnEventFinished
}
