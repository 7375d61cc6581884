package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolOrigin identifies where a tool is hosted.
type ToolOrigin string

const (
	// OriginLocal marks a tool implemented in-process.
	OriginLocal ToolOrigin = "local"
	// OriginExternal marks a tool hosted by a remote MCP server.
	OriginExternal ToolOrigin = "external"
)

// ApprovalMode controls how tool executions are approved.
type ApprovalMode string

const (
	// ApprovalDefault honours the definition's ApprovalRequired flag.
	ApprovalDefault ApprovalMode = "default"
	// ApprovalAutoEdit auto-approves operations a policy allowlist deems safe.
	ApprovalAutoEdit ApprovalMode = "auto_edit"
	// ApprovalPlan approves only operations consistent with a plan token.
	ApprovalPlan ApprovalMode = "plan"
	// ApprovalYolo approves everything.
	ApprovalYolo ApprovalMode = "yolo"
)

// ToolCall is an LLM request to execute a tool, in the OpenAI function-call
// shape. Arguments is a JSON-encoded string as produced by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the callee and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParsedArguments decodes the JSON argument string. An empty argument string
// decodes to an empty map.
func (c ToolCall) ParsedArguments() (map[string]any, error) {
	if c.Function.Arguments == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil {
		return nil, fmt.Errorf("tool call %s: invalid arguments: %w", c.ID, err)
	}
	return args, nil
}

// ToolDescriptor is the self-description a tool or agent renders into the
// prompt catalogue.
type ToolDescriptor struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
	AgentID         string          `json:"agent_id,omitempty"` // hosting agent, external tools only
}

// Describable is implemented by anything that can render itself into a tool
// catalogue entry.
type Describable interface {
	Describe() ToolDescriptor
}

// ToolDefinition describes one registered tool. Names are globally unique in
// the registry; ServerRef is set only for external tools.
type ToolDefinition struct {
	Name             string          `json:"name"`
	DisplayName      string          `json:"display_name,omitempty"`
	Description      string          `json:"description"`
	ParameterSchema  json.RawMessage `json:"parameter_schema,omitempty"`
	ApprovalRequired bool            `json:"approval_required,omitempty"`
	ApprovalMode     ApprovalMode    `json:"approval_mode,omitempty"`
	Origin           ToolOrigin      `json:"origin"`
	ServerRef        string          `json:"server_ref,omitempty"`
	Domain           string          `json:"domain,omitempty"` // set when a domain overlay introduced the tool
}

// Describe renders the definition as a catalogue entry.
func (d ToolDefinition) Describe() ToolDescriptor {
	desc := ToolDescriptor{
		Name:            d.Name,
		Description:     d.Description,
		ParameterSchema: d.ParameterSchema,
	}
	if d.Origin == OriginExternal {
		desc.AgentID = d.ServerRef
	}
	return desc
}

// Validate checks structural requirements on the definition.
func (d ToolDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool definition missing name")
	}
	if d.Origin == OriginExternal && d.ServerRef == "" {
		return fmt.Errorf("external tool %s missing server ref", d.Name)
	}
	switch d.ApprovalMode {
	case "", ApprovalDefault, ApprovalAutoEdit, ApprovalPlan, ApprovalYolo:
	default:
		return fmt.Errorf("tool %s: unknown approval mode %q", d.Name, d.ApprovalMode)
	}
	return nil
}

// Mode returns the effective approval mode, defaulting when unset.
func (d ToolDefinition) Mode() ApprovalMode {
	if d.ApprovalMode == "" {
		return ApprovalDefault
	}
	return d.ApprovalMode
}

// ToolResult is the uniform result shape every tool execution produces.
// LLMContent is what the model sees; ReturnDisplay is for humans.
type ToolResult struct {
	ToolName      string    `json:"tool_name"`
	Success       bool      `json:"success"`
	LLMContent    string    `json:"llm_content"`
	ReturnDisplay string    `json:"return_display,omitempty"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// FailedToolResult builds a failed result with timestamps set now.
func FailedToolResult(toolName, errMsg string) ToolResult {
	now := time.Now()
	return ToolResult{
		ToolName:      toolName,
		Success:       false,
		LLMContent:    "Error: " + errMsg,
		ReturnDisplay: "Error: " + errMsg,
		Error:         errMsg,
		StartedAt:     now,
		CompletedAt:   now,
	}
}
