// Package prompt materialises LLM request messages from a prompt, the
// session history, the tool registry view, and the active domain overlay.
// The builder does no I/O and is deterministic given its inputs.
package prompt

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
)

// BaseInstructions is the standing system preamble every request carries.
const BaseInstructions = `You are an orchestration assistant. You can call tools to act on the user's behalf. Prefer tools over guessing; report tool failures honestly.`

// Input collects everything the builder needs.
type Input struct {
	Prompt *models.Prompt
	// SessionHistory is the cross-turn plane, already compressed by the
	// conversation store.
	SessionHistory []models.Message
	// Tools is the registry view eligible under the prompt's tool policy.
	Tools []models.ToolDefinition
	// DomainFragments are extra system-prompt sections contributed by the
	// active domain overlay, in load order.
	DomainFragments []string
	// PlanMode notes that executions run under plan approval, so the model
	// is told to propose before acting.
	PlanMode bool
	// MaxContextSize caps the total characters across the assembled
	// messages. When the cap is exceeded the oldest history is dropped;
	// the system message and the newest message always survive. Zero
	// means uncapped.
	MaxContextSize int
}

// Build assembles the ordered request messages: system, session history,
// turn history, then the new user message unless the turn engine already
// appended it.
func Build(in Input) []models.Message {
	messages := make([]models.Message, 0,
		1+len(in.SessionHistory)+len(in.Prompt.ConversationHistory)+1)

	messages = append(messages, models.NewSystemMessage(systemContent(in)))
	messages = append(messages, in.SessionHistory...)
	messages = append(messages, in.Prompt.ConversationHistory...)

	if in.Prompt.Content != "" && !historyEndsWithContent(in.Prompt) {
		messages = append(messages, models.NewUserMessage(in.Prompt.Content))
	}
	return capMessages(messages, in.MaxContextSize)
}

// capMessages enforces the character budget by dropping history from the
// front, oldest first. The system message at index 0 and the final message
// are never dropped. Tool messages left without their requesting assistant
// message are dropped with it.
func capMessages(messages []models.Message, max int) []models.Message {
	if max <= 0 || contextSize(messages) <= max {
		return messages
	}

	for len(messages) > 2 && contextSize(messages) > max {
		keep := messages[:1]
		rest := messages[2:]
		for len(rest) > 1 && rest[0].Role == models.RoleTool {
			rest = rest[1:]
		}
		messages = append(keep, rest...)
	}
	return messages
}

func contextSize(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Function.Arguments)
		}
	}
	return total
}

// historyEndsWithContent reports whether the turn history already carries
// the prompt's user message.
func historyEndsWithContent(p *models.Prompt) bool {
	for _, m := range p.ConversationHistory {
		if m.Role == models.RoleUser && m.Content == p.Content {
			return true
		}
	}
	return false
}

func systemContent(in Input) string {
	var b strings.Builder
	b.WriteString(BaseInstructions)

	for _, fragment := range in.DomainFragments {
		if fragment == "" {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(fragment)
	}

	if in.PlanMode {
		b.WriteString("\n\nPlan mode is active: propose a plan of tool operations and wait for confirmation before acting outside the agreed plan.")
	}

	if in.Prompt.ToolPolicy != models.ToolPolicyNone && len(in.Tools) > 0 {
		b.WriteString("\n\n")
		b.WriteString(renderCatalogue(in.Tools))
	}
	return b.String()
}

// renderCatalogue lists the eligible tools with their schemas. External
// tools name their hosting agent so the model can reason about provenance.
func renderCatalogue(tools []models.ToolDefinition) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, def := range tools {
		fmt.Fprintf(&b, "- %s: %s", def.Name, def.Description)
		if def.Origin == models.OriginExternal {
			fmt.Fprintf(&b, " (hosted by agent %s)", def.ServerRef)
		}
		b.WriteString("\n")
		if len(def.ParameterSchema) > 0 && string(def.ParameterSchema) != "null" {
			fmt.Fprintf(&b, "  parameters: %s\n", string(def.ParameterSchema))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// EligibleTools filters the registry view by the prompt's tool policy.
func EligibleTools(p *models.Prompt, all []models.ToolDefinition) []models.ToolDefinition {
	switch p.ToolPolicy {
	case models.ToolPolicyNone:
		return nil
	case models.ToolPolicySubset:
		allowed := make(map[string]bool, len(p.CustomTools))
		for _, name := range p.CustomTools {
			allowed[name] = true
		}
		var out []models.ToolDefinition
		for _, def := range all {
			if allowed[def.Name] {
				out = append(out, def)
			}
		}
		return out
	default:
		return all
	}
}
