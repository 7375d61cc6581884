package llm

import (
	"sort"

	"github.com/haasonsaas/loom/pkg/models"
)

// Reconstruct folds streamed deltas into one assistant message. Content
// deltas concatenate in arrival order; tool-call fragments merge by index
// with argument strings concatenated. A chunk carrying a Final message is
// authoritative and replaces everything accumulated before it; a usage
// chunk is authoritative for token counts.
func Reconstruct(deltas []Delta) (*AssistantMessage, error) {
	msg := &AssistantMessage{}
	calls := make(map[int]*models.ToolCall)
	var indices []int

	for _, d := range deltas {
		if d.Err != nil {
			return nil, d.Err
		}
		if d.Final != nil {
			final := *d.Final
			if final.Usage == (Usage{}) {
				final.Usage = msg.Usage
			}
			msg = &final
			calls = make(map[int]*models.ToolCall)
			indices = nil
			continue
		}

		msg.Content += d.Content
		for _, frag := range d.ToolCalls {
			call, ok := calls[frag.Index]
			if !ok {
				call = &models.ToolCall{Type: "function"}
				calls[frag.Index] = call
				indices = append(indices, frag.Index)
			}
			if frag.ID != "" {
				call.ID = frag.ID
			}
			if frag.Name != "" {
				call.Function.Name = frag.Name
			}
			call.Function.Arguments += frag.Arguments
		}
		if d.FinishReason != "" {
			msg.FinishReason = d.FinishReason
		}
		if d.Usage != nil {
			msg.Usage = *d.Usage
		}
	}

	if len(indices) > 0 {
		sort.Ints(indices)
		for _, i := range indices {
			msg.ToolCalls = append(msg.ToolCalls, *calls[i])
		}
	}
	if msg.FinishReason == "" {
		if len(msg.ToolCalls) > 0 {
			msg.FinishReason = FinishToolCalls
		} else {
			msg.FinishReason = FinishStop
		}
	}
	return msg, nil
}

// Collect drains a delta channel and reconstructs the message, forwarding
// each chunk to observe when set. Used by callers that stream to a UI while
// still needing the final message.
func Collect(deltas <-chan Delta, observe func(Delta)) (*AssistantMessage, error) {
	var all []Delta
	for d := range deltas {
		if observe != nil {
			observe(d)
		}
		all = append(all, d)
	}
	return Reconstruct(all)
}
