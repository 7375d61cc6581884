package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
)

const summarizerInstructions = `Summarise the following conversation segment in a few sentences. Keep decisions, facts, names, and unresolved questions; drop pleasantries. Write in the third person.`

// HistorySummarizer condenses conversation segments through the provider.
// The conversation store uses it for history compression.
type HistorySummarizer struct {
	provider Provider
}

// NewHistorySummarizer builds a summariser on top of any provider.
func NewHistorySummarizer(provider Provider) *HistorySummarizer {
	return &HistorySummarizer{provider: provider}
}

// Summarize renders the segment as a transcript and asks the model for a
// summary.
func (s *HistorySummarizer) Summarize(ctx context.Context, messages []models.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var transcript strings.Builder
	for _, m := range messages {
		if m.Content == "" && !m.HasToolCalls() {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&transcript, "%s called tool %s\n", m.Role, tc.Function.Name)
		}
	}

	resp, err := s.provider.Generate(ctx, Request{
		Messages: []models.Message{
			models.NewSystemMessage(summarizerInstructions),
			models.NewUserMessage(transcript.String()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarise history: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
