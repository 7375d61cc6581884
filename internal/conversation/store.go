// Package conversation maintains the session-level history plane and
// compresses it when it outgrows the configured threshold.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// summaryPrefix heads the system message that replaces a compressed
// history segment.
const summaryPrefix = "Previous conversation summary: "

// preservedExchanges is how many trailing user/assistant exchanges survive
// compression verbatim.
const preservedExchanges = 2

// Summarizer condenses a history segment into prose. The LLM adapter
// implements it.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message) (string, error)
}

// Config bounds session histories.
type Config struct {
	// MaxHistoryLength is the hard cap on stored messages per session.
	MaxHistoryLength int
	// CompressionThreshold triggers summarisation. Must be below
	// MaxHistoryLength.
	CompressionThreshold int
}

// DefaultConfig returns the standard history bounds.
func DefaultConfig() Config {
	return Config{MaxHistoryLength: 100, CompressionThreshold: 60}
}

type sessionEntry struct {
	mu      sync.Mutex
	session *models.Session
}

// Store holds every live session. Sessions are guarded individually so
// turns on different sessions never contend.
type Store struct {
	config     Config
	summarizer Summarizer
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// NewStore creates an empty store. summarizer may be nil; compression then
// falls back to trimming.
func NewStore(config Config, summarizer Summarizer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxHistoryLength < 1 {
		config.MaxHistoryLength = DefaultConfig().MaxHistoryLength
	}
	if config.CompressionThreshold < 1 || config.CompressionThreshold >= config.MaxHistoryLength {
		config.CompressionThreshold = config.MaxHistoryLength * 6 / 10
	}
	return &Store{
		config:     config,
		summarizer: summarizer,
		logger:     logger.With("component", "conversation"),
		sessions:   make(map[string]*sessionEntry),
	}
}

// Create registers a new empty session and returns its id.
func (s *Store) Create() string {
	session := models.NewSession()
	s.mu.Lock()
	s.sessions[session.ID] = &sessionEntry{session: session}
	s.mu.Unlock()
	return session.ID
}

// entry returns the guarded record, creating the session on first use.
func (s *Store) entry(sessionID string) *sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		session := models.NewSession()
		session.ID = sessionID
		e = &sessionEntry{session: session}
		s.sessions[sessionID] = e
	}
	return e
}

// History returns a copy of the session's history plane.
func (s *Store) History(sessionID string) []models.Message {
	e := s.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, len(e.session.History))
	copy(out, e.session.History)
	return out
}

// Session returns a copy of the session record.
func (s *Store) Session(sessionID string) (models.Session, bool) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return models.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	session := *e.session
	session.History = append([]models.Message(nil), e.session.History...)
	return session, true
}

// Sessions lists known session ids, sorted.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AppendTurn appends a completed turn's finalised messages to the session
// plane, updates statistics, and compresses when over threshold.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, messages []models.Message, stats models.SessionStats) error {
	e := s.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.session.History = append(e.session.History, messages...)
	e.session.Stats.Turns += stats.Turns
	e.session.Stats.ToolCalls += stats.ToolCalls
	e.session.Stats.InputTokens += stats.InputTokens
	e.session.Stats.OutputTokens += stats.OutputTokens
	e.session.Stats.Errors += stats.Errors
	e.session.Stats.WallTime += stats.WallTime
	e.session.UpdatedAt = time.Now()

	if len(e.session.History) > s.config.CompressionThreshold {
		e.session.History = s.compress(ctx, sessionID, e.session.History)
	}
	return nil
}

// compress summarises the oldest segment into one system message while
// keeping the most recent exchanges verbatim. If the summariser fails or is
// absent, the history is trimmed to its tail instead.
func (s *Store) compress(ctx context.Context, sessionID string, history []models.Message) []models.Message {
	keepFrom := preserveBoundary(history)
	head, tail := history[:keepFrom], history[keepFrom:]
	if len(head) == 0 {
		return history
	}

	if s.summarizer != nil {
		summary, err := s.summarizer.Summarize(ctx, head)
		if err == nil && summary != "" {
			s.logger.Info("compressed session history",
				"session", sessionID, "summarised", len(head), "kept", len(tail))
			out := make([]models.Message, 0, len(tail)+1)
			out = append(out, models.NewSystemMessage(summaryPrefix+summary))
			out = append(out, tail...)
			return out
		}
		if err != nil {
			s.logger.Warn("summarisation failed, trimming instead",
				"session", sessionID, "error", err)
		}
	}

	if len(history) <= s.config.MaxHistoryLength {
		return history
	}
	trimmed := history[len(history)-s.config.MaxHistoryLength:]
	out := make([]models.Message, len(trimmed))
	copy(out, trimmed)
	return out
}

// preserveBoundary finds the index from which the last two user/assistant
// exchanges begin. Everything before it is eligible for summarisation; tool
// messages ride with their exchange.
func preserveBoundary(history []models.Message) int {
	exchanges := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			exchanges++
			if exchanges == preservedExchanges {
				return i
			}
		}
	}
	return 0
}

// Delete removes a session. Unknown ids are a no-op.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Describe summarises a session for status surfaces.
func (s *Store) Describe(sessionID string) (string, error) {
	session, ok := s.Session(sessionID)
	if !ok {
		return "", fmt.Errorf("unknown session %s", sessionID)
	}
	return fmt.Sprintf("session %s: %d messages, %d turns, %d tool calls",
		session.ID, len(session.History), session.Stats.Turns, session.Stats.ToolCalls), nil
}
