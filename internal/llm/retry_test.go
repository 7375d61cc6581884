package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/backoff"
	"github.com/haasonsaas/loom/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}
}

// scriptedProvider fails a set number of times before succeeding.
type scriptedProvider struct {
	calls    atomic.Int32
	failures int
	err      error
	response *AssistantMessage
}

func (s *scriptedProvider) Generate(ctx context.Context, req Request) (*AssistantMessage, error) {
	n := s.calls.Add(1)
	if int(n) <= s.failures {
		return nil, s.err
	}
	return s.response, nil
}

func (s *scriptedProvider) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	n := s.calls.Add(1)
	if int(n) <= s.failures {
		return nil, s.err
	}
	ch := make(chan Delta, 1)
	ch <- Delta{Content: "ok"}
	close(ch)
	return ch, nil
}

func TestRetryingProviderRetriesTransientFailures(t *testing.T) {
	inner := &scriptedProvider{
		failures: 2,
		err:      errors.New("429 rate limit exceeded"),
		response: &AssistantMessage{Content: "done", FinishReason: FinishStop},
	}
	p := NewRetryingProvider(inner, fastPolicy(), 3, nil, testLogger())

	msg, err := p.Generate(context.Background(), Request{Messages: []models.Message{models.NewUserMessage("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "done" {
		t.Errorf("content = %q", msg.Content)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRetryingProviderFailsFastOnAuth(t *testing.T) {
	inner := &scriptedProvider{
		failures: 10,
		err:      errors.New("401 unauthorized: invalid api key"),
	}
	p := NewRetryingProvider(inner, fastPolicy(), 3, nil, testLogger())

	_, err := p.Generate(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("calls = %d, auth errors must not be retried", got)
	}
}

func TestRetryingProviderExhaustsAttempts(t *testing.T) {
	inner := &scriptedProvider{
		failures: 10,
		err:      errors.New("connection refused"),
	}
	p := NewRetryingProvider(inner, fastPolicy(), 2, nil, testLogger())

	_, err := p.Generate(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want initial plus 2 retries", got)
	}
}

func TestRetryingProviderStream(t *testing.T) {
	inner := &scriptedProvider{
		failures: 1,
		err:      errors.New("503 service unavailable"),
	}
	p := NewRetryingProvider(inner, fastPolicy(), 2, nil, testLogger())

	deltas, err := p.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Collect(deltas, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "ok" {
		t.Errorf("content = %q", msg.Content)
	}
}
