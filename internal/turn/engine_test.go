package turn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/loom/internal/backoff"
	"github.com/haasonsaas/loom/internal/conversation"
	"github.com/haasonsaas/loom/internal/executor"
	"github.com/haasonsaas/loom/internal/llm"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/internal/signal"
	"github.com/haasonsaas/loom/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptStep is one scripted LLM exchange. If deltas is set, Stream replays
// them verbatim; otherwise both Generate and Stream serve msg or err.
type scriptStep struct {
	msg    *llm.AssistantMessage
	err    error
	deltas []llm.Delta
}

// scriptProvider replays a fixed script. Calls past the end repeat the last
// step. It also tracks how many calls overlap in time.
type scriptProvider struct {
	mu        sync.Mutex
	steps     []scriptStep
	calls     int
	requests  []llm.Request
	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
}

func (s *scriptProvider) next(req llm.Request) scriptStep {
	s.mu.Lock()
	step := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	n := s.active.Add(1)
	for {
		seen := s.maxActive.Load()
		if n <= seen || s.maxActive.CompareAndSwap(seen, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.active.Add(-1)
	return step
}

func (s *scriptProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptProvider) Generate(ctx context.Context, req llm.Request) (*llm.AssistantMessage, error) {
	step := s.next(req)
	if step.err != nil {
		return nil, step.err
	}
	if step.msg != nil {
		return step.msg, nil
	}
	return llm.Reconstruct(step.deltas)
}

func (s *scriptProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	step := s.next(req)
	if step.err != nil {
		return nil, step.err
	}
	deltas := step.deltas
	if deltas == nil {
		deltas = []llm.Delta{{Final: step.msg}}
	}
	ch := make(chan llm.Delta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

type execFunc func(ctx context.Context, params map[string]any) (models.ToolResult, error)

func (f execFunc) Execute(ctx context.Context, params map[string]any) (models.ToolResult, error) {
	return f(ctx, params)
}

func okResult(name, content string) models.ToolResult {
	return models.ToolResult{ToolName: name, Success: true, LLMContent: content, ReturnDisplay: content}
}

type localTool struct {
	def  models.ToolDefinition
	exec execFunc
}

func newTestEngine(t *testing.T, config Config, provider llm.Provider, tools ...localTool) (*Engine, *conversation.Store) {
	t.Helper()
	reg := registry.New(testLogger())
	for _, tool := range tools {
		if err := reg.RegisterLocal(tool.def, tool.exec); err != nil {
			t.Fatal(err)
		}
	}
	store := conversation.NewStore(conversation.DefaultConfig(), nil, testLogger())
	exec := executor.NewManager(executor.Config{ToolTimeout: 2 * time.Second, QuotaWait: time.Second}, reg, nil, nil, testLogger())
	return NewEngine(config, provider, exec, store, reg, nil, testLogger()), store
}

func drain(t *testing.T, events <-chan models.TurnEvent) []models.TurnEvent {
	t.Helper()
	var out []models.TurnEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("turn did not terminate; events so far: %+v", out)
		}
	}
}

func terminal(t *testing.T, events []models.TurnEvent) models.TurnEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if !last.Terminal() {
		t.Fatalf("last event %q is not terminal", last.Type)
	}
	return last
}

func TestTurnHelloWorld(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{Content: "Hello, world!", FinishReason: llm.FinishStop}},
	}}
	engine, store := newTestEngine(t, Config{}, provider)

	p := models.NewPrompt("Say hello")
	events, err := engine.Run(context.Background(), "s1", p)
	if err != nil {
		t.Fatal(err)
	}
	all := drain(t, events)

	last := terminal(t, all)
	if last.Type != models.TurnEventFinished {
		t.Fatalf("terminal = %+v", last)
	}
	if last.Final.Content != "Hello, world!" {
		t.Errorf("final content = %q", last.Final.Content)
	}
	for _, ev := range all {
		if ev.Type == models.TurnEventToolCallRequest {
			t.Error("no tool calls expected")
		}
	}
	if provider.callCount() != 1 {
		t.Errorf("llm calls = %d", provider.callCount())
	}

	history := store.History("s1")
	if len(history) != 2 {
		t.Fatalf("session history = %d messages, want user + assistant", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("history roles = %s, %s", history[0].Role, history[1].Role)
	}
	if p.Status != models.PromptCompleted || p.ResultContent != "Hello, world!" {
		t.Errorf("prompt = %s %q", p.Status, p.ResultContent)
	}
}

func TestTurnStreamingFragments(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		{deltas: []llm.Delta{{Content: "Hel"}, {Content: "lo"}, {FinishReason: llm.FinishStop}}},
	}}
	engine, _ := newTestEngine(t, Config{}, provider)

	p := models.NewPrompt("greet me")
	p.StreamingEnabled = true
	events, err := engine.Run(context.Background(), "s1", p)
	if err != nil {
		t.Fatal(err)
	}
	all := drain(t, events)

	var fragments []string
	for _, ev := range all {
		if ev.Type == models.TurnEventContent {
			fragments = append(fragments, ev.Content)
		}
	}
	if len(fragments) != 2 || fragments[0] != "Hel" || fragments[1] != "lo" {
		t.Errorf("fragments = %v, want one event per delta", fragments)
	}
	if last := terminal(t, all); last.Final.Content != "Hello" {
		t.Errorf("final = %+v", last.Final)
	}
}

func TestTurnSingleToolRoundTrip(t *testing.T) {
	clock := localTool{
		def: models.ToolDefinition{
			Name:            "current_time",
			Description:     "reads the clock",
			ParameterSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
		exec: func(ctx context.Context, params map[string]any) (models.ToolResult, error) {
			return okResult("current_time", "Fri Oct 24 23:45:12 UTC 2025\n"), nil
		},
	}
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{
			FinishReason: llm.FinishToolCalls,
			ToolCalls: []models.ToolCall{{
				ID: "c1", Type: "function",
				Function: models.FunctionCall{Name: "current_time", Arguments: "{}"},
			}},
		}},
		{msg: &llm.AssistantMessage{Content: "The current date is Fri Oct 24.", FinishReason: llm.FinishStop}},
	}}
	engine, store := newTestEngine(t, Config{}, provider, clock)

	p := models.NewPrompt("What's the date?")
	events, err := engine.Run(context.Background(), "s1", p)
	if err != nil {
		t.Fatal(err)
	}
	all := drain(t, events)

	var seq []models.TurnEventType
	for _, ev := range all {
		if ev.Type == models.TurnEventContent && ev.Content == "" {
			continue
		}
		seq = append(seq, ev.Type)
	}
	want := []models.TurnEventType{
		models.TurnEventToolCallRequest,
		models.TurnEventToolCallResponse,
		models.TurnEventContent,
		models.TurnEventFinished,
	}
	if len(seq) != len(want) {
		t.Fatalf("event sequence = %v", seq)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("event sequence = %v, want %v", seq, want)
		}
	}

	for _, ev := range all {
		switch ev.Type {
		case models.TurnEventToolCallRequest:
			if ev.ToolCall.ID != "c1" {
				t.Errorf("request call = %+v", ev.ToolCall)
			}
		case models.TurnEventToolCallResponse:
			if !ev.Result.Success || !strings.Contains(ev.Result.LLMContent, "Oct 24") {
				t.Errorf("response = %+v", ev.Result)
			}
		}
	}

	// Turn-level history: user, assistant with calls, tool result, final
	// assistant.
	h := p.ConversationHistory
	if len(h) != 4 {
		t.Fatalf("turn history = %d messages", len(h))
	}
	if !h[1].HasToolCalls() || !h[2].IsToolResponse() || h[3].Content == "" {
		t.Errorf("turn history shape wrong: %+v", h)
	}
	if h[2].ToolCallID != "c1" || h[2].Name != "current_time" {
		t.Errorf("tool message = %+v", h[2])
	}

	if got := len(store.History("s1")); got != 4 {
		t.Errorf("session history = %d messages", got)
	}
	sess, ok := store.Session("s1")
	if !ok || sess.Stats.ToolCalls != 1 || sess.Stats.Turns != 1 {
		t.Errorf("stats = %+v", sess.Stats)
	}
}

func TestTurnParallelToolCallsPreserveOrder(t *testing.T) {
	slow := localTool{
		def: models.ToolDefinition{Name: "slow", Description: "slow tool"},
		exec: func(ctx context.Context, params map[string]any) (models.ToolResult, error) {
			time.Sleep(60 * time.Millisecond)
			return okResult("slow", "slow done"), nil
		},
	}
	fast := localTool{
		def: models.ToolDefinition{Name: "fast", Description: "fast tool"},
		exec: func(ctx context.Context, params map[string]any) (models.ToolResult, error) {
			return okResult("fast", "fast done"), nil
		},
	}
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{
			FinishReason: llm.FinishToolCalls,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Type: "function", Function: models.FunctionCall{Name: "slow", Arguments: "{}"}},
				{ID: "c2", Type: "function", Function: models.FunctionCall{Name: "fast", Arguments: "{}"}},
			},
		}},
		{msg: &llm.AssistantMessage{Content: "both done", FinishReason: llm.FinishStop}},
	}}
	engine, _ := newTestEngine(t, Config{}, provider, slow, fast)

	events, err := engine.Run(context.Background(), "s1", models.NewPrompt("do both"))
	if err != nil {
		t.Fatal(err)
	}
	all := drain(t, events)

	var requests, responses []string
	for _, ev := range all {
		switch ev.Type {
		case models.TurnEventToolCallRequest:
			requests = append(requests, ev.ToolCall.ID)
		case models.TurnEventToolCallResponse:
			responses = append(responses, ev.Result.ToolName)
		}
	}
	if len(requests) != 2 || requests[0] != "c1" || requests[1] != "c2" {
		t.Errorf("requests = %v", requests)
	}
	// The fast tool finishes first but responses still follow call order.
	if len(responses) != 2 || responses[0] != "slow" || responses[1] != "fast" {
		t.Errorf("responses = %v", responses)
	}
	if terminal(t, all).Type != models.TurnEventFinished {
		t.Error("turn should finish after both results")
	}
}

func TestTurnToolFailureContinues(t *testing.T) {
	search := localTool{
		def: models.ToolDefinition{Name: "remote_search", Description: "search"},
		exec: func(ctx context.Context, params map[string]any) (models.ToolResult, error) {
			return models.ToolResult{}, signal.ErrTransportClosed
		},
	}
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{
			FinishReason: llm.FinishToolCalls,
			ToolCalls: []models.ToolCall{{
				ID: "c1", Type: "function",
				Function: models.FunctionCall{Name: "remote_search", Arguments: "{}"},
			}},
		}},
		{msg: &llm.AssistantMessage{Content: "search is unavailable right now", FinishReason: llm.FinishStop}},
	}}
	engine, _ := newTestEngine(t, Config{}, provider, search)

	p := models.NewPrompt("find things")
	events, err := engine.Run(context.Background(), "s1", p)
	if err != nil {
		t.Fatal(err)
	}
	all := drain(t, events)

	var response *models.ToolResult
	for _, ev := range all {
		if ev.Type == models.TurnEventToolCallResponse {
			response = ev.Result
		}
	}
	if response == nil || response.Success {
		t.Fatalf("response = %+v, want failure", response)
	}
	if !strings.Contains(response.Error, "TransportClosed") {
		t.Errorf("error = %q", response.Error)
	}
	// The failure is fed back as a normal tool result and the turn
	// finishes on the follow-up response.
	if terminal(t, all).Type != models.TurnEventFinished {
		t.Error("turn should continue past a failed tool call")
	}
	if provider.callCount() != 2 {
		t.Errorf("llm calls = %d", provider.callCount())
	}
}

func TestTurnRetryExhaustionLeavesSessionUntouched(t *testing.T) {
	inner := &scriptProvider{steps: []scriptStep{
		{err: errors.New("connection refused")},
	}}
	policy := backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}
	provider := llm.NewRetryingProvider(inner, policy, 2, nil, testLogger())
	engine, store := newTestEngine(t, Config{}, provider)

	p := models.NewPrompt("hello?")
	events, err := engine.Run(context.Background(), "s1", p)
	if err != nil {
		t.Fatal(err)
	}
	all := drain(t, events)

	if inner.callCount() != 3 {
		t.Errorf("attempts = %d, want initial plus two retries", inner.callCount())
	}
	last := terminal(t, all)
	if last.Type != models.TurnEventError {
		t.Fatalf("terminal = %+v", last)
	}
	if last.Error.Category != "network" {
		t.Errorf("category = %q", last.Error.Category)
	}
	if got := len(store.History("s1")); got != 0 {
		t.Errorf("session history = %d messages, must stay empty on error", got)
	}
	if p.Status != models.PromptError {
		t.Errorf("prompt status = %s", p.Status)
	}
}

func TestTurnRecursionBound(t *testing.T) {
	count := atomic.Int32{}
	probe := localTool{
		def: models.ToolDefinition{Name: "probe", Description: "probe"},
		exec: func(ctx context.Context, params map[string]any) (models.ToolResult, error) {
			count.Add(1)
			return okResult("probe", "more"), nil
		},
	}
	call := 0
	nextCall := func() models.ToolCall {
		call++
		return models.ToolCall{
			ID: "c" + string(rune('0'+call)), Type: "function",
			Function: models.FunctionCall{Name: "probe", Arguments: "{}"},
		}
	}
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{FinishReason: llm.FinishToolCalls, ToolCalls: []models.ToolCall{nextCall()}}},
		{msg: &llm.AssistantMessage{FinishReason: llm.FinishToolCalls, ToolCalls: []models.ToolCall{nextCall()}}},
		{msg: &llm.AssistantMessage{
			Content:      "still not done",
			FinishReason: llm.FinishToolCalls,
			ToolCalls:    []models.ToolCall{nextCall()},
		}},
	}}
	engine, store := newTestEngine(t, Config{MaxIterations: 2}, provider, probe)

	p := models.NewPrompt("keep going")
	events, err := engine.Run(context.Background(), "s1", p)
	if err != nil {
		t.Fatal(err)
	}
	all := drain(t, events)

	// Two rounds dispatch; the third assistant message with tool calls does
	// not.
	if got := count.Load(); got != 2 {
		t.Errorf("tool executions = %d, want 2", got)
	}
	last := terminal(t, all)
	if last.Type != models.TurnEventError {
		t.Fatalf("terminal = %+v", last)
	}
	if last.Error.Kind != "ToolLoopExceeded" {
		t.Errorf("kind = %q", last.Error.Kind)
	}
	if p.ResultContent != "still not done" {
		t.Errorf("last assistant text not preserved: %q", p.ResultContent)
	}
	if got := len(store.History("s1")); got != 0 {
		t.Errorf("session history = %d messages", got)
	}
}

func TestTurnCancellationStopsTools(t *testing.T) {
	started := make(chan struct{})
	blocker := localTool{
		def: models.ToolDefinition{Name: "blocker", Description: "waits"},
		exec: func(ctx context.Context, params map[string]any) (models.ToolResult, error) {
			close(started)
			<-ctx.Done()
			return models.ToolResult{}, ctx.Err()
		},
	}
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{
			FinishReason: llm.FinishToolCalls,
			ToolCalls: []models.ToolCall{{
				ID: "c1", Type: "function",
				Function: models.FunctionCall{Name: "blocker", Arguments: "{}"},
			}},
		}},
		{msg: &llm.AssistantMessage{Content: "never reached", FinishReason: llm.FinishStop}},
	}}
	engine, store := newTestEngine(t, Config{}, provider, blocker)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := engine.Run(ctx, "s1", models.NewPrompt("wait forever"))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		<-started
		cancel()
	}()
	all := drain(t, events)

	last := terminal(t, all)
	if last.Type != models.TurnEventError {
		t.Fatalf("terminal = %+v", last)
	}
	if last.Error.Kind != "Cancelled" {
		t.Errorf("kind = %q", last.Error.Kind)
	}
	// No follow-up LLM call after the abort.
	if provider.callCount() != 1 {
		t.Errorf("llm calls = %d", provider.callCount())
	}
	if got := len(store.History("s1")); got != 0 {
		t.Errorf("session history = %d messages", got)
	}
}

type stubOverlay struct {
	admitErr  error
	fragments []string
}

func (o *stubOverlay) Admit() error { return o.admitErr }

func (o *stubOverlay) PromptFragments() []string { return o.fragments }

func TestTurnRejectedWhileDomainLoading(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{Content: "hi", FinishReason: llm.FinishStop}},
	}}
	engine, _ := newTestEngine(t, Config{}, provider)
	engine.SetOverlay(&stubOverlay{admitErr: signal.ErrDomainLoading})

	_, err := engine.Run(context.Background(), "s1", models.NewPrompt("hello"))
	if !errors.Is(err, signal.ErrDomainLoading) {
		t.Fatalf("err = %v", err)
	}
	if provider.callCount() != 0 {
		t.Error("rejected turn must not reach the provider")
	}
}

func TestTurnDomainFragmentsReachSystemPrompt(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{Content: "done", FinishReason: llm.FinishStop}},
	}}
	engine, _ := newTestEngine(t, Config{}, provider)
	engine.SetOverlay(&stubOverlay{fragments: []string{"Domain: archaeology. Prefer primary sources."}})

	events, err := engine.Run(context.Background(), "s1", models.NewPrompt("dig"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, events)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.requests) != 1 {
		t.Fatalf("requests = %d", len(provider.requests))
	}
	system := provider.requests[0].Messages[0]
	if system.Role != models.RoleSystem || !strings.Contains(system.Content, "archaeology") {
		t.Errorf("system message = %+v", system)
	}
}

func TestTurnSessionSerialisation(t *testing.T) {
	provider := &scriptProvider{
		steps: []scriptStep{
			{msg: &llm.AssistantMessage{Content: "ok", FinishReason: llm.FinishStop}},
		},
		delay: 40 * time.Millisecond,
	}
	engine, store := newTestEngine(t, Config{}, provider)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := engine.Run(context.Background(), "shared", models.NewPrompt("ping"))
			if err != nil {
				t.Error(err)
				return
			}
			for range events {
			}
		}()
	}
	wg.Wait()

	if got := provider.maxActive.Load(); got != 1 {
		t.Errorf("max concurrent provider calls = %d, same-session turns must serialise", got)
	}
	if got := len(store.History("shared")); got != 6 {
		t.Errorf("session history = %d messages, want 3 turns appended", got)
	}
}

func TestTurnsOnDistinctSessionsRunInParallel(t *testing.T) {
	provider := &scriptProvider{
		steps: []scriptStep{
			{msg: &llm.AssistantMessage{Content: "ok", FinishReason: llm.FinishStop}},
		},
		delay: 40 * time.Millisecond,
	}
	engine, _ := newTestEngine(t, Config{}, provider)

	var wg sync.WaitGroup
	for _, session := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			events, err := engine.Run(context.Background(), session, models.NewPrompt("ping"))
			if err != nil {
				t.Error(err)
				return
			}
			for range events {
			}
		}(session)
	}
	wg.Wait()

	if got := provider.maxActive.Load(); got < 2 {
		t.Errorf("max concurrent provider calls = %d, distinct sessions should overlap", got)
	}
}

func TestTurnDuplicateCallIDsAcrossRounds(t *testing.T) {
	probe := localTool{
		def: models.ToolDefinition{Name: "probe", Description: "probe"},
		exec: func(ctx context.Context, params map[string]any) (models.ToolResult, error) {
			return okResult("probe", "data"), nil
		},
	}
	reused := models.ToolCall{
		ID: "c1", Type: "function",
		Function: models.FunctionCall{Name: "probe", Arguments: "{}"},
	}
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{FinishReason: llm.FinishToolCalls, ToolCalls: []models.ToolCall{reused}}},
		{msg: &llm.AssistantMessage{FinishReason: llm.FinishToolCalls, ToolCalls: []models.ToolCall{reused}}},
		{msg: &llm.AssistantMessage{Content: "gave up", FinishReason: llm.FinishStop}},
	}}
	engine, _ := newTestEngine(t, Config{}, provider, probe)

	events, err := engine.Run(context.Background(), "s1", models.NewPrompt("go"))
	if err != nil {
		t.Fatal(err)
	}
	all := drain(t, events)

	var responses []*models.ToolResult
	for _, ev := range all {
		if ev.Type == models.TurnEventToolCallResponse {
			responses = append(responses, ev.Result)
		}
	}
	if len(responses) != 2 {
		t.Fatalf("responses = %d", len(responses))
	}
	if !responses[0].Success {
		t.Errorf("first use of the id should succeed: %+v", responses[0])
	}
	if responses[1].Success || !strings.Contains(responses[1].Error, "DuplicateCallId") {
		t.Errorf("reused id must fail: %+v", responses[1])
	}
	if terminal(t, all).Type != models.TurnEventFinished {
		t.Error("turn should still finish")
	}
}

func TestTurnSpansCoverToolDispatch(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := observability.FromProvider(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test")

	lookup := localTool{
		def: models.ToolDefinition{Name: "lookup", Description: "looks things up"},
		exec: func(ctx context.Context, params map[string]any) (models.ToolResult, error) {
			return okResult("lookup", "found"), nil
		},
	}
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{
			FinishReason: llm.FinishToolCalls,
			ToolCalls: []models.ToolCall{{
				ID: "c1", Type: "function",
				Function: models.FunctionCall{Name: "lookup", Arguments: "{}"},
			}},
		}},
		{msg: &llm.AssistantMessage{Content: "done", FinishReason: llm.FinishStop}},
	}}

	reg := registry.New(testLogger())
	if err := reg.RegisterLocal(lookup.def, lookup.exec); err != nil {
		t.Fatal(err)
	}
	store := conversation.NewStore(conversation.DefaultConfig(), nil, testLogger())
	manager := executor.NewManager(executor.Config{ToolTimeout: 2 * time.Second, QuotaWait: time.Second}, reg, nil, nil, testLogger())
	manager.SetTracer(tracer)
	engine := NewEngine(Config{}, provider, manager, store, reg, nil, testLogger())
	engine.SetTracer(tracer)

	events, err := engine.Run(context.Background(), "s1", models.NewPrompt("find it"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, events)

	spans := recorder.Ended()
	byName := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range spans {
		byName[span.Name()] = span
	}
	turnSpan, ok := byName["turn"]
	if !ok {
		t.Fatalf("no turn span recorded; got %d spans", len(spans))
	}
	dispatchSpan, ok := byName["tool.dispatch"]
	if !ok {
		t.Fatal("no tool.dispatch span recorded")
	}
	if dispatchSpan.Parent().SpanID() != turnSpan.SpanContext().SpanID() {
		t.Error("tool.dispatch span is not a child of the turn span")
	}
}

func TestTurnContextCapTrimsHistory(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		{msg: &llm.AssistantMessage{Content: "short answer", FinishReason: llm.FinishStop}},
	}}
	engine, store := newTestEngine(t, Config{MaxContextSize: 500}, provider)

	seed := []models.Message{
		models.NewUserMessage(strings.Repeat("a", 300)),
		models.NewAssistantMessage(strings.Repeat("b", 300), nil),
		models.NewUserMessage(strings.Repeat("c", 300)),
		models.NewAssistantMessage(strings.Repeat("d", 300), nil),
	}
	if err := store.AppendTurn(context.Background(), "s1", seed, models.SessionStats{}); err != nil {
		t.Fatal(err)
	}

	events, err := engine.Run(context.Background(), "s1", models.NewPrompt("now?"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, events)

	if len(provider.requests) != 1 {
		t.Fatalf("llm calls = %d", len(provider.requests))
	}
	sent := provider.requests[0].Messages
	total := 0
	for _, m := range sent {
		total += len(m.Content)
	}
	if total > 500 {
		t.Errorf("request carries %d chars, cap is 500", total)
	}
	if sent[0].Role != models.RoleSystem {
		t.Error("system message trimmed away")
	}
	if last := sent[len(sent)-1]; last.Content != "now?" {
		t.Errorf("newest user message trimmed away: %+v", last)
	}
}

func TestTurnAbandonedStreamReleasesSessionOnCancel(t *testing.T) {
	deltas := make([]llm.Delta, 0, 9)
	for i := 0; i < 8; i++ {
		deltas = append(deltas, llm.Delta{Content: "chunk "})
	}
	deltas = append(deltas, llm.Delta{FinishReason: llm.FinishStop})
	provider := &scriptProvider{steps: []scriptStep{{deltas: deltas}}}
	engine, _ := newTestEngine(t, Config{EventBuffer: 1}, provider)

	ctx, cancel := context.WithCancel(context.Background())
	p := models.NewPrompt("talk a lot")
	p.StreamingEnabled = true
	if _, err := engine.Run(ctx, "s1", p); err != nil {
		t.Fatal(err)
	}
	// Nobody drains the stream; the turn stalls on the full buffer until
	// the context is cancelled.
	time.Sleep(50 * time.Millisecond)
	cancel()

	// A held session lock would stall this turn past drain's deadline.
	events, err := engine.Run(context.Background(), "s1", models.NewPrompt("still there?"))
	if err != nil {
		t.Fatal(err)
	}
	if terminal(t, drain(t, events)).Type != models.TurnEventFinished {
		t.Error("second turn did not finish")
	}
	if provider.callCount() < 2 {
		t.Errorf("llm calls = %d, want both turns served", provider.callCount())
	}
}
