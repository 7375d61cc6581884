// Package turn runs one prompt through the request/tool/recurse loop and
// yields the result as an ordered event stream.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/loom/internal/conversation"
	"github.com/haasonsaas/loom/internal/executor"
	"github.com/haasonsaas/loom/internal/llm"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/prompt"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/internal/signal"
	"github.com/haasonsaas/loom/pkg/models"
)

// phase tracks where a running turn is; used for logging only.
type phase string

const (
	phaseInit         phase = "init"
	phaseRequesting   phase = "requesting"
	phaseStreaming    phase = "streaming"
	phaseToolsPending phase = "tools_pending"
	phaseRecursing    phase = "recursing"
	phaseFinished     phase = "finished"
	phaseError        phase = "error"
	phaseCancelled    phase = "cancelled"
)

// ToolCatalogue exposes the registry view a turn builds its prompt from.
type ToolCatalogue interface {
	List(filter registry.Filter) []models.ToolDefinition
}

// Overlay supplies per-turn domain state. Admit rejects new turns while an
// overlay swap is in progress; PromptFragments contributes extra system
// prompt sections.
type Overlay interface {
	Admit() error
	PromptFragments() []string
}

// Config tunes the engine.
type Config struct {
	// MaxIterations caps tool round-trips per turn. An assistant message
	// that still requests tools after the cap is not dispatched.
	MaxIterations int
	// PlanMode tells the prompt builder that executions run under plan
	// approval.
	PlanMode bool
	// MaxContextSize caps the characters of any request sent to the
	// provider; the builder trims the oldest history to fit. Zero means
	// uncapped.
	MaxContextSize int
	// EventBuffer sizes each turn's event channel.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 8
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 128
	}
	return c
}

// Engine drives turns. Turns on the same session run one at a time; turns
// on different sessions run in parallel.
type Engine struct {
	config    Config
	provider  llm.Provider
	executor  *executor.Manager
	store     *conversation.Store
	catalogue ToolCatalogue
	overlay   Overlay
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// NewEngine wires a turn engine. overlay may be nil when no domain manager
// is attached.
func NewEngine(config Config, provider llm.Provider, exec *executor.Manager, store *conversation.Store, catalogue ToolCatalogue, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Engine{
		config:    config.withDefaults(),
		provider:  provider,
		executor:  exec,
		store:     store,
		catalogue: catalogue,
		metrics:   metrics,
		tracer:    observability.NopTracer(),
		logger:    logger.With("component", "turn"),
		sessions:  make(map[string]*sync.Mutex),
	}
}

// SetOverlay attaches the domain overlay. Call before serving turns.
func (e *Engine) SetOverlay(o Overlay) { e.overlay = o }

// SetTracer installs the tracer turn spans are recorded on.
func (e *Engine) SetTracer(tracer *observability.Tracer) {
	if tracer != nil {
		e.tracer = tracer
	}
}

func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.sessions[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.sessions[sessionID] = l
	}
	return l
}

// Run starts one turn for the prompt on the session and returns its event
// stream. The channel closes after a terminal finished or error event. The
// synchronous error covers admission failures only; everything after that
// arrives on the stream.
//
// The caller must drain the channel or cancel ctx. While ctx is live an
// undrained stream blocks the turn once the event buffer fills, holding the
// session lock with it.
func (e *Engine) Run(ctx context.Context, sessionID string, p *models.Prompt) (<-chan models.TurnEvent, error) {
	if p == nil || p.Content == "" {
		return nil, fmt.Errorf("turn: empty prompt")
	}
	if e.overlay != nil {
		if err := e.overlay.Admit(); err != nil {
			return nil, fmt.Errorf("turn rejected: %w", err)
		}
	}

	events := make(chan models.TurnEvent, e.config.EventBuffer)
	go e.run(ctx, sessionID, p, events)
	return events, nil
}

type turnRun struct {
	engine    *Engine
	ctx       context.Context
	sessionID string
	prompt    *models.Prompt
	events    chan<- models.TurnEvent
	stats     models.SessionStats
	phase     phase
	rounds    int
}

func (e *Engine) run(ctx context.Context, sessionID string, p *models.Prompt, events chan models.TurnEvent) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	defer close(events)

	ctx, span := e.tracer.Start(ctx, "turn",
		attribute.String("session.id", sessionID),
		attribute.String("prompt.id", p.ID))

	t := &turnRun{
		engine:    e,
		ctx:       ctx,
		sessionID: sessionID,
		prompt:    p,
		events:    events,
		stats:     models.SessionStats{Turns: 1},
		phase:     phaseInit,
	}
	started := time.Now()
	t.loop()
	t.stats.WallTime = time.Since(started)

	span.SetAttributes(
		attribute.String("turn.phase", string(t.phase)),
		attribute.Int("turn.rounds", t.rounds),
		attribute.Int("turn.tool_calls", t.stats.ToolCalls))
	observability.EndSpan(span, nil)

	e.metrics.TurnCounter.WithLabelValues(string(t.phase)).Inc()
	e.logger.Info("turn complete",
		"session_id", sessionID,
		"prompt_id", p.ID,
		"phase", t.phase,
		"tool_calls", t.stats.ToolCalls,
		"elapsed", t.stats.WallTime)
}

// emit delivers an event in order. A dead context stops blocking sends but
// terminal events still go out best-effort so a draining consumer sees them.
func (t *turnRun) emit(ev models.TurnEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
		select {
		case t.events <- ev:
		default:
		}
	}
}

func (t *turnRun) fail(err error, context map[string]any) {
	t.phase = phaseError
	t.prompt.Status = models.PromptError
	t.stats.Errors++
	t.emit(models.NewErrorEvent(signal.New(err, context)))
}

func (t *turnRun) cancelled() {
	t.phase = phaseCancelled
	t.prompt.Status = models.PromptError
	t.stats.Errors++
	t.emit(models.NewErrorEvent(signal.New(
		fmt.Errorf("turn aborted: %w", signal.ErrCancelled),
		map[string]any{"session_id": t.sessionID, "prompt_id": t.prompt.ID},
	)))
}

func (t *turnRun) loop() {
	e := t.engine
	p := t.prompt
	p.Status = models.PromptProcessing
	p.AppendHistory(models.NewUserMessage(p.Content))

	tools := prompt.EligibleTools(p, e.catalogue.List(registry.Filter{}))
	sessionHistory := e.store.History(t.sessionID)
	var fragments []string
	if e.overlay != nil {
		fragments = e.overlay.PromptFragments()
	}
	seen := executor.NewCallSet()

	for {
		if t.ctx.Err() != nil {
			t.cancelled()
			return
		}

		t.phase = phaseRequesting
		req := llm.Request{
			Messages: prompt.Build(prompt.Input{
				Prompt:          p,
				SessionHistory:  sessionHistory,
				Tools:           tools,
				DomainFragments: fragments,
				PlanMode:        e.config.PlanMode,
				MaxContextSize:  e.config.MaxContextSize,
			}),
			Tools: tools,
		}

		msg, err := t.invoke(req)
		if err != nil {
			if t.ctx.Err() != nil {
				t.cancelled()
				return
			}
			t.fail(err, map[string]any{
				"session_id": t.sessionID,
				"prompt_id":  p.ID,
				"round":      t.rounds,
			})
			return
		}
		t.stats.InputTokens += msg.Usage.PromptTokens
		t.stats.OutputTokens += msg.Usage.CompletionTokens
		p.AppendHistory(msg.Message())

		if len(msg.ToolCalls) == 0 {
			t.finish(msg)
			return
		}

		if t.rounds >= e.config.MaxIterations {
			p.ResultContent = msg.Content
			t.fail(fmt.Errorf("turn exceeded %d tool rounds: %w",
				e.config.MaxIterations, signal.ErrToolLoopExceeded),
				map[string]any{
					"session_id":   t.sessionID,
					"prompt_id":    p.ID,
					"last_content": msg.Content,
				})
			return
		}

		t.phase = phaseToolsPending
		p.Status = models.PromptAwaitingTool
		p.ToolCalls = append(p.ToolCalls, msg.ToolCalls...)
		for _, call := range msg.ToolCalls {
			t.emit(models.NewToolCallRequestEvent(call))
		}

		results := e.executor.ExecuteToolCalls(t.ctx, msg.ToolCalls, seen)
		t.stats.ToolCalls += len(results)
		for i, result := range results {
			t.emit(models.NewToolCallResponseEvent(result))
			call := msg.ToolCalls[i]
			p.AppendHistory(models.NewToolMessage(call.ID, call.Function.Name, result.LLMContent))
		}

		if t.ctx.Err() != nil {
			t.cancelled()
			return
		}

		t.phase = phaseRecursing
		p.Status = models.PromptProcessing
		t.rounds++
	}
}

// invoke performs one LLM call, streaming when the prompt asks for it, and
// surfaces text fragments as content events.
func (t *turnRun) invoke(req llm.Request) (*llm.AssistantMessage, error) {
	e := t.engine
	if t.prompt.StreamingEnabled {
		deltas, err := e.provider.Stream(t.ctx, req)
		if err != nil {
			return nil, err
		}
		t.phase = phaseStreaming
		return llm.Collect(deltas, func(d llm.Delta) {
			if d.Content != "" {
				t.emit(models.NewContentEvent(d.Content))
			}
		})
	}

	msg, err := e.provider.Generate(t.ctx, req)
	if err != nil {
		return nil, err
	}
	t.phase = phaseStreaming
	if msg.Content != "" {
		t.emit(models.NewContentEvent(msg.Content))
	}
	return msg, nil
}

// finish completes the turn, appends the turn history to the session plane,
// and emits the terminal event.
func (t *turnRun) finish(msg *llm.AssistantMessage) {
	e := t.engine
	t.prompt.Complete(msg.Content)

	if err := e.store.AppendTurn(t.ctx, t.sessionID, t.prompt.ConversationHistory, t.stats); err != nil {
		e.logger.Warn("session append failed", "session_id", t.sessionID, "error", err)
	}
	e.metrics.TurnIterations.Observe(float64(t.rounds + 1))

	t.phase = phaseFinished
	t.emit(models.NewFinishedEvent(msg.Message()))
}
