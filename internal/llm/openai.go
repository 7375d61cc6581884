package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// OpenAIConfig points the adapter at an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	Endpoint string
	Model    string
	APIKey   string
}

// OpenAIProvider speaks the OpenAI chat completion API, including
// self-hosted compatible servers selected via Endpoint.
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewOpenAIProvider builds the adapter.
func NewOpenAIProvider(cfg OpenAIConfig, metrics *observability.Metrics, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}
	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		logger:  logger.With("component", "llm", "model", cfg.Model),
		metrics: metrics,
		tracer:  observability.NopTracer(),
	}
}

// SetTracer installs the tracer spans are recorded on.
func (p *OpenAIProvider) SetTracer(tracer *observability.Tracer) {
	if tracer != nil {
		p.tracer = tracer
	}
}

// Generate performs a blocking completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*AssistantMessage, error) {
	ctx, span := p.tracer.Start(ctx, "llm.generate",
		attribute.String("llm.model", p.model),
		attribute.Int("llm.messages", len(req.Messages)))

	started := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	p.observe(started, err)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		observability.EndSpan(span, fmt.Errorf("empty response"))
		return nil, fmt.Errorf("chat completion: empty response")
	}

	choice := resp.Choices[0]
	msg := &AssistantMessage{
		Content:      choice.Message.Content,
		ToolCalls:    fromOpenAIToolCalls(choice.Message.ToolCalls),
		FinishReason: mapFinishReason(string(choice.FinishReason)),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	p.countTokens(msg.Usage)
	span.SetAttributes(attribute.Int("llm.tokens.total", msg.Usage.TotalTokens))
	observability.EndSpan(span, nil)
	return msg, nil
}

// Stream starts a streaming completion and converts the SDK chunks to
// deltas.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	ctx, span := p.tracer.Start(ctx, "llm.stream",
		attribute.String("llm.model", p.model),
		attribute.Int("llm.messages", len(req.Messages)))

	started := time.Now()
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		p.observe(started, err)
		observability.EndSpan(span, err)
		return nil, fmt.Errorf("start chat completion stream: %w", err)
	}

	deltas := make(chan Delta, 32)
	go func() {
		defer close(deltas)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					p.observe(started, nil)
					observability.EndSpan(span, nil)
					return
				}
				p.observe(started, err)
				observability.EndSpan(span, err)
				deltas <- Delta{Err: fmt.Errorf("stream receive: %w", err)}
				return
			}

			if resp.Usage != nil {
				usage := Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
				p.countTokens(usage)
				deltas <- Delta{Usage: &usage}
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			delta := Delta{Content: choice.Delta.Content}
			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
					Index:     index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			if choice.FinishReason != "" {
				delta.FinishReason = mapFinishReason(string(choice.FinishReason))
			}
			if delta.Content != "" || len(delta.ToolCalls) > 0 || delta.FinishReason != "" {
				select {
				case deltas <- delta:
				case <-ctx.Done():
					observability.EndSpan(span, ctx.Err())
					deltas <- Delta{Err: ctx.Err()}
					return
				}
			}
		}
	}()
	return deltas, nil
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: toOpenAIMessages(req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func (p *OpenAIProvider) observe(started time.Time, err error) {
	p.metrics.LLMRequestDuration.WithLabelValues(p.model).Observe(time.Since(started).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.LLMRequestCounter.WithLabelValues(p.model, status).Inc()
}

func (p *OpenAIProvider) countTokens(usage Usage) {
	if usage.PromptTokens > 0 {
		p.metrics.LLMTokensUsed.WithLabelValues(p.model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		p.metrics.LLMTokensUsed.WithLabelValues(p.model, "completion").Add(float64(usage.CompletionTokens))
	}
}

// toOpenAIMessages converts the unified message shape to the SDK's. Tool
// results become role=tool messages carrying their tool_call_id.
func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		if m.Role == models.RoleTool {
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		}
		if m.HasToolCalls() {
			msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				msg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, def := range tools {
		params := def.ParameterSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}
	}
	return out
}

func mapFinishReason(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	case "":
		return ""
	default:
		return FinishError
	}
}
