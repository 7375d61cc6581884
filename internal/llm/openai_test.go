package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

func TestToOpenAIMessages(t *testing.T) {
	messages := []models.Message{
		models.NewSystemMessage("be helpful"),
		models.NewUserMessage("what time is it?"),
		models.NewAssistantMessage("", []models.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: models.FunctionCall{Name: "current_time", Arguments: "{}"},
		}}),
		models.NewToolMessage("call_1", "current_time", "2026-08-26T10:00:00Z"),
	}

	out := toOpenAIMessages(messages)
	if len(out) != 4 {
		t.Fatalf("got %d messages", len(out))
	}
	if out[0].Role != "system" || out[1].Role != "user" {
		t.Errorf("roles = %s, %s", out[0].Role, out[1].Role)
	}

	assistant := out[2]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool calls = %+v", assistant.ToolCalls)
	}
	if assistant.ToolCalls[0].Type != openai.ToolTypeFunction {
		t.Errorf("tool call type = %v", assistant.ToolCalls[0].Type)
	}

	tool := out[3]
	if tool.Role != "tool" || tool.ToolCallID != "call_1" || tool.Name != "current_time" {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := []models.ToolDefinition{
		{
			Name:            "search",
			Description:     "searches the web",
			ParameterSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
		},
		{Name: "bare"},
	}

	out := toOpenAITools(tools)
	if len(out) != 2 {
		t.Fatalf("got %d tools", len(out))
	}
	if out[0].Type != openai.ToolTypeFunction || out[0].Function.Name != "search" {
		t.Errorf("tool = %+v", out[0])
	}
	// A tool without a schema still gets a valid empty object schema.
	params, ok := out[1].Function.Parameters.(json.RawMessage)
	if !ok || len(params) == 0 {
		t.Errorf("bare tool parameters = %#v", out[1].Function.Parameters)
	}

	if toOpenAITools(nil) != nil {
		t.Error("no tools should map to nil")
	}
}

func TestFromOpenAIToolCalls(t *testing.T) {
	calls := fromOpenAIToolCalls([]openai.ToolCall{{
		ID:       "call_9",
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: "echo", Arguments: `{"message":"hi"}`},
	}})
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].ID != "call_9" || calls[0].Function.Name != "echo" {
		t.Errorf("call = %+v", calls[0])
	}
	args, err := calls[0].ParsedArguments()
	if err != nil {
		t.Fatal(err)
	}
	if args["message"] != "hi" {
		t.Errorf("args = %v", args)
	}
}

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		in   string
		want FinishReason
	}{
		{"stop", FinishStop},
		{"tool_calls", FinishToolCalls},
		{"function_call", FinishToolCalls},
		{"length", FinishLength},
		{"content_filter", FinishContentFilter},
		{"", ""},
		{"weird", FinishError},
	}
	for _, tt := range tests {
		if got := mapFinishReason(tt.in); got != tt.want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGenerateRecordsSpan(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "cmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`)
	}))
	defer server.Close()

	recorder := tracetest.NewSpanRecorder()
	tracer := observability.FromProvider(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test")

	provider := NewOpenAIProvider(OpenAIConfig{Endpoint: server.URL, Model: "test-model"}, nil, nil)
	provider.SetTracer(tracer)

	msg, err := provider.Generate(context.Background(), Request{
		Messages: []models.Message{models.NewUserMessage("hello")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "hi" {
		t.Errorf("content = %q", msg.Content)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "llm.generate" {
		t.Fatalf("spans = %d, want one llm.generate span", len(spans))
	}
	if spans[0].Status().Code == codes.Error {
		t.Errorf("span status = %v", spans[0].Status())
	}
}

func TestGenerateSpanRecordsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "boom", "type": "server_error"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	recorder := tracetest.NewSpanRecorder()
	tracer := observability.FromProvider(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test")

	provider := NewOpenAIProvider(OpenAIConfig{Endpoint: server.URL, Model: "test-model"}, nil, nil)
	provider.SetTracer(tracer)

	if _, err := provider.Generate(context.Background(), Request{
		Messages: []models.Message{models.NewUserMessage("hello")},
	}); err == nil {
		t.Fatal("expected error")
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "llm.generate" {
		t.Fatalf("spans = %d, want one llm.generate span", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want error", spans[0].Status())
	}
}
