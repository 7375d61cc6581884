package config

import (
	"errors"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("llm:\n  llm_model: gpt-4o-mini\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", cfg.LLM.Model)
	}
	if cfg.Turn.MaxTurnIterations != 8 {
		t.Errorf("MaxTurnIterations = %d, want 8", cfg.Turn.MaxTurnIterations)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Tools.DefaultToolTimeout != 30*time.Second {
		t.Errorf("DefaultToolTimeout = %v", cfg.Tools.DefaultToolTimeout)
	}
	if cfg.Conversation.CompressionThreshold >= cfg.Conversation.MaxHistoryLength {
		t.Error("default compression threshold must be below max history length")
	}
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("LOOM_TEST_KEY", "sk-test-123")
	cfg, err := Parse([]byte("llm:\n  llm_api_key: ${LOOM_TEST_KEY}\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test-123" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.LLM.APIKey)
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	raw := "conversation:\n  max_history_length: 10\n  compression_threshold: 10\n"
	_, err := Parse([]byte(raw))
	if err == nil {
		t.Fatal("expected error for compression_threshold >= max_history_length")
	}
	if !errors.Is(err, ErrConfig) {
		t.Errorf("error %v is not ErrConfig", err)
	}
}

func TestValidateRejectsBadConcurrency(t *testing.T) {
	raw := "tools:\n  per_tool_concurrency: 16\n  global_tool_concurrency: 4\n"
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected error when per-tool cap exceeds global cap")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/loom.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !errors.Is(err, ErrConfig) {
		t.Errorf("error %v is not ErrConfig", err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() config invalid: %v", err)
	}
}
