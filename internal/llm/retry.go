package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/loom/internal/backoff"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/signal"
)

// RetryingProvider wraps a Provider with category-aware retries. Network,
// rate-limit, and server failures are retried with exponential backoff;
// everything else fails fast.
type RetryingProvider struct {
	inner       Provider
	policy      backoff.Policy
	maxAttempts int
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewRetryingProvider wraps inner. maxRetries counts retries after the
// first attempt.
func NewRetryingProvider(inner Provider, policy backoff.Policy, maxRetries int, metrics *observability.Metrics, logger *slog.Logger) *RetryingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &RetryingProvider{
		inner:       inner,
		policy:      policy,
		maxAttempts: maxRetries + 1,
		metrics:     metrics,
		logger:      logger.With("component", "llm_retry"),
	}
}

func (p *RetryingProvider) retryable(err error) bool {
	category := signal.Classify(err)
	if category.Retryable() {
		p.metrics.LLMRetryCounter.WithLabelValues(string(category)).Inc()
		p.logger.Warn("retrying llm call", "category", category, "error", err)
		return true
	}
	return false
}

// Generate retries the blocking completion.
func (p *RetryingProvider) Generate(ctx context.Context, req Request) (*AssistantMessage, error) {
	result, err := backoff.Retry(ctx, p.policy, p.maxAttempts, p.retryable,
		func(attempt int) (*AssistantMessage, error) {
			return p.inner.Generate(ctx, req)
		})
	if err != nil {
		if result.LastError != nil {
			return nil, fmt.Errorf("llm generate after %d attempts: %w", result.Attempts, result.LastError)
		}
		return nil, fmt.Errorf("llm generate: %w", err)
	}
	return result.Value, nil
}

// Stream retries stream establishment. Faults after the stream opens are
// not retried here; the turn engine decides what a broken stream means.
func (p *RetryingProvider) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	result, err := backoff.Retry(ctx, p.policy, p.maxAttempts, p.retryable,
		func(attempt int) (<-chan Delta, error) {
			return p.inner.Stream(ctx, req)
		})
	if err != nil {
		if result.LastError != nil {
			return nil, fmt.Errorf("llm stream after %d attempts: %w", result.Attempts, result.LastError)
		}
		return nil, fmt.Errorf("llm stream: %w", err)
	}
	return result.Value, nil
}
