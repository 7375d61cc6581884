package signal

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
)

// Category buckets an error for retry and reporting decisions.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryAuth       Category = "auth"
	CategoryRateLimit  Category = "rate_limit"
	CategoryServer     Category = "server"
	CategoryValidation Category = "validation"
	CategoryTool       Category = "tool"
	CategoryUnknown    Category = "unknown"
)

// Classify buckets an error by type first, then by message substrings.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	switch {
	case errors.Is(err, ErrInvalidParams):
		return CategoryValidation
	case errors.Is(err, ErrToolNotFound),
		errors.Is(err, ErrToolUnavailable),
		errors.Is(err, ErrToolTimeout),
		errors.Is(err, ErrApprovalDenied),
		errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrDuplicateCallID),
		errors.Is(err, ErrOverloaded):
		return CategoryTool
	case errors.Is(err, ErrTransportClosed), errors.Is(err, ErrHandshake):
		return CategoryNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests", "429", "quota exceeded"):
		return CategoryRateLimit
	case containsAny(msg, "unauthorized", "401", "403", "invalid api key", "authentication", "permission denied"):
		return CategoryAuth
	case containsAny(msg, "timeout", "timed out", "connection refused", "connection reset", "no such host", "network", "broken pipe", "eof"):
		return CategoryNetwork
	case containsAny(msg, "500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "overloaded"):
		return CategoryServer
	case containsAny(msg, "invalid", "validation", "malformed", "schema"):
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Retryable reports whether the category is worth another LLM attempt.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryRateLimit, CategoryServer:
		return true
	default:
		return false
	}
}

// suggestedActions maps each category to remediation hints fed back to
// adaptive consumers.
func suggestedActions(c Category) []string {
	switch c {
	case CategoryRateLimit:
		return []string{"reduce_request_frequency"}
	case CategoryAuth:
		return []string{"verify_credentials"}
	case CategoryNetwork:
		return []string{"check_connectivity"}
	case CategoryValidation:
		return []string{"fix_input"}
	default:
		return []string{"inspect_error_details"}
	}
}

// New converts an error into a structured signal.
func New(err error, context map[string]any) models.ErrorSignal {
	cat := Classify(err)
	return models.ErrorSignal{
		Category:         string(cat),
		Kind:             Kind(err),
		Message:          err.Error(),
		SuggestedActions: suggestedActions(cat),
		Context:          context,
	}
}
