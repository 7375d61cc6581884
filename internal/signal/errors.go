// Package signal defines the kernel's error taxonomy and converts failures
// into structured signals that downstream components can adapt to.
package signal

import (
	"errors"
)

// Sentinel errors for the local, non-fatal failure kinds. They are surfaced
// as tool-call responses or turn-level error events, never as panics.
var (
	ErrHandshake        = errors.New("HandshakeError")
	ErrTransportClosed  = errors.New("TransportClosed")
	ErrToolNotFound     = errors.New("ToolNotFound")
	ErrToolUnavailable  = errors.New("ToolUnavailable")
	ErrDuplicateCallID  = errors.New("DuplicateCallId")
	ErrApprovalDenied   = errors.New("ApprovalDenied")
	ErrQuotaExceeded    = errors.New("QuotaExceeded")
	ErrToolTimeout      = errors.New("ToolTimeout")
	ErrInvalidParams    = errors.New("InvalidParameters")
	ErrDomainLoading    = errors.New("DomainLoading")
	ErrToolLoopExceeded = errors.New("ToolLoopExceeded")
	ErrCancelled        = errors.New("Cancelled")
	ErrOverloaded       = errors.New("Overloaded")
)

// Kind returns the taxonomy name for err, or "" when err matches no known
// kind.
func Kind(err error) string {
	for _, sentinel := range []error{
		ErrHandshake, ErrTransportClosed, ErrToolNotFound, ErrToolUnavailable,
		ErrDuplicateCallID, ErrApprovalDenied, ErrQuotaExceeded, ErrToolTimeout,
		ErrInvalidParams, ErrDomainLoading, ErrToolLoopExceeded, ErrCancelled,
		ErrOverloaded,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}
