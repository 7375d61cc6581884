package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/signal"
	"github.com/haasonsaas/loom/pkg/models"
)

// ApprovalRequest describes one pending approval decision.
type ApprovalRequest struct {
	ID         string              `json:"id"`
	ToolName   string              `json:"tool_name"`
	Parameters map[string]any      `json:"parameters,omitempty"`
	Mode       models.ApprovalMode `json:"mode"`
}

// Approver decides approval requests that policy alone cannot settle.
// Implementations may prompt a human or consult an external system.
type Approver interface {
	Decide(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

func (f ApproverFunc) Decide(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

type planTokenKey struct{}

// WithPlanTokens marks the context with the tool names an agreed plan
// covers. Plan mode approves only operations named here.
func WithPlanTokens(ctx context.Context, toolNames ...string) context.Context {
	set := make(map[string]bool, len(toolNames))
	for _, name := range toolNames {
		set[name] = true
	}
	return context.WithValue(ctx, planTokenKey{}, set)
}

func planCovers(ctx context.Context, toolName string) bool {
	set, _ := ctx.Value(planTokenKey{}).(map[string]bool)
	return set[toolName]
}

// autoEditSafeOps lists operations auto_edit mode treats as safe enough to
// run without a human decision even when the definition asks for approval.
var autoEditSafeOps = map[string]bool{
	"read_file":    true,
	"current_time": true,
}

type decision int

const (
	decisionApprove decision = iota
	decisionDeny
	decisionAsk
)

// decideApproval applies the mode matrix. Ask means the call must go
// through the approver or the queue.
func decideApproval(ctx context.Context, mode models.ApprovalMode, def models.ToolDefinition) decision {
	switch mode {
	case models.ApprovalYolo:
		return decisionApprove
	case models.ApprovalAutoEdit:
		if !def.ApprovalRequired || autoEditSafeOps[def.Name] {
			return decisionApprove
		}
		return decisionAsk
	case models.ApprovalPlan:
		if planCovers(ctx, def.Name) {
			return decisionApprove
		}
		return decisionAsk
	default:
		if def.ApprovalRequired {
			return decisionAsk
		}
		return decisionApprove
	}
}

type pendingApproval struct {
	req      ApprovalRequest
	decision chan bool
	once     sync.Once
}

// ApprovalQueue holds suspended executions waiting on an external decision.
// Used when no Approver is installed; a UI or API drains it via Pending and
// Resolve.
type ApprovalQueue struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewApprovalQueue creates an empty queue.
func NewApprovalQueue() *ApprovalQueue {
	return &ApprovalQueue{pending: make(map[string]*pendingApproval)}
}

// Wait enqueues the request and blocks until Resolve or context cancellation.
// Cancellation counts as denial.
func (q *ApprovalQueue) Wait(ctx context.Context, req ApprovalRequest) (bool, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p := &pendingApproval{req: req, decision: make(chan bool, 1)}

	q.mu.Lock()
	q.pending[req.ID] = p
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.pending, req.ID)
		q.mu.Unlock()
	}()

	select {
	case approved := <-p.decision:
		return approved, nil
	case <-ctx.Done():
		return false, fmt.Errorf("approval wait: %w: %w", signal.ErrApprovalDenied, ctx.Err())
	}
}

// Resolve answers one pending request. Unknown ids return an error; a
// request is answered at most once.
func (q *ApprovalQueue) Resolve(id string, approved bool) error {
	q.mu.Lock()
	p, ok := q.pending[id]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval %s", id)
	}
	p.once.Do(func() { p.decision <- approved })
	return nil
}

// Pending lists outstanding requests sorted by id.
func (q *ApprovalQueue) Pending() []ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
