package executor

import (
	"sync"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// ExecutionState is the lifecycle position of one tool execution.
type ExecutionState string

const (
	StateValidating       ExecutionState = "validating"
	StateAwaitingApproval ExecutionState = "awaiting_approval"
	StateScheduled        ExecutionState = "scheduled"
	StateExecuting        ExecutionState = "executing"
	StateCompleted        ExecutionState = "completed"
)

// ExecutionSnapshot is a read-only copy of an execution record. Callers
// outside the manager only ever see snapshots.
type ExecutionSnapshot struct {
	ID           string              `json:"execution_id"`
	ToolName     string              `json:"tool_name"`
	Parameters   map[string]any      `json:"parameters,omitempty"`
	State        ExecutionState      `json:"state"`
	ApprovalMode models.ApprovalMode `json:"approval_mode"`
	Approved     bool                `json:"approved"`
	SubmittedAt  time.Time           `json:"submitted_at"`
	ExecutedAt   *time.Time          `json:"executed_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	Result       *models.ToolResult  `json:"result,omitempty"`
}

// toolExecution is the mutable record. The manager is its only writer; the
// state only ever moves forward and completed is terminal.
type toolExecution struct {
	mu           sync.Mutex
	id           string
	toolName     string
	parameters   map[string]any
	state        ExecutionState
	approvalMode models.ApprovalMode
	approved     bool
	submittedAt  time.Time
	executedAt   *time.Time
	completedAt  *time.Time
	result       *models.ToolResult

	// updates carries a snapshot after every transition, for the streaming
	// execution variant. Never blocks the pipeline.
	updates chan ExecutionSnapshot
}

func newToolExecution(id, toolName string, params map[string]any, mode models.ApprovalMode) *toolExecution {
	return &toolExecution{
		id:           id,
		toolName:     toolName,
		parameters:   params,
		state:        StateValidating,
		approvalMode: mode,
		submittedAt:  time.Now(),
		updates:      make(chan ExecutionSnapshot, 16),
	}
}

// transition advances the state. Completed is terminal; later transitions
// are ignored.
func (e *toolExecution) transition(state ExecutionState) {
	e.mu.Lock()
	if e.state == StateCompleted {
		e.mu.Unlock()
		return
	}
	e.state = state
	now := time.Now()
	switch state {
	case StateExecuting:
		e.executedAt = &now
	case StateCompleted:
		e.completedAt = &now
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.publish(snap)
}

func (e *toolExecution) setApproved(approved bool) {
	e.mu.Lock()
	e.approved = approved
	e.mu.Unlock()
}

// complete records the result and makes the terminal transition.
func (e *toolExecution) complete(result models.ToolResult) {
	e.mu.Lock()
	if e.state == StateCompleted {
		e.mu.Unlock()
		return
	}
	e.result = &result
	e.state = StateCompleted
	now := time.Now()
	e.completedAt = &now
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(snap)
	close(e.updates)
}

func (e *toolExecution) publish(snap ExecutionSnapshot) {
	select {
	case e.updates <- snap:
	default:
	}
}

func (e *toolExecution) snapshot() ExecutionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *toolExecution) snapshotLocked() ExecutionSnapshot {
	snap := ExecutionSnapshot{
		ID:           e.id,
		ToolName:     e.toolName,
		Parameters:   e.parameters,
		State:        e.state,
		ApprovalMode: e.approvalMode,
		Approved:     e.approved,
		SubmittedAt:  e.submittedAt,
	}
	if e.executedAt != nil {
		t := *e.executedAt
		snap.ExecutedAt = &t
	}
	if e.completedAt != nil {
		t := *e.completedAt
		snap.CompletedAt = &t
	}
	if e.result != nil {
		r := *e.result
		snap.Result = &r
	}
	return snap
}
