package models

import (
	"encoding/json"
	"time"
)

type ExecutionStatus string

const (
	PendingExecutionStatus   ExecutionStatus = "pending"
	RunningExecutionStatus   ExecutionStatus = "running"
	SucceededExecutionStatus ExecutionStatus = "succeeded"
	FailedExecutionStatus    ExecutionStatus = "failed"
	CancelledExecutionStatus ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) Terminal() bool {
	return s == SucceededExecutionStatus || s == FailedExecutionStatus || s == CancelledExecutionStatus
}

// WorkflowExecution is one run of a pinned workflow version.
type WorkflowExecution struct {
	ID              int64           `json:"-" db:"id"`
	ExecutionID     string          `json:"execution_id" db:"execution_id"` // Globally unique
	WorkflowID      int64           `json:"workflow_id" db:"workflow_id"`
	WorkflowCode    string          `json:"workflow_code" db:"workflow_code"`
	VersionID       int64           `json:"version_id" db:"version_id"`         // Pinned version row
	VersionNumber   int             `json:"version_number" db:"version_number"` // Pinned version number
	RequestID       string          `json:"request_id,omitempty" db:"request_id"`
	AbTestID        *int64          `json:"ab_test_id,omitempty" db:"ab_test_id"`       // Set when routed under an experiment
	VersionLabel    string          `json:"version_label,omitempty" db:"version_label"` // "A" or "B" when routed
	Status          ExecutionStatus `json:"status" db:"status"`
	Input           json.RawMessage `json:"input,omitempty" db:"input"`
	Output          json.RawMessage `json:"output,omitempty" db:"output"`
	Progress        int             `json:"progress" db:"progress"` // 0-100, share of succeeded nodes
	SuccessCount    int             `json:"success_count" db:"success_count"`
	FailCount       int             `json:"fail_count" db:"fail_count"`
	TotalNodes      int             `json:"total_nodes" db:"total_nodes"`
	CurrentNodeID   string          `json:"current_node_id,omitempty" db:"current_node_id"`
	ErrorMessage    string          `json:"error_message,omitempty" db:"error_message"`
	ErrorNodeID     string          `json:"error_node_id,omitempty" db:"error_node_id"`
	CancelRequested bool            `json:"cancel_requested" db:"cancel_requested"`
	CreatedBy       string          `json:"created_by,omitempty" db:"created_by"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" db:"finished_at"` // Nil until terminal
	DurationMs      int64           `json:"duration_ms" db:"duration_ms"`
}

type NodeStatus string

const (
	RunningNodeStatus   NodeStatus = "running"
	SucceededNodeStatus NodeStatus = "succeeded"
	FailedNodeStatus    NodeStatus = "failed"
	CancelledNodeStatus NodeStatus = "cancelled"
)

// NodeExecution is one attempt of one node inside an execution.
// Rows are appended, never deleted; a retry is a new row.
type NodeExecution struct {
	ID           int64           `json:"id" db:"id"`
	ExecutionID  string          `json:"execution_id" db:"execution_id"`
	NodeID       string          `json:"node_id" db:"node_id"`
	NodeType     string          `json:"node_type" db:"node_type"`
	NodeName     string          `json:"node_name,omitempty" db:"node_name"`
	Attempt      int             `json:"attempt" db:"attempt"` // 1-based
	Seq          int             `json:"seq" db:"seq"`         // Per-execution creation order
	Status       NodeStatus      `json:"status" db:"status"`
	Input        json.RawMessage `json:"input,omitempty" db:"input"`
	Output       json.RawMessage `json:"output,omitempty" db:"output"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	ErrorLog     string          `json:"error_log,omitempty" db:"error_log"`
	Cost         float64         `json:"cost" db:"cost"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	DurationMs   int64           `json:"duration_ms" db:"duration_ms"`
}
