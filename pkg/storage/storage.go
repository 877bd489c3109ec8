package storage

import (
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by every get-by-key lookup that matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("duplicate record")
	// ErrInvalidQuery is returned for predicates on unknown fields.
	ErrInvalidQuery = errors.New("invalid query")
)

// Page is one page of a paginated-filtered query plus the unpaginated total.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// Store defines the storage operations the core depends on.
// Begin returns a transactional Store; calls on it are atomic until Commit or Rollback.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow definitions
	SaveWorkflow(w models.WorkflowDefinition) (int64, error)
	GetWorkflow(id int64) (models.WorkflowDefinition, error)
	GetWorkflowByCode(code string) (models.WorkflowDefinition, error)
	ListWorkflows(q Query) (Page[models.WorkflowDefinition], error)
	ClearDefaultWorkflows(workflowType string) error
	SetDefaultWorkflow(id int64) error
	RecordWorkflowExecution(id int64, at time.Time) error
	// UpdateWorkflow rewrites the editable fields; the code is immutable.
	UpdateWorkflow(w models.WorkflowDefinition) error
	// DeleteWorkflow removes the workflow with its versions and experiments.
	DeleteWorkflow(id int64) error

	// Prompt templates
	SaveTemplate(t models.PromptTemplate) (int64, error)
	GetTemplate(id int64) (models.PromptTemplate, error)
	GetTemplateByCode(code string) (models.PromptTemplate, error)
	ListTemplates() ([]models.PromptTemplate, error)
	UpdateTemplate(t models.PromptTemplate) error
	DeleteTemplate(id int64) error

	// Versions. LockDefinition serializes writers on one definition for the
	// rest of the enclosing transaction.
	LockDefinition(kind models.DefinitionKind, definitionID int64) error
	MaxVersionNumber(kind models.DefinitionKind, definitionID int64) (int, error)
	SaveVersion(v models.Version) (int64, error)
	GetVersion(kind models.DefinitionKind, definitionID int64, number int) (models.Version, error)
	GetVersionByID(id int64) (models.Version, error)
	GetCurrentVersion(kind models.DefinitionKind, definitionID int64) (models.Version, error)
	ListVersions(kind models.DefinitionKind, definitionID int64) ([]models.Version, error)
	ClearCurrentVersions(kind models.DefinitionKind, definitionID int64) error
	SetCurrentVersion(kind models.DefinitionKind, definitionID int64, number int) error

	// Execution ledger
	SaveExecution(e models.WorkflowExecution) error
	GetExecution(executionID string) (models.WorkflowExecution, error)
	ListExecutions(q Query) (Page[models.WorkflowExecution], error)
	// TransitionExecution moves an execution to status `to` only if its current
	// status is one of `from`; it reports whether the transition happened.
	TransitionExecution(executionID string, from []models.ExecutionStatus, to models.ExecutionStatus, at time.Time) (bool, error)
	UpdateExecutionProgress(executionID string, progress, successCount, failCount int, currentNodeID string) error
	RequestCancel(executionID string) error
	// FinishExecution writes the terminal state unless the execution is already terminal.
	FinishExecution(e models.WorkflowExecution) (bool, error)

	// Node ledger
	SaveNodeExecution(n models.NodeExecution) (int64, error)
	FinishNodeExecution(n models.NodeExecution) error
	ListNodeExecutions(executionID string) ([]models.NodeExecution, error)

	// Experiments
	SaveAbTest(t models.AbTest) (int64, error)
	GetAbTest(id int64) (models.AbTest, error)
	GetRunningAbTest(scope models.Scope) (models.AbTest, error)
	ListAbTests(scope models.Scope) ([]models.AbTest, error)
	UpdateAbTest(t models.AbTest) error
	DeleteAbTest(id int64) error

	SaveAbTestExecution(e models.AbTestExecution) (int64, error)
	GetAbTestExecution(requestID string) (models.AbTestExecution, error)
	RateAbTestExecution(requestID string, rating int, feedback string) error
	ListAbTestExecutions(abTestID int64) ([]models.AbTestExecution, error)
	AggregateAbTest(abTestID int64) ([]models.LabelAggregate, error)
}
