package models

import "time"

// DefinitionKind distinguishes the two versioned definition families.
type DefinitionKind string

const (
	WorkflowKind DefinitionKind = "workflow"
	TemplateKind DefinitionKind = "template"
)

// Valid reports whether k is a known kind.
func (k DefinitionKind) Valid() bool {
	return k == WorkflowKind || k == TemplateKind
}

// WorkflowDefinition is the stable identity of a workflow across its versions.
type WorkflowDefinition struct {
	ID              int64      `json:"id" db:"id"`                                   // Auto-incremented identifier
	Code            string     `json:"code" db:"code"`                               // Unique, stable across versions
	Name            string     `json:"name" db:"name"`                               // Display name
	Description     string     `json:"description,omitempty" db:"description"`       // Free text
	Type            string     `json:"type" db:"type"`                               // Workflow family (e.g. "case_generation")
	IsActive        bool       `json:"is_active" db:"is_active"`                     // Inactive workflows refuse new executions
	IsDefault       bool       `json:"is_default" db:"is_default"`                   // At most one default per Type
	CreatedBy       string     `json:"created_by,omitempty" db:"created_by"`         // Author
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`                   // Creation timestamp
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`                   // Last update timestamp
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty" db:"last_execution_at"` // Finish time of the latest execution
	ExecutionCount  int64      `json:"execution_count" db:"execution_count"`         // Number of finished executions
}

// PromptTemplate is the stable identity of a prompt template across its versions.
type PromptTemplate struct {
	ID        int64     `json:"id" db:"id"`
	Code      string    `json:"code" db:"code"`
	Name      string    `json:"name" db:"name"`
	Category  string    `json:"category,omitempty" db:"category"`
	Model     string    `json:"model,omitempty" db:"model"` // Default model the template is bound to
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
