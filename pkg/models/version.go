package models

import (
	"encoding/json"
	"time"
)

// Version is an immutable snapshot of a workflow or prompt-template definition.
// Only IsCurrent may change after creation.
type Version struct {
	ID           int64           `json:"id" db:"id"`
	Kind         DefinitionKind  `json:"kind" db:"kind"`
	DefinitionID int64           `json:"definition_id" db:"definition_id"`
	Number       int             `json:"number" db:"number"` // Gapless per (Kind, DefinitionID), starts at 1
	Payload      json.RawMessage `json:"payload" db:"payload"`
	Description  string          `json:"description,omitempty" db:"description"`
	IsCurrent    bool            `json:"is_current" db:"is_current"`
	CreatedBy    string          `json:"created_by,omitempty" db:"created_by"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// TemplatePayload is the payload of a prompt-template version.
type TemplatePayload struct {
	Content   string   `json:"content"`
	Variables []string `json:"variables,omitempty"`
	Model     string   `json:"model,omitempty"`
}
