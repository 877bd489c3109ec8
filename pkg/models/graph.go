package models

import "encoding/json"

// Graph is the payload of a workflow version: nodes plus successor edges.
type Graph struct {
	Nodes    []Node `json:"nodes"`
	Edges    []Edge `json:"edges,omitempty"`
	Parallel bool   `json:"parallel,omitempty"` // Run nodes of the same dependency level concurrently
}

// Node is one step of a workflow graph.
type Node struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"` // Selects the invoker (e.g. "llm_call", "script")
	Name           string          `json:"name,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
	BestEffort     bool            `json:"best_effort,omitempty"`     // Failure is logged, the walk continues
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"` // Zero means the engine default
	Retries        int             `json:"retries,omitempty"`         // Extra attempts after the first
}

// Edge declares that Target runs after Source.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}
