package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/pkg/errors"
)

// InvokeRequest is everything a node operation receives.
type InvokeRequest struct {
	ExecutionID string                     `json:"execution_id"`
	Node        models.Node                `json:"node"`
	Attempt     int                        `json:"attempt"`
	Input       json.RawMessage            `json:"input,omitempty"`
	Upstream    map[string]json.RawMessage `json:"upstream,omitempty"` // Outputs of direct predecessors
}

// InvokeResult is what a node operation returns on success.
type InvokeResult struct {
	Output   json.RawMessage `json:"output,omitempty"`
	Duration time.Duration   `json:"duration"`
	Cost     float64         `json:"cost"`
}

// Invoker runs one opaque node operation (a model call, a script, a sub-task).
// Implementations must honor ctx cancellation.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
}

// InvokerFunc adapts a plain function to Invoker.
type InvokerFunc func(ctx context.Context, req InvokeRequest) (InvokeResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	return f(ctx, req)
}

// InvokerRegistry dispatches by node type, falling back to a default invoker.
type InvokerRegistry struct {
	mu       sync.RWMutex
	byType   map[string]Invoker
	fallback Invoker
}

func NewInvokerRegistry(fallback Invoker) *InvokerRegistry {
	return &InvokerRegistry{
		byType:   make(map[string]Invoker),
		fallback: fallback,
	}
}

// Register binds an invoker to a node type, replacing any previous binding.
func (r *InvokerRegistry) Register(nodeType string, inv Invoker) error {
	if nodeType == "" {
		return errors.New("empty node type")
	}
	if inv == nil {
		return errors.Errorf("nil invoker for node type %s", nodeType)
	}
	r.mu.Lock()
	r.byType[nodeType] = inv
	r.mu.Unlock()
	return nil
}

func (r *InvokerRegistry) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	r.mu.RLock()
	inv, ok := r.byType[req.Node.Type]
	if !ok {
		inv = r.fallback
	}
	r.mu.RUnlock()
	if inv == nil {
		return InvokeResult{}, errors.Wrapf(ErrExecutionFailure, "no invoker registered for node type %s", req.Node.Type)
	}
	return inv.Invoke(ctx, req)
}

// PassthroughInvoker returns the execution input unchanged, or the single
// upstream output when there is one. Useful for fan-in and routing nodes.
var PassthroughInvoker = InvokerFunc(func(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	if len(req.Upstream) == 1 {
		for _, out := range req.Upstream {
			return InvokeResult{Output: out}, nil
		}
	}
	if len(req.Upstream) > 1 {
		out, err := json.Marshal(req.Upstream)
		if err != nil {
			return InvokeResult{}, errors.Wrap(err, "failed to merge upstream outputs")
		}
		return InvokeResult{Output: out}, nil
	}
	return InvokeResult{Output: req.Input}, nil
})
