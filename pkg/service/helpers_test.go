package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l *logger) Infof(format string, args ...interface{})  {}
func (l *logger) Warnf(format string, args ...interface{})  {}
func (l *logger) Errorf(format string, args ...interface{}) {}

// fastEngine keeps retries and timeouts short enough for unit tests.
var fastEngine = service.EngineConfig{
	NodeTimeout:  2 * time.Second,
	RetryBackoff: time.Millisecond,
}

// scriptedInvoker runs per-node functions and echoes the node id for nodes
// without one.
type scriptedInvoker struct {
	mu    sync.Mutex
	fns   map[string]service.InvokerFunc
	calls map[string]int
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{fns: make(map[string]service.InvokerFunc), calls: make(map[string]int)}
}

func (s *scriptedInvoker) on(nodeID string, fn service.InvokerFunc) *scriptedInvoker {
	s.mu.Lock()
	s.fns[nodeID] = fn
	s.mu.Unlock()
	return s
}

func (s *scriptedInvoker) callCount(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[nodeID]
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req service.InvokeRequest) (service.InvokeResult, error) {
	s.mu.Lock()
	s.calls[req.Node.ID]++
	fn := s.fns[req.Node.ID]
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	out, _ := json.Marshal(map[string]string{"node": req.Node.ID})
	return service.InvokeResult{Output: out, Cost: 0.5}, nil
}

func failWith(msg string) service.InvokerFunc {
	return func(ctx context.Context, req service.InvokeRequest) (service.InvokeResult, error) {
		return service.InvokeResult{}, fmt.Errorf("%s", msg)
	}
}

func newTestService(t *testing.T, inv service.Invoker, cfg service.EngineConfig, workers int) (*service.WorkflowService, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	svc := service.NewWorkflowService(ctx, store, &logger{}, service.Options{
		Invoker: inv,
		Engine:  cfg,
		Workers: workers,
	})
	t.Cleanup(func() {
		cancel()
		svc.Close()
	})
	return svc, store
}

// chain builds a sequential graph n1 -> n2 -> ... over the given ids.
func chain(ids ...string) models.Graph {
	g := models.Graph{}
	for i, id := range ids {
		g.Nodes = append(g.Nodes, models.Node{ID: id, Type: "step", Name: "step " + id})
		if i > 0 {
			g.Edges = append(g.Edges, models.Edge{Source: ids[i-1], Target: id})
		}
	}
	return g
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	out, err := json.Marshal(v)
	require.NoError(t, err)
	return out
}

// createWorkflow registers an active workflow and publishes its graphs as
// versions 1..n. Version 1 is current.
func createWorkflow(t *testing.T, svc *service.WorkflowService, code string, graphs ...models.Graph) models.WorkflowDefinition {
	t.Helper()
	wf, err := svc.CreateWorkflow(models.WorkflowDefinition{
		Code:     code,
		Name:     "Workflow " + code,
		Type:     "case_generation",
		IsActive: true,
	})
	require.NoError(t, err)
	for i, g := range graphs {
		_, err := svc.PublishVersion(context.Background(), models.WorkflowKind, code, mustJSON(t, g), fmt.Sprintf("v%d", i+1), "tester")
		require.NoError(t, err)
	}
	return wf
}

func runToEnd(t *testing.T, svc *service.WorkflowService, code string, input json.RawMessage, opts service.StartOptions) service.ExecutionSnapshot {
	t.Helper()
	id, err := svc.StartExecution(context.Background(), code, input, opts)
	require.NoError(t, err)
	return waitFor(t, svc, id)
}

func waitFor(t *testing.T, svc *service.WorkflowService, id string) service.ExecutionSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := svc.WaitForExecution(ctx, id, 2*time.Millisecond)
	require.NoError(t, err)
	return snap
}

func nodeStatuses(nodes []models.NodeExecution) map[string]models.NodeStatus {
	out := make(map[string]models.NodeStatus)
	for _, n := range nodes {
		out[n.NodeID] = n.Status
	}
	return out
}
