package service

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// default node timeout is 1m
	DefaultNodeTimeout   = 60 * time.Second
	DefaultRetryBackoff  = 100 * time.Millisecond
	DefaultGraphCacheTTL = 10 * time.Minute

	cancelledByRequest = "cancelled by request"
)

// EngineConfig tunes the execution engine. Zero values select the defaults.
type EngineConfig struct {
	NodeTimeout   time.Duration // Used when a node sets no timeout of its own
	RetryBackoff  time.Duration // Pause between attempts of one node
	InvokeRPS     float64       // Zero disables invocation throttling
	InvokeBurst   int
	GraphCacheTTL time.Duration
}

// Observer is told about ledger writes after they happen. Calls are made on
// engine goroutines and must not block for long.
type Observer interface {
	NodeFinished(n models.NodeExecution)
	ExecutionFinished(e models.WorkflowExecution)
}

// Engine walks the node graph of a pinned workflow version and records every
// step in the execution ledger. Run always leaves the execution terminal.
type Engine struct {
	store   storage.Store
	invoker Invoker
	logger  Logger
	cfg     EngineConfig
	graphs  *cache.Cache
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

func NewEngine(store storage.Store, invoker Invoker, logger Logger, cfg EngineConfig) *Engine {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.GraphCacheTTL <= 0 {
		cfg.GraphCacheTTL = DefaultGraphCacheTTL
	}
	var limiter *rate.Limiter
	if cfg.InvokeRPS > 0 {
		burst := cfg.InvokeBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.InvokeRPS), burst)
	}
	return &Engine{
		store:   store,
		invoker: invoker,
		logger:  logger,
		cfg:     cfg,
		graphs:  cache.New(cfg.GraphCacheTTL, 2*cfg.GraphCacheTTL),
		limiter: limiter,
		now:     time.Now,
	}
}

func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

func (e *Engine) notifyNode(n models.NodeExecution) {
	e.mu.RLock()
	obs := e.observers
	e.mu.RUnlock()
	for _, o := range obs {
		o.NodeFinished(n)
	}
}

func (e *Engine) notifyExecution(ex models.WorkflowExecution) {
	e.mu.RLock()
	obs := e.observers
	e.mu.RUnlock()
	for _, o := range obs {
		o.ExecutionFinished(ex)
	}
}

// PlanFor returns the cached execution plan of a workflow version.
func (e *Engine) PlanFor(versionID int64) (Plan, error) {
	key := strconv.FormatInt(versionID, 10)
	if cached, ok := e.graphs.Get(key); ok {
		return cached.(Plan), nil
	}
	v, err := e.store.GetVersionByID(versionID)
	if err != nil {
		return Plan{}, storeErr(err, "version %d", versionID)
	}
	if v.Kind != models.WorkflowKind {
		return Plan{}, validationf("version %d is a %s version, not a workflow", versionID, v.Kind)
	}
	g, err := ParseGraph(v.Payload)
	if err != nil {
		return Plan{}, err
	}
	plan, err := BuildPlan(g)
	if err != nil {
		return Plan{}, err
	}
	e.graphs.Set(key, plan, cache.DefaultExpiration)
	return plan, nil
}

// walk is the mutable state of one execution while its graph is walked.
type walk struct {
	exec    models.WorkflowExecution
	plan    Plan
	seq     atomic.Int64
	mu      sync.Mutex
	outputs map[string]json.RawMessage
}

func (w *walk) nextSeq() int {
	return int(w.seq.Add(1))
}

type nodeOutcome struct {
	node   models.Node
	output json.RawMessage
	err    error
}

// Run drives a pending execution to a terminal state and returns the final
// record. Executions that are not pending are left untouched.
func (e *Engine) Run(ctx context.Context, executionID string) (final models.WorkflowExecution) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Errorf("Execution %s panicked: %v\n%s", executionID, p, debug.Stack())
			final = e.Abort(executionID, fmt.Sprintf("internal error: %v", p))
		}
	}()

	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		e.logger.Errorf("Cannot run execution %s: %v", executionID, err)
		if errors.Is(err, storage.ErrNotFound) {
			return models.WorkflowExecution{ExecutionID: executionID}
		}
		// The row exists but cannot be read; a bare record still ends it.
		return e.finish(models.WorkflowExecution{ExecutionID: executionID}, models.FailedExecutionStatus, fmt.Sprintf("failed to load execution: %v", err), "", nil)
	}

	started := e.now()
	moved, err := e.store.TransitionExecution(executionID, []models.ExecutionStatus{models.PendingExecutionStatus}, models.RunningExecutionStatus, started)
	if err != nil {
		e.logger.Errorf("Failed to start execution %s: %v", executionID, err)
		return e.Abort(executionID, fmt.Sprintf("failed to start: %v", err))
	}
	if !moved {
		current, err := e.store.GetExecution(executionID)
		if err != nil {
			return exec
		}
		e.logger.Infof("Execution %s is %s, not starting", executionID, current.Status)
		return current
	}
	exec.Status = models.RunningExecutionStatus
	exec.StartedAt = &started
	e.logger.Infof("Started execution %s of %s version %d", executionID, exec.WorkflowCode, exec.VersionNumber)

	plan, err := e.PlanFor(exec.VersionID)
	if err != nil {
		return e.finish(exec, models.FailedExecutionStatus, fmt.Sprintf("invalid workflow version: %v", err), "", nil)
	}
	w := &walk{exec: exec, plan: plan, outputs: make(map[string]json.RawMessage)}
	w.exec.TotalNodes = len(plan.Order)

	for i, stage := range plan.Stages {
		if status, reason := e.stopReason(ctx, executionID); reason != "" {
			e.cancelRemaining(w, plan.Stages[i:], reason)
			return e.finish(w.snapshot(), status, reason, "", nil)
		}
		var fatal *nodeOutcome
		for _, out := range e.runStage(ctx, w, stage) {
			if out.err == nil {
				continue
			}
			if out.node.BestEffort {
				e.logger.Warnf("Best-effort node %s of execution %s failed, continuing: %v", out.node.ID, executionID, out.err)
				continue
			}
			if fatal == nil {
				o := out
				fatal = &o
			}
		}
		if fatal != nil {
			e.cancelRemaining(w, plan.Stages[i+1:], fmt.Sprintf("skipped after node %s failed", fatal.node.ID))
			return e.finish(w.snapshot(), models.FailedExecutionStatus, fatal.err.Error(), fatal.node.ID, nil)
		}
	}
	return e.finish(w.snapshot(), models.SucceededExecutionStatus, "", "", w.finalOutput())
}

// stopReason checks, between stages, whether the walk must end early.
func (e *Engine) stopReason(ctx context.Context, executionID string) (models.ExecutionStatus, string) {
	if err := ctx.Err(); err != nil {
		return models.FailedExecutionStatus, fmt.Sprintf("engine stopped: %v", err)
	}
	current, err := e.store.GetExecution(executionID)
	if err != nil {
		e.logger.Errorf("Failed to check cancellation of execution %s: %v", executionID, err)
		return "", ""
	}
	if current.CancelRequested {
		return models.CancelledExecutionStatus, cancelledByRequest
	}
	return "", ""
}

// runStage runs the nodes of one stage. Siblings run concurrently and all of
// them complete before the stage returns.
func (e *Engine) runStage(ctx context.Context, w *walk, stage []models.Node) []nodeOutcome {
	outcomes := make([]nodeOutcome, len(stage))
	if len(stage) == 1 {
		outcomes[0] = e.runNode(ctx, w, stage[0])
		return outcomes
	}
	var g errgroup.Group
	for i, n := range stage {
		i, n := i, n
		g.Go(func() error {
			outcomes[i] = e.runNode(ctx, w, n)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (w *walk) upstreamOf(nodeID string) map[string]json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	up := make(map[string]json.RawMessage)
	for _, id := range w.plan.Upstream[nodeID] {
		if out, ok := w.outputs[id]; ok {
			up[id] = out
		}
	}
	return up
}

func (w *walk) snapshot() models.WorkflowExecution {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exec
}

// finalOutput is the output of the single sink node, or an object keyed by
// sink id when the graph has several.
func (w *walk) finalOutput() json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.plan.Sinks) == 1 {
		return w.outputs[w.plan.Sinks[0]]
	}
	merged := make(map[string]json.RawMessage)
	for _, id := range w.plan.Sinks {
		if out, ok := w.outputs[id]; ok {
			merged[id] = out
		}
	}
	if len(merged) == 0 {
		return nil
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil
	}
	return out
}

// record applies one node result to the counters and persists progress.
func (e *Engine) record(w *walk, node models.Node, out nodeOutcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if out.err == nil {
		w.exec.SuccessCount++
		w.outputs[node.ID] = out.output
	} else {
		w.exec.FailCount++
	}
	w.exec.CurrentNodeID = node.ID
	if w.exec.TotalNodes > 0 {
		w.exec.Progress = w.exec.SuccessCount * 100 / w.exec.TotalNodes
	}
	if err := e.store.UpdateExecutionProgress(w.exec.ExecutionID, w.exec.Progress, w.exec.SuccessCount, w.exec.FailCount, node.ID); err != nil {
		e.logger.Errorf("Failed to update progress of execution %s: %v", w.exec.ExecutionID, err)
	}
}

func (e *Engine) runNode(ctx context.Context, w *walk, node models.Node) nodeOutcome {
	timeout := e.cfg.NodeTimeout
	if node.TimeoutSeconds > 0 {
		timeout = time.Duration(node.TimeoutSeconds) * time.Second
	}
	req := InvokeRequest{
		ExecutionID: w.exec.ExecutionID,
		Node:        node,
		Input:       w.exec.Input,
		Upstream:    w.upstreamOf(node.ID),
	}
	recordedInput, err := json.Marshal(struct {
		Input    json.RawMessage            `json:"input,omitempty"`
		Upstream map[string]json.RawMessage `json:"upstream,omitempty"`
	}{req.Input, req.Upstream})
	if err != nil {
		recordedInput = nil
	}

	out := nodeOutcome{node: node}
attempts:
	for attempt := 1; attempt <= node.Retries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(e.cfg.RetryBackoff):
			case <-ctx.Done():
				out.err = &NodeError{NodeID: node.ID, Attempt: attempt, Err: errors.Wrapf(ErrExecutionFailure, "aborted before retry: %v", ctx.Err())}
				break attempts
			}
			e.logger.Infof("Retrying node %s of execution %s (attempt %d/%d)", node.ID, w.exec.ExecutionID, attempt, node.Retries+1)
		}

		row := models.NodeExecution{
			ExecutionID: w.exec.ExecutionID,
			NodeID:      node.ID,
			NodeType:    node.Type,
			NodeName:    node.Name,
			Attempt:     attempt,
			Seq:         w.nextSeq(),
			Status:      models.RunningNodeStatus,
			Input:       recordedInput,
			CreatedAt:   e.now(),
		}
		row.ID, err = e.store.SaveNodeExecution(row)
		if err != nil {
			e.logger.Errorf("Failed to record node %s of execution %s: %v", node.ID, w.exec.ExecutionID, err)
			out.err = &NodeError{NodeID: node.ID, Attempt: attempt, Err: errors.Wrap(err, "failed to record node execution")}
			break
		}

		req.Attempt = attempt
		res, invokeErr := e.invoke(ctx, req, timeout)

		finished := e.now()
		row.FinishedAt = &finished
		row.DurationMs = finished.Sub(row.CreatedAt).Milliseconds()
		if res.Duration > 0 {
			row.DurationMs = res.Duration.Milliseconds()
		}
		row.Cost = res.Cost
		if invokeErr == nil {
			row.Status = models.SucceededNodeStatus
			row.Output = res.Output
		} else {
			row.Status = models.FailedNodeStatus
			row.ErrorMessage = invokeErr.Error()
			row.ErrorLog = fmt.Sprintf("%+v", invokeErr)
		}
		if err := e.store.FinishNodeExecution(row); err != nil {
			e.logger.Errorf("Failed to finish node %s of execution %s: %v", node.ID, w.exec.ExecutionID, err)
		}
		e.notifyNode(row)

		if invokeErr == nil {
			out.output = res.Output
			out.err = nil
			break
		}
		out.err = &NodeError{NodeID: node.ID, Attempt: attempt, Err: invokeErr}
		e.logger.Infof("Node %s of execution %s failed on attempt %d: %v", node.ID, w.exec.ExecutionID, attempt, invokeErr)
	}

	e.record(w, node, out)
	return out
}

// invoke runs one attempt under the node timeout. The invoker runs on its own
// goroutine so a stuck operation cannot hold the walk past its deadline.
func (e *Engine) invoke(ctx context.Context, req InvokeRequest, timeout time.Duration) (InvokeResult, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return InvokeResult{}, errors.Wrapf(ErrExecutionFailure, "rate limiter: %v", err)
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan struct {
		res InvokeResult
		err error
	}, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resultCh <- struct {
					res InvokeResult
					err error
				}{err: errors.Wrapf(ErrExecutionFailure, "node %s panicked: %v", req.Node.ID, p)}
			}
		}()
		res, err := e.invoker.Invoke(timeoutCtx, req)
		resultCh <- struct {
			res InvokeResult
			err error
		}{res, err}
	}()

	select {
	case r := <-resultCh:
		if r.err == nil {
			return r.res, nil
		}
		if ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return r.res, errors.Wrapf(ErrTimeout, "node %s exceeded %s: %v", req.Node.ID, timeout, r.err)
		}
		if errors.Is(r.err, ErrExecutionFailure) {
			return r.res, r.err
		}
		return r.res, fmt.Errorf("%w: %w", ErrExecutionFailure, r.err)
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return InvokeResult{}, errors.Wrapf(ErrExecutionFailure, "node %s aborted: %v", req.Node.ID, ctx.Err())
		}
		return InvokeResult{}, errors.Wrapf(ErrTimeout, "node %s exceeded %s", req.Node.ID, timeout)
	}
}

// cancelRemaining writes a cancelled row for every node that will not run.
func (e *Engine) cancelRemaining(w *walk, stages [][]models.Node, reason string) {
	for _, stage := range stages {
		for _, node := range stage {
			now := e.now()
			row := models.NodeExecution{
				ExecutionID:  w.exec.ExecutionID,
				NodeID:       node.ID,
				NodeType:     node.Type,
				NodeName:     node.Name,
				Attempt:      1,
				Seq:          w.nextSeq(),
				Status:       models.CancelledNodeStatus,
				ErrorMessage: reason,
				CreatedAt:    now,
				FinishedAt:   &now,
			}
			id, err := e.store.SaveNodeExecution(row)
			if err != nil {
				e.logger.Errorf("Failed to record cancelled node %s of execution %s: %v", node.ID, w.exec.ExecutionID, err)
				continue
			}
			row.ID = id
			e.notifyNode(row)
		}
	}
}

// Abort finalizes an execution as failed from whatever state it is in.
func (e *Engine) Abort(executionID, reason string) models.WorkflowExecution {
	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		e.logger.Errorf("Failed to load execution %s to abort it (%s): %v", executionID, reason, err)
		return models.WorkflowExecution{ExecutionID: executionID, Status: models.FailedExecutionStatus, ErrorMessage: reason}
	}
	return e.finish(exec, models.FailedExecutionStatus, reason, exec.ErrorNodeID, nil)
}

// finish writes the terminal state. If that write fails it makes one more
// attempt with a bare failed record so the execution never stays running.
func (e *Engine) finish(exec models.WorkflowExecution, status models.ExecutionStatus, message, errorNodeID string, output json.RawMessage) models.WorkflowExecution {
	now := e.now()
	exec.Status = status
	exec.ErrorMessage = message
	exec.ErrorNodeID = errorNodeID
	exec.Output = output
	exec.FinishedAt = &now
	if exec.StartedAt != nil {
		exec.DurationMs = now.Sub(*exec.StartedAt).Milliseconds()
	}

	written, err := e.store.FinishExecution(exec)
	if err != nil {
		e.logger.Errorf("Failed to finalize execution %s as %s: %v", exec.ExecutionID, status, err)
		exec.Status = models.FailedExecutionStatus
		exec.Output = nil
		exec.ErrorMessage = fmt.Sprintf("failed to record %s result: %v", status, err)
		written, err = e.store.FinishExecution(exec)
		if err != nil {
			e.logger.Errorf("Failed to mark execution %s failed: %v", exec.ExecutionID, err)
			return exec
		}
	}

	stored, err := e.store.GetExecution(exec.ExecutionID)
	if err != nil {
		stored = exec
	}
	if !written {
		return stored
	}
	if stored.WorkflowID != 0 {
		if err := e.store.RecordWorkflowExecution(stored.WorkflowID, now); err != nil {
			e.logger.Errorf("Failed to update statistics of workflow %d: %v", stored.WorkflowID, err)
		}
	}
	e.logger.Infof("Execution %s finished as %s in %dms", stored.ExecutionID, stored.Status, stored.DurationMs)
	e.notifyExecution(stored)
	return stored
}
