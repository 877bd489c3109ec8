package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for WorkflowService
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Options wires the optional collaborators of WorkflowService.
type Options struct {
	Invoker Invoker      // Node operations; required to run anything but passthrough nodes
	Locker  Locker       // Defaults to an in-process KeyedMutex
	Engine  EngineConfig // Timeouts, throttling, graph cache
	Workers int          // Worker pool size; zero means runtime.NumCPU
}

// StartOptions tunes a single StartExecution call.
type StartOptions struct {
	ExecutionID   string // Generated when empty
	RequestID     string // Routing key; generated when empty
	VersionNumber int    // Pins a version explicitly and bypasses routing
	CreatedBy     string
}

// ExecutionSnapshot is the execution record plus its node ledger.
type ExecutionSnapshot struct {
	Execution models.WorkflowExecution `json:"execution"`
	Nodes     []models.NodeExecution   `json:"nodes"`
}

// Terminal reports whether the execution reached a final state.
func (s ExecutionSnapshot) Terminal() bool {
	return s.Execution.Status.Terminal()
}

// WorkflowService is the entry point of the execution and experimentation
// core. It owns the worker pool; call Close to stop it.
type WorkflowService struct {
	store    storage.Store
	ctx      context.Context
	logger   Logger
	versions *VersionService
	engine   *Engine
	pool     *WorkerPool
	router   *Router
	metrics  *MetricsAggregator
	now      func() time.Time
}

func NewWorkflowService(ctx context.Context, store storage.Store, logger Logger, opts Options) *WorkflowService {
	locker := opts.Locker
	if locker == nil {
		locker = NewKeyedMutex()
	}
	invoker := opts.Invoker
	if invoker == nil {
		invoker = NewInvokerRegistry(PassthroughInvoker)
	}
	versions := NewVersionService(store, locker, logger)
	metrics := NewMetricsAggregator(store)
	engine := NewEngine(store, invoker, logger, opts.Engine)
	router := NewRouter(store, versions, metrics, locker, logger)
	engine.AddObserver(router)

	pool := NewWorkerPool(ctx, engine, logger)
	pool.Start(opts.Workers)

	return &WorkflowService{
		store:    store,
		ctx:      ctx,
		logger:   logger,
		versions: versions,
		engine:   engine,
		pool:     pool,
		router:   router,
		metrics:  metrics,
		now:      time.Now,
	}
}

// AddObserver subscribes o to node and execution completions.
func (s *WorkflowService) AddObserver(o Observer) {
	s.engine.AddObserver(o)
}

func (s *WorkflowService) Versions() *VersionService {
	return s.versions
}

func (s *WorkflowService) Router() *Router {
	return s.router
}

// Close stops accepting executions and waits for queued ones.
func (s *WorkflowService) Close() {
	s.pool.Stop()
}

// NewExecutionID returns an id of the form EXEC-<unix ms>-<8 hex chars>.
func NewExecutionID(now time.Time) string {
	return fmt.Sprintf("EXEC-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// StartExecution resolves the version to run, records a pending execution and
// queues it. Structural problems are returned here; node failures only ever
// show up in the ledger.
func (s *WorkflowService) StartExecution(ctx context.Context, workflowCode string, input json.RawMessage, opts StartOptions) (string, error) {
	wf, err := s.store.GetWorkflowByCode(workflowCode)
	if err != nil {
		return "", storeErr(err, "workflow %s", workflowCode)
	}
	if !wf.IsActive {
		return "", validationf("workflow %s is inactive", workflowCode)
	}
	if len(input) > 0 && !json.Valid(input) {
		return "", validationf("execution input is not valid JSON")
	}

	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	scope := models.Scope{Kind: models.WorkflowKind, ID: wf.ID}
	assignment := Assignment{VersionNumber: opts.VersionNumber}
	if opts.VersionNumber <= 0 {
		assignment, err = s.router.Resolve(scope, requestID)
		if err != nil {
			return "", err
		}
	}
	version, err := s.versions.GetByNumber(models.WorkflowKind, wf.ID, assignment.VersionNumber)
	if err != nil {
		return "", err
	}
	plan, err := s.engine.PlanFor(version.ID)
	if err != nil {
		return "", err
	}

	now := s.now()
	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = NewExecutionID(now)
	}
	exec := models.WorkflowExecution{
		ExecutionID:   executionID,
		WorkflowID:    wf.ID,
		WorkflowCode:  wf.Code,
		VersionID:     version.ID,
		VersionNumber: version.Number,
		RequestID:     requestID,
		AbTestID:      assignment.AbTestID,
		VersionLabel:  string(assignment.Label),
		Status:        models.PendingExecutionStatus,
		Input:         input,
		TotalNodes:    len(plan.Order),
		CreatedBy:     opts.CreatedBy,
		CreatedAt:     now,
	}
	if err := s.store.SaveExecution(exec); err != nil {
		return "", storeErr(err, "failed to create execution %s", executionID)
	}
	if err := s.pool.Submit(executionID); err != nil {
		s.engine.Abort(executionID, fmt.Sprintf("could not be queued: %v", err))
		return "", errors.Wrapf(err, "failed to queue execution %s", executionID)
	}
	if assignment.AbTestID != nil {
		s.logger.Infof("Queued execution %s of %s v%d (experiment %d, label %s)", executionID, wf.Code, version.Number, *assignment.AbTestID, assignment.Label)
	} else {
		s.logger.Infof("Queued execution %s of %s v%d", executionID, wf.Code, version.Number)
	}
	return executionID, nil
}

// GetExecutionStatus returns the execution and its node rows in creation order.
func (s *WorkflowService) GetExecutionStatus(executionID string) (ExecutionSnapshot, error) {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return ExecutionSnapshot{}, storeErr(err, "execution %s", executionID)
	}
	nodes, err := s.store.ListNodeExecutions(executionID)
	if err != nil {
		return ExecutionSnapshot{}, errors.Wrapf(err, "failed to list nodes of execution %s", executionID)
	}
	if nodes == nil {
		nodes = []models.NodeExecution{}
	}
	return ExecutionSnapshot{Execution: exec, Nodes: nodes}, nil
}

func (s *WorkflowService) ListExecutions(q storage.Query) (storage.Page[models.WorkflowExecution], error) {
	page, err := s.store.ListExecutions(q)
	if err != nil {
		return page, storeErr(err, "failed to list executions")
	}
	return page, nil
}

// WaitForExecution polls until the execution is terminal or ctx is done.
func (s *WorkflowService) WaitForExecution(ctx context.Context, executionID string, interval time.Duration) (ExecutionSnapshot, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := s.GetExecutionStatus(executionID)
		if err != nil {
			return snap, err
		}
		if snap.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelExecution cancels a pending execution at once, or asks a running one
// to stop at its next node boundary.
func (s *WorkflowService) CancelExecution(executionID string) error {
	for {
		exec, err := s.store.GetExecution(executionID)
		if err != nil {
			return storeErr(err, "execution %s", executionID)
		}
		switch exec.Status {
		case models.PendingExecutionStatus:
			moved, err := s.store.TransitionExecution(executionID, []models.ExecutionStatus{models.PendingExecutionStatus}, models.CancelledExecutionStatus, s.now())
			if err != nil {
				return errors.Wrapf(err, "failed to cancel execution %s", executionID)
			}
			if !moved {
				continue
			}
			s.finishCancelledPending(exec)
			s.logger.Infof("Cancelled pending execution %s", executionID)
			return nil
		case models.RunningExecutionStatus:
			if err := s.store.RequestCancel(executionID); err != nil {
				return errors.Wrapf(err, "failed to request cancellation of execution %s", executionID)
			}
			s.logger.Infof("Requested cancellation of execution %s", executionID)
			return nil
		default:
			return conflictf("execution %s is already %s", executionID, exec.Status)
		}
	}
}

// finishCancelledPending does for an execution cancelled before it started
// what the engine does for one cancelled mid-walk: a cancelled row per node,
// the workflow statistics and the observers.
func (s *WorkflowService) finishCancelledPending(exec models.WorkflowExecution) {
	plan, err := s.engine.PlanFor(exec.VersionID)
	if err != nil {
		s.logger.Warnf("Cannot record cancelled nodes of execution %s: %v", exec.ExecutionID, err)
	} else {
		s.engine.cancelRemaining(&walk{exec: exec, plan: plan}, plan.Stages, cancelledByRequest)
	}
	cancelled, err := s.store.GetExecution(exec.ExecutionID)
	if err != nil {
		s.logger.Errorf("Failed to reload cancelled execution %s: %v", exec.ExecutionID, err)
		return
	}
	if err := s.store.RecordWorkflowExecution(cancelled.WorkflowID, s.now()); err != nil {
		s.logger.Errorf("Failed to update statistics of workflow %d: %v", cancelled.WorkflowID, err)
	}
	s.engine.notifyExecution(cancelled)
}

// StartAbTest creates and starts an experiment on scope.
func (s *WorkflowService) StartAbTest(ctx context.Context, scope models.Scope, cfg AbTestConfig) (int64, error) {
	cfg.Start = true
	test, err := s.router.Create(ctx, scope, cfg)
	if err != nil {
		return 0, err
	}
	return test.ID, nil
}

func (s *WorkflowService) SubmitFeedback(requestID string, rating int, feedback string) error {
	return s.router.SubmitFeedback(requestID, rating, feedback)
}

func (s *WorkflowService) GetAbTestMetrics(abTestID int64) (MetricsSnapshot, error) {
	return s.metrics.Snapshot(abTestID)
}
