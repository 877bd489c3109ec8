package service

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/pkg/errors"
)

// AbTestConfig describes a new experiment.
type AbTestConfig struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	VersionA    int                      `json:"version_a"`
	VersionB    int                      `json:"version_b"`
	SplitA      int                      `json:"split_a"` // SplitA+SplitB must be 100; both zero means 50/50
	SplitB      int                      `json:"split_b"`
	AutoSelect  bool                     `json:"auto_select"`
	MinSamples  int                      `json:"min_samples,omitempty"`
	Criteria    models.SelectionCriteria `json:"criteria,omitempty"`
	Confidence  float64                  `json:"confidence,omitempty"`
	CreatedBy   string                   `json:"created_by,omitempty"`
	Start       bool                     `json:"start"` // Start immediately after creation
}

// Assignment is the version chosen for one request.
type Assignment struct {
	AbTestID      *int64              `json:"ab_test_id,omitempty"`
	Label         models.VersionLabel `json:"label,omitempty"` // Empty when no experiment is running
	VersionNumber int                 `json:"version_number"`
}

// Router owns experiment lifecycle, request routing and outcome recording.
type Router struct {
	store    storage.Store
	versions *VersionService
	metrics  *MetricsAggregator
	locker   Locker
	logger   Logger
	now      func() time.Time
}

func NewRouter(store storage.Store, versions *VersionService, metrics *MetricsAggregator, locker Locker, logger Logger) *Router {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Router{
		store:    store,
		versions: versions,
		metrics:  metrics,
		locker:   locker,
		logger:   logger,
		now:      time.Now,
	}
}

func scopeKey(scope models.Scope) string {
	return "abtest:" + scope.String()
}

// RouteLabel assigns requestID to A or B. The hash is salted with the test id
// so one request id does not land on the same side of every experiment.
func RouteLabel(test models.AbTest, requestID string) models.VersionLabel {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", test.ID, requestID)))
	bucket := binary.BigEndian.Uint64(sum[:8]) % 100
	if bucket < uint64(clampSplit(test.SplitA)) {
		return models.LabelA
	}
	return models.LabelB
}

func clampSplit(split int) int {
	if split < 0 {
		return 0
	}
	if split > 100 {
		return 100
	}
	return split
}

func (r *Router) definitionExists(scope models.Scope) error {
	var err error
	switch scope.Kind {
	case models.WorkflowKind:
		_, err = r.store.GetWorkflow(scope.ID)
	case models.TemplateKind:
		_, err = r.store.GetTemplate(scope.ID)
	default:
		return validationf("unknown scope kind %q", scope.Kind)
	}
	return storeErr(err, "%s", scope)
}

// Create stores a draft experiment, or starts it when cfg.Start is set.
// Creation is refused while another experiment runs on the scope.
func (r *Router) Create(ctx context.Context, scope models.Scope, cfg AbTestConfig) (models.AbTest, error) {
	if err := r.definitionExists(scope); err != nil {
		return models.AbTest{}, err
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return models.AbTest{}, validationf("experiment name is empty")
	}
	if cfg.VersionA == cfg.VersionB {
		return models.AbTest{}, validationf("versions A and B must differ")
	}
	for _, n := range []int{cfg.VersionA, cfg.VersionB} {
		if _, err := r.store.GetVersion(scope.Kind, scope.ID, n); err != nil {
			return models.AbTest{}, storeErr(err, "version %d of %s", n, scope)
		}
	}
	if cfg.SplitA == 0 && cfg.SplitB == 0 {
		cfg.SplitA, cfg.SplitB = 50, 50
	}
	if cfg.SplitA < 0 || cfg.SplitB < 0 || cfg.SplitA+cfg.SplitB != 100 {
		return models.AbTest{}, validationf("traffic split must add up to 100, got %d/%d", cfg.SplitA, cfg.SplitB)
	}
	if cfg.Criteria == "" {
		cfg.Criteria = models.SuccessRateCriteria
	}
	switch cfg.Criteria {
	case models.SuccessRateCriteria, models.ResponseTimeCriteria, models.UserRatingCriteria:
	default:
		return models.AbTest{}, validationf("unknown selection criteria %q", cfg.Criteria)
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = DefaultConfidence
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		return models.AbTest{}, validationf("confidence must be in (0, 1), got %v", cfg.Confidence)
	}

	unlock, err := r.locker.Lock(ctx, scopeKey(scope))
	if err != nil {
		return models.AbTest{}, errors.Wrapf(err, "failed to lock %s", scope)
	}
	now := r.now()
	test := models.AbTest{
		ScopeKind:   scope.Kind,
		ScopeID:     scope.ID,
		Name:        cfg.Name,
		Description: cfg.Description,
		VersionA:    cfg.VersionA,
		VersionB:    cfg.VersionB,
		SplitA:      cfg.SplitA,
		Status:      models.DraftAbTestStatus,
		AutoSelect:  cfg.AutoSelect,
		MinSamples:  cfg.MinSamples,
		Criteria:    cfg.Criteria,
		Confidence:  cfg.Confidence,
		CreatedBy:   cfg.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = inTx(r.store, r.logger, "CreateAbTest", func(tx storage.Store) error {
		if err := ensureNoneRunning(tx, scope, 0); err != nil {
			return err
		}
		if cfg.Start {
			test.Status = models.RunningAbTestStatus
			test.StartedAt = &now
		}
		id, err := tx.SaveAbTest(test)
		if err != nil {
			return storeErr(err, "failed to save experiment on %s", scope)
		}
		test.ID = id
		return nil
	})
	unlock()
	if err != nil {
		return models.AbTest{}, err
	}
	r.logger.Infof("Created experiment %d (%s) on %s: v%d vs v%d, split %d/%d", test.ID, test.Status, scope, test.VersionA, test.VersionB, test.SplitA, 100-test.SplitA)
	return test, nil
}

func ensureNoneRunning(tx storage.Store, scope models.Scope, except int64) error {
	running, err := tx.GetRunningAbTest(scope)
	if err == nil && running.ID != except {
		return conflictf("experiment %d is already running on %s", running.ID, scope)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errors.Wrapf(err, "failed to check running experiments on %s", scope)
	}
	return nil
}

// transition moves an experiment between statuses under the scope lock.
func (r *Router) transition(ctx context.Context, id int64, to models.AbTestStatus, allowed []models.AbTestStatus, apply func(*models.AbTest)) (models.AbTest, error) {
	test, err := r.store.GetAbTest(id)
	if err != nil {
		return models.AbTest{}, storeErr(err, "experiment %d", id)
	}
	unlock, err := r.locker.Lock(ctx, scopeKey(test.Scope()))
	if err != nil {
		return models.AbTest{}, errors.Wrapf(err, "failed to lock %s", test.Scope())
	}
	defer unlock()

	err = inTx(r.store, r.logger, "TransitionAbTest", func(tx storage.Store) error {
		cur, err := tx.GetAbTest(id)
		if err != nil {
			return storeErr(err, "experiment %d", id)
		}
		ok := false
		for _, s := range allowed {
			if cur.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return conflictf("experiment %d is %s and cannot become %s", id, cur.Status, to)
		}
		now := r.now()
		if to == models.RunningAbTestStatus {
			if err := ensureNoneRunning(tx, cur.Scope(), id); err != nil {
				return err
			}
			if cur.StartedAt == nil {
				cur.StartedAt = &now
			}
		}
		if to.Finished() {
			cur.EndedAt = &now
		}
		cur.Status = to
		cur.UpdatedAt = now
		if apply != nil {
			apply(&cur)
		}
		if err := tx.UpdateAbTest(cur); err != nil {
			return storeErr(err, "failed to update experiment %d", id)
		}
		test = cur
		return nil
	})
	if err != nil {
		return models.AbTest{}, err
	}
	r.logger.Infof("Experiment %d is now %s", id, to)
	return test, nil
}

// Start runs a draft experiment, or resumes a paused one.
func (r *Router) Start(ctx context.Context, id int64) (models.AbTest, error) {
	return r.transition(ctx, id, models.RunningAbTestStatus, []models.AbTestStatus{models.DraftAbTestStatus, models.PausedAbTestStatus}, nil)
}

func (r *Router) Pause(ctx context.Context, id int64) (models.AbTest, error) {
	return r.transition(ctx, id, models.PausedAbTestStatus, []models.AbTestStatus{models.RunningAbTestStatus}, nil)
}

func (r *Router) Stop(ctx context.Context, id int64) (models.AbTest, error) {
	return r.transition(ctx, id, models.StoppedAbTestStatus, []models.AbTestStatus{models.DraftAbTestStatus, models.RunningAbTestStatus, models.PausedAbTestStatus}, nil)
}

// Complete ends the experiment, optionally naming a winner.
func (r *Router) Complete(ctx context.Context, id int64, winner models.VersionLabel) (models.AbTest, error) {
	if winner != "" && winner != models.LabelA && winner != models.LabelB {
		return models.AbTest{}, validationf("winner must be A or B, got %q", winner)
	}
	return r.transition(ctx, id, models.CompletedAbTestStatus, []models.AbTestStatus{models.RunningAbTestStatus, models.PausedAbTestStatus}, func(t *models.AbTest) {
		t.Winner = string(winner)
	})
}

// Delete removes an experiment and its samples. Running experiments must be
// stopped first.
func (r *Router) Delete(ctx context.Context, id int64) error {
	test, err := r.store.GetAbTest(id)
	if err != nil {
		return storeErr(err, "experiment %d", id)
	}
	unlock, err := r.locker.Lock(ctx, scopeKey(test.Scope()))
	if err != nil {
		return errors.Wrapf(err, "failed to lock %s", test.Scope())
	}
	defer unlock()
	return inTx(r.store, r.logger, "DeleteAbTest", func(tx storage.Store) error {
		cur, err := tx.GetAbTest(id)
		if err != nil {
			return storeErr(err, "experiment %d", id)
		}
		if cur.Status == models.RunningAbTestStatus {
			return conflictf("experiment %d is running", id)
		}
		return storeErr(tx.DeleteAbTest(id), "failed to delete experiment %d", id)
	})
}

func (r *Router) Get(id int64) (models.AbTest, error) {
	test, err := r.store.GetAbTest(id)
	if err != nil {
		return models.AbTest{}, storeErr(err, "experiment %d", id)
	}
	return test, nil
}

func (r *Router) List(scope models.Scope) ([]models.AbTest, error) {
	tests, err := r.store.ListAbTests(scope)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list experiments on %s", scope)
	}
	return tests, nil
}

// Running returns the experiment running on scope, or nil when there is none.
func (r *Router) Running(scope models.Scope) (*models.AbTest, error) {
	test, err := r.store.GetRunningAbTest(scope)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get running experiment on %s", scope)
	}
	return &test, nil
}

// Resolve picks the version serving requestID: the routed label when an
// experiment runs on scope, the current version otherwise.
func (r *Router) Resolve(scope models.Scope, requestID string) (Assignment, error) {
	test, err := r.Running(scope)
	if err != nil {
		return Assignment{}, err
	}
	if test == nil {
		current, err := r.versions.GetCurrent(scope.Kind, scope.ID)
		if err != nil {
			return Assignment{}, err
		}
		return Assignment{VersionNumber: current.Number}, nil
	}
	label := RouteLabel(*test, requestID)
	id := test.ID
	return Assignment{AbTestID: &id, Label: label, VersionNumber: test.VersionFor(label)}, nil
}

// NodeFinished is part of Observer; routing only cares about whole executions.
func (r *Router) NodeFinished(models.NodeExecution) {}

// ExecutionFinished records the outcome of a routed execution. Cancelled
// executions say nothing about either version and are not recorded.
func (r *Router) ExecutionFinished(e models.WorkflowExecution) {
	if e.AbTestID == nil || e.RequestID == "" {
		return
	}
	if e.Status == models.CancelledExecutionStatus {
		r.logger.Infof("Not recording cancelled execution %s for experiment %d", e.ExecutionID, *e.AbTestID)
		return
	}
	status := models.FailedAbTestExecutionStatus
	if e.Status == models.SucceededExecutionStatus {
		status = models.SuccessAbTestExecutionStatus
	}
	var cost float64
	nodes, err := r.store.ListNodeExecutions(e.ExecutionID)
	if err != nil {
		r.logger.Warnf("Failed to sum node cost of execution %s: %v", e.ExecutionID, err)
	}
	for _, n := range nodes {
		cost += n.Cost
	}
	rt := e.DurationMs
	rec := models.AbTestExecution{
		AbTestID:       *e.AbTestID,
		RequestID:      e.RequestID,
		ExecutionID:    e.ExecutionID,
		VersionLabel:   models.VersionLabel(e.VersionLabel),
		VersionNumber:  e.VersionNumber,
		Status:         status,
		ResponseTimeMs: &rt,
		Cost:           cost,
	}
	if err := r.Record(context.Background(), rec); err != nil {
		r.logger.Errorf("Failed to record outcome of execution %s for experiment %d: %v", e.ExecutionID, *e.AbTestID, err)
	}
}

// Record stores one routed outcome, then concludes the experiment when
// auto-selection is on and the winner policy is met.
func (r *Router) Record(ctx context.Context, rec models.AbTestExecution) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	if _, err := r.store.SaveAbTestExecution(rec); err != nil {
		return storeErr(err, "failed to record request %s", rec.RequestID)
	}
	return r.maybeConclude(ctx, rec.AbTestID)
}

func (r *Router) maybeConclude(ctx context.Context, id int64) error {
	test, err := r.store.GetAbTest(id)
	if err != nil {
		return storeErr(err, "experiment %d", id)
	}
	if !test.AutoSelect || test.Status != models.RunningAbTestStatus {
		return nil
	}
	snap, err := r.metrics.Snapshot(id)
	if err != nil {
		return err
	}
	if snap.Conclusion.Winner == "" {
		return nil
	}
	if _, err := r.Complete(ctx, id, snap.Conclusion.Winner); err != nil {
		if errors.Is(err, ErrConflict) {
			// Another recorder concluded first.
			return nil
		}
		return err
	}
	winnerVersion := test.VersionFor(snap.Conclusion.Winner)
	if err := r.versions.Promote(ctx, test.ScopeKind, test.ScopeID, winnerVersion); err != nil {
		return errors.Wrapf(err, "failed to promote winning version %d of %s", winnerVersion, test.Scope())
	}
	r.logger.Infof("Experiment %d concluded: %s", id, snap.Conclusion.Reason)
	return nil
}

// SubmitFeedback attaches a 1..5 rating to a routed request.
func (r *Router) SubmitFeedback(requestID string, rating int, feedback string) error {
	if rating < 1 || rating > 5 {
		return validationf("rating must be between 1 and 5, got %d", rating)
	}
	if err := r.store.RateAbTestExecution(requestID, rating, feedback); err != nil {
		return storeErr(err, "request %s", requestID)
	}
	rec, err := r.store.GetAbTestExecution(requestID)
	if err != nil {
		return nil
	}
	if err := r.maybeConclude(context.Background(), rec.AbTestID); err != nil {
		r.logger.Errorf("Failed to evaluate experiment %d after feedback: %v", rec.AbTestID, err)
	}
	return nil
}
