package storage

import (
	"encoding/json"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Execution ledger

const executionColumns = `id, execution_id, workflow_id, workflow_code, version_id, version_number,
	request_id, ab_test_id, version_label, status, input, output, progress, success_count,
	fail_count, total_nodes, current_node_id, error_message, error_node_id, cancel_requested,
	created_by, created_at, started_at, finished_at, duration_ms`

var executionFields = map[string]string{
	"execution_id":   "execution_id",
	"workflow_id":    "workflow_id",
	"workflow_code":  "workflow_code",
	"version_number": "version_number",
	"request_id":     "request_id",
	"version_label":  "version_label",
	"status":         "status",
	"progress":       "progress",
	"created_by":     "created_by",
	"created_at":     "created_at",
	"started_at":     "started_at",
	"finished_at":    "finished_at",
	"duration_ms":    "duration_ms",
}

// executionRow shadows the nullable JSONB columns; the outer fields win in
// sqlx's mapping and json.RawMessage cannot hold a NULL.
type executionRow struct {
	models.WorkflowExecution
	Input  types.NullJSONText `db:"input"`
	Output types.NullJSONText `db:"output"`
}

func (r executionRow) model() models.WorkflowExecution {
	e := r.WorkflowExecution
	e.Input, e.Output = rawJSON(r.Input), rawJSON(r.Output)
	return e
}

func rawJSON(t types.NullJSONText) json.RawMessage {
	if !t.Valid || len(t.JSONText) == 0 {
		return nil
	}
	return json.RawMessage(t.JSONText)
}

var terminalStatuses = pq.Array([]string{
	string(models.SucceededExecutionStatus),
	string(models.FailedExecutionStatus),
	string(models.CancelledExecutionStatus),
})

func (s *PostgresStore) SaveExecution(e models.WorkflowExecution) error {
	_, err := s.db.Exec(`INSERT INTO workflow_executions
		(execution_id, workflow_id, workflow_code, version_id, version_number, request_id,
		 ab_test_id, version_label, status, input, progress, total_nodes, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ExecutionID, e.WorkflowID, e.WorkflowCode, e.VersionID, e.VersionNumber, e.RequestID,
		e.AbTestID, e.VersionLabel, e.Status, jsonParam(e.Input), e.Progress, e.TotalNodes, e.CreatedBy, e.CreatedAt)
	return dbErr(err, "execution %s", e.ExecutionID)
}

func (s *PostgresStore) GetExecution(executionID string) (models.WorkflowExecution, error) {
	var row executionRow
	if err := s.db.Get(&row, "SELECT "+executionColumns+" FROM workflow_executions WHERE execution_id = $1", executionID); err != nil {
		return models.WorkflowExecution{}, dbErr(err, "execution %s", executionID)
	}
	return row.model(), nil
}

func (s *PostgresStore) ListExecutions(q storage.Query) (storage.Page[models.WorkflowExecution], error) {
	rows, err := paged[executionRow](s.db, "workflow_executions", executionColumns, executionFields, q)
	if err != nil {
		return storage.Page[models.WorkflowExecution]{}, err
	}
	page := storage.Page[models.WorkflowExecution]{Items: make([]models.WorkflowExecution, len(rows.Items)), Total: rows.Total}
	for i, r := range rows.Items {
		page.Items[i] = r.model()
	}
	return page, nil
}

// executionExists distinguishes "no such execution" from "guard did not match".
func (s *PostgresStore) executionExists(executionID string) error {
	var id int64
	err := s.db.Get(&id, "SELECT id FROM workflow_executions WHERE execution_id = $1", executionID)
	return dbErr(err, "execution %s", executionID)
}

func (s *PostgresStore) TransitionExecution(executionID string, from []models.ExecutionStatus, to models.ExecutionStatus, at time.Time) (bool, error) {
	fromNames := make([]string, len(from))
	for i, st := range from {
		fromNames[i] = string(st)
	}
	res, err := s.db.Exec(`UPDATE workflow_executions SET
		status = $2,
		started_at = CASE WHEN $3::boolean AND started_at IS NULL THEN $5::timestamptz ELSE started_at END,
		finished_at = CASE WHEN $4::boolean THEN $5::timestamptz ELSE finished_at END,
		duration_ms = CASE WHEN $4::boolean AND started_at IS NOT NULL
			THEN (EXTRACT(EPOCH FROM ($5::timestamptz - started_at)) * 1000)::bigint
			ELSE duration_ms END
		WHERE execution_id = $1 AND status = ANY($6)`,
		executionID, to, to == models.RunningExecutionStatus, to.Terminal(), at, pq.Array(fromNames))
	if err != nil {
		return false, dbErr(err, "transition execution %s", executionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.executionExists(executionID)
	}
	return true, nil
}

func (s *PostgresStore) UpdateExecutionProgress(executionID string, progress, successCount, failCount int, currentNodeID string) error {
	res, err := s.db.Exec(`UPDATE workflow_executions
		SET progress = $2, success_count = $3, fail_count = $4, current_node_id = $5
		WHERE execution_id = $1`, executionID, progress, successCount, failCount, currentNodeID)
	if err != nil {
		return dbErr(err, "update progress of %s", executionID)
	}
	return affected(res, "execution %s", executionID)
}

func (s *PostgresStore) RequestCancel(executionID string) error {
	res, err := s.db.Exec("UPDATE workflow_executions SET cancel_requested = TRUE WHERE execution_id = $1", executionID)
	if err != nil {
		return dbErr(err, "request cancel of %s", executionID)
	}
	return affected(res, "execution %s", executionID)
}

func (s *PostgresStore) FinishExecution(e models.WorkflowExecution) (bool, error) {
	res, err := s.db.Exec(`UPDATE workflow_executions SET
		status = $2, output = $3, progress = $4, success_count = $5, fail_count = $6,
		current_node_id = $7, error_message = $8, error_node_id = $9, finished_at = $10, duration_ms = $11
		WHERE execution_id = $1 AND NOT (status = ANY($12))`,
		e.ExecutionID, e.Status, jsonParam(e.Output), e.Progress, e.SuccessCount, e.FailCount,
		e.CurrentNodeID, e.ErrorMessage, e.ErrorNodeID, e.FinishedAt, e.DurationMs, terminalStatuses)
	if err != nil {
		return false, dbErr(err, "finish execution %s", e.ExecutionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.executionExists(e.ExecutionID)
	}
	return true, nil
}

// Node ledger

type nodeRow struct {
	models.NodeExecution
	Input  types.NullJSONText `db:"input"`
	Output types.NullJSONText `db:"output"`
}

func (r nodeRow) model() models.NodeExecution {
	n := r.NodeExecution
	n.Input, n.Output = rawJSON(r.Input), rawJSON(r.Output)
	return n
}

const nodeColumns = `id, execution_id, node_id, node_type, node_name, attempt, seq, status, input, output,
	error_message, error_log, cost, created_at, finished_at, duration_ms`

func (s *PostgresStore) SaveNodeExecution(n models.NodeExecution) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`INSERT INTO node_executions
		(execution_id, node_id, node_type, node_name, attempt, seq, status, input, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		n.ExecutionID, n.NodeID, n.NodeType, n.NodeName, n.Attempt, n.Seq, n.Status, jsonParam(n.Input), n.CreatedAt).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return 0, errors.Wrapf(storage.ErrNotFound, "execution %s", n.ExecutionID)
		}
		return 0, dbErr(err, "save node %s of %s", n.NodeID, n.ExecutionID)
	}
	return id, nil
}

func (s *PostgresStore) FinishNodeExecution(n models.NodeExecution) error {
	res, err := s.db.Exec(`UPDATE node_executions SET
		status = $2, output = $3, error_message = $4, error_log = $5, cost = $6, finished_at = $7, duration_ms = $8
		WHERE id = $1`,
		n.ID, n.Status, jsonParam(n.Output), n.ErrorMessage, n.ErrorLog, n.Cost, n.FinishedAt, n.DurationMs)
	if err != nil {
		return dbErr(err, "finish node execution %d", n.ID)
	}
	return affected(res, "node execution %d", n.ID)
}

func (s *PostgresStore) ListNodeExecutions(executionID string) ([]models.NodeExecution, error) {
	rows := []nodeRow{}
	err := s.db.Select(&rows, "SELECT "+nodeColumns+" FROM node_executions WHERE execution_id = $1 ORDER BY seq, id", executionID)
	if err != nil {
		return nil, dbErr(err, "list nodes of %s", executionID)
	}
	nodes := make([]models.NodeExecution, len(rows))
	for i, r := range rows {
		nodes[i] = r.model()
	}
	return nodes, nil
}

// Experiments

const abTestColumns = `id, scope_kind, scope_id, name, description, version_a, version_b, split_a, status,
	auto_select, min_samples, criteria, confidence, winner, created_by, started_at, ended_at, created_at, updated_at`

func (s *PostgresStore) SaveAbTest(t models.AbTest) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`INSERT INTO ab_tests
		(scope_kind, scope_id, name, description, version_a, version_b, split_a, status, auto_select,
		 min_samples, criteria, confidence, winner, created_by, started_at, ended_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18) RETURNING id`,
		t.ScopeKind, t.ScopeID, t.Name, t.Description, t.VersionA, t.VersionB, t.SplitA, t.Status, t.AutoSelect,
		t.MinSamples, t.Criteria, t.Confidence, t.Winner, t.CreatedBy, t.StartedAt, t.EndedAt, t.CreatedAt, t.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, dbErr(err, "save experiment on %s", t.Scope())
	}
	return id, nil
}

func (s *PostgresStore) GetAbTest(id int64) (models.AbTest, error) {
	var t models.AbTest
	err := s.db.Get(&t, "SELECT "+abTestColumns+" FROM ab_tests WHERE id = $1", id)
	return t, dbErr(err, "experiment %d", id)
}

func (s *PostgresStore) GetRunningAbTest(scope models.Scope) (models.AbTest, error) {
	var t models.AbTest
	err := s.db.Get(&t, "SELECT "+abTestColumns+` FROM ab_tests
		WHERE scope_kind = $1 AND scope_id = $2 AND status = $3`, scope.Kind, scope.ID, models.RunningAbTestStatus)
	return t, dbErr(err, "running experiment on %s", scope)
}

func (s *PostgresStore) ListAbTests(scope models.Scope) ([]models.AbTest, error) {
	tests := []models.AbTest{}
	err := s.db.Select(&tests, "SELECT "+abTestColumns+` FROM ab_tests
		WHERE scope_kind = $1 AND scope_id = $2 ORDER BY id DESC`, scope.Kind, scope.ID)
	return tests, dbErr(err, "list experiments on %s", scope)
}

func (s *PostgresStore) UpdateAbTest(t models.AbTest) error {
	res, err := s.db.Exec(`UPDATE ab_tests SET
		name = $2, description = $3, version_a = $4, version_b = $5, split_a = $6, status = $7,
		auto_select = $8, min_samples = $9, criteria = $10, confidence = $11, winner = $12,
		started_at = $13, ended_at = $14, updated_at = $15
		WHERE id = $1`,
		t.ID, t.Name, t.Description, t.VersionA, t.VersionB, t.SplitA, t.Status,
		t.AutoSelect, t.MinSamples, t.Criteria, t.Confidence, t.Winner,
		t.StartedAt, t.EndedAt, t.UpdatedAt)
	if err != nil {
		return dbErr(err, "update experiment %d", t.ID)
	}
	return affected(res, "experiment %d", t.ID)
}

// DeleteAbTest removes the test; its routed requests go with it (ON DELETE CASCADE).
func (s *PostgresStore) DeleteAbTest(id int64) error {
	res, err := s.db.Exec("DELETE FROM ab_tests WHERE id = $1", id)
	if err != nil {
		return dbErr(err, "delete experiment %d", id)
	}
	return affected(res, "experiment %d", id)
}

const abExecColumns = `id, ab_test_id, request_id, execution_id, version_label, version_number, status,
	response_time_ms, cost, user_rating, user_feedback, created_at`

func (s *PostgresStore) SaveAbTestExecution(e models.AbTestExecution) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`INSERT INTO ab_test_executions
		(ab_test_id, request_id, execution_id, version_label, version_number, status,
		 response_time_ms, cost, user_rating, user_feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		e.AbTestID, e.RequestID, e.ExecutionID, e.VersionLabel, e.VersionNumber, e.Status,
		e.ResponseTimeMs, e.Cost, e.UserRating, e.UserFeedback, e.CreatedAt).Scan(&id)
	if err != nil {
		return 0, dbErr(err, "request %s", e.RequestID)
	}
	return id, nil
}

func (s *PostgresStore) GetAbTestExecution(requestID string) (models.AbTestExecution, error) {
	var e models.AbTestExecution
	err := s.db.Get(&e, "SELECT "+abExecColumns+" FROM ab_test_executions WHERE request_id = $1", requestID)
	return e, dbErr(err, "request %s", requestID)
}

func (s *PostgresStore) RateAbTestExecution(requestID string, rating int, feedback string) error {
	res, err := s.db.Exec(`UPDATE ab_test_executions SET user_rating = $2, user_feedback = $3
		WHERE request_id = $1`, requestID, rating, feedback)
	if err != nil {
		return dbErr(err, "rate request %s", requestID)
	}
	return affected(res, "request %s", requestID)
}

func (s *PostgresStore) ListAbTestExecutions(abTestID int64) ([]models.AbTestExecution, error) {
	execs := []models.AbTestExecution{}
	err := s.db.Select(&execs, "SELECT "+abExecColumns+" FROM ab_test_executions WHERE ab_test_id = $1 ORDER BY id", abTestID)
	return execs, dbErr(err, "list requests of experiment %d", abTestID)
}

// AggregateAbTest reduces the routed requests per label in one query, with
// the same semantics as storage.AggregateExecutions.
func (s *PostgresStore) AggregateAbTest(abTestID int64) ([]models.LabelAggregate, error) {
	aggs := []models.LabelAggregate{}
	err := s.db.Select(&aggs, `SELECT
			version_label,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = $2) AS success_total,
			(AVG(response_time_ms) FILTER (WHERE status = $2 AND response_time_ms IS NOT NULL))::float8 AS avg_response_time,
			COUNT(user_rating) AS rated_total,
			AVG(user_rating)::float8 AS avg_rating
		FROM ab_test_executions
		WHERE ab_test_id = $1
		GROUP BY version_label
		ORDER BY version_label`, abTestID, models.SuccessAbTestExecutionStatus)
	return aggs, dbErr(err, "aggregate experiment %d", abTestID)
}
