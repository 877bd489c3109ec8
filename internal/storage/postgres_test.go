package storage_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	internal_storage "github.com/False-Maker/test-genius-sub004/internal/storage"
	"github.com/False-Maker/test-genius-sub004/internal/testutil"
	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*internal_storage.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return internal_storage.NewPostgresStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresStore_Errors(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM workflows WHERE id = $1")).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "code"}))

		_, err := store.GetWorkflow(7)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Duplicate", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO workflows")).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "workflows_code_key"})

		_, err := store.SaveWorkflow(models.WorkflowDefinition{Code: "WF-1", Name: "wf", Type: "t"})
		assert.ErrorIs(t, err, storage.ErrDuplicate)
		assert.Contains(t, err.Error(), "workflows_code_key")
	})

	t.Run("UnknownQueryField", func(t *testing.T) {
		store, _ := newMockStore(t)
		_, err := store.ListExecutions(storage.Where("password", storage.Eq, "x"))
		assert.ErrorIs(t, err, storage.ErrInvalidQuery)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		store, _ := newMockStore(t)
		err := store.LockDefinition(models.DefinitionKind("dataset"), 1)
		assert.ErrorIs(t, err, storage.ErrInvalidQuery)
	})
}

func TestPostgresStore_ListExecutions(t *testing.T) {
	store, mock := newMockStore(t)
	q := storage.Where("status", storage.Eq, "running").OrderBy("created_at", true).Page(2, 10)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM workflow_executions WHERE status = $1")).
		WithArgs("running").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))
	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_executions WHERE status = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3")).
		WithArgs("running", int64(10), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"execution_id", "status", "input"}).
			AddRow("EXEC-1", "running", []byte(`{"a":1}`)).
			AddRow("EXEC-2", "running", nil))

	page, err := store.ListExecutions(q)
	require.NoError(t, err)
	assert.Equal(t, 25, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "EXEC-1", page.Items[0].ExecutionID)
	assert.Equal(t, models.RunningExecutionStatus, page.Items[0].Status)
	assert.JSONEq(t, `{"a":1}`, string(page.Items[0].Input))
	assert.Nil(t, page.Items[1].Input)
}

func TestPostgresStore_NullJSONColumns(t *testing.T) {
	t.Run("PendingExecution", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_executions WHERE execution_id = $1")).
			WithArgs("EXEC-1").
			WillReturnRows(sqlmock.NewRows([]string{"execution_id", "status", "input", "output"}).
				AddRow("EXEC-1", "pending", nil, nil))

		e, err := store.GetExecution("EXEC-1")
		require.NoError(t, err)
		assert.Equal(t, models.PendingExecutionStatus, e.Status)
		assert.Nil(t, e.Input)
		assert.Nil(t, e.Output)
	})

	t.Run("RunningExecutionWithInput", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_executions WHERE execution_id = $1")).
			WithArgs("EXEC-2").
			WillReturnRows(sqlmock.NewRows([]string{"execution_id", "status", "input", "output"}).
				AddRow("EXEC-2", "running", []byte(`{"q":"x"}`), nil))

		e, err := store.GetExecution("EXEC-2")
		require.NoError(t, err)
		assert.JSONEq(t, `{"q":"x"}`, string(e.Input))
		assert.Nil(t, e.Output)
	})

	t.Run("NodeRows", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM node_executions WHERE execution_id = $1 ORDER BY seq, id")).
			WithArgs("EXEC-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "node_id", "status", "input", "output"}).
				AddRow(1, "n1", "succeeded", []byte(`{}`), []byte(`{"ok":true}`)).
				AddRow(2, "n2", "running", nil, nil))

		nodes, err := store.ListNodeExecutions("EXEC-1")
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.JSONEq(t, `{"ok":true}`, string(nodes[0].Output))
		assert.Equal(t, "n2", nodes[1].NodeID)
		assert.Nil(t, nodes[1].Input)
		assert.Nil(t, nodes[1].Output)
	})
}

func TestPostgresStore_DeleteDefinition(t *testing.T) {
	t.Run("DropsExperimentsAndVersionsFirst", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ab_tests WHERE scope_kind = $1 AND scope_id = $2")).
			WithArgs("workflow", int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM definition_versions WHERE kind = $1 AND definition_id = $2")).
			WithArgs("workflow", int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM workflows WHERE id = $1")).
			WithArgs(int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.DeleteWorkflow(4))
	})

	t.Run("MissingTemplate", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ab_tests")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM definition_versions")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM prompt_templates WHERE id = $1")).
			WithArgs(int64(9)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, store.DeleteTemplate(9), storage.ErrNotFound)
	})

	t.Run("UpdateWorkflow", func(t *testing.T) {
		store, mock := newMockStore(t)
		now := time.Now()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE workflows SET")).
			WithArgs(int64(4), "renamed", "", "case_generation", false, false, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.UpdateWorkflow(models.WorkflowDefinition{ID: 4, Name: "renamed", Type: "case_generation", UpdatedAt: now}))
	})
}

func TestPostgresStore_TransitionExecution(t *testing.T) {
	from := []models.ExecutionStatus{models.PendingExecutionStatus}
	update := regexp.QuoteMeta("UPDATE workflow_executions SET")
	exists := regexp.QuoteMeta("SELECT id FROM workflow_executions WHERE execution_id = $1")

	t.Run("Moved", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(update).
			WithArgs("EXEC-1", "running", true, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		moved, err := store.TransitionExecution("EXEC-1", from, models.RunningExecutionStatus, time.Now())
		require.NoError(t, err)
		assert.True(t, moved)
	})

	t.Run("GuardMiss", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WithArgs("EXEC-1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		moved, err := store.TransitionExecution("EXEC-1", from, models.RunningExecutionStatus, time.Now())
		require.NoError(t, err)
		assert.False(t, moved)
	})

	t.Run("Unknown", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WithArgs("EXEC-404").WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := store.TransitionExecution("EXEC-404", from, models.RunningExecutionStatus, time.Now())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestPostgresStore_SaveVersionSendsJSONText(t *testing.T) {
	store, mock := newMockStore(t)
	payload := json.RawMessage(`{"nodes":[{"id":"n1","type":"step"}]}`)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO definition_versions")).
		WithArgs("workflow", int64(3), int64(1), string(payload), "", true, "alice", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	id, err := store.SaveVersion(models.Version{
		Kind: models.WorkflowKind, DefinitionID: 3, Number: 1, Payload: payload,
		IsCurrent: true, CreatedBy: "alice", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
}

func TestPostgresStore_AggregateAbTest(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ab_test_executions")).
		WithArgs(int64(5), "success").
		WillReturnRows(sqlmock.NewRows([]string{"version_label", "total", "success_total", "avg_response_time", "rated_total", "avg_rating"}).
			AddRow("A", 10, 9, 120.5, 2, 4.5).
			AddRow("B", 4, 0, nil, 0, nil))

	aggs, err := store.AggregateAbTest(5)
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, models.LabelA, aggs[0].Label)
	assert.Equal(t, int64(9), aggs[0].SuccessCount)
	require.NotNil(t, aggs[0].AvgResponseTime)
	assert.Equal(t, 120.5, *aggs[0].AvgResponseTime)
	assert.Nil(t, aggs[1].AvgResponseTime)
	assert.Nil(t, aggs[1].AvgRating)
}

func TestPostgresStore_Transactions(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM workflows WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE definition_versions SET is_current = FALSE")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.LockDefinition(models.WorkflowKind, 1))

	// A nested Begin joins the outer transaction.
	inner, err := tx.Begin()
	require.NoError(t, err)
	require.NoError(t, inner.ClearCurrentVersions(models.WorkflowKind, 1))
	require.NoError(t, inner.Commit())

	require.NoError(t, tx.Commit())
}

// TestPostgresStore_Integration drives the workflow service end to end on a
// migrated PostgreSQL container.
func TestPostgresStore_Integration(t *testing.T) {
	testDB := testutil.SetupTestDB(t, "file://../../migrations")
	defer testDB.Teardown(t)

	store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := service.NewWorkflowService(ctx, store, &nopLogger{}, service.Options{
		Engine:  service.EngineConfig{NodeTimeout: 5 * time.Second, RetryBackoff: time.Millisecond},
		Workers: 2,
	})
	defer svc.Close()

	_, err = svc.CreateWorkflow(models.WorkflowDefinition{Code: "WF-PG", Name: "pg", Type: "case_generation", IsActive: true})
	require.NoError(t, err)
	graph := models.Graph{
		Nodes: []models.Node{{ID: "a", Type: "step"}, {ID: "b", Type: "step"}},
		Edges: []models.Edge{{Source: "a", Target: "b"}},
	}
	raw, err := json.Marshal(graph)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := svc.PublishVersion(ctx, models.WorkflowKind, "WF-PG", raw, "", "tester")
		require.NoError(t, err)
	}

	t.Run("VersionInvariants", func(t *testing.T) {
		versions, err := svc.ListVersions(models.WorkflowKind, "WF-PG")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 2, versions[0].Number)

		require.NoError(t, svc.PromoteVersion(ctx, models.WorkflowKind, "WF-PG", 2))
		cur, err := svc.CurrentVersion(models.WorkflowKind, "WF-PG")
		require.NoError(t, err)
		assert.Equal(t, 2, cur.Number)

		var currents int
		require.NoError(t, testDB.DB.Get(&currents, "SELECT COUNT(*) FROM definition_versions WHERE is_current"))
		assert.Equal(t, 1, currents)
	})

	t.Run("ExecutionLedger", func(t *testing.T) {
		id, err := svc.StartExecution(ctx, "WF-PG", json.RawMessage(`{"feature":"login"}`), service.StartOptions{})
		require.NoError(t, err)
		waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
		defer waitCancel()
		snap, err := svc.WaitForExecution(waitCtx, id, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, models.SucceededExecutionStatus, snap.Execution.Status)
		assert.Equal(t, 100, snap.Execution.Progress)
		require.Len(t, snap.Nodes, 2)
		assert.Equal(t, "a", snap.Nodes[0].NodeID)

		page, err := svc.ListExecutions(storage.Where("status", storage.Eq, "succeeded").Page(1, 10))
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
	})

	t.Run("ExperimentFeedback", func(t *testing.T) {
		scope, err := svc.ResolveScope(models.WorkflowKind, "WF-PG")
		require.NoError(t, err)
		testID, err := svc.StartAbTest(ctx, scope, service.AbTestConfig{Name: "pg", VersionA: 1, VersionB: 2})
		require.NoError(t, err)

		_, err = svc.StartAbTest(ctx, scope, service.AbTestConfig{Name: "again", VersionA: 1, VersionB: 2})
		assert.ErrorIs(t, err, service.ErrConflict)

		id, err := svc.StartExecution(ctx, "WF-PG", nil, service.StartOptions{RequestID: "pg-req-1"})
		require.NoError(t, err)
		waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
		defer waitCancel()
		_, err = svc.WaitForExecution(waitCtx, id, 10*time.Millisecond)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			m, err := svc.GetAbTestMetrics(testID)
			return err == nil && m.A.Count+m.B.Count == 1
		}, 5*time.Second, 20*time.Millisecond)
		require.NoError(t, svc.SubmitFeedback("pg-req-1", 4, "ok"))

		m, err := svc.GetAbTestMetrics(testID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), m.A.RatedCount+m.B.RatedCount)
	})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
