package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestWorkflowService_UpdateWorkflow(t *testing.T) {
	svc, _ := newTestService(t, newScriptedInvoker(), fastEngine, 1)
	ctx := context.Background()
	createWorkflow(t, svc, "WF-UPD", chain("a"))
	require.NoError(t, svc.SetDefaultWorkflow(ctx, "WF-UPD"))

	t.Run("EditsOnlyGivenFields", func(t *testing.T) {
		wf, err := svc.UpdateWorkflow("WF-UPD", service.WorkflowUpdate{Description: strPtr("new text")})
		require.NoError(t, err)
		assert.Equal(t, "Workflow WF-UPD", wf.Name)
		assert.Equal(t, "new text", wf.Description)
		assert.True(t, wf.IsDefault)
	})

	t.Run("TypeChangeDropsDefault", func(t *testing.T) {
		wf, err := svc.UpdateWorkflow("WF-UPD", service.WorkflowUpdate{Type: strPtr("report_generation")})
		require.NoError(t, err)
		assert.Equal(t, "report_generation", wf.Type)
		assert.False(t, wf.IsDefault)

		stored, err := svc.GetWorkflow("WF-UPD")
		require.NoError(t, err)
		assert.Equal(t, wf, stored)
	})

	t.Run("EmptyName", func(t *testing.T) {
		_, err := svc.UpdateWorkflow("WF-UPD", service.WorkflowUpdate{Name: strPtr("")})
		assert.True(t, errors.Is(err, service.ErrValidation))
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := svc.UpdateWorkflow("WF-NONE", service.WorkflowUpdate{Name: strPtr("x")})
		assert.True(t, errors.Is(err, service.ErrNotFound))
	})

	t.Run("Deactivate", func(t *testing.T) {
		wf, err := svc.SetWorkflowActive("WF-UPD", false)
		require.NoError(t, err)
		assert.False(t, wf.IsActive)

		_, err = svc.StartExecution(ctx, "WF-UPD", nil, service.StartOptions{})
		assert.True(t, errors.Is(err, service.ErrValidation))

		_, err = svc.SetWorkflowActive("WF-UPD", true)
		require.NoError(t, err)
		snap := runToEnd(t, svc, "WF-UPD", nil, service.StartOptions{})
		assert.Equal(t, models.SucceededExecutionStatus, snap.Execution.Status)
	})
}

func TestWorkflowService_DeleteWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("RemovesVersionsAndExperiments", func(t *testing.T) {
		svc, store := newTestService(t, newScriptedInvoker(), fastEngine, 1)
		wf := createWorkflow(t, svc, "WF-DEL", chain("a"), chain("a", "b"))
		scope := models.Scope{Kind: models.WorkflowKind, ID: wf.ID}
		testID, err := svc.StartAbTest(ctx, scope, service.AbTestConfig{Name: "ab", VersionA: 1, VersionB: 2})
		require.NoError(t, err)

		err = svc.DeleteWorkflow(ctx, "WF-DEL")
		assert.True(t, errors.Is(err, service.ErrConflict), "running experiment must block the delete")

		_, err = svc.Router().Stop(ctx, testID)
		require.NoError(t, err)
		require.NoError(t, svc.DeleteWorkflow(ctx, "WF-DEL"))

		_, err = svc.GetWorkflow("WF-DEL")
		assert.True(t, errors.Is(err, service.ErrNotFound))
		versions, err := store.ListVersions(models.WorkflowKind, wf.ID)
		require.NoError(t, err)
		assert.Empty(t, versions)
		_, err = store.GetAbTest(testID)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("RefusedOnceExecuted", func(t *testing.T) {
		svc, _ := newTestService(t, newScriptedInvoker(), fastEngine, 1)
		createWorkflow(t, svc, "WF-USED", chain("a"))
		runToEnd(t, svc, "WF-USED", nil, service.StartOptions{})

		err := svc.DeleteWorkflow(ctx, "WF-USED")
		assert.True(t, errors.Is(err, service.ErrConflict))
		_, err = svc.GetWorkflow("WF-USED")
		assert.NoError(t, err)
	})

	t.Run("Unknown", func(t *testing.T) {
		svc, _ := newTestService(t, newScriptedInvoker(), fastEngine, 1)
		assert.True(t, errors.Is(svc.DeleteWorkflow(ctx, "WF-NONE"), service.ErrNotFound))
	})
}

func TestWorkflowService_TemplateEdits(t *testing.T) {
	svc, store := newTestService(t, newScriptedInvoker(), fastEngine, 1)
	ctx := context.Background()
	tpl, err := svc.CreateTemplate(models.PromptTemplate{Code: "TPL-EDIT", Name: "edit", Model: "m1", IsActive: true})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		payload := mustJSON(t, models.TemplatePayload{Content: "Cases for {{feature}}", Variables: []string{"feature"}})
		_, err := svc.PublishVersion(ctx, models.TemplateKind, "TPL-EDIT", payload, "", "tester")
		require.NoError(t, err)
	}

	updated, err := svc.UpdateTemplate("TPL-EDIT", service.TemplateUpdate{Model: strPtr("m2"), Category: strPtr("cases")})
	require.NoError(t, err)
	assert.Equal(t, "m2", updated.Model)
	assert.Equal(t, "cases", updated.Category)
	assert.Equal(t, "edit", updated.Name)

	_, err = svc.SetTemplateActive("TPL-EDIT", false)
	require.NoError(t, err)
	_, err = svc.RunTemplate(ctx, "TPL-EDIT", map[string]string{"feature": "x"}, "")
	assert.True(t, errors.Is(err, service.ErrValidation))

	scope := models.Scope{Kind: models.TemplateKind, ID: tpl.ID}
	testID, err := svc.StartAbTest(ctx, scope, service.AbTestConfig{Name: "ab", VersionA: 1, VersionB: 2})
	require.NoError(t, err)
	assert.True(t, errors.Is(svc.DeleteTemplate(ctx, "TPL-EDIT"), service.ErrConflict))

	_, err = svc.Router().Stop(ctx, testID)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteTemplate(ctx, "TPL-EDIT"))
	_, err = svc.GetTemplate("TPL-EDIT")
	assert.True(t, errors.Is(err, service.ErrNotFound))
	versions, err := store.ListVersions(models.TemplateKind, tpl.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
}
