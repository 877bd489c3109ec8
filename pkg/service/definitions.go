package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/pkg/errors"
)

const maxCodeLength = 100

func validateCode(kind models.DefinitionKind, code, name string) error {
	if strings.TrimSpace(code) == "" {
		return validationf("%s code cannot be empty", kind)
	}
	if len(code) > maxCodeLength {
		return validationf("%s code too long (max %d characters)", kind, maxCodeLength)
	}
	if strings.TrimSpace(name) == "" {
		return validationf("%s name cannot be empty", kind)
	}
	return nil
}

// CreateWorkflow registers a new workflow definition. Versions are published
// separately.
func (s *WorkflowService) CreateWorkflow(wf models.WorkflowDefinition) (models.WorkflowDefinition, error) {
	if err := validateCode(models.WorkflowKind, wf.Code, wf.Name); err != nil {
		return models.WorkflowDefinition{}, err
	}
	now := s.now()
	wf.ID = 0
	wf.IsDefault = false
	wf.ExecutionCount = 0
	wf.LastExecutionAt = nil
	wf.CreatedAt = now
	wf.UpdatedAt = now

	err := inTx(s.store, s.logger, "CreateWorkflow", func(tx storage.Store) error {
		id, err := tx.SaveWorkflow(wf)
		if err != nil {
			return storeErr(err, "failed to save workflow %s", wf.Code)
		}
		wf.ID = id
		return nil
	})
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	s.logger.Infof("Created workflow '%s' with ID %d", wf.Code, wf.ID)
	return wf, nil
}

func (s *WorkflowService) GetWorkflow(code string) (models.WorkflowDefinition, error) {
	wf, err := s.store.GetWorkflowByCode(code)
	if err != nil {
		return models.WorkflowDefinition{}, storeErr(err, "workflow %s", code)
	}
	return wf, nil
}

func (s *WorkflowService) ListWorkflows(q storage.Query) (storage.Page[models.WorkflowDefinition], error) {
	page, err := s.store.ListWorkflows(q)
	if err != nil {
		return page, storeErr(err, "failed to list workflows")
	}
	return page, nil
}

// SetDefaultWorkflow makes code the only default workflow of its type.
func (s *WorkflowService) SetDefaultWorkflow(ctx context.Context, code string) error {
	wf, err := s.GetWorkflow(code)
	if err != nil {
		return err
	}
	unlock, err := s.versions.locker.Lock(ctx, "default-workflow:"+wf.Type)
	if err != nil {
		return errors.Wrapf(err, "failed to lock default workflow of type %s", wf.Type)
	}
	defer unlock()
	err = inTx(s.store, s.logger, "SetDefaultWorkflow", func(tx storage.Store) error {
		if err := tx.ClearDefaultWorkflows(wf.Type); err != nil {
			return errors.Wrapf(err, "failed to clear default workflows of type %s", wf.Type)
		}
		return storeErr(tx.SetDefaultWorkflow(wf.ID), "failed to set default workflow %s", code)
	})
	if err != nil {
		return err
	}
	s.logger.Infof("Workflow %s is now the default of type %s", code, wf.Type)
	return nil
}

// WorkflowUpdate holds the editable fields of a workflow. Nil fields are left
// unchanged.
type WorkflowUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Type        *string `json:"type,omitempty"`
}

// UpdateWorkflow edits a workflow in place. The code never changes. Moving a
// workflow to another type drops its default flag.
func (s *WorkflowService) UpdateWorkflow(code string, upd WorkflowUpdate) (models.WorkflowDefinition, error) {
	return s.editWorkflow(code, "UpdateWorkflow", func(wf *models.WorkflowDefinition) error {
		if upd.Name != nil {
			if strings.TrimSpace(*upd.Name) == "" {
				return validationf("workflow name cannot be empty")
			}
			wf.Name = *upd.Name
		}
		if upd.Description != nil {
			wf.Description = *upd.Description
		}
		if upd.Type != nil && *upd.Type != wf.Type {
			if strings.TrimSpace(*upd.Type) == "" {
				return validationf("workflow type cannot be empty")
			}
			wf.Type = *upd.Type
			wf.IsDefault = false
		}
		return nil
	})
}

// SetWorkflowActive toggles whether code accepts new executions.
func (s *WorkflowService) SetWorkflowActive(code string, active bool) (models.WorkflowDefinition, error) {
	return s.editWorkflow(code, "SetWorkflowActive", func(wf *models.WorkflowDefinition) error {
		wf.IsActive = active
		return nil
	})
}

func (s *WorkflowService) editWorkflow(code, op string, edit func(wf *models.WorkflowDefinition) error) (models.WorkflowDefinition, error) {
	var wf models.WorkflowDefinition
	err := inTx(s.store, s.logger, op, func(tx storage.Store) error {
		var err error
		if wf, err = tx.GetWorkflowByCode(code); err != nil {
			return storeErr(err, "workflow %s", code)
		}
		if err := edit(&wf); err != nil {
			return err
		}
		wf.UpdatedAt = s.now()
		return storeErr(tx.UpdateWorkflow(wf), "failed to update workflow %s", code)
	})
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	s.logger.Infof("Updated workflow '%s'", code)
	return wf, nil
}

// DeleteWorkflow removes a workflow with its versions and experiments. It is
// refused while an experiment is running on it and once any execution has
// been recorded; deactivate such workflows instead.
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, code string) error {
	wf, err := s.GetWorkflow(code)
	if err != nil {
		return err
	}
	scope := models.Scope{Kind: models.WorkflowKind, ID: wf.ID}
	return s.deleteDefinition(ctx, scope, code, func(tx storage.Store) error {
		page, err := tx.ListExecutions(storage.Where("workflow_id", storage.Eq, wf.ID).Page(1, 1))
		if err != nil {
			return errors.Wrapf(err, "failed to count executions of workflow %s", code)
		}
		if page.Total > 0 {
			return conflictf("workflow %s has %d recorded executions", code, page.Total)
		}
		return storeErr(tx.DeleteWorkflow(wf.ID), "failed to delete workflow %s", code)
	})
}

// deleteDefinition holds the experiment lock of scope so no experiment can
// start while the definition is being removed.
func (s *WorkflowService) deleteDefinition(ctx context.Context, scope models.Scope, code string, del func(tx storage.Store) error) error {
	unlock, err := s.versions.locker.Lock(ctx, scopeKey(scope))
	if err != nil {
		return errors.Wrapf(err, "failed to lock %s", scope)
	}
	defer unlock()
	err = inTx(s.store, s.logger, "Delete "+string(scope.Kind), func(tx storage.Store) error {
		running, err := tx.GetRunningAbTest(scope)
		switch {
		case err == nil:
			return conflictf("experiment %d is running on %s %s", running.ID, scope.Kind, code)
		case !errors.Is(err, storage.ErrNotFound):
			return errors.Wrapf(err, "failed to check experiments on %s", scope)
		}
		return del(tx)
	})
	if err != nil {
		return err
	}
	s.logger.Infof("Deleted %s '%s'", scope.Kind, code)
	return nil
}

func (s *WorkflowService) CreateTemplate(t models.PromptTemplate) (models.PromptTemplate, error) {
	if err := validateCode(models.TemplateKind, t.Code, t.Name); err != nil {
		return models.PromptTemplate{}, err
	}
	now := s.now()
	t.ID = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	err := inTx(s.store, s.logger, "CreateTemplate", func(tx storage.Store) error {
		id, err := tx.SaveTemplate(t)
		if err != nil {
			return storeErr(err, "failed to save template %s", t.Code)
		}
		t.ID = id
		return nil
	})
	if err != nil {
		return models.PromptTemplate{}, err
	}
	s.logger.Infof("Created template '%s' with ID %d", t.Code, t.ID)
	return t, nil
}

func (s *WorkflowService) GetTemplate(code string) (models.PromptTemplate, error) {
	t, err := s.store.GetTemplateByCode(code)
	if err != nil {
		return models.PromptTemplate{}, storeErr(err, "template %s", code)
	}
	return t, nil
}

func (s *WorkflowService) ListTemplates() ([]models.PromptTemplate, error) {
	templates, err := s.store.ListTemplates()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list templates")
	}
	return templates, nil
}

// TemplateUpdate holds the editable fields of a template. Nil fields are left
// unchanged.
type TemplateUpdate struct {
	Name     *string `json:"name,omitempty"`
	Category *string `json:"category,omitempty"`
	Model    *string `json:"model,omitempty"`
}

func (s *WorkflowService) UpdateTemplate(code string, upd TemplateUpdate) (models.PromptTemplate, error) {
	return s.editTemplate(code, "UpdateTemplate", func(t *models.PromptTemplate) error {
		if upd.Name != nil {
			if strings.TrimSpace(*upd.Name) == "" {
				return validationf("template name cannot be empty")
			}
			t.Name = *upd.Name
		}
		if upd.Category != nil {
			t.Category = *upd.Category
		}
		if upd.Model != nil {
			t.Model = *upd.Model
		}
		return nil
	})
}

func (s *WorkflowService) SetTemplateActive(code string, active bool) (models.PromptTemplate, error) {
	return s.editTemplate(code, "SetTemplateActive", func(t *models.PromptTemplate) error {
		t.IsActive = active
		return nil
	})
}

func (s *WorkflowService) editTemplate(code, op string, edit func(t *models.PromptTemplate) error) (models.PromptTemplate, error) {
	var t models.PromptTemplate
	err := inTx(s.store, s.logger, op, func(tx storage.Store) error {
		var err error
		if t, err = tx.GetTemplateByCode(code); err != nil {
			return storeErr(err, "template %s", code)
		}
		if err := edit(&t); err != nil {
			return err
		}
		t.UpdatedAt = s.now()
		return storeErr(tx.UpdateTemplate(t), "failed to update template %s", code)
	})
	if err != nil {
		return models.PromptTemplate{}, err
	}
	s.logger.Infof("Updated template '%s'", code)
	return t, nil
}

// DeleteTemplate removes a template with its versions and experiments unless
// an experiment is running on it.
func (s *WorkflowService) DeleteTemplate(ctx context.Context, code string) error {
	t, err := s.GetTemplate(code)
	if err != nil {
		return err
	}
	scope := models.Scope{Kind: models.TemplateKind, ID: t.ID}
	return s.deleteDefinition(ctx, scope, code, func(tx storage.Store) error {
		return storeErr(tx.DeleteTemplate(t.ID), "failed to delete template %s", code)
	})
}

// ResolveScope maps a workflow or template code to its scope.
func (s *WorkflowService) ResolveScope(kind models.DefinitionKind, code string) (models.Scope, error) {
	switch kind {
	case models.WorkflowKind:
		wf, err := s.GetWorkflow(code)
		if err != nil {
			return models.Scope{}, err
		}
		return models.Scope{Kind: kind, ID: wf.ID}, nil
	case models.TemplateKind:
		t, err := s.GetTemplate(code)
		if err != nil {
			return models.Scope{}, err
		}
		return models.Scope{Kind: kind, ID: t.ID}, nil
	}
	return models.Scope{}, validationf("unknown definition kind %q", kind)
}

func (s *WorkflowService) PublishVersion(ctx context.Context, kind models.DefinitionKind, code string, payload json.RawMessage, description, createdBy string) (models.Version, error) {
	scope, err := s.ResolveScope(kind, code)
	if err != nil {
		return models.Version{}, err
	}
	return s.versions.Publish(ctx, kind, scope.ID, payload, description, createdBy)
}

func (s *WorkflowService) PromoteVersion(ctx context.Context, kind models.DefinitionKind, code string, number int) error {
	scope, err := s.ResolveScope(kind, code)
	if err != nil {
		return err
	}
	return s.versions.Promote(ctx, kind, scope.ID, number)
}

func (s *WorkflowService) RollbackVersion(ctx context.Context, kind models.DefinitionKind, code string, number int, createdBy string) (models.Version, error) {
	scope, err := s.ResolveScope(kind, code)
	if err != nil {
		return models.Version{}, err
	}
	return s.versions.Rollback(ctx, kind, scope.ID, number, createdBy)
}

func (s *WorkflowService) ListVersions(kind models.DefinitionKind, code string) ([]models.Version, error) {
	scope, err := s.ResolveScope(kind, code)
	if err != nil {
		return nil, err
	}
	return s.versions.List(kind, scope.ID)
}

func (s *WorkflowService) CurrentVersion(kind models.DefinitionKind, code string) (models.Version, error) {
	scope, err := s.ResolveScope(kind, code)
	if err != nil {
		return models.Version{}, err
	}
	return s.versions.GetCurrent(kind, scope.ID)
}
