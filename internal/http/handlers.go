package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/labstack/echo/v4"
)

type startExecutionRequest struct {
	Input         json.RawMessage `json:"input,omitempty"`
	ExecutionID   string          `json:"execution_id,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	VersionNumber int             `json:"version_number,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
}

type publishRequest struct {
	Payload     json.RawMessage `json:"payload"`
	Description string          `json:"description,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

func bindActive(c echo.Context) (bool, error) {
	var req activeRequest
	if err := bind(c, &req); err != nil {
		return false, err
	}
	if req.Active == nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, "active is required")
	}
	return *req.Active, nil
}

type runTemplateRequest struct {
	Variables map[string]string `json:"variables"`
	RequestID string            `json:"request_id,omitempty"`
}

type createAbTestRequest struct {
	Kind models.DefinitionKind `json:"kind"`
	Code string                `json:"code"`
	service.AbTestConfig
}

type completeRequest struct {
	Winner models.VersionLabel `json:"winner,omitempty"`
}

type feedbackRequest struct {
	RequestID string `json:"request_id"`
	Rating    int    `json:"rating"`
	Feedback  string `json:"feedback,omitempty"`
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return nil
}

func intParam(c echo.Context, name string) (int64, error) {
	n, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": "+c.Param(name))
	}
	return n, nil
}

// listQuery turns ?field=value pairs plus page/size/order/desc into a Query.
// Only the listed string fields are accepted as filters.
func listQuery(c echo.Context, fields ...string) (storage.Query, error) {
	q := storage.Query{}
	for _, f := range fields {
		if v := c.QueryParam(f); v != "" {
			q = q.And(f, storage.Eq, v)
		}
	}
	if v := c.QueryParam("is_active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid is_active: "+v)
		}
		q = q.And("is_active", storage.Eq, b)
	}
	order := c.QueryParam("order")
	if order == "" {
		order = "created_at"
	}
	q = q.OrderBy(order, c.QueryParam("desc") != "false")
	if v := c.QueryParam("size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 0 {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid size: "+v)
		}
		page := 1
		if p := c.QueryParam("page"); p != "" {
			if page, err = strconv.Atoi(p); err != nil || page < 1 {
				return q, echo.NewHTTPError(http.StatusBadRequest, "invalid page: "+p)
			}
		}
		q = q.Page(page, size)
	}
	return q, nil
}

// Workflows

func (s *Server) CreateWorkflow(c echo.Context) error {
	var wf models.WorkflowDefinition
	if err := bind(c, &wf); err != nil {
		return err
	}
	created, err := s.svc.CreateWorkflow(wf)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) ListWorkflows(c echo.Context) error {
	q, err := listQuery(c, "type", "code", "created_by")
	if err != nil {
		return err
	}
	page, err := s.svc.ListWorkflows(q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.svc.GetWorkflow(c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) SetDefaultWorkflow(c echo.Context) error {
	if err := s.svc.SetDefaultWorkflow(c.Request().Context(), c.Param("code")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) UpdateWorkflow(c echo.Context) error {
	var upd service.WorkflowUpdate
	if err := bind(c, &upd); err != nil {
		return err
	}
	wf, err := s.svc.UpdateWorkflow(c.Param("code"), upd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) SetWorkflowActive(c echo.Context) error {
	active, err := bindActive(c)
	if err != nil {
		return err
	}
	wf, err := s.svc.SetWorkflowActive(c.Param("code"), active)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) DeleteWorkflow(c echo.Context) error {
	if err := s.svc.DeleteWorkflow(c.Request().Context(), c.Param("code")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Executions

func (s *Server) StartExecution(c echo.Context) error {
	var req startExecutionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := s.svc.StartExecution(c.Request().Context(), c.Param("code"), req.Input, service.StartOptions{
		ExecutionID:   req.ExecutionID,
		RequestID:     req.RequestID,
		VersionNumber: req.VersionNumber,
		CreatedBy:     req.CreatedBy,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) ListExecutions(c echo.Context) error {
	q, err := listQuery(c, "workflow_code", "status", "request_id", "version_label")
	if err != nil {
		return err
	}
	page, err := s.svc.ListExecutions(q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) GetExecution(c echo.Context) error {
	snap, err := s.svc.GetExecutionStatus(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) CancelExecution(c echo.Context) error {
	if err := s.svc.CancelExecution(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// Templates

func (s *Server) CreateTemplate(c echo.Context) error {
	var t models.PromptTemplate
	if err := bind(c, &t); err != nil {
		return err
	}
	created, err := s.svc.CreateTemplate(t)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) ListTemplates(c echo.Context) error {
	templates, err := s.svc.ListTemplates()
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, templates)
}

func (s *Server) GetTemplate(c echo.Context) error {
	t, err := s.svc.GetTemplate(c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) UpdateTemplate(c echo.Context) error {
	var upd service.TemplateUpdate
	if err := bind(c, &upd); err != nil {
		return err
	}
	t, err := s.svc.UpdateTemplate(c.Param("code"), upd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) SetTemplateActive(c echo.Context) error {
	active, err := bindActive(c)
	if err != nil {
		return err
	}
	t, err := s.svc.SetTemplateActive(c.Param("code"), active)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) DeleteTemplate(c echo.Context) error {
	if err := s.svc.DeleteTemplate(c.Request().Context(), c.Param("code")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) RunTemplate(c echo.Context) error {
	var req runTemplateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	run, err := s.svc.RunTemplate(c.Request().Context(), c.Param("code"), req.Variables, req.RequestID)
	if err != nil {
		herr := httpError(err)
		// A failed model call still carries the request id and routing.
		if he, ok := herr.(*echo.HTTPError); ok && run.RequestID != "" &&
			(he.Code == http.StatusBadGateway || he.Code == http.StatusGatewayTimeout) {
			return c.JSON(he.Code, run)
		}
		return herr
	}
	return c.JSON(http.StatusOK, run)
}

// Versions

func (s *Server) ListVersions(kind models.DefinitionKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		versions, err := s.svc.ListVersions(kind, c.Param("code"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, versions)
	}
}

func (s *Server) CurrentVersion(kind models.DefinitionKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		v, err := s.svc.CurrentVersion(kind, c.Param("code"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, v)
	}
}

func (s *Server) PublishVersion(kind models.DefinitionKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req publishRequest
		if err := bind(c, &req); err != nil {
			return err
		}
		v, err := s.svc.PublishVersion(c.Request().Context(), kind, c.Param("code"), req.Payload, req.Description, req.CreatedBy)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusCreated, v)
	}
}

func (s *Server) PromoteVersion(kind models.DefinitionKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		number, err := intParam(c, "number")
		if err != nil {
			return err
		}
		if err := s.svc.PromoteVersion(c.Request().Context(), kind, c.Param("code"), int(number)); err != nil {
			return httpError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func (s *Server) RollbackVersion(kind models.DefinitionKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		number, err := intParam(c, "number")
		if err != nil {
			return err
		}
		v, err := s.svc.RollbackVersion(c.Request().Context(), kind, c.Param("code"), int(number), c.QueryParam("by"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusCreated, v)
	}
}

// Experiments

func (s *Server) CreateAbTest(c echo.Context) error {
	var req createAbTestRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	scope, err := s.svc.ResolveScope(req.Kind, req.Code)
	if err != nil {
		return httpError(err)
	}
	test, err := s.svc.Router().Create(c.Request().Context(), scope, req.AbTestConfig)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, test)
}

func (s *Server) ListAbTests(c echo.Context) error {
	scope, err := s.svc.ResolveScope(models.DefinitionKind(c.QueryParam("kind")), c.QueryParam("code"))
	if err != nil {
		return httpError(err)
	}
	tests, err := s.svc.Router().List(scope)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tests)
}

func (s *Server) GetAbTest(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	test, err := s.svc.Router().Get(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, test)
}

func (s *Server) DeleteAbTest(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	if err := s.svc.Router().Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// TransitionAbTest handles start, pause, stop and complete.
func (s *Server) TransitionAbTest(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	router := s.svc.Router()
	var test models.AbTest
	switch c.Param("action") {
	case "start":
		test, err = router.Start(ctx, id)
	case "pause":
		test, err = router.Pause(ctx, id)
	case "stop":
		test, err = router.Stop(ctx, id)
	case "complete":
		var req completeRequest
		if err := bind(c, &req); err != nil {
			return err
		}
		test, err = router.Complete(ctx, id, req.Winner)
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown action "+c.Param("action"))
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, test)
}

func (s *Server) GetAbTestMetrics(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	m, err := s.svc.GetAbTestMetrics(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) SubmitFeedback(c echo.Context) error {
	var req feedbackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.svc.SubmitFeedback(req.RequestID, req.Rating, req.Feedback); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
