package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TemplateNodeType is the node type a template run is invoked as.
const TemplateNodeType = "llm_call"

// TemplateRun is the outcome of one synchronous template invocation.
type TemplateRun struct {
	RequestID     string              `json:"request_id"`
	TemplateCode  string              `json:"template_code"`
	VersionNumber int                 `json:"version_number"`
	AbTestID      *int64              `json:"ab_test_id,omitempty"`
	Label         models.VersionLabel `json:"label,omitempty"`
	Prompt        string              `json:"prompt"`
	Output        json.RawMessage     `json:"output,omitempty"`
	DurationMs    int64               `json:"duration_ms"`
	Cost          float64             `json:"cost"`
	Error         string              `json:"error,omitempty"`
}

// RenderTemplate substitutes {{name}} placeholders. Every declared variable
// must be supplied.
func RenderTemplate(p models.TemplatePayload, vars map[string]string) (string, error) {
	var missing []string
	for _, name := range p.Variables {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", validationf("missing template variables: %s", strings.Join(missing, ", "))
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, 2*len(names))
	for _, name := range names {
		pairs = append(pairs, "{{"+name+"}}", vars[name])
	}
	return strings.NewReplacer(pairs...).Replace(p.Content), nil
}

// RunTemplate renders the template version chosen for requestID and invokes
// it once. Under a running experiment the outcome is recorded as a sample.
func (s *WorkflowService) RunTemplate(ctx context.Context, code string, vars map[string]string, requestID string) (TemplateRun, error) {
	tpl, err := s.GetTemplate(code)
	if err != nil {
		return TemplateRun{}, err
	}
	if !tpl.IsActive {
		return TemplateRun{}, validationf("template %s is inactive", code)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	scope := models.Scope{Kind: models.TemplateKind, ID: tpl.ID}
	assignment, err := s.router.Resolve(scope, requestID)
	if err != nil {
		return TemplateRun{}, err
	}
	version, err := s.versions.GetByNumber(models.TemplateKind, tpl.ID, assignment.VersionNumber)
	if err != nil {
		return TemplateRun{}, err
	}
	var payload models.TemplatePayload
	if err := json.Unmarshal(version.Payload, &payload); err != nil {
		return TemplateRun{}, validationf("malformed template payload: %v", err)
	}
	prompt, err := RenderTemplate(payload, vars)
	if err != nil {
		return TemplateRun{}, err
	}
	model := payload.Model
	if model == "" {
		model = tpl.Model
	}
	config, err := json.Marshal(map[string]string{"prompt": prompt, "model": model})
	if err != nil {
		return TemplateRun{}, errors.Wrap(err, "failed to encode template node config")
	}
	input, err := json.Marshal(vars)
	if err != nil {
		return TemplateRun{}, errors.Wrap(err, "failed to encode template variables")
	}

	run := TemplateRun{
		RequestID:     requestID,
		TemplateCode:  code,
		VersionNumber: version.Number,
		AbTestID:      assignment.AbTestID,
		Label:         assignment.Label,
		Prompt:        prompt,
	}
	started := s.now()
	res, invokeErr := s.engine.invoke(ctx, InvokeRequest{
		ExecutionID: requestID,
		Node:        models.Node{ID: "template", Type: TemplateNodeType, Name: tpl.Name, Config: config},
		Attempt:     1,
		Input:       input,
	}, s.engine.cfg.NodeTimeout)
	run.DurationMs = s.now().Sub(started).Milliseconds()
	if res.Duration > 0 {
		run.DurationMs = res.Duration.Milliseconds()
	}
	run.Cost = res.Cost
	run.Output = res.Output
	if invokeErr != nil {
		run.Error = invokeErr.Error()
	}

	if assignment.AbTestID != nil {
		status := models.SuccessAbTestExecutionStatus
		if invokeErr != nil {
			status = models.FailedAbTestExecutionStatus
		}
		rt := run.DurationMs
		rec := models.AbTestExecution{
			AbTestID:       *assignment.AbTestID,
			RequestID:      requestID,
			VersionLabel:   assignment.Label,
			VersionNumber:  version.Number,
			Status:         status,
			ResponseTimeMs: &rt,
			Cost:           run.Cost,
		}
		if err := s.router.Record(ctx, rec); err != nil {
			s.logger.Errorf("Failed to record template request %s for experiment %d: %v", requestID, *assignment.AbTestID, err)
		}
	}
	if invokeErr != nil {
		return run, invokeErr
	}
	return run, nil
}
