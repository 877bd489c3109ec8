package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/pkg/errors"
)

var errTxDone = errors.New("transaction already finished")

type memoryData struct {
	workflows  []models.WorkflowDefinition
	templates  []models.PromptTemplate
	versions   []models.Version
	executions []models.WorkflowExecution
	nodes      []models.NodeExecution
	abTests    []models.AbTest
	abExecs    []models.AbTestExecution
	nextID     int64
}

func (d *memoryData) clone() *memoryData {
	return &memoryData{
		workflows:  append([]models.WorkflowDefinition(nil), d.workflows...),
		templates:  append([]models.PromptTemplate(nil), d.templates...),
		versions:   append([]models.Version(nil), d.versions...),
		executions: append([]models.WorkflowExecution(nil), d.executions...),
		nodes:      append([]models.NodeExecution(nil), d.nodes...),
		abTests:    append([]models.AbTest(nil), d.abTests...),
		abExecs:    append([]models.AbTestExecution(nil), d.abExecs...),
		nextID:     d.nextID,
	}
}

func (d *memoryData) id() int64 {
	d.nextID++
	return d.nextID
}

type memoryShared struct {
	mu   sync.Mutex
	data *memoryData
}

// MemoryStore implements Store in process memory. A transaction holds the
// store-wide lock from Begin until Commit or Rollback, so transactions are
// serializable; Rollback restores the snapshot taken at Begin.
type MemoryStore struct {
	shared   *memoryShared
	tx       bool
	nested   bool
	done     bool
	snapshot *memoryData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shared: &memoryShared{data: &memoryData{}}}
}

func (m *MemoryStore) Begin() (Store, error) {
	if m.tx {
		if m.done {
			return nil, errTxDone
		}
		return &MemoryStore{shared: m.shared, tx: true, nested: true}, nil
	}
	m.shared.mu.Lock()
	return &MemoryStore{shared: m.shared, tx: true, snapshot: m.shared.data.clone()}, nil
}

func (m *MemoryStore) Commit() error {
	if !m.tx {
		return errors.New("commit outside transaction")
	}
	if m.done {
		return errTxDone
	}
	m.done = true
	if !m.nested {
		m.shared.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) Rollback() error {
	if !m.tx {
		return errors.New("rollback outside transaction")
	}
	if m.done {
		return errTxDone
	}
	m.done = true
	if !m.nested {
		m.shared.data = m.snapshot
		m.shared.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) with(fn func(d *memoryData) error) error {
	if m.tx {
		if m.done {
			return errTxDone
		}
	} else {
		m.shared.mu.Lock()
		defer m.shared.mu.Unlock()
	}
	return fn(m.shared.data)
}

func paginate[T any](items []T, q Query) Page[T] {
	total := len(items)
	if q.PageSize > 0 {
		start := q.Offset()
		if start > total {
			start = total
		}
		end := start + q.PageSize
		if end > total {
			end = total
		}
		items = items[start:end]
	}
	return Page[T]{Items: items, Total: total}
}

// filter applies q to items, sorting by q.Order (ties keep insertion order).
func filter[T any](items []T, q Query, fields func(T) map[string]interface{}) (Page[T], error) {
	known := fields(*new(T))
	for _, p := range q.Predicates {
		if _, ok := known[p.Field]; !ok {
			return Page[T]{}, errors.Wrapf(ErrInvalidQuery, "unknown field %q", p.Field)
		}
	}
	if _, ok := known[q.Order]; q.Order != "" && !ok {
		return Page[T]{}, errors.Wrapf(ErrInvalidQuery, "unknown order field %q", q.Order)
	}

	out := make([]T, 0)
	for _, it := range items {
		ok, err := q.Match(fields(it))
		if err != nil {
			return Page[T]{}, err
		}
		if ok {
			out = append(out, it)
		}
	}
	if q.Order != "" {
		var sortErr error
		sort.SliceStable(out, func(i, j int) bool {
			c, err := compare(fields(out[i])[q.Order], fields(out[j])[q.Order])
			if err != nil {
				sortErr = err
				return false
			}
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
		if sortErr != nil {
			return Page[T]{}, sortErr
		}
	}
	return paginate(out, q), nil
}

func optTime(t *time.Time) interface{} {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func workflowFields(w models.WorkflowDefinition) map[string]interface{} {
	return map[string]interface{}{
		"id":                w.ID,
		"code":              w.Code,
		"name":              w.Name,
		"type":              w.Type,
		"is_active":         w.IsActive,
		"is_default":        w.IsDefault,
		"created_by":        w.CreatedBy,
		"created_at":        w.CreatedAt,
		"updated_at":        w.UpdatedAt,
		"last_execution_at": optTime(w.LastExecutionAt),
		"execution_count":   w.ExecutionCount,
	}
}

func executionFields(e models.WorkflowExecution) map[string]interface{} {
	return map[string]interface{}{
		"execution_id":   e.ExecutionID,
		"workflow_id":    e.WorkflowID,
		"workflow_code":  e.WorkflowCode,
		"version_number": int64(e.VersionNumber),
		"request_id":     e.RequestID,
		"version_label":  e.VersionLabel,
		"status":         string(e.Status),
		"progress":       int64(e.Progress),
		"created_by":     e.CreatedBy,
		"created_at":     e.CreatedAt,
		"started_at":     optTime(e.StartedAt),
		"finished_at":    optTime(e.FinishedAt),
		"duration_ms":    e.DurationMs,
	}
}

// Workflow definitions

func (m *MemoryStore) SaveWorkflow(w models.WorkflowDefinition) (int64, error) {
	err := m.with(func(d *memoryData) error {
		for _, existing := range d.workflows {
			if existing.Code == w.Code {
				return errors.Wrapf(ErrDuplicate, "workflow code %s", w.Code)
			}
		}
		w.ID = d.id()
		d.workflows = append(d.workflows, w)
		return nil
	})
	return w.ID, err
}

func (m *MemoryStore) GetWorkflow(id int64) (models.WorkflowDefinition, error) {
	var out models.WorkflowDefinition
	err := m.with(func(d *memoryData) error {
		for _, w := range d.workflows {
			if w.ID == id {
				out = w
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "workflow %d", id)
	})
	return out, err
}

func (m *MemoryStore) GetWorkflowByCode(code string) (models.WorkflowDefinition, error) {
	var out models.WorkflowDefinition
	err := m.with(func(d *memoryData) error {
		for _, w := range d.workflows {
			if w.Code == code {
				out = w
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "workflow %s", code)
	})
	return out, err
}

func (m *MemoryStore) ListWorkflows(q Query) (Page[models.WorkflowDefinition], error) {
	var out Page[models.WorkflowDefinition]
	err := m.with(func(d *memoryData) (err error) {
		out, err = filter(d.workflows, q, workflowFields)
		return err
	})
	return out, err
}

func (m *MemoryStore) ClearDefaultWorkflows(workflowType string) error {
	return m.with(func(d *memoryData) error {
		for i := range d.workflows {
			if d.workflows[i].Type == workflowType {
				d.workflows[i].IsDefault = false
			}
		}
		return nil
	})
}

func (m *MemoryStore) SetDefaultWorkflow(id int64) error {
	return m.with(func(d *memoryData) error {
		for i := range d.workflows {
			if d.workflows[i].ID == id {
				d.workflows[i].IsDefault = true
				d.workflows[i].UpdatedAt = time.Now()
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "workflow %d", id)
	})
}

func (m *MemoryStore) RecordWorkflowExecution(id int64, at time.Time) error {
	return m.with(func(d *memoryData) error {
		for i := range d.workflows {
			if d.workflows[i].ID == id {
				d.workflows[i].ExecutionCount++
				d.workflows[i].LastExecutionAt = &at
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "workflow %d", id)
	})
}

func (m *MemoryStore) UpdateWorkflow(w models.WorkflowDefinition) error {
	return m.with(func(d *memoryData) error {
		for i := range d.workflows {
			if d.workflows[i].ID == w.ID {
				cur := &d.workflows[i]
				cur.Name = w.Name
				cur.Description = w.Description
				cur.Type = w.Type
				cur.IsActive = w.IsActive
				cur.IsDefault = w.IsDefault
				cur.UpdatedAt = w.UpdatedAt
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "workflow %d", w.ID)
	})
}

func (m *MemoryStore) DeleteWorkflow(id int64) error {
	return m.with(func(d *memoryData) error {
		for i := range d.workflows {
			if d.workflows[i].ID == id {
				d.workflows = append(d.workflows[:i:i], d.workflows[i+1:]...)
				d.dropDefinition(models.WorkflowKind, id)
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "workflow %d", id)
	})
}

// dropDefinition removes the versions and experiments of one definition.
func (d *memoryData) dropDefinition(kind models.DefinitionKind, id int64) {
	versions := d.versions[:0:0]
	for _, v := range d.versions {
		if v.Kind != kind || v.DefinitionID != id {
			versions = append(versions, v)
		}
	}
	d.versions = versions

	dropped := make(map[int64]bool)
	tests := d.abTests[:0:0]
	for _, t := range d.abTests {
		if t.ScopeKind == kind && t.ScopeID == id {
			dropped[t.ID] = true
			continue
		}
		tests = append(tests, t)
	}
	d.abTests = tests

	execs := d.abExecs[:0:0]
	for _, e := range d.abExecs {
		if !dropped[e.AbTestID] {
			execs = append(execs, e)
		}
	}
	d.abExecs = execs
}

// Prompt templates

func (m *MemoryStore) SaveTemplate(t models.PromptTemplate) (int64, error) {
	err := m.with(func(d *memoryData) error {
		for _, existing := range d.templates {
			if existing.Code == t.Code {
				return errors.Wrapf(ErrDuplicate, "template code %s", t.Code)
			}
		}
		t.ID = d.id()
		d.templates = append(d.templates, t)
		return nil
	})
	return t.ID, err
}

func (m *MemoryStore) GetTemplate(id int64) (models.PromptTemplate, error) {
	var out models.PromptTemplate
	err := m.with(func(d *memoryData) error {
		for _, t := range d.templates {
			if t.ID == id {
				out = t
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "template %d", id)
	})
	return out, err
}

func (m *MemoryStore) GetTemplateByCode(code string) (models.PromptTemplate, error) {
	var out models.PromptTemplate
	err := m.with(func(d *memoryData) error {
		for _, t := range d.templates {
			if t.Code == code {
				out = t
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "template %s", code)
	})
	return out, err
}

func (m *MemoryStore) ListTemplates() ([]models.PromptTemplate, error) {
	var out []models.PromptTemplate
	err := m.with(func(d *memoryData) error {
		out = append([]models.PromptTemplate(nil), d.templates...)
		return nil
	})
	return out, err
}

func (m *MemoryStore) UpdateTemplate(t models.PromptTemplate) error {
	return m.with(func(d *memoryData) error {
		for i := range d.templates {
			if d.templates[i].ID == t.ID {
				cur := &d.templates[i]
				cur.Name = t.Name
				cur.Category = t.Category
				cur.Model = t.Model
				cur.IsActive = t.IsActive
				cur.UpdatedAt = t.UpdatedAt
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "template %d", t.ID)
	})
}

func (m *MemoryStore) DeleteTemplate(id int64) error {
	return m.with(func(d *memoryData) error {
		for i := range d.templates {
			if d.templates[i].ID == id {
				d.templates = append(d.templates[:i:i], d.templates[i+1:]...)
				d.dropDefinition(models.TemplateKind, id)
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "template %d", id)
	})
}

// Versions

func (m *MemoryStore) definitionExists(d *memoryData, kind models.DefinitionKind, id int64) bool {
	switch kind {
	case models.WorkflowKind:
		for _, w := range d.workflows {
			if w.ID == id {
				return true
			}
		}
	case models.TemplateKind:
		for _, t := range d.templates {
			if t.ID == id {
				return true
			}
		}
	}
	return false
}

// LockDefinition only checks existence: a transaction already holds the store lock.
func (m *MemoryStore) LockDefinition(kind models.DefinitionKind, definitionID int64) error {
	return m.with(func(d *memoryData) error {
		if !m.definitionExists(d, kind, definitionID) {
			return errors.Wrapf(ErrNotFound, "%s %d", kind, definitionID)
		}
		return nil
	})
}

func (m *MemoryStore) MaxVersionNumber(kind models.DefinitionKind, definitionID int64) (int, error) {
	max := 0
	err := m.with(func(d *memoryData) error {
		for _, v := range d.versions {
			if v.Kind == kind && v.DefinitionID == definitionID && v.Number > max {
				max = v.Number
			}
		}
		return nil
	})
	return max, err
}

func (m *MemoryStore) SaveVersion(v models.Version) (int64, error) {
	err := m.with(func(d *memoryData) error {
		for _, existing := range d.versions {
			if existing.Kind == v.Kind && existing.DefinitionID == v.DefinitionID {
				if existing.Number == v.Number {
					return errors.Wrapf(ErrDuplicate, "%s %d version %d", v.Kind, v.DefinitionID, v.Number)
				}
				if v.IsCurrent && existing.IsCurrent {
					return errors.Wrapf(ErrDuplicate, "%s %d already has a current version", v.Kind, v.DefinitionID)
				}
			}
		}
		v.ID = d.id()
		d.versions = append(d.versions, v)
		return nil
	})
	return v.ID, err
}

func (m *MemoryStore) GetVersion(kind models.DefinitionKind, definitionID int64, number int) (models.Version, error) {
	var out models.Version
	err := m.with(func(d *memoryData) error {
		for _, v := range d.versions {
			if v.Kind == kind && v.DefinitionID == definitionID && v.Number == number {
				out = v
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "%s %d version %d", kind, definitionID, number)
	})
	return out, err
}

func (m *MemoryStore) GetVersionByID(id int64) (models.Version, error) {
	var out models.Version
	err := m.with(func(d *memoryData) error {
		for _, v := range d.versions {
			if v.ID == id {
				out = v
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "version %d", id)
	})
	return out, err
}

func (m *MemoryStore) GetCurrentVersion(kind models.DefinitionKind, definitionID int64) (models.Version, error) {
	var out models.Version
	err := m.with(func(d *memoryData) error {
		for _, v := range d.versions {
			if v.Kind == kind && v.DefinitionID == definitionID && v.IsCurrent {
				out = v
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "%s %d current version", kind, definitionID)
	})
	return out, err
}

func (m *MemoryStore) ListVersions(kind models.DefinitionKind, definitionID int64) ([]models.Version, error) {
	var out []models.Version
	err := m.with(func(d *memoryData) error {
		for _, v := range d.versions {
			if v.Kind == kind && v.DefinitionID == definitionID {
				out = append(out, v)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, err
}

func (m *MemoryStore) ClearCurrentVersions(kind models.DefinitionKind, definitionID int64) error {
	return m.with(func(d *memoryData) error {
		for i := range d.versions {
			if d.versions[i].Kind == kind && d.versions[i].DefinitionID == definitionID {
				d.versions[i].IsCurrent = false
			}
		}
		return nil
	})
}

func (m *MemoryStore) SetCurrentVersion(kind models.DefinitionKind, definitionID int64, number int) error {
	return m.with(func(d *memoryData) error {
		target, other := -1, -1
		for i, v := range d.versions {
			if v.Kind != kind || v.DefinitionID != definitionID {
				continue
			}
			if v.Number == number {
				target = i
			} else if v.IsCurrent {
				other = i
			}
		}
		if target < 0 {
			return errors.Wrapf(ErrNotFound, "%s %d version %d", kind, definitionID, number)
		}
		if other >= 0 {
			return errors.Wrapf(ErrDuplicate, "%s %d already has a current version", kind, definitionID)
		}
		d.versions[target].IsCurrent = true
		return nil
	})
}

// Execution ledger

func findExecution(d *memoryData, executionID string) int {
	for i, e := range d.executions {
		if e.ExecutionID == executionID {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) SaveExecution(e models.WorkflowExecution) error {
	return m.with(func(d *memoryData) error {
		if findExecution(d, e.ExecutionID) >= 0 {
			return errors.Wrapf(ErrDuplicate, "execution %s", e.ExecutionID)
		}
		e.ID = d.id()
		d.executions = append(d.executions, e)
		return nil
	})
}

func (m *MemoryStore) GetExecution(executionID string) (models.WorkflowExecution, error) {
	var out models.WorkflowExecution
	err := m.with(func(d *memoryData) error {
		i := findExecution(d, executionID)
		if i < 0 {
			return errors.Wrapf(ErrNotFound, "execution %s", executionID)
		}
		out = d.executions[i]
		return nil
	})
	return out, err
}

func (m *MemoryStore) ListExecutions(q Query) (Page[models.WorkflowExecution], error) {
	var out Page[models.WorkflowExecution]
	err := m.with(func(d *memoryData) (err error) {
		out, err = filter(d.executions, q, executionFields)
		return err
	})
	return out, err
}

func (m *MemoryStore) TransitionExecution(executionID string, from []models.ExecutionStatus, to models.ExecutionStatus, at time.Time) (bool, error) {
	moved := false
	err := m.with(func(d *memoryData) error {
		i := findExecution(d, executionID)
		if i < 0 {
			return errors.Wrapf(ErrNotFound, "execution %s", executionID)
		}
		e := &d.executions[i]
		for _, s := range from {
			if e.Status == s {
				moved = true
				break
			}
		}
		if !moved {
			return nil
		}
		e.Status = to
		if to == models.RunningExecutionStatus && e.StartedAt == nil {
			e.StartedAt = &at
		}
		if to.Terminal() {
			e.FinishedAt = &at
			if e.StartedAt != nil {
				e.DurationMs = at.Sub(*e.StartedAt).Milliseconds()
			}
		}
		return nil
	})
	return moved, err
}

func (m *MemoryStore) UpdateExecutionProgress(executionID string, progress, successCount, failCount int, currentNodeID string) error {
	return m.with(func(d *memoryData) error {
		i := findExecution(d, executionID)
		if i < 0 {
			return errors.Wrapf(ErrNotFound, "execution %s", executionID)
		}
		e := &d.executions[i]
		e.Progress = progress
		e.SuccessCount = successCount
		e.FailCount = failCount
		e.CurrentNodeID = currentNodeID
		return nil
	})
}

func (m *MemoryStore) RequestCancel(executionID string) error {
	return m.with(func(d *memoryData) error {
		i := findExecution(d, executionID)
		if i < 0 {
			return errors.Wrapf(ErrNotFound, "execution %s", executionID)
		}
		d.executions[i].CancelRequested = true
		return nil
	})
}

func (m *MemoryStore) FinishExecution(e models.WorkflowExecution) (bool, error) {
	written := false
	err := m.with(func(d *memoryData) error {
		i := findExecution(d, e.ExecutionID)
		if i < 0 {
			return errors.Wrapf(ErrNotFound, "execution %s", e.ExecutionID)
		}
		cur := &d.executions[i]
		if cur.Status.Terminal() {
			return nil
		}
		cur.Status = e.Status
		cur.Output = e.Output
		cur.Progress = e.Progress
		cur.SuccessCount = e.SuccessCount
		cur.FailCount = e.FailCount
		cur.CurrentNodeID = e.CurrentNodeID
		cur.ErrorMessage = e.ErrorMessage
		cur.ErrorNodeID = e.ErrorNodeID
		cur.FinishedAt = e.FinishedAt
		cur.DurationMs = e.DurationMs
		written = true
		return nil
	})
	return written, err
}

// Node ledger

func (m *MemoryStore) SaveNodeExecution(n models.NodeExecution) (int64, error) {
	err := m.with(func(d *memoryData) error {
		if findExecution(d, n.ExecutionID) < 0 {
			return errors.Wrapf(ErrNotFound, "execution %s", n.ExecutionID)
		}
		n.ID = d.id()
		d.nodes = append(d.nodes, n)
		return nil
	})
	return n.ID, err
}

func (m *MemoryStore) FinishNodeExecution(n models.NodeExecution) error {
	return m.with(func(d *memoryData) error {
		for i := range d.nodes {
			if d.nodes[i].ID == n.ID {
				cur := &d.nodes[i]
				cur.Status = n.Status
				cur.Output = n.Output
				cur.ErrorMessage = n.ErrorMessage
				cur.ErrorLog = n.ErrorLog
				cur.Cost = n.Cost
				cur.FinishedAt = n.FinishedAt
				cur.DurationMs = n.DurationMs
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "node execution %d", n.ID)
	})
}

func (m *MemoryStore) ListNodeExecutions(executionID string) ([]models.NodeExecution, error) {
	var out []models.NodeExecution
	err := m.with(func(d *memoryData) error {
		for _, n := range d.nodes {
			if n.ExecutionID == executionID {
				out = append(out, n)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, err
}

// Experiments

func runningConflict(d *memoryData, t models.AbTest) bool {
	if t.Status != models.RunningAbTestStatus {
		return false
	}
	for _, existing := range d.abTests {
		if existing.ID != t.ID && existing.Status == models.RunningAbTestStatus &&
			existing.ScopeKind == t.ScopeKind && existing.ScopeID == t.ScopeID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) SaveAbTest(t models.AbTest) (int64, error) {
	err := m.with(func(d *memoryData) error {
		if runningConflict(d, t) {
			return errors.Wrapf(ErrDuplicate, "running experiment on %s", t.Scope())
		}
		t.ID = d.id()
		d.abTests = append(d.abTests, t)
		return nil
	})
	return t.ID, err
}

func (m *MemoryStore) GetAbTest(id int64) (models.AbTest, error) {
	var out models.AbTest
	err := m.with(func(d *memoryData) error {
		for _, t := range d.abTests {
			if t.ID == id {
				out = t
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "experiment %d", id)
	})
	return out, err
}

func (m *MemoryStore) GetRunningAbTest(scope models.Scope) (models.AbTest, error) {
	var out models.AbTest
	err := m.with(func(d *memoryData) error {
		for _, t := range d.abTests {
			if t.Status == models.RunningAbTestStatus && t.ScopeKind == scope.Kind && t.ScopeID == scope.ID {
				out = t
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "running experiment on %s", scope)
	})
	return out, err
}

func (m *MemoryStore) ListAbTests(scope models.Scope) ([]models.AbTest, error) {
	var out []models.AbTest
	err := m.with(func(d *memoryData) error {
		for _, t := range d.abTests {
			if t.ScopeKind == scope.Kind && t.ScopeID == scope.ID {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, err
}

func (m *MemoryStore) UpdateAbTest(t models.AbTest) error {
	return m.with(func(d *memoryData) error {
		for i := range d.abTests {
			if d.abTests[i].ID == t.ID {
				if runningConflict(d, t) {
					return errors.Wrapf(ErrDuplicate, "running experiment on %s", t.Scope())
				}
				d.abTests[i] = t
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "experiment %d", t.ID)
	})
}

func (m *MemoryStore) DeleteAbTest(id int64) error {
	return m.with(func(d *memoryData) error {
		for i := range d.abTests {
			if d.abTests[i].ID == id {
				d.abTests = append(d.abTests[:i:i], d.abTests[i+1:]...)
				kept := d.abExecs[:0:0]
				for _, e := range d.abExecs {
					if e.AbTestID != id {
						kept = append(kept, e)
					}
				}
				d.abExecs = kept
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "experiment %d", id)
	})
}

func (m *MemoryStore) SaveAbTestExecution(e models.AbTestExecution) (int64, error) {
	err := m.with(func(d *memoryData) error {
		for _, existing := range d.abExecs {
			if existing.RequestID == e.RequestID {
				return errors.Wrapf(ErrDuplicate, "request %s", e.RequestID)
			}
		}
		e.ID = d.id()
		d.abExecs = append(d.abExecs, e)
		return nil
	})
	return e.ID, err
}

func (m *MemoryStore) GetAbTestExecution(requestID string) (models.AbTestExecution, error) {
	var out models.AbTestExecution
	err := m.with(func(d *memoryData) error {
		for _, e := range d.abExecs {
			if e.RequestID == requestID {
				out = e
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "request %s", requestID)
	})
	return out, err
}

func (m *MemoryStore) RateAbTestExecution(requestID string, rating int, feedback string) error {
	return m.with(func(d *memoryData) error {
		for i := range d.abExecs {
			if d.abExecs[i].RequestID == requestID {
				r := rating
				d.abExecs[i].UserRating = &r
				d.abExecs[i].UserFeedback = feedback
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "request %s", requestID)
	})
}

func (m *MemoryStore) ListAbTestExecutions(abTestID int64) ([]models.AbTestExecution, error) {
	var out []models.AbTestExecution
	err := m.with(func(d *memoryData) error {
		for _, e := range d.abExecs {
			if e.AbTestID == abTestID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (m *MemoryStore) AggregateAbTest(abTestID int64) ([]models.LabelAggregate, error) {
	execs, err := m.ListAbTestExecutions(abTestID)
	if err != nil {
		return nil, err
	}
	return AggregateExecutions(execs), nil
}

// AggregateExecutions folds per-request outcomes into per-label totals,
// the same shape the SQL aggregate produces. Labels with no rows are omitted.
func AggregateExecutions(execs []models.AbTestExecution) []models.LabelAggregate {
	type acc struct {
		agg       models.LabelAggregate
		rtSum     float64
		rtN       int
		ratingSum float64
	}
	byLabel := map[models.VersionLabel]*acc{}
	var order []models.VersionLabel
	for _, e := range execs {
		a, ok := byLabel[e.VersionLabel]
		if !ok {
			a = &acc{agg: models.LabelAggregate{Label: e.VersionLabel}}
			byLabel[e.VersionLabel] = a
			order = append(order, e.VersionLabel)
		}
		a.agg.Count++
		if e.Status == models.SuccessAbTestExecutionStatus {
			a.agg.SuccessCount++
			if e.ResponseTimeMs != nil {
				a.rtSum += float64(*e.ResponseTimeMs)
				a.rtN++
			}
		}
		if e.UserRating != nil {
			a.agg.RatedCount++
			a.ratingSum += float64(*e.UserRating)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]models.LabelAggregate, 0, len(order))
	for _, label := range order {
		a := byLabel[label]
		if a.rtN > 0 {
			avg := a.rtSum / float64(a.rtN)
			a.agg.AvgResponseTime = &avg
		}
		if a.agg.RatedCount > 0 {
			avg := a.ratingSum / float64(a.agg.RatedCount)
			a.agg.AvgRating = &avg
		}
		out = append(out, a.agg)
	}
	return out
}
