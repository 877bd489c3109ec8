package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store on PostgreSQL. A store returned by
// Begin wraps a *sqlx.Tx; Begin on it joins the same transaction.
type PostgresStore struct {
	db DBInterface
}

var _ storage.Store = (*PostgresStore)(nil)

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	switch db := s.db.(type) {
	case *sqlx.DB:
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	case *sqlx.Tx:
		return &nestedTx{PostgresStore: PostgresStore{db: db}}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// nestedTx shares the outer transaction; only the outermost Commit or
// Rollback ends it.
type nestedTx struct {
	PostgresStore
}

func (n *nestedTx) Commit() error   { return nil }
func (n *nestedTx) Rollback() error { return nil }

// dbErr maps driver errors onto the storage sentinels.
func dbErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(storage.ErrNotFound, format, args...)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return errors.Wrapf(storage.ErrDuplicate, format+": %s", append(args, pqErr.Constraint)...)
	}
	return errors.Wrapf(err, format, args...)
}

// affected turns a zero-row update into ErrNotFound.
func affected(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrNotFound, format, args...)
	}
	return nil
}

// jsonParam sends raw JSON as text; lib/pq would encode a []byte as bytea.
func jsonParam(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// paged runs a count and a page query sharing the same filter.
func paged[T any](db DBInterface, table, columns string, whitelist map[string]string, q storage.Query) (storage.Page[T], error) {
	where, order, args, err := q.SQL(whitelist)
	if err != nil {
		return storage.Page[T]{}, err
	}
	var total int
	if err := db.Get(&total, "SELECT COUNT(*) FROM "+table+where, args...); err != nil {
		return storage.Page[T]{}, errors.Wrapf(err, "count %s", table)
	}
	if order == "" {
		order = " ORDER BY id"
	} else {
		order += ", id"
	}
	query := "SELECT " + columns + " FROM " + table + where + order
	if q.PageSize > 0 {
		args = append(args, q.PageSize, q.Offset())
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	items := []T{}
	if err := db.Select(&items, query, args...); err != nil {
		return storage.Page[T]{}, errors.Wrapf(err, "list %s", table)
	}
	return storage.Page[T]{Items: items, Total: total}, nil
}

// Workflow definitions

const workflowColumns = `id, code, name, description, type, is_active, is_default, created_by,
	created_at, updated_at, last_execution_at, execution_count`

var workflowFields = map[string]string{
	"id":                "id",
	"code":              "code",
	"name":              "name",
	"type":              "type",
	"is_active":         "is_active",
	"is_default":        "is_default",
	"created_by":        "created_by",
	"created_at":        "created_at",
	"updated_at":        "updated_at",
	"last_execution_at": "last_execution_at",
	"execution_count":   "execution_count",
}

func (s *PostgresStore) SaveWorkflow(w models.WorkflowDefinition) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`INSERT INTO workflows
		(code, name, description, type, is_active, is_default, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		w.Code, w.Name, w.Description, w.Type, w.IsActive, w.IsDefault, w.CreatedBy, w.CreatedAt, w.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, dbErr(err, "save workflow %s", w.Code)
	}
	return id, nil
}

func (s *PostgresStore) GetWorkflow(id int64) (models.WorkflowDefinition, error) {
	var w models.WorkflowDefinition
	err := s.db.Get(&w, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id)
	return w, dbErr(err, "workflow %d", id)
}

func (s *PostgresStore) GetWorkflowByCode(code string) (models.WorkflowDefinition, error) {
	var w models.WorkflowDefinition
	err := s.db.Get(&w, "SELECT "+workflowColumns+" FROM workflows WHERE code = $1", code)
	return w, dbErr(err, "workflow %s", code)
}

func (s *PostgresStore) ListWorkflows(q storage.Query) (storage.Page[models.WorkflowDefinition], error) {
	return paged[models.WorkflowDefinition](s.db, "workflows", workflowColumns, workflowFields, q)
}

func (s *PostgresStore) ClearDefaultWorkflows(workflowType string) error {
	_, err := s.db.Exec("UPDATE workflows SET is_default = FALSE WHERE type = $1 AND is_default", workflowType)
	return dbErr(err, "clear default workflows of type %s", workflowType)
}

func (s *PostgresStore) SetDefaultWorkflow(id int64) error {
	res, err := s.db.Exec("UPDATE workflows SET is_default = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1", id)
	if err != nil {
		return dbErr(err, "set default workflow %d", id)
	}
	return affected(res, "workflow %d", id)
}

func (s *PostgresStore) RecordWorkflowExecution(id int64, at time.Time) error {
	res, err := s.db.Exec(`UPDATE workflows
		SET execution_count = execution_count + 1, last_execution_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return dbErr(err, "record execution of workflow %d", id)
	}
	return affected(res, "workflow %d", id)
}

func (s *PostgresStore) UpdateWorkflow(w models.WorkflowDefinition) error {
	res, err := s.db.Exec(`UPDATE workflows SET
		name = $2, description = $3, type = $4, is_active = $5, is_default = $6, updated_at = $7
		WHERE id = $1`,
		w.ID, w.Name, w.Description, w.Type, w.IsActive, w.IsDefault, w.UpdatedAt)
	if err != nil {
		return dbErr(err, "update workflow %d", w.ID)
	}
	return affected(res, "workflow %d", w.ID)
}

func (s *PostgresStore) DeleteWorkflow(id int64) error {
	return s.deleteDefinition(models.WorkflowKind, id)
}

// deleteDefinition drops the experiments (their routed requests cascade) and
// versions of a definition, then the definition row. Callers run it inside a
// transaction.
func (s *PostgresStore) deleteDefinition(kind models.DefinitionKind, id int64) error {
	table, err := definitionTable(kind)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM ab_tests WHERE scope_kind = $1 AND scope_id = $2", kind, id); err != nil {
		return dbErr(err, "delete experiments of %s %d", kind, id)
	}
	if _, err := s.db.Exec("DELETE FROM definition_versions WHERE kind = $1 AND definition_id = $2", kind, id); err != nil {
		return dbErr(err, "delete versions of %s %d", kind, id)
	}
	res, err := s.db.Exec("DELETE FROM "+table+" WHERE id = $1", id)
	if err != nil {
		return dbErr(err, "delete %s %d", kind, id)
	}
	return affected(res, "%s %d", kind, id)
}

// Prompt templates

const templateColumns = "id, code, name, category, model, is_active, created_at, updated_at"

func (s *PostgresStore) SaveTemplate(t models.PromptTemplate) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`INSERT INTO prompt_templates
		(code, name, category, model, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		t.Code, t.Name, t.Category, t.Model, t.IsActive, t.CreatedAt, t.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, dbErr(err, "save template %s", t.Code)
	}
	return id, nil
}

func (s *PostgresStore) GetTemplate(id int64) (models.PromptTemplate, error) {
	var t models.PromptTemplate
	err := s.db.Get(&t, "SELECT "+templateColumns+" FROM prompt_templates WHERE id = $1", id)
	return t, dbErr(err, "template %d", id)
}

func (s *PostgresStore) GetTemplateByCode(code string) (models.PromptTemplate, error) {
	var t models.PromptTemplate
	err := s.db.Get(&t, "SELECT "+templateColumns+" FROM prompt_templates WHERE code = $1", code)
	return t, dbErr(err, "template %s", code)
}

func (s *PostgresStore) ListTemplates() ([]models.PromptTemplate, error) {
	templates := []models.PromptTemplate{}
	err := s.db.Select(&templates, "SELECT "+templateColumns+" FROM prompt_templates ORDER BY id")
	return templates, dbErr(err, "list templates")
}

func (s *PostgresStore) UpdateTemplate(t models.PromptTemplate) error {
	res, err := s.db.Exec(`UPDATE prompt_templates SET
		name = $2, category = $3, model = $4, is_active = $5, updated_at = $6
		WHERE id = $1`,
		t.ID, t.Name, t.Category, t.Model, t.IsActive, t.UpdatedAt)
	if err != nil {
		return dbErr(err, "update template %d", t.ID)
	}
	return affected(res, "template %d", t.ID)
}

func (s *PostgresStore) DeleteTemplate(id int64) error {
	return s.deleteDefinition(models.TemplateKind, id)
}

// Versions

const versionColumns = "id, kind, definition_id, number, payload, description, is_current, created_by, created_at"

func definitionTable(kind models.DefinitionKind) (string, error) {
	switch kind {
	case models.WorkflowKind:
		return "workflows", nil
	case models.TemplateKind:
		return "prompt_templates", nil
	}
	return "", errors.Wrapf(storage.ErrInvalidQuery, "unknown definition kind %q", kind)
}

// LockDefinition takes a row lock on the definition until the transaction ends.
func (s *PostgresStore) LockDefinition(kind models.DefinitionKind, definitionID int64) error {
	table, err := definitionTable(kind)
	if err != nil {
		return err
	}
	var id int64
	err = s.db.Get(&id, "SELECT id FROM "+table+" WHERE id = $1 FOR UPDATE", definitionID)
	return dbErr(err, "%s %d", kind, definitionID)
}

func (s *PostgresStore) MaxVersionNumber(kind models.DefinitionKind, definitionID int64) (int, error) {
	var max int
	err := s.db.Get(&max, `SELECT COALESCE(MAX(number), 0) FROM definition_versions
		WHERE kind = $1 AND definition_id = $2`, kind, definitionID)
	return max, dbErr(err, "max version of %s %d", kind, definitionID)
}

func (s *PostgresStore) SaveVersion(v models.Version) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`INSERT INTO definition_versions
		(kind, definition_id, number, payload, description, is_current, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		v.Kind, v.DefinitionID, v.Number, jsonParam(v.Payload), v.Description, v.IsCurrent, v.CreatedBy, v.CreatedAt).Scan(&id)
	if err != nil {
		return 0, dbErr(err, "%s %d version %d", v.Kind, v.DefinitionID, v.Number)
	}
	return id, nil
}

func (s *PostgresStore) GetVersion(kind models.DefinitionKind, definitionID int64, number int) (models.Version, error) {
	var v models.Version
	err := s.db.Get(&v, "SELECT "+versionColumns+` FROM definition_versions
		WHERE kind = $1 AND definition_id = $2 AND number = $3`, kind, definitionID, number)
	return v, dbErr(err, "%s %d version %d", kind, definitionID, number)
}

func (s *PostgresStore) GetVersionByID(id int64) (models.Version, error) {
	var v models.Version
	err := s.db.Get(&v, "SELECT "+versionColumns+" FROM definition_versions WHERE id = $1", id)
	return v, dbErr(err, "version %d", id)
}

func (s *PostgresStore) GetCurrentVersion(kind models.DefinitionKind, definitionID int64) (models.Version, error) {
	var v models.Version
	err := s.db.Get(&v, "SELECT "+versionColumns+` FROM definition_versions
		WHERE kind = $1 AND definition_id = $2 AND is_current`, kind, definitionID)
	return v, dbErr(err, "%s %d current version", kind, definitionID)
}

func (s *PostgresStore) ListVersions(kind models.DefinitionKind, definitionID int64) ([]models.Version, error) {
	versions := []models.Version{}
	err := s.db.Select(&versions, "SELECT "+versionColumns+` FROM definition_versions
		WHERE kind = $1 AND definition_id = $2 ORDER BY number DESC`, kind, definitionID)
	return versions, dbErr(err, "list versions of %s %d", kind, definitionID)
}

func (s *PostgresStore) ClearCurrentVersions(kind models.DefinitionKind, definitionID int64) error {
	_, err := s.db.Exec(`UPDATE definition_versions SET is_current = FALSE
		WHERE kind = $1 AND definition_id = $2 AND is_current`, kind, definitionID)
	return dbErr(err, "clear current version of %s %d", kind, definitionID)
}

func (s *PostgresStore) SetCurrentVersion(kind models.DefinitionKind, definitionID int64, number int) error {
	res, err := s.db.Exec(`UPDATE definition_versions SET is_current = TRUE
		WHERE kind = $1 AND definition_id = $2 AND number = $3`, kind, definitionID, number)
	if err != nil {
		return dbErr(err, "set current version of %s %d", kind, definitionID)
	}
	return affected(res, "%s %d version %d", kind, definitionID, number)
}
