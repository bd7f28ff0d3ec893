package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ChrisMoss87/crmflow/pkg/models"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

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

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
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

// SaveWorkflow creates a new workflow definition and returns its ID.
func (s *PostgresStore) SaveWorkflow(w models.Workflow) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO workflows (
			name, description, module_id, is_active, priority,
			trigger_type, trigger_config, trigger_timing, watched_fields,
			webhook_secret, stop_on_first_match, max_executions_per_day,
			conditions, run_once_per_record, allow_manual_trigger,
			delay_seconds, schedule_cron, current_version, created_by, updated_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING id`,
		w.Name, w.Description, w.ModuleID, w.IsActive, w.Priority,
		w.TriggerType, w.TriggerConfig, w.TriggerTiming, w.WatchedFields,
		w.WebhookSecret, w.StopOnFirstMatch, w.MaxExecutionsPerDay,
		w.Conditions, w.RunOncePerRecord, w.AllowManualTrigger,
		w.DelaySeconds, w.ScheduleCron, w.CurrentVersion, w.CreatedBy, w.UpdatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateWorkflow(w models.Workflow) error {
	res, err := s.db.Exec(`
		UPDATE workflows SET
			name = $1, description = $2, module_id = $3, is_active = $4,
			priority = $5, trigger_type = $6, trigger_config = $7,
			trigger_timing = $8, watched_fields = $9, webhook_secret = $10,
			stop_on_first_match = $11, max_executions_per_day = $12,
			conditions = $13, run_once_per_record = $14,
			allow_manual_trigger = $15, delay_seconds = $16,
			schedule_cron = $17, current_version = $18, updated_by = $19,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $20`,
		w.Name, w.Description, w.ModuleID, w.IsActive,
		w.Priority, w.TriggerType, w.TriggerConfig,
		w.TriggerTiming, w.WatchedFields, w.WebhookSecret,
		w.StopOnFirstMatch, w.MaxExecutionsPerDay,
		w.Conditions, w.RunOncePerRecord,
		w.AllowManualTrigger, w.DelaySeconds,
		w.ScheduleCron, w.CurrentVersion, w.UpdatedBy, w.ID)
	if err != nil {
		return fmt.Errorf("update workflow %d: %w", w.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteWorkflow(id int64) error {
	res, err := s.db.Exec("DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete workflow %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID including its steps in order.
func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT * FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %d: %w", id, err)
	}
	err = s.db.Select(&wf.Steps, "SELECT * FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order, id", id)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %d steps: %w", id, err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(f storage.WorkflowFilter) ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	query := "SELECT * FROM workflows WHERE 1=1"
	args := []interface{}{}
	if f.ModuleID != nil {
		args = append(args, *f.ModuleID)
		query += fmt.Sprintf(" AND module_id = $%d", len(args))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		query += fmt.Sprintf(" AND is_active = $%d", len(args))
	}
	if f.TriggerType != nil {
		args = append(args, *f.TriggerType)
		query += fmt.Sprintf(" AND trigger_type = $%d", len(args))
	}
	query += " ORDER BY priority DESC, id"
	if err := s.db.Select(&workflows, query, args...); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return workflows, nil
}

// ReplaceSteps swaps the workflow's steps for the given set. New IDs are
// assigned and goto references pointing at the incoming IDs are remapped.
func (s *PostgresStore) ReplaceSteps(workflowID int64, steps []models.WorkflowStep) ([]models.WorkflowStep, error) {
	if _, err := s.db.Exec("DELETE FROM workflow_steps WHERE workflow_id = $1", workflowID); err != nil {
		return nil, fmt.Errorf("replace steps: clear: %w", err)
	}

	idMap := make(map[int64]int64, len(steps))
	inserted := make([]models.WorkflowStep, 0, len(steps))
	for _, st := range steps {
		oldID := st.ID
		st.WorkflowID = workflowID
		var newID int64
		err := s.db.QueryRowx(`
			INSERT INTO workflow_steps (
				workflow_id, step_order, name, description, action_type,
				action_config, conditions, branch_id, is_parallel,
				continue_on_error, retry_count, retry_delay_seconds,
				on_success_goto, on_failure_goto, timeout_seconds,
				is_async, is_disabled
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			RETURNING id`,
			st.WorkflowID, st.Order, st.Name, st.Description, st.ActionType,
			st.ActionConfig, st.Conditions, st.BranchID, st.IsParallel,
			st.ContinueOnError, st.RetryCount, st.RetryDelaySeconds,
			st.OnSuccessGoto, st.OnFailureGoto, st.TimeoutSeconds,
			st.IsAsync, st.IsDisabled,
		).Scan(&newID)
		if err != nil {
			return nil, fmt.Errorf("replace steps: insert %q: %w", st.Name, err)
		}
		st.ID = newID
		if oldID != 0 {
			idMap[oldID] = newID
		}
		inserted = append(inserted, st)
	}

	storage.RemapStepGotos(inserted, idMap)
	for _, st := range inserted {
		if _, err := s.db.Exec(
			"UPDATE workflow_steps SET on_success_goto = $1, on_failure_goto = $2 WHERE id = $3",
			st.OnSuccessGoto, st.OnFailureGoto, st.ID); err != nil {
			return nil, fmt.Errorf("replace steps: remap %d: %w", st.ID, err)
		}
	}
	return inserted, nil
}

func (s *PostgresStore) ReorderSteps(workflowID int64, stepIDs []int64) error {
	for i, id := range stepIDs {
		res, err := s.db.Exec(
			"UPDATE workflow_steps SET step_order = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND workflow_id = $3",
			i+1, id, workflowID)
		if err != nil {
			return fmt.Errorf("reorder step %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) SetNextRun(workflowID int64, lastRun, nextRun *time.Time) error {
	_, err := s.db.Exec(
		"UPDATE workflows SET last_run_at = COALESCE($1, last_run_at), next_run_at = $2 WHERE id = $3",
		lastRun, nextRun, workflowID)
	if err != nil {
		return fmt.Errorf("set next run for workflow %d: %w", workflowID, err)
	}
	return nil
}

// TryIncrementDailyCount bumps the daily counter in one statement: the
// counter resets when the stored date is not today, and the update refuses
// once the cap is hit. True means the caller may run.
func (s *PostgresStore) TryIncrementDailyCount(workflowID int64, day string, max *int) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workflows SET
			executions_today = CASE
				WHEN executions_today_date IS NOT DISTINCT FROM $2::date THEN executions_today + 1
				ELSE 1
			END,
			executions_today_date = $2::date
		WHERE id = $1
		  AND ($3::int IS NULL
		       OR executions_today_date IS DISTINCT FROM $2::date
		       OR executions_today < $3::int)`,
		workflowID, day, max)
	if err != nil {
		return false, fmt.Errorf("increment daily count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TryRecordRun inserts a run-history row; the unique index makes concurrent
// duplicates lose.
func (s *PostgresStore) TryRecordRun(h models.RunHistory) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO workflow_run_history (workflow_id, record_id, record_type, trigger_type, executed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, record_id, record_type) DO NOTHING`,
		h.WorkflowID, h.RecordID, h.RecordType, h.TriggerType, h.ExecutedAt)
	if err != nil {
		return false, fmt.Errorf("record run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) RecordOutcome(workflowID int64, success bool, ranAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE workflows SET
			execution_count = execution_count + 1,
			success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
			failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_run_at = $3
		WHERE id = $1`,
		workflowID, success, ranAt)
	if err != nil {
		return fmt.Errorf("record outcome for workflow %d: %w", workflowID, err)
	}
	return nil
}

func (s *PostgresStore) CreateExecution(e models.WorkflowExecution) (models.WorkflowExecution, error) {
	err := s.db.QueryRowx(`
		INSERT INTO workflow_executions (
			workflow_id, reference, trigger_type, trigger_record_id,
			trigger_record_type, status, queued_at, wake_at,
			resume_from_step, context_data, triggered_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id, created_at, updated_at`,
		e.WorkflowID, e.Reference, e.TriggerType, e.TriggerRecordID,
		e.TriggerRecordType, e.Status, e.QueuedAt, e.WakeAt,
		e.ResumeFromStep, e.ContextData, e.TriggeredBy,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return models.WorkflowExecution{}, fmt.Errorf("create execution: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateExecution(e models.WorkflowExecution) error {
	res, err := s.db.Exec(`
		UPDATE workflow_executions SET
			status = $1, started_at = $2, completed_at = $3, wake_at = $4,
			resume_from_step = $5, duration_ms = $6, context_data = $7,
			steps_completed = $8, steps_failed = $9, steps_skipped = $10,
			error_message = $11, updated_at = CURRENT_TIMESTAMP
		WHERE id = $12 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		e.Status, e.StartedAt, e.CompletedAt, e.WakeAt,
		e.ResumeFromStep, e.DurationMS, e.ContextData,
		e.StepsCompleted, e.StepsFailed, e.StepsSkipped,
		e.ErrorMessage, e.ID)
	if err != nil {
		return fmt.Errorf("update execution %d: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.Get(&status, "SELECT status FROM workflow_executions WHERE id = $1", e.ID)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update execution %d: %w", e.ID, err)
		}
		return storage.ErrTerminal
	}
	return nil
}

func (s *PostgresStore) GetExecution(id int64) (models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	err := s.db.Get(&e, "SELECT * FROM workflow_executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowExecution{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowExecution{}, fmt.Errorf("get execution %d: %w", id, err)
	}
	err = s.db.Select(&e.StepLogs, "SELECT * FROM workflow_step_logs WHERE execution_id = $1 ORDER BY id", id)
	if err != nil {
		return models.WorkflowExecution{}, fmt.Errorf("get execution %d logs: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) ListExecutions(workflowID int64, f storage.ExecutionFilter) ([]models.WorkflowExecution, int, error) {
	where := "WHERE workflow_id = $1"
	args := []interface{}{workflowID}
	if f.Status != nil {
		args = append(args, *f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := s.db.Get(&total, "SELECT COUNT(*) FROM workflow_executions "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	perPage := f.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, perPage, (page-1)*perPage)
	query := fmt.Sprintf("SELECT * FROM workflow_executions %s ORDER BY id DESC LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args))

	executions := []models.WorkflowExecution{}
	if err := s.db.Select(&executions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	return executions, total, nil
}

func (s *PostgresStore) ListDueExecutions(now time.Time) ([]models.WorkflowExecution, error) {
	executions := []models.WorkflowExecution{}
	err := s.db.Select(&executions,
		"SELECT * FROM workflow_executions WHERE status = $1 AND wake_at IS NOT NULL AND wake_at <= $2 ORDER BY wake_at",
		models.ExecutionQueued, now)
	if err != nil {
		return nil, fmt.Errorf("list due executions: %w", err)
	}
	return executions, nil
}

func (s *PostgresStore) CreateStepLog(l models.WorkflowStepLog) (models.WorkflowStepLog, error) {
	err := s.db.QueryRowx(`
		INSERT INTO workflow_step_logs (
			execution_id, step_id, status, started_at, completed_at,
			input_data, output_data, retry_attempt
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at`,
		l.ExecutionID, l.StepID, l.Status, l.StartedAt, l.CompletedAt,
		l.InputData, l.OutputData, l.RetryAttempt,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return models.WorkflowStepLog{}, fmt.Errorf("create step log: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) UpdateStepLog(l models.WorkflowStepLog) error {
	res, err := s.db.Exec(`
		UPDATE workflow_step_logs SET
			status = $1, completed_at = $2, duration_ms = $3,
			output_data = $4, error_message = $5, error_trace = $6,
			retry_attempt = $7, updated_at = CURRENT_TIMESTAMP
		WHERE id = $8`,
		l.Status, l.CompletedAt, l.DurationMS,
		l.OutputData, l.ErrorMessage, l.ErrorTrace,
		l.RetryAttempt, l.ID)
	if err != nil {
		return fmt.Errorf("update step log %d: %w", l.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveVersion appends a version with the next number for the workflow and
// deactivates earlier ones.
func (s *PostgresStore) SaveVersion(v models.WorkflowVersion) (models.WorkflowVersion, error) {
	var next int
	err := s.db.Get(&next,
		"SELECT COALESCE(MAX(version_number), 0) + 1 FROM workflow_versions WHERE workflow_id = $1",
		v.WorkflowID)
	if err != nil {
		return models.WorkflowVersion{}, fmt.Errorf("next version number: %w", err)
	}
	if _, err := s.db.Exec(
		"UPDATE workflow_versions SET is_active = FALSE WHERE workflow_id = $1 AND is_active",
		v.WorkflowID); err != nil {
		return models.WorkflowVersion{}, fmt.Errorf("deactivate versions: %w", err)
	}

	v.VersionNumber = next
	v.IsActive = true
	err = s.db.QueryRowx(`
		INSERT INTO workflow_versions (
			workflow_id, version_number, name, change_type, change_summary,
			workflow_data, steps_data, is_active, created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`,
		v.WorkflowID, v.VersionNumber, v.Name, v.ChangeType, v.ChangeSummary,
		v.WorkflowData, v.StepsData, v.IsActive, v.CreatedBy,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return models.WorkflowVersion{}, fmt.Errorf("save version: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) GetVersion(workflowID int64, number int) (models.WorkflowVersion, error) {
	var v models.WorkflowVersion
	err := s.db.Get(&v,
		"SELECT * FROM workflow_versions WHERE workflow_id = $1 AND version_number = $2",
		workflowID, number)
	if err == sql.ErrNoRows {
		return models.WorkflowVersion{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowVersion{}, fmt.Errorf("get version %d/%d: %w", workflowID, number, err)
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(workflowID int64, limit int) ([]models.WorkflowVersion, error) {
	versions := []models.WorkflowVersion{}
	query := "SELECT * FROM workflow_versions WHERE workflow_id = $1 ORDER BY version_number DESC"
	args := []interface{}{workflowID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if err := s.db.Select(&versions, query, args...); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

// PruneVersions deletes versions beyond the newest keep, never the active
// one. Returns how many rows were removed.
func (s *PostgresStore) PruneVersions(workflowID int64, keep int) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM workflow_versions
		WHERE workflow_id = $1
		  AND NOT is_active
		  AND version_number NOT IN (
			SELECT version_number FROM workflow_versions
			WHERE workflow_id = $1
			ORDER BY version_number DESC
			LIMIT $2
		  )`,
		workflowID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune versions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) SaveTemplate(t models.WorkflowTemplate) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO workflow_templates (
			slug, name, description, category, icon, difficulty,
			estimated_time_saved_hours, is_system, required_modules,
			variable_mappings, workflow_data
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			icon = EXCLUDED.icon,
			difficulty = EXCLUDED.difficulty,
			estimated_time_saved_hours = EXCLUDED.estimated_time_saved_hours,
			required_modules = EXCLUDED.required_modules,
			variable_mappings = EXCLUDED.variable_mappings,
			workflow_data = EXCLUDED.workflow_data,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id`,
		t.Slug, t.Name, t.Description, t.Category, t.Icon, t.Difficulty,
		t.EstimatedTimeSavedHours, t.IsSystem, t.RequiredModules,
		t.VariableMappings, t.WorkflowData,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save template %q: %w", t.Slug, err)
	}
	return id, nil
}

func (s *PostgresStore) GetTemplate(slug string) (models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	err := s.db.Get(&t, "SELECT * FROM workflow_templates WHERE slug = $1", slug)
	if err == sql.ErrNoRows {
		return models.WorkflowTemplate{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowTemplate{}, fmt.Errorf("get template %q: %w", slug, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTemplates(category string) ([]models.WorkflowTemplate, error) {
	templates := []models.WorkflowTemplate{}
	query := "SELECT * FROM workflow_templates"
	args := []interface{}{}
	if category != "" {
		args = append(args, category)
		query += " WHERE category = $1"
	}
	query += " ORDER BY name"
	if err := s.db.Select(&templates, query, args...); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}
