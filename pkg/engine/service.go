package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ChrisMoss87/crmflow/pkg/models"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

// WorkflowService is the engine facade: definition CRUD with validation and
// versioning, trigger handling, execution dispatch and the scheduler loop.
type WorkflowService struct {
	store      storage.Store
	matcher    *Matcher
	dispatcher *Dispatcher
	executor   *Executor
	scheduler  *Scheduler
	versioner  *Versioner
	templates  *Templates
	pool       *WorkerPool
	logger     Logger
}

func NewWorkflowService(mainCtx context.Context, store storage.Store, collab Collaborators, logger Logger) *WorkflowService {
	dispatcher := NewDispatcher(collab, logger)
	svc := &WorkflowService{
		store:      store,
		matcher:    NewMatcher(logger),
		dispatcher: dispatcher,
		executor:   NewExecutor(store, dispatcher, logger),
		scheduler:  NewScheduler(store, collab.Records, logger),
		versioner:  NewVersioner(store, logger),
		templates:  NewTemplates(store, logger),
		pool:       NewWorkerPool(mainCtx, logger),
		logger:     logger,
	}
	return svc
}

// Start brings up the worker pool.
func (s *WorkflowService) Start(workers int) { s.pool.Start(workers) }

// Stop drains the worker pool and waits for async steps.
func (s *WorkflowService) Stop() {
	s.pool.Stop()
	s.executor.Wait()
}

// --- definitions ---

// CreateWorkflow validates, persists and snapshots a new workflow. Steps in
// the payload are persisted through ReplaceSteps so goto references between
// them are remapped to the assigned ids.
func (s *WorkflowService) CreateWorkflow(wf models.Workflow) (models.Workflow, error) {
	if err := s.validateWorkflow(&wf); err != nil {
		return models.Workflow{}, err
	}
	if wf.TriggerType == models.TriggerWebhook && wf.WebhookSecret == "" {
		wf.WebhookSecret = uuid.NewString()
	}

	tx, err := s.store.Begin()
	if err != nil {
		return models.Workflow{}, errors.Wrap(err, "begin")
	}
	defer tx.Rollback() //nolint:errcheck

	id, err := tx.SaveWorkflow(wf)
	if err != nil {
		return models.Workflow{}, errors.Wrap(err, "save workflow")
	}
	wf.ID = id
	if len(wf.Steps) > 0 {
		steps, err := tx.ReplaceSteps(id, wf.Steps)
		if err != nil {
			return models.Workflow{}, errors.Wrap(err, "save steps")
		}
		wf.Steps = steps
	}

	version, err := NewVersioner(tx, s.logger).Snapshot(wf, models.ChangeCreate, "Initial version", wf.CreatedBy)
	if err != nil {
		return models.Workflow{}, err
	}
	wf.CurrentVersion = version.VersionNumber
	if err := tx.UpdateWorkflow(wf); err != nil {
		return models.Workflow{}, errors.Wrap(err, "stamp version")
	}
	if err := tx.Commit(); err != nil {
		return models.Workflow{}, errors.Wrap(err, "commit")
	}
	return s.store.GetWorkflow(id)
}

// UpdateWorkflow validates and persists changes and appends a version.
// A nil Steps slice leaves existing steps untouched.
func (s *WorkflowService) UpdateWorkflow(wf models.Workflow, summary string) (models.Workflow, error) {
	existing, err := s.store.GetWorkflow(wf.ID)
	if err != nil {
		return models.Workflow{}, err
	}
	if err := s.validateWorkflow(&wf); err != nil {
		return models.Workflow{}, err
	}
	wf.WebhookSecret = existing.WebhookSecret
	if wf.TriggerType == models.TriggerWebhook && wf.WebhookSecret == "" {
		wf.WebhookSecret = uuid.NewString()
	}

	tx, err := s.store.Begin()
	if err != nil {
		return models.Workflow{}, errors.Wrap(err, "begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := tx.UpdateWorkflow(wf); err != nil {
		return models.Workflow{}, errors.Wrap(err, "update workflow")
	}
	if wf.Steps != nil {
		steps, err := tx.ReplaceSteps(wf.ID, wf.Steps)
		if err != nil {
			return models.Workflow{}, errors.Wrap(err, "replace steps")
		}
		wf.Steps = steps
	} else {
		wf.Steps = existing.Steps
	}

	if summary == "" {
		summary = "Updated workflow"
	}
	version, err := NewVersioner(tx, s.logger).Snapshot(wf, models.ChangeUpdate, summary, wf.UpdatedBy)
	if err != nil {
		return models.Workflow{}, err
	}
	wf.CurrentVersion = version.VersionNumber
	if err := tx.UpdateWorkflow(wf); err != nil {
		return models.Workflow{}, errors.Wrap(err, "stamp version")
	}
	if err := tx.Commit(); err != nil {
		return models.Workflow{}, errors.Wrap(err, "commit")
	}
	return s.store.GetWorkflow(wf.ID)
}

func (s *WorkflowService) GetWorkflow(id int64) (models.Workflow, error) {
	return s.store.GetWorkflow(id)
}

func (s *WorkflowService) ListWorkflows(f storage.WorkflowFilter) ([]models.Workflow, error) {
	return s.store.ListWorkflows(f)
}

func (s *WorkflowService) DeleteWorkflow(id int64) error {
	return s.store.DeleteWorkflow(id)
}

// ToggleActive flips the active flag and returns the new state.
func (s *WorkflowService) ToggleActive(id int64) (bool, error) {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return false, err
	}
	wf.IsActive = !wf.IsActive
	if err := s.store.UpdateWorkflow(wf); err != nil {
		return false, errors.Wrap(err, "toggle workflow")
	}
	return wf.IsActive, nil
}

// Clone copies a workflow with its steps. The copy starts inactive with
// fresh counters and, for webhook workflows, a new secret.
func (s *WorkflowService) Clone(id int64, actor *int64) (models.Workflow, error) {
	src, err := s.store.GetWorkflow(id)
	if err != nil {
		return models.Workflow{}, err
	}
	clone := src
	clone.ID = 0
	clone.Name = src.Name + " (Copy)"
	clone.IsActive = false
	clone.WebhookSecret = ""
	clone.ExecutionCount = 0
	clone.SuccessCount = 0
	clone.FailureCount = 0
	clone.ExecutionsToday = 0
	clone.ExecutionsTodayDate = nil
	clone.LastRunAt = nil
	clone.NextRunAt = nil
	clone.CurrentVersion = 0
	clone.CreatedBy = actor
	clone.UpdatedBy = actor
	clone.Steps = make([]models.WorkflowStep, len(src.Steps))
	copy(clone.Steps, src.Steps)
	return s.CreateWorkflow(clone)
}

// ReorderSteps applies a new order to the workflow's steps and versions the
// change.
func (s *WorkflowService) ReorderSteps(workflowID int64, stepIDs []int64, actor *int64) (models.Workflow, error) {
	if err := s.store.ReorderSteps(workflowID, stepIDs); err != nil {
		return models.Workflow{}, errors.Wrap(err, "reorder steps")
	}
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return models.Workflow{}, err
	}
	version, err := s.versioner.Snapshot(wf, models.ChangeUpdate, "Reordered steps", actor)
	if err != nil {
		return models.Workflow{}, err
	}
	wf.CurrentVersion = version.VersionNumber
	wf.UpdatedBy = actor
	if err := s.store.UpdateWorkflow(wf); err != nil {
		return models.Workflow{}, errors.Wrap(err, "stamp version")
	}
	return s.store.GetWorkflow(workflowID)
}

// validateWorkflow enforces definition rules before anything persists.
func (s *WorkflowService) validateWorkflow(wf *models.Workflow) error {
	var problems []string
	if wf.Name == "" {
		problems = append(problems, "name is required")
	}
	if _, ok := models.TriggerTypes()[wf.TriggerType]; !ok {
		problems = append(problems, fmt.Sprintf("unknown trigger type %q", wf.TriggerType))
	}
	switch wf.TriggerType {
	case models.TriggerFieldChanged:
		if len(wf.WatchedFields) == 0 && len(wf.TriggerConfig.Fields) == 0 {
			problems = append(problems, "field_changed trigger requires watched fields")
		}
	case models.TriggerRelatedCreated, models.TriggerRelatedUpdated:
		if wf.TriggerConfig.RelatedModule == "" && wf.TriggerConfig.RelatedRelationship == "" {
			problems = append(problems, "related trigger requires a related module or relationship")
		}
	case models.TriggerTimeBased:
		switch wf.TriggerConfig.ScheduleType {
		case "cron":
			if wf.ScheduleCron == nil || *wf.ScheduleCron == "" {
				problems = append(problems, "cron schedule requires an expression")
			} else if err := s.scheduler.ValidateCron(*wf.ScheduleCron); err != nil {
				problems = append(problems, err.Error())
			}
		case "relative":
			if wf.TriggerConfig.RelativeField == "" {
				problems = append(problems, "relative schedule requires a date field")
			}
		default:
			problems = append(problems, fmt.Sprintf("unknown schedule type %q", wf.TriggerConfig.ScheduleType))
		}
	}
	if wf.MaxExecutionsPerDay != nil && *wf.MaxExecutionsPerDay < 1 {
		problems = append(problems, "max_executions_per_day must be at least 1")
	}

	for i, step := range wf.Steps {
		if step.Name == "" {
			problems = append(problems, fmt.Sprintf("step %d: name is required", i+1))
		}
		if err := ValidateConfig(step.ActionType, step.ActionConfig); err != nil {
			problems = append(problems, fmt.Sprintf("step %q: %v", step.Name, err))
		}
	}
	if len(wf.Steps) > 0 {
		// Unsaved steps carry no ids yet; give them placeholders so the
		// graph checks can run before persistence, the same way template
		// instantiation numbers its provisional steps.
		steps := make([]models.WorkflowStep, len(wf.Steps))
		copy(steps, wf.Steps)
		nextID := int64(0)
		for _, st := range steps {
			if st.ID > nextID {
				nextID = st.ID
			}
		}
		for i := range steps {
			if steps[i].ID == 0 {
				nextID++
				steps[i].ID = nextID
			}
		}
		if _, err := BuildGraph(steps); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				problems = append(problems, verr.Problems...)
			} else {
				problems = append(problems, err.Error())
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// --- triggering ---

// HandleEvent matches a record event against workflow definitions, admits
// the matches and dispatches executions. With stop_on_first_match set on a
// winning workflow, lower-priority matches are not considered further.
func (s *WorkflowService) HandleEvent(ctx context.Context, event models.Event) ([]models.WorkflowExecution, error) {
	active := true
	workflows, err := s.store.ListWorkflows(storage.WorkflowFilter{Active: &active})
	if err != nil {
		return nil, errors.Wrap(err, "list workflows")
	}
	matched := s.matcher.Match(event, workflows)

	var started []models.WorkflowExecution
	for _, wf := range matched {
		full, err := s.store.GetWorkflow(wf.ID)
		if err != nil {
			s.logger.Errorf("load workflow %d: %v", wf.ID, err)
			continue
		}
		exec, res := s.admitAndDispatch(ctx, full, models.ExecTriggerRecordEvent, admissionFromEvent(event), BuildContext(event), event.ActorID)
		if res.Decision == Rejected {
			continue
		}
		started = append(started, exec)
		if full.StopOnFirstMatch {
			s.logger.Infof("workflow %d stops further matches for %s on record %d", full.ID, event.Type, event.RecordID)
			break
		}
	}
	return started, nil
}

// TriggerManual runs a workflow on demand for one record.
func (s *WorkflowService) TriggerManual(ctx context.Context, workflowID, recordID int64, recordType string, actor *int64) (models.WorkflowExecution, error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return models.WorkflowExecution{}, err
	}
	if !wf.AllowManualTrigger {
		return models.WorkflowExecution{}, ErrManualNotAllowed
	}

	execCtx := models.FieldMap{
		"record_id":    recordID,
		"module":       recordType,
		"record":       map[string]any{"id": recordID},
		"changes":      map[string]any{},
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"step_outputs": map[string]any{},
	}
	if s.dispatcher.collab.Records != nil && recordID != 0 {
		if rec, err := s.dispatcher.collab.Records.GetRecord(ctx, recordType, recordID); err == nil {
			execCtx["record"] = map[string]any(rec)
		}
	}
	if actor != nil {
		execCtx["user_id"] = *actor
	}

	req := AdmissionRequest{RecordID: recordID, RecordType: recordType, Trigger: models.ExecTriggerManual}
	exec, res := s.admitAndDispatch(ctx, wf, models.ExecTriggerManual, req, execCtx, actor)
	if res.Decision == Rejected {
		if res.Err != nil {
			return models.WorkflowExecution{}, res.Err
		}
		return models.WorkflowExecution{}, errors.New("workflow was not admitted")
	}
	return exec, nil
}

// TriggerWebhook admits a webhook delivery against the workflow's shared
// secret and runs it with the payload as the record context.
func (s *WorkflowService) TriggerWebhook(ctx context.Context, workflowID int64, secret string, payload models.FieldMap) (models.WorkflowExecution, error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return models.WorkflowExecution{}, err
	}
	if wf.TriggerType != models.TriggerWebhook {
		return models.WorkflowExecution{}, ErrTriggerMismatches
	}
	if wf.WebhookSecret == "" || secret != wf.WebhookSecret {
		return models.WorkflowExecution{}, ErrInvalidSecret
	}

	execCtx := models.FieldMap{
		"record":       map[string]any(payload),
		"payload":      map[string]any(payload),
		"changes":      map[string]any{},
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"step_outputs": map[string]any{},
	}
	req := AdmissionRequest{Trigger: models.ExecTriggerWebhook}
	exec, res := s.admitAndDispatch(ctx, wf, models.ExecTriggerWebhook, req, execCtx, nil)
	if res.Decision == Rejected {
		if res.Err != nil {
			return models.WorkflowExecution{}, res.Err
		}
		return models.WorkflowExecution{}, errors.New("workflow was not admitted")
	}
	return exec, nil
}

func admissionFromEvent(event models.Event) AdmissionRequest {
	return AdmissionRequest{
		RecordID:   event.RecordID,
		RecordType: event.RecordType,
		Trigger:    models.ExecTriggerRecordEvent,
	}
}

// admitAndDispatch runs admission control and, on success, creates the
// execution row and hands it to the pool (falling back inline). Rejections
// create no execution row; the returned result carries the reason.
func (s *WorkflowService) admitAndDispatch(ctx context.Context, wf models.Workflow, trigger models.ExecutionTrigger, req AdmissionRequest, execCtx models.FieldMap, actor *int64) (models.WorkflowExecution, AdmissionResult) {
	req.Trigger = trigger
	res := s.scheduler.Admit(wf, req)
	if res.Decision == Rejected {
		s.logger.Infof("workflow %d not admitted: %v", wf.ID, res.Err)
		return models.WorkflowExecution{}, res
	}

	now := time.Now().UTC()
	exec := models.WorkflowExecution{
		WorkflowID:  wf.ID,
		Reference:   uuid.NewString(),
		TriggerType: trigger,
		Status:      models.ExecutionQueued,
		QueuedAt:    &now,
		ContextData: models.JSONMap(execCtx),
		TriggeredBy: actor,
	}
	if req.RecordID != 0 {
		rid := req.RecordID
		rt := req.RecordType
		exec.TriggerRecordID = &rid
		exec.TriggerRecordType = &rt
	}
	if res.Decision == Deferred {
		exec.WakeAt = res.WakeAt
	}

	created, err := s.store.CreateExecution(exec)
	if err != nil {
		s.logger.Errorf("create execution for workflow %d: %v", wf.ID, err)
		return models.WorkflowExecution{}, AdmissionResult{Decision: Rejected, Err: err}
	}
	if res.Decision == Deferred {
		s.logger.Infof("execution %d deferred until %s", created.ID, res.WakeAt.Format(time.RFC3339))
		return created, res
	}

	s.dispatch(ctx, wf, created)
	reloaded, err := s.store.GetExecution(created.ID)
	if err != nil {
		return created, res
	}
	return reloaded, res
}

// dispatch runs the execution on the pool when possible, inline otherwise.
func (s *WorkflowService) dispatch(ctx context.Context, wf models.Workflow, exec models.WorkflowExecution) {
	run := func(runCtx context.Context) {
		if _, err := s.executor.Run(runCtx, wf, exec); err != nil {
			s.logger.Errorf("execution %d: %v", exec.ID, err)
		}
	}
	if !s.pool.Submit(run) {
		run(ctx)
	}
}

// --- scheduler ---

// RunSchedulerLoop ticks at the given interval until the context ends.
func (s *WorkflowService) RunSchedulerLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.TickScheduler(ctx, false); err != nil {
				s.logger.Errorf("scheduler tick: %v", err)
			}
		}
	}
}

// TickScheduler runs one scheduler pass. In dry-run mode it only logs what
// would fire.
func (s *WorkflowService) TickScheduler(ctx context.Context, dryRun bool) error {
	result, err := s.scheduler.Tick(ctx)
	if err != nil {
		return err
	}
	for _, firing := range result.Firings {
		if dryRun {
			s.logger.Infof("[dry-run] would fire workflow %d (%s)", firing.Workflow.ID, firing.Workflow.Name)
			continue
		}
		s.fireScheduled(ctx, firing)
	}
	for _, exec := range result.Wakes {
		if dryRun {
			s.logger.Infof("[dry-run] would wake execution %d", exec.ID)
			continue
		}
		s.ResumeExecution(ctx, exec.ID)
	}
	return nil
}

func (s *WorkflowService) fireScheduled(ctx context.Context, firing ScheduledFiring) {
	wf, err := s.store.GetWorkflow(firing.Workflow.ID)
	if err != nil {
		s.logger.Errorf("load scheduled workflow %d: %v", firing.Workflow.ID, err)
		return
	}
	execCtx := models.FieldMap{
		"record":       map[string]any{},
		"changes":      map[string]any{},
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"step_outputs": map[string]any{},
	}
	req := AdmissionRequest{Trigger: models.ExecTriggerScheduled}
	if firing.Record != nil {
		execCtx["record"] = map[string]any(firing.Record)
		if id, err := numeric(firing.Record["id"]); err == nil {
			execCtx["record_id"] = int64(id)
			req.RecordID = int64(id)
		}
	}
	s.admitAndDispatch(ctx, wf, models.ExecTriggerScheduled, req, execCtx, nil)
}

// ResumeExecution picks a queued execution back up at its resume step.
func (s *WorkflowService) ResumeExecution(ctx context.Context, executionID int64) {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		s.logger.Errorf("load execution %d: %v", executionID, err)
		return
	}
	if exec.Status != models.ExecutionQueued {
		return
	}
	wf, err := s.store.GetWorkflow(exec.WorkflowID)
	if err != nil {
		s.logger.Errorf("load workflow %d: %v", exec.WorkflowID, err)
		return
	}
	s.dispatch(ctx, wf, exec)
}

// --- executions ---

func (s *WorkflowService) GetExecution(id int64) (models.WorkflowExecution, error) {
	return s.store.GetExecution(id)
}

func (s *WorkflowService) ListExecutions(workflowID int64, f storage.ExecutionFilter) ([]models.WorkflowExecution, int, error) {
	return s.store.ListExecutions(workflowID, f)
}

// CancelExecution marks a non-terminal execution cancelled. The executor
// observes the status between steps.
func (s *WorkflowService) CancelExecution(id int64) (models.WorkflowExecution, error) {
	exec, err := s.store.GetExecution(id)
	if err != nil {
		return models.WorkflowExecution{}, err
	}
	if exec.Status.Terminal() {
		return models.WorkflowExecution{}, errors.Errorf("execution %d is already %s", id, exec.Status)
	}
	exec.Status = models.ExecutionCancelled
	now := time.Now().UTC()
	exec.CompletedAt = &now
	if err := s.store.UpdateExecution(exec); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			// The executor finished the row between our read and write.
			current, gerr := s.store.GetExecution(id)
			if gerr == nil {
				return models.WorkflowExecution{}, errors.Errorf("execution %d is already %s", id, current.Status)
			}
		}
		return models.WorkflowExecution{}, errors.Wrap(err, "cancel execution")
	}
	return exec, nil
}

// ExecutionStats aggregates a workflow's run history.
type ExecutionStats struct {
	Total          int      `json:"total"`
	Completed      int      `json:"completed"`
	Failed         int      `json:"failed"`
	Cancelled      int      `json:"cancelled"`
	SuccessRate    float64  `json:"success_rate"`
	AvgDurationMS  *float64 `json:"avg_duration_ms"`
	LastExecutedAt *string  `json:"last_executed_at"`
}

func (s *WorkflowService) Stats(workflowID int64) (ExecutionStats, error) {
	execs, total, err := s.store.ListExecutions(workflowID, storage.ExecutionFilter{Page: 1, PerPage: 1000})
	if err != nil {
		return ExecutionStats{}, err
	}
	stats := ExecutionStats{Total: total}
	var durSum int64
	var durCount int
	for _, e := range execs {
		switch e.Status {
		case models.ExecutionCompleted:
			stats.Completed++
		case models.ExecutionFailed:
			stats.Failed++
		case models.ExecutionCancelled:
			stats.Cancelled++
		}
		if e.DurationMS != nil {
			durSum += *e.DurationMS
			durCount++
		}
		if stats.LastExecutedAt == nil && e.StartedAt != nil {
			ts := e.StartedAt.UTC().Format(time.RFC3339)
			stats.LastExecutedAt = &ts
		}
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished) * 100
	}
	if durCount > 0 {
		avg := float64(durSum) / float64(durCount)
		stats.AvgDurationMS = &avg
	}
	return stats, nil
}

// --- versions ---

func (s *WorkflowService) ListVersions(workflowID int64, limit int) ([]models.WorkflowVersion, error) {
	return s.store.ListVersions(workflowID, limit)
}

func (s *WorkflowService) GetVersion(workflowID int64, number int) (models.WorkflowVersion, error) {
	return s.store.GetVersion(workflowID, number)
}

func (s *WorkflowService) RollbackWorkflow(workflowID int64, versionNumber int, actor *int64) (models.Workflow, error) {
	wf, err := s.versioner.Rollback(workflowID, versionNumber, actor)
	if err != nil {
		return models.Workflow{}, err
	}
	// The rollback snapshot is now the newest version; stamp it.
	versions, err := s.store.ListVersions(workflowID, 1)
	if err == nil && len(versions) > 0 && wf.CurrentVersion != versions[0].VersionNumber {
		wf.CurrentVersion = versions[0].VersionNumber
		if err := s.store.UpdateWorkflow(wf); err != nil {
			return models.Workflow{}, errors.Wrap(err, "stamp version")
		}
	}
	return s.store.GetWorkflow(workflowID)
}

func (s *WorkflowService) DiffVersions(workflowID int64, from, to int) (VersionDiff, error) {
	return s.versioner.Diff(workflowID, from, to)
}

func (s *WorkflowService) PruneVersions(workflowID int64, keep int) (int, error) {
	return s.versioner.Prune(workflowID, keep)
}

// --- templates ---

func (s *WorkflowService) ListTemplates(category string) ([]models.WorkflowTemplate, error) {
	return s.templates.List(category)
}

func (s *WorkflowService) GetTemplate(slug string) (models.WorkflowTemplate, error) {
	return s.templates.Get(slug)
}

// InstantiateTemplate materializes a template into a real workflow through
// the normal create path, so validation and versioning apply.
func (s *WorkflowService) InstantiateTemplate(slug string, moduleID *int64, variables map[string]any, actor *int64) (models.Workflow, error) {
	wf, err := s.templates.Instantiate(slug, moduleID, variables)
	if err != nil {
		return models.Workflow{}, err
	}
	wf.CreatedBy = actor
	wf.UpdatedBy = actor
	return s.CreateWorkflow(wf)
}
