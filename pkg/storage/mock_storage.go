package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChrisMoss87/crmflow/pkg/models"
)

// MockStore implements Store with in-memory state. It is safe for concurrent
// use and backs the engine's unit tests.
type MockStore struct {
	mu sync.Mutex

	workflows  map[int64]models.Workflow
	steps      map[int64]models.WorkflowStep
	executions map[int64]models.WorkflowExecution
	stepLogs   map[int64]models.WorkflowStepLog
	versions   []models.WorkflowVersion
	runHistory []models.RunHistory
	templates  map[int64]models.WorkflowTemplate

	nextWorkflowID  int64
	nextStepID      int64
	nextExecutionID int64
	nextStepLogID   int64
	nextVersionID   int64
	nextTemplateID  int64
	nextHistoryID   int64
}

func NewMockStore() *MockStore {
	return &MockStore{
		workflows:  make(map[int64]models.Workflow),
		steps:      make(map[int64]models.WorkflowStep),
		executions: make(map[int64]models.WorkflowExecution),
		stepLogs:   make(map[int64]models.WorkflowStepLog),
		templates:  make(map[int64]models.WorkflowTemplate),
	}
}

// Begin returns the store itself; the mock has no transaction isolation.
func (m *MockStore) Begin() (Store, error) { return m, nil }
func (m *MockStore) Commit() error         { return nil }
func (m *MockStore) Rollback() error       { return nil }
func (m *MockStore) Close() error          { return nil }

func (m *MockStore) SaveWorkflow(w models.Workflow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWorkflowID++
	w.ID = m.nextWorkflowID
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	steps := w.Steps
	w.Steps = nil
	m.workflows[w.ID] = w
	m.replaceStepsLocked(w.ID, steps)
	return w.ID, nil
}

func (m *MockStore) UpdateWorkflow(w models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workflows[w.ID]
	if !ok {
		return ErrNotFound
	}
	w.CreatedAt = existing.CreatedAt
	w.UpdatedAt = time.Now()
	w.Steps = nil
	m.workflows[w.ID] = w
	return nil
}

func (m *MockStore) DeleteWorkflow(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(m.workflows, id)
	for sid, s := range m.steps {
		if s.WorkflowID == id {
			delete(m.steps, sid)
		}
	}
	return nil
}

func (m *MockStore) GetWorkflow(id int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getWorkflowLocked(id)
}

func (m *MockStore) getWorkflowLocked(id int64) (models.Workflow, error) {
	w, ok := m.workflows[id]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	w.Steps = m.stepsForLocked(id)
	return w, nil
}

func (m *MockStore) stepsForLocked(workflowID int64) []models.WorkflowStep {
	var steps []models.WorkflowStep
	for _, s := range m.steps {
		if s.WorkflowID == workflowID {
			steps = append(steps, s)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].ID < steps[j].ID
	})
	return steps
}

func (m *MockStore) ListWorkflows(f WorkflowFilter) ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Workflow
	for id := range m.workflows {
		w, _ := m.getWorkflowLocked(id)
		if f.ModuleID != nil && (w.ModuleID == nil || *w.ModuleID != *f.ModuleID) {
			continue
		}
		if f.Active != nil && w.IsActive != *f.Active {
			continue
		}
		if f.TriggerType != nil && w.TriggerType != *f.TriggerType {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) ReplaceSteps(workflowID int64, steps []models.WorkflowStep) ([]models.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[workflowID]; !ok {
		return nil, ErrNotFound
	}
	return m.replaceStepsLocked(workflowID, steps), nil
}

func (m *MockStore) replaceStepsLocked(workflowID int64, steps []models.WorkflowStep) []models.WorkflowStep {
	for sid, s := range m.steps {
		if s.WorkflowID == workflowID {
			delete(m.steps, sid)
		}
	}
	idMap := make(map[int64]int64, len(steps))
	out := make([]models.WorkflowStep, len(steps))
	now := time.Now()
	for i, s := range steps {
		m.nextStepID++
		if s.ID > 0 {
			idMap[s.ID] = m.nextStepID
		}
		s.ID = m.nextStepID
		s.WorkflowID = workflowID
		s.CreatedAt = now
		s.UpdatedAt = now
		out[i] = s
	}
	RemapStepGotos(out, idMap)
	for _, s := range out {
		m.steps[s.ID] = s
	}
	return out
}

func (m *MockStore) ReorderSteps(workflowID int64, stepIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range stepIDs {
		s, ok := m.steps[id]
		if !ok || s.WorkflowID != workflowID {
			return ErrNotFound
		}
		s.Order = i
		s.UpdatedAt = time.Now()
		m.steps[id] = s
	}
	return nil
}

func (m *MockStore) SetNextRun(workflowID int64, lastRun, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[workflowID]
	if !ok {
		return ErrNotFound
	}
	if lastRun != nil {
		w.LastRunAt = lastRun
	}
	w.NextRunAt = nextRun
	m.workflows[workflowID] = w
	return nil
}

func (m *MockStore) TryIncrementDailyCount(workflowID int64, day string, max *int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[workflowID]
	if !ok {
		return false, ErrNotFound
	}
	if w.ExecutionsTodayDate == nil || w.ExecutionsTodayDate.Format("2006-01-02") != day {
		d, err := time.Parse("2006-01-02", day)
		if err != nil {
			return false, err
		}
		w.ExecutionsToday = 0
		w.ExecutionsTodayDate = &d
	}
	if max != nil && w.ExecutionsToday >= *max {
		m.workflows[workflowID] = w
		return false, nil
	}
	w.ExecutionsToday++
	m.workflows[workflowID] = w
	return true, nil
}

func (m *MockStore) TryRecordRun(h models.RunHistory) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runHistory {
		if existing.WorkflowID == h.WorkflowID &&
			existing.RecordID == h.RecordID &&
			existing.RecordType == h.RecordType &&
			existing.TriggerType == h.TriggerType {
			return false, nil
		}
	}
	m.nextHistoryID++
	h.ID = m.nextHistoryID
	m.runHistory = append(m.runHistory, h)
	return true, nil
}

func (m *MockStore) RecordOutcome(workflowID int64, success bool, ranAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[workflowID]
	if !ok {
		return ErrNotFound
	}
	w.ExecutionCount++
	if success {
		w.SuccessCount++
	} else {
		w.FailureCount++
	}
	w.LastRunAt = &ranAt
	m.workflows[workflowID] = w
	return nil
}

func (m *MockStore) CreateExecution(e models.WorkflowExecution) (models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextExecutionID++
	e.ID = m.nextExecutionID
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.StepLogs = nil
	m.executions[e.ID] = e
	return e, nil
}

func (m *MockStore) UpdateExecution(e models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.executions[e.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status.Terminal() {
		return ErrTerminal
	}
	e.CreatedAt = existing.CreatedAt
	e.UpdatedAt = time.Now()
	e.StepLogs = nil
	m.executions[e.ID] = e
	return nil
}

func (m *MockStore) GetExecution(id int64) (models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return models.WorkflowExecution{}, ErrNotFound
	}
	e.StepLogs = m.logsForLocked(id)
	return e, nil
}

func (m *MockStore) logsForLocked(executionID int64) []models.WorkflowStepLog {
	var logs []models.WorkflowStepLog
	for _, l := range m.stepLogs {
		if l.ExecutionID == executionID {
			logs = append(logs, l)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].ID < logs[j].ID })
	return logs
}

func (m *MockStore) ListExecutions(workflowID int64, f ExecutionFilter) ([]models.WorkflowExecution, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.WorkflowExecution
	for _, e := range m.executions {
		if e.WorkflowID != workflowID {
			continue
		}
		if f.Status != nil && e.Status != *f.Status {
			continue
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	perPage := f.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= total {
		return []models.WorkflowExecution{}, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (m *MockStore) ListDueExecutions(now time.Time) ([]models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.WorkflowExecution
	for _, e := range m.executions {
		if e.Status == models.ExecutionQueued && e.WakeAt != nil && !e.WakeAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (m *MockStore) CreateStepLog(l models.WorkflowStepLog) (models.WorkflowStepLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStepLogID++
	l.ID = m.nextStepLogID
	now := time.Now()
	l.CreatedAt = now
	l.UpdatedAt = now
	m.stepLogs[l.ID] = l
	return l, nil
}

func (m *MockStore) UpdateStepLog(l models.WorkflowStepLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.stepLogs[l.ID]
	if !ok {
		return ErrNotFound
	}
	l.CreatedAt = existing.CreatedAt
	l.UpdatedAt = time.Now()
	m.stepLogs[l.ID] = l
	return nil
}

func (m *MockStore) SaveVersion(v models.WorkflowVersion) (models.WorkflowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for i := range m.versions {
		if m.versions[i].WorkflowID == v.WorkflowID {
			if m.versions[i].VersionNumber >= next {
				next = m.versions[i].VersionNumber + 1
			}
			m.versions[i].IsActive = false
		}
	}
	m.nextVersionID++
	v.ID = m.nextVersionID
	v.VersionNumber = next
	v.IsActive = true
	v.CreatedAt = time.Now()
	m.versions = append(m.versions, v)
	if w, ok := m.workflows[v.WorkflowID]; ok {
		w.CurrentVersion = next
		m.workflows[v.WorkflowID] = w
	}
	return v, nil
}

func (m *MockStore) GetVersion(workflowID int64, number int) (models.WorkflowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.WorkflowID == workflowID && v.VersionNumber == number {
			return v, nil
		}
	}
	return models.WorkflowVersion{}, ErrNotFound
}

func (m *MockStore) ListVersions(workflowID int64, limit int) ([]models.WorkflowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowVersion
	for _, v := range m.versions {
		if v.WorkflowID == workflowID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) PruneVersions(workflowID int64, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var forWf []models.WorkflowVersion
	for _, v := range m.versions {
		if v.WorkflowID == workflowID {
			forWf = append(forWf, v)
		}
	}
	sort.Slice(forWf, func(i, j int) bool { return forWf[i].VersionNumber > forWf[j].VersionNumber })
	if len(forWf) <= keep {
		return 0, nil
	}
	drop := make(map[int64]bool)
	for _, v := range forWf[keep:] {
		if !v.IsActive {
			drop[v.ID] = true
		}
	}
	var kept []models.WorkflowVersion
	for _, v := range m.versions {
		if !drop[v.ID] {
			kept = append(kept, v)
		}
	}
	m.versions = kept
	return len(drop), nil
}

func (m *MockStore) SaveTemplate(t models.WorkflowTemplate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.templates {
		if existing.Slug == t.Slug {
			t.ID = id
			t.CreatedAt = existing.CreatedAt
			t.UpdatedAt = time.Now()
			m.templates[id] = t
			return id, nil
		}
	}
	m.nextTemplateID++
	t.ID = m.nextTemplateID
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	m.templates[t.ID] = t
	return t.ID, nil
}

func (m *MockStore) GetTemplate(slug string) (models.WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.Slug == slug {
			return t, nil
		}
	}
	return models.WorkflowTemplate{}, ErrNotFound
}

func (m *MockStore) ListTemplates(category string) ([]models.WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowTemplate
	for _, t := range m.templates {
		if category != "" && !strings.EqualFold(t.Category, category) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
