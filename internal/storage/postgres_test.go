package storage_test

import (
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	pgstore "github.com/ChrisMoss87/crmflow/internal/storage"
	"github.com/ChrisMoss87/crmflow/internal/testutil"
	"github.com/ChrisMoss87/crmflow/pkg/models"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

func sampleWorkflow() models.Workflow {
	dailyCap := 5
	cron := "0 9 * * 1"
	return models.Workflow{
		Name:          "deal follow-up",
		Description:   "nudges stalled deals",
		IsActive:      true,
		Priority:      3,
		TriggerType:   models.TriggerFieldChanged,
		TriggerConfig: models.TriggerConfig{ChangeType: models.ChangeToValue, ToValue: "Won"},
		TriggerTiming: models.TimingUpdateOnly,
		WatchedFields: pq.StringArray{"stage", "amount"},
		Conditions: models.ConditionSet{Groups: []models.ConditionGroup{{
			Logic:      models.LogicAnd,
			Conditions: []models.Condition{{Field: "amount", Operator: "gt", Value: float64(1000)}},
		}}},
		StopOnFirstMatch:    true,
		MaxExecutionsPerDay: &dailyCap,
		RunOncePerRecord:    true,
		AllowManualTrigger:  true,
		DelaySeconds:        60,
		ScheduleCron:        &cron,
	}
}

func sampleStep(order int, name string) models.WorkflowStep {
	return models.WorkflowStep{
		Order:        order,
		Name:         name,
		ActionType:   models.ActionUpdateField,
		ActionConfig: models.JSONMap{"field": "stage", "value": "Qualified"},
	}
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed store test in short mode")
	}
	td := testutil.SetupTestDB(t)
	defer td.Teardown(t)

	store, err := pgstore.NewPostgresStore(td.ConnStr)
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	defer store.Close()

	t.Run("workflow roundtrip", func(t *testing.T) {
		td.Truncate(t)

		id, err := store.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)
		assert.NotZero(t, id)

		got, err := store.GetWorkflow(id)
		assert.NoError(t, err)
		assert.Equal(t, "deal follow-up", got.Name)
		assert.Equal(t, models.TriggerFieldChanged, got.TriggerType)
		assert.Equal(t, models.ChangeToValue, got.TriggerConfig.ChangeType)
		assert.Equal(t, pq.StringArray{"stage", "amount"}, got.WatchedFields)
		assert.True(t, got.StopOnFirstMatch)
		if assert.NotNil(t, got.MaxExecutionsPerDay) {
			assert.Equal(t, 5, *got.MaxExecutionsPerDay)
		}
		if assert.Len(t, got.Conditions.Groups, 1) {
			assert.Equal(t, "amount", got.Conditions.Groups[0].Conditions[0].Field)
		}

		got.Name = "deal follow-up v2"
		got.IsActive = false
		assert.NoError(t, store.UpdateWorkflow(got))
		got, err = store.GetWorkflow(id)
		assert.NoError(t, err)
		assert.Equal(t, "deal follow-up v2", got.Name)
		assert.False(t, got.IsActive)

		assert.NoError(t, store.DeleteWorkflow(id))
		_, err = store.GetWorkflow(id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.DeleteWorkflow(id), storage.ErrNotFound)
	})

	t.Run("list workflows filters", func(t *testing.T) {
		td.Truncate(t)

		active := sampleWorkflow()
		_, err := store.SaveWorkflow(active)
		assert.NoError(t, err)

		inactive := sampleWorkflow()
		inactive.Name = "paused"
		inactive.IsActive = false
		inactive.TriggerType = models.TriggerRecordCreated
		inactive.TriggerConfig = models.TriggerConfig{}
		_, err = store.SaveWorkflow(inactive)
		assert.NoError(t, err)

		all, err := store.ListWorkflows(storage.WorkflowFilter{})
		assert.NoError(t, err)
		assert.Len(t, all, 2)
		// Highest priority first.
		assert.Equal(t, "deal follow-up", all[0].Name)

		yes := true
		onlyActive, err := store.ListWorkflows(storage.WorkflowFilter{Active: &yes})
		assert.NoError(t, err)
		assert.Len(t, onlyActive, 1)

		tt := models.TriggerRecordCreated
		byTrigger, err := store.ListWorkflows(storage.WorkflowFilter{TriggerType: &tt})
		assert.NoError(t, err)
		if assert.Len(t, byTrigger, 1) {
			assert.Equal(t, "paused", byTrigger[0].Name)
		}
	})

	t.Run("replace steps remaps gotos", func(t *testing.T) {
		td.Truncate(t)

		id, err := store.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)

		first := sampleStep(10, "first")
		first.ID = 100
		fail := int64(200)
		first.OnFailureGoto = &fail
		second := sampleStep(20, "second")
		second.ID = 200

		steps, err := store.ReplaceSteps(id, []models.WorkflowStep{first, second})
		assert.NoError(t, err)
		if assert.Len(t, steps, 2) {
			assert.NotEqual(t, int64(100), steps[0].ID)
			if assert.NotNil(t, steps[0].OnFailureGoto) {
				assert.Equal(t, steps[1].ID, *steps[0].OnFailureGoto)
			}
		}

		got, err := store.GetWorkflow(id)
		assert.NoError(t, err)
		if assert.Len(t, got.Steps, 2) {
			assert.Equal(t, "first", got.Steps[0].Name)
			if assert.NotNil(t, got.Steps[0].OnFailureGoto) {
				assert.Equal(t, got.Steps[1].ID, *got.Steps[0].OnFailureGoto)
			}
		}

		// Replacing again drops the old rows.
		steps, err = store.ReplaceSteps(id, []models.WorkflowStep{sampleStep(10, "only")})
		assert.NoError(t, err)
		assert.Len(t, steps, 1)
		got, err = store.GetWorkflow(id)
		assert.NoError(t, err)
		assert.Len(t, got.Steps, 1)
	})

	t.Run("reorder steps", func(t *testing.T) {
		td.Truncate(t)

		id, err := store.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)
		steps, err := store.ReplaceSteps(id, []models.WorkflowStep{
			sampleStep(10, "a"), sampleStep(20, "b"),
		})
		assert.NoError(t, err)

		assert.NoError(t, store.ReorderSteps(id, []int64{steps[1].ID, steps[0].ID}))
		got, err := store.GetWorkflow(id)
		assert.NoError(t, err)
		if assert.Len(t, got.Steps, 2) {
			assert.Equal(t, "b", got.Steps[0].Name)
			assert.Equal(t, 1, got.Steps[0].Order)
		}

		assert.ErrorIs(t, store.ReorderSteps(id, []int64{9999}), storage.ErrNotFound)
	})

	t.Run("daily count cap and reset", func(t *testing.T) {
		td.Truncate(t)

		id, err := store.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)
		limit := 2

		today := time.Now().UTC().Format("2006-01-02")
		for i := 0; i < 2; i++ {
			ok, err := store.TryIncrementDailyCount(id, today, &limit)
			assert.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := store.TryIncrementDailyCount(id, today, &limit)
		assert.NoError(t, err)
		assert.False(t, ok)

		// A new day resets the counter.
		tomorrow := time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
		ok, err = store.TryIncrementDailyCount(id, tomorrow, &limit)
		assert.NoError(t, err)
		assert.True(t, ok)

		// No cap never refuses.
		for i := 0; i < 5; i++ {
			ok, err = store.TryIncrementDailyCount(id, tomorrow, nil)
			assert.NoError(t, err)
			assert.True(t, ok)
		}
	})

	t.Run("run history is unique per record", func(t *testing.T) {
		td.Truncate(t)

		id, err := store.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)

		entry := models.RunHistory{
			WorkflowID: id, RecordID: 42, RecordType: "deals",
			TriggerType: "field_changed", ExecutedAt: time.Now().UTC(),
		}
		ok, err := store.TryRecordRun(entry)
		assert.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.TryRecordRun(entry)
		assert.NoError(t, err)
		assert.False(t, ok)

		entry.RecordID = 43
		ok, err = store.TryRecordRun(entry)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("record outcome counters", func(t *testing.T) {
		td.Truncate(t)

		id, err := store.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)

		now := time.Now().UTC()
		assert.NoError(t, store.RecordOutcome(id, true, now))
		assert.NoError(t, store.RecordOutcome(id, false, now))

		got, err := store.GetWorkflow(id)
		assert.NoError(t, err)
		assert.Equal(t, 2, got.ExecutionCount)
		assert.Equal(t, 1, got.SuccessCount)
		assert.Equal(t, 1, got.FailureCount)
		assert.NotNil(t, got.LastRunAt)
	})

	t.Run("execution lifecycle with step logs", func(t *testing.T) {
		td.Truncate(t)

		id, err := store.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)
		steps, err := store.ReplaceSteps(id, []models.WorkflowStep{sampleStep(10, "only")})
		assert.NoError(t, err)

		now := time.Now().UTC().Truncate(time.Millisecond)
		rid := int64(42)
		rt := "deals"
		exec, err := store.CreateExecution(models.WorkflowExecution{
			WorkflowID:        id,
			Reference:         "ref-1",
			TriggerType:       models.ExecTriggerRecordEvent,
			TriggerRecordID:   &rid,
			TriggerRecordType: &rt,
			Status:            models.ExecutionQueued,
			QueuedAt:          &now,
			ContextData:       models.JSONMap{"record_id": float64(42)},
		})
		assert.NoError(t, err)
		assert.NotZero(t, exec.ID)

		log, err := store.CreateStepLog(models.WorkflowStepLog{
			ExecutionID: exec.ID,
			StepID:      steps[0].ID,
			Status:      models.StepLogRunning,
			StartedAt:   &now,
			InputData:   models.JSONMap{"field": "stage"},
		})
		assert.NoError(t, err)

		log.Status = models.StepLogCompleted
		log.CompletedAt = &now
		log.OutputData = models.JSONMap{"updated": true}
		log.RetryAttempt = 1
		assert.NoError(t, store.UpdateStepLog(log))

		exec.Status = models.ExecutionCompleted
		exec.StartedAt = &now
		exec.CompletedAt = &now
		exec.StepsCompleted = 1
		dur := int64(12)
		exec.DurationMS = &dur
		assert.NoError(t, store.UpdateExecution(exec))

		got, err := store.GetExecution(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, got.Status)
		assert.Equal(t, 1, got.StepsCompleted)
		if assert.Len(t, got.StepLogs, 1) {
			assert.Equal(t, models.StepLogCompleted, got.StepLogs[0].Status)
			assert.Equal(t, 1, got.StepLogs[0].RetryAttempt)
			assert.Equal(t, true, got.StepLogs[0].OutputData["updated"])
		}

		_, err = store.GetExecution(9999)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		t.Run("terminal rows are immutable", func(t *testing.T) {
			exec.Status = models.ExecutionCancelled
			assert.ErrorIs(t, store.UpdateExecution(exec), storage.ErrTerminal)

			kept, err := store.GetExecution(exec.ID)
			assert.NoError(t, err)
			assert.Equal(t, models.ExecutionCompleted, kept.Status)
		})
	})

	t.Run("list executions pagination", func(t *testing.T) {
		td.Truncate(t)

		id, err := store.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)
		for i := 0; i < 5; i++ {
			status := models.ExecutionCompleted
			if i == 0 {
				status = models.ExecutionFailed
			}
			_, err := store.CreateExecution(models.WorkflowExecution{
				WorkflowID: id, Reference: time.Now().Format(time.RFC3339Nano), Status: status,
			})
			assert.NoError(t, err)
		}

		page, total, err := store.ListExecutions(id, storage.ExecutionFilter{Page: 2, PerPage: 2})
		assert.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Len(t, page, 2)

		failed := models.ExecutionFailed
		onlyFailed, total, err := store.ListExecutions(id, storage.ExecutionFilter{Status: &failed})
		assert.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Len(t, onlyFailed, 1)
	})

	t.Run("due executions", func(t *testing.T) {
		td.Truncate(t)

		id, err := store.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)

		past := time.Now().UTC().Add(-time.Minute)
		future := time.Now().UTC().Add(time.Hour)
		due, err := store.CreateExecution(models.WorkflowExecution{
			WorkflowID: id, Reference: "due", Status: models.ExecutionQueued, WakeAt: &past,
		})
		assert.NoError(t, err)
		_, err = store.CreateExecution(models.WorkflowExecution{
			WorkflowID: id, Reference: "later", Status: models.ExecutionQueued, WakeAt: &future,
		})
		assert.NoError(t, err)
		_, err = store.CreateExecution(models.WorkflowExecution{
			WorkflowID: id, Reference: "no wake", Status: models.ExecutionQueued,
		})
		assert.NoError(t, err)

		woken, err := store.ListDueExecutions(time.Now().UTC())
		assert.NoError(t, err)
		if assert.Len(t, woken, 1) {
			assert.Equal(t, due.ID, woken[0].ID)
		}
	})

	t.Run("version numbering and prune", func(t *testing.T) {
		td.Truncate(t)

		id, err := store.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)

		for i := 0; i < 4; i++ {
			v, err := store.SaveVersion(models.WorkflowVersion{
				WorkflowID:    id,
				Name:          "deal follow-up",
				ChangeType:    models.ChangeUpdate,
				ChangeSummary: "edit",
				WorkflowData:  models.WorkflowSnapshot{Name: "deal follow-up"},
				StepsData:     models.StepSnapshotList{{ID: 1, Order: 10, Name: "only"}},
			})
			assert.NoError(t, err)
			assert.Equal(t, i+1, v.VersionNumber)
			assert.True(t, v.IsActive)
		}

		versions, err := store.ListVersions(id, 0)
		assert.NoError(t, err)
		if assert.Len(t, versions, 4) {
			assert.Equal(t, 4, versions[0].VersionNumber)
			assert.True(t, versions[0].IsActive)
			assert.False(t, versions[1].IsActive)
		}

		limited, err := store.ListVersions(id, 2)
		assert.NoError(t, err)
		assert.Len(t, limited, 2)

		v2, err := store.GetVersion(id, 2)
		assert.NoError(t, err)
		assert.Equal(t, 2, v2.VersionNumber)
		if assert.Len(t, v2.StepsData, 1) {
			assert.Equal(t, "only", v2.StepsData[0].Name)
		}
		_, err = store.GetVersion(id, 99)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		removed, err := store.PruneVersions(id, 2)
		assert.NoError(t, err)
		assert.Equal(t, 2, removed)
		versions, err = store.ListVersions(id, 0)
		assert.NoError(t, err)
		assert.Len(t, versions, 2)

		// The active version survives even a keep of zero.
		removed, err = store.PruneVersions(id, 0)
		assert.NoError(t, err)
		assert.Equal(t, 1, removed)
		versions, err = store.ListVersions(id, 0)
		assert.NoError(t, err)
		if assert.Len(t, versions, 1) {
			assert.True(t, versions[0].IsActive)
		}
	})

	t.Run("template upsert by slug", func(t *testing.T) {
		td.Truncate(t)

		tpl := models.WorkflowTemplate{
			Slug:             "welcome-email",
			Name:             "Welcome email",
			Category:         "onboarding",
			VariableMappings: models.JSONMap{"sender": map[string]any{"required": true}},
			WorkflowData:     models.JSONMap{"name": "Welcome", "trigger_type": "record_created"},
		}
		id, err := store.SaveTemplate(tpl)
		assert.NoError(t, err)

		tpl.Name = "Welcome email v2"
		id2, err := store.SaveTemplate(tpl)
		assert.NoError(t, err)
		assert.Equal(t, id, id2)

		got, err := store.GetTemplate("welcome-email")
		assert.NoError(t, err)
		assert.Equal(t, "Welcome email v2", got.Name)
		assert.Equal(t, "record_created", got.WorkflowData["trigger_type"])

		_, err = store.GetTemplate("nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		other := tpl
		other.Slug = "renewal-reminder"
		other.Category = "retention"
		_, err = store.SaveTemplate(other)
		assert.NoError(t, err)

		onboarding, err := store.ListTemplates("onboarding")
		assert.NoError(t, err)
		assert.Len(t, onboarding, 1)
		all, err := store.ListTemplates("")
		assert.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("transactions commit and roll back", func(t *testing.T) {
		td.Truncate(t)

		tx, err := store.Begin()
		assert.NoError(t, err)
		id, err := tx.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)
		assert.NoError(t, tx.Rollback())
		_, err = store.GetWorkflow(id)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		tx, err = store.Begin()
		assert.NoError(t, err)
		id, err = tx.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)
		assert.NoError(t, tx.Commit())
		got, err := store.GetWorkflow(id)
		assert.NoError(t, err)
		assert.Equal(t, "deal follow-up", got.Name)
	})
}
