package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/ChrisMoss87/crmflow/pkg/engine"
	"github.com/ChrisMoss87/crmflow/pkg/models"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

type serviceHarness struct {
	svc     *engine.WorkflowService
	store   *storage.MockStore
	records *fakeRecords
	mailer  *fakeMailer
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	store := storage.NewMockStore()
	records := newFakeRecords()
	mailer := &fakeMailer{}
	svc := engine.NewWorkflowService(context.Background(), store, collabWith(records, mailer), logger{})
	return &serviceHarness{svc: svc, store: store, records: records, mailer: mailer}
}

func validWorkflow() models.Workflow {
	return models.Workflow{
		Name:        "stage follow-up",
		IsActive:    true,
		TriggerType: models.TriggerRecordUpdated,
		Steps: []models.WorkflowStep{
			updateFieldStep(10, "followed_up", "yes"),
		},
	}
}

func TestWorkflowService_CreateWorkflow(t *testing.T) {
	h := newServiceHarness(t)

	created, err := h.svc.CreateWorkflow(validWorkflow())
	assert.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, 1, created.CurrentVersion)
	assert.Len(t, created.Steps, 1)

	t.Run("initial version recorded", func(t *testing.T) {
		versions, err := h.svc.ListVersions(created.ID, 0)
		assert.NoError(t, err)
		if assert.Len(t, versions, 1) {
			assert.Equal(t, models.ChangeCreate, versions[0].ChangeType)
			assert.Equal(t, "Initial version", versions[0].ChangeSummary)
		}
	})

	t.Run("goto references remapped to assigned ids", func(t *testing.T) {
		wf := validWorkflow()
		first := updateFieldStep(10, "a", "1")
		first.ID = 1
		first.OnFailureGoto = int64Ptr(2)
		second := updateFieldStep(20, "b", "2")
		second.ID = 2
		wf.Steps = []models.WorkflowStep{first, second}

		created, err := h.svc.CreateWorkflow(wf)
		assert.NoError(t, err)
		if assert.Len(t, created.Steps, 2) {
			if assert.NotNil(t, created.Steps[0].OnFailureGoto) {
				assert.Equal(t, created.Steps[1].ID, *created.Steps[0].OnFailureGoto)
			}
		}
	})

	t.Run("multiple unsaved steps validate before ids exist", func(t *testing.T) {
		wf := validWorkflow()
		wf.Steps = []models.WorkflowStep{
			updateFieldStep(10, "a", "1"),
			updateFieldStep(20, "b", "2"),
			updateFieldStep(30, "c", "3"),
		}
		created, err := h.svc.CreateWorkflow(wf)
		assert.NoError(t, err)
		assert.Len(t, created.Steps, 3)
	})

	t.Run("webhook workflow gets a secret", func(t *testing.T) {
		wf := validWorkflow()
		wf.TriggerType = models.TriggerWebhook
		created, err := h.svc.CreateWorkflow(wf)
		assert.NoError(t, err)
		assert.NotEmpty(t, created.WebhookSecret)
	})
}

func TestWorkflowService_Validation(t *testing.T) {
	h := newServiceHarness(t)

	expectProblems := func(t *testing.T, wf models.Workflow, fragments ...string) {
		t.Helper()
		_, err := h.svc.CreateWorkflow(wf)
		var verr *engine.ValidationError
		if assert.ErrorAs(t, err, &verr) {
			for _, f := range fragments {
				assert.Contains(t, verr.Error(), f)
			}
		}
	}

	t.Run("name required", func(t *testing.T) {
		wf := validWorkflow()
		wf.Name = ""
		expectProblems(t, wf, "name is required")
	})

	t.Run("unknown trigger type", func(t *testing.T) {
		wf := validWorkflow()
		wf.TriggerType = models.TriggerType("psychic")
		expectProblems(t, wf, `unknown trigger type "psychic"`)
	})

	t.Run("field_changed needs watched fields", func(t *testing.T) {
		wf := validWorkflow()
		wf.TriggerType = models.TriggerFieldChanged
		expectProblems(t, wf, "requires watched fields")
	})

	t.Run("cron expression checked", func(t *testing.T) {
		wf := validWorkflow()
		wf.TriggerType = models.TriggerTimeBased
		wf.TriggerConfig = models.TriggerConfig{ScheduleType: "cron"}
		wf.ScheduleCron = strPtr("banana")
		expectProblems(t, wf, "invalid cron expression")
	})

	t.Run("daily cap minimum", func(t *testing.T) {
		wf := validWorkflow()
		wf.MaxExecutionsPerDay = intPtr(0)
		expectProblems(t, wf, "max_executions_per_day must be at least 1")
	})

	t.Run("step config checked", func(t *testing.T) {
		wf := validWorkflow()
		wf.Steps = []models.WorkflowStep{{
			Name: "bad mail", Order: 10, ActionType: models.ActionSendEmail,
			ActionConfig: models.JSONMap{"to": "a@b.c"},
		}}
		expectProblems(t, wf, "missing required keys")
	})

	t.Run("graph cycles rejected", func(t *testing.T) {
		wf := validWorkflow()
		a := updateFieldStep(10, "a", "1")
		a.ID = 1
		b := updateFieldStep(20, "b", "2")
		b.ID = 2
		b.OnSuccessGoto = int64Ptr(1)
		wf.Steps = []models.WorkflowStep{a, b}
		expectProblems(t, wf, "cycle detected")
	})

	t.Run("problems accumulate", func(t *testing.T) {
		wf := validWorkflow()
		wf.Name = ""
		wf.TriggerType = models.TriggerType("psychic")
		_, err := h.svc.CreateWorkflow(wf)
		var verr *engine.ValidationError
		if assert.ErrorAs(t, err, &verr) {
			assert.Len(t, verr.Problems, 2)
		}
	})
}

func TestWorkflowService_UpdateWorkflow(t *testing.T) {
	h := newServiceHarness(t)
	wf := validWorkflow()
	wf.TriggerType = models.TriggerWebhook
	created, err := h.svc.CreateWorkflow(wf)
	assert.NoError(t, err)
	secret := created.WebhookSecret

	created.Name = "stage follow-up v2"
	created.Steps = nil
	updated, err := h.svc.UpdateWorkflow(created, "Renamed")
	assert.NoError(t, err)
	assert.Equal(t, "stage follow-up v2", updated.Name)
	assert.Equal(t, 2, updated.CurrentVersion)

	t.Run("nil steps leave steps untouched", func(t *testing.T) {
		assert.Len(t, updated.Steps, 1)
	})

	t.Run("webhook secret survives updates", func(t *testing.T) {
		assert.Equal(t, secret, updated.WebhookSecret)
	})

	t.Run("version summary recorded", func(t *testing.T) {
		versions, err := h.svc.ListVersions(created.ID, 1)
		assert.NoError(t, err)
		if assert.Len(t, versions, 1) {
			assert.Equal(t, "Renamed", versions[0].ChangeSummary)
		}
	})
}

func TestWorkflowService_ToggleAndClone(t *testing.T) {
	h := newServiceHarness(t)
	created, err := h.svc.CreateWorkflow(validWorkflow())
	assert.NoError(t, err)

	t.Run("toggle flips the flag", func(t *testing.T) {
		active, err := h.svc.ToggleActive(created.ID)
		assert.NoError(t, err)
		assert.False(t, active)
		active, err = h.svc.ToggleActive(created.ID)
		assert.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("clone resets identity and counters", func(t *testing.T) {
		clone, err := h.svc.Clone(created.ID, int64Ptr(9))
		assert.NoError(t, err)
		assert.NotEqual(t, created.ID, clone.ID)
		assert.Equal(t, "stage follow-up (Copy)", clone.Name)
		assert.False(t, clone.IsActive)
		assert.Zero(t, clone.ExecutionCount)
		assert.Equal(t, 1, clone.CurrentVersion)
		assert.Len(t, clone.Steps, 1)
	})
}

func TestWorkflowService_HandleEvent(t *testing.T) {
	h := newServiceHarness(t)
	h.records.put("deals", 42, models.FieldMap{"stage": "Won"})

	wf := models.Workflow{
		Name:          "on win",
		IsActive:      true,
		TriggerType:   models.TriggerFieldChanged,
		WatchedFields: pq.StringArray{"stage"},
		TriggerConfig: models.TriggerConfig{ChangeType: models.ChangeToValue, ToValue: "Won"},
		Steps:         []models.WorkflowStep{updateFieldStep(10, "won_at", "{{timestamp}}")},
	}
	created, err := h.svc.CreateWorkflow(wf)
	assert.NoError(t, err)

	stageToWon := updateEvent(1, models.FieldMap{"stage": "Proposal"}, models.FieldMap{"stage": "Won"})

	t.Run("matching event runs to completion", func(t *testing.T) {
		started, err := h.svc.HandleEvent(context.Background(), stageToWon)
		assert.NoError(t, err)
		if assert.Len(t, started, 1) {
			assert.Equal(t, created.ID, started[0].WorkflowID)
			assert.Equal(t, models.ExecutionCompleted, started[0].Status)
			assert.Equal(t, models.ExecTriggerRecordEvent, started[0].TriggerType)
			if assert.NotNil(t, started[0].TriggerRecordID) {
				assert.Equal(t, int64(42), *started[0].TriggerRecordID)
			}
		}
		assert.NotEmpty(t, h.records.get("deals", 42)["won_at"])
	})

	t.Run("non-matching change starts nothing", func(t *testing.T) {
		other := updateEvent(1, models.FieldMap{"stage": "Proposal"}, models.FieldMap{"stage": "Lost"})
		started, err := h.svc.HandleEvent(context.Background(), other)
		assert.NoError(t, err)
		assert.Empty(t, started)
	})
}

func TestWorkflowService_StopOnFirstMatch(t *testing.T) {
	h := newServiceHarness(t)
	h.records.put("deals", 42, models.FieldMap{})

	winner := validWorkflow()
	winner.Name = "high priority"
	winner.Priority = 10
	winner.StopOnFirstMatch = true
	_, err := h.svc.CreateWorkflow(winner)
	assert.NoError(t, err)

	shadowed := validWorkflow()
	shadowed.Name = "low priority"
	shadowed.Priority = 1
	_, err = h.svc.CreateWorkflow(shadowed)
	assert.NoError(t, err)

	started, err := h.svc.HandleEvent(context.Background(), updateEvent(1, models.FieldMap{"a": 1}, models.FieldMap{"a": 2}))
	assert.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestWorkflowService_AdmissionThroughEvents(t *testing.T) {
	t.Run("run-once rejection creates no execution row", func(t *testing.T) {
		h := newServiceHarness(t)
		h.records.put("deals", 42, models.FieldMap{})
		wf := validWorkflow()
		wf.RunOncePerRecord = true
		created, err := h.svc.CreateWorkflow(wf)
		assert.NoError(t, err)

		event := updateEvent(1, models.FieldMap{"a": 1}, models.FieldMap{"a": 2})
		first, err := h.svc.HandleEvent(context.Background(), event)
		assert.NoError(t, err)
		assert.Len(t, first, 1)

		second, err := h.svc.HandleEvent(context.Background(), event)
		assert.NoError(t, err)
		assert.Empty(t, second)

		_, total, err := h.svc.ListExecutions(created.ID, storage.ExecutionFilter{})
		assert.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("workflow delay defers the execution", func(t *testing.T) {
		h := newServiceHarness(t)
		h.records.put("deals", 42, models.FieldMap{})
		wf := validWorkflow()
		wf.DelaySeconds = 120
		_, err := h.svc.CreateWorkflow(wf)
		assert.NoError(t, err)

		started, err := h.svc.HandleEvent(context.Background(), updateEvent(1, models.FieldMap{"a": 1}, models.FieldMap{"a": 2}))
		assert.NoError(t, err)
		if assert.Len(t, started, 1) {
			assert.Equal(t, models.ExecutionQueued, started[0].Status)
			if assert.NotNil(t, started[0].WakeAt) {
				assert.WithinDuration(t, time.Now().UTC().Add(2*time.Minute), *started[0].WakeAt, 5*time.Second)
			}
		}
		assert.NotContains(t, h.records.get("deals", 42), "followed_up")
	})
}

func TestWorkflowService_ConcurrentAdmission(t *testing.T) {
	fire := func(h *serviceHarness, attempts int) int64 {
		var wg sync.WaitGroup
		var admitted int64
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				started, err := h.svc.HandleEvent(context.Background(), updateEvent(1, models.FieldMap{"a": 1}, models.FieldMap{"a": 2}))
				assert.NoError(t, err)
				atomic.AddInt64(&admitted, int64(len(started)))
			}()
		}
		wg.Wait()
		return admitted
	}

	t.Run("run-once admits exactly one of many concurrent events", func(t *testing.T) {
		h := newServiceHarness(t)
		h.records.put("deals", 42, models.FieldMap{})
		wf := validWorkflow()
		wf.RunOncePerRecord = true
		created, err := h.svc.CreateWorkflow(wf)
		assert.NoError(t, err)

		assert.Equal(t, int64(1), fire(h, 16))
		_, total, err := h.svc.ListExecutions(created.ID, storage.ExecutionFilter{})
		assert.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("daily cap holds under concurrent events", func(t *testing.T) {
		h := newServiceHarness(t)
		h.records.put("deals", 42, models.FieldMap{})
		wf := validWorkflow()
		wf.MaxExecutionsPerDay = intPtr(3)
		created, err := h.svc.CreateWorkflow(wf)
		assert.NoError(t, err)

		assert.Equal(t, int64(3), fire(h, 12))
		_, total, err := h.svc.ListExecutions(created.ID, storage.ExecutionFilter{})
		assert.NoError(t, err)
		assert.Equal(t, 3, total)
	})
}

func TestWorkflowService_TriggerManual(t *testing.T) {
	h := newServiceHarness(t)
	h.records.put("deals", 42, models.FieldMap{"name": "Acme"})

	t.Run("requires permission", func(t *testing.T) {
		wf := validWorkflow()
		created, err := h.svc.CreateWorkflow(wf)
		assert.NoError(t, err)

		_, err = h.svc.TriggerManual(context.Background(), created.ID, 42, "deals", nil)
		assert.ErrorIs(t, err, engine.ErrManualNotAllowed)
	})

	t.Run("runs with the record loaded into context", func(t *testing.T) {
		wf := validWorkflow()
		wf.Name = "manual note"
		wf.AllowManualTrigger = true
		wf.Steps = []models.WorkflowStep{updateFieldStep(10, "note", "manual for {{record.name}}")}
		created, err := h.svc.CreateWorkflow(wf)
		assert.NoError(t, err)

		exec, err := h.svc.TriggerManual(context.Background(), created.ID, 42, "deals", int64Ptr(7))
		assert.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, exec.Status)
		assert.Equal(t, models.ExecTriggerManual, exec.TriggerType)
		assert.Equal(t, "manual for Acme", h.records.get("deals", 42)["note"])
	})

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := h.svc.TriggerManual(context.Background(), 9999, 42, "deals", nil)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestWorkflowService_TriggerWebhook(t *testing.T) {
	h := newServiceHarness(t)
	h.records.put("deals", 42, models.FieldMap{})

	hook := validWorkflow()
	hook.Name = "inbound lead"
	hook.TriggerType = models.TriggerWebhook
	hook.Steps = []models.WorkflowStep{{
		Name: "record source", Order: 10, ActionType: models.ActionUpdateField,
		ActionConfig: models.JSONMap{
			"module": "deals", "record_id": float64(42),
			"field": "source", "value": "{{payload.source}}",
		},
	}}
	created, err := h.svc.CreateWorkflow(hook)
	assert.NoError(t, err)

	plain, err := h.svc.CreateWorkflow(validWorkflow())
	assert.NoError(t, err)

	t.Run("wrong trigger type", func(t *testing.T) {
		_, err := h.svc.TriggerWebhook(context.Background(), plain.ID, "whatever", models.FieldMap{})
		assert.ErrorIs(t, err, engine.ErrTriggerMismatches)
	})

	t.Run("bad secret", func(t *testing.T) {
		_, err := h.svc.TriggerWebhook(context.Background(), created.ID, "wrong", models.FieldMap{})
		assert.ErrorIs(t, err, engine.ErrInvalidSecret)
	})

	t.Run("valid delivery runs with payload context", func(t *testing.T) {
		exec, err := h.svc.TriggerWebhook(context.Background(), created.ID, created.WebhookSecret, models.FieldMap{"source": "partner-form"})
		assert.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, exec.Status)
		assert.Equal(t, "partner-form", h.records.get("deals", 42)["source"])
	})
}

func TestWorkflowService_SchedulerIntegration(t *testing.T) {
	h := newServiceHarness(t)

	wf := models.Workflow{
		Name:          "hourly sweep",
		IsActive:      true,
		TriggerType:   models.TriggerTimeBased,
		TriggerConfig: models.TriggerConfig{ScheduleType: "cron"},
		ScheduleCron:  strPtr("0 * * * *"),
		Steps: []models.WorkflowStep{{
			Name: "ping", Order: 10, ActionType: models.ActionSendEmail,
			ActionConfig: models.JSONMap{"to": "ops@example.com", "subject": "sweep", "body": "ran"},
		}},
	}
	created, err := h.svc.CreateWorkflow(wf)
	assert.NoError(t, err)

	// First pass seeds next_run_at; forcing it due makes the second pass fire.
	assert.NoError(t, h.svc.TickScheduler(context.Background(), false))
	past := time.Now().UTC().Add(-time.Minute)
	assert.NoError(t, h.store.SetNextRun(created.ID, nil, &past))
	assert.NoError(t, h.svc.TickScheduler(context.Background(), false))

	assert.Len(t, h.mailer.sent, 1)
	_, total, err := h.svc.ListExecutions(created.ID, storage.ExecutionFilter{})
	assert.NoError(t, err)
	assert.Equal(t, 1, total)

	t.Run("dry run fires nothing", func(t *testing.T) {
		assert.NoError(t, h.store.SetNextRun(created.ID, nil, &past))
		assert.NoError(t, h.svc.TickScheduler(context.Background(), true))
		assert.Len(t, h.mailer.sent, 1)
	})
}

func TestWorkflowService_ResumeThroughTick(t *testing.T) {
	h := newServiceHarness(t)
	h.records.put("deals", 42, models.FieldMap{})

	wf := validWorkflow()
	wf.Name = "delayed follow-up"
	wf.Steps = []models.WorkflowStep{
		{Name: "wait", Order: 10, ActionType: models.ActionDelay,
			ActionConfig: models.JSONMap{"delay_seconds": float64(30)}},
		updateFieldStep(20, "followed_up", "yes"),
	}
	_, err := h.svc.CreateWorkflow(wf)
	assert.NoError(t, err)

	started, err := h.svc.HandleEvent(context.Background(), updateEvent(1, models.FieldMap{"a": 1}, models.FieldMap{"a": 2}))
	assert.NoError(t, err)
	if !assert.Len(t, started, 1) {
		return
	}
	assert.Equal(t, models.ExecutionQueued, started[0].Status)

	// Pull the wake time into the past and tick.
	suspended, err := h.svc.GetExecution(started[0].ID)
	assert.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	suspended.WakeAt = &past
	assert.NoError(t, h.store.UpdateExecution(suspended))

	assert.NoError(t, h.svc.TickScheduler(context.Background(), false))

	final, err := h.svc.GetExecution(started[0].ID)
	assert.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, final.Status)
	assert.Equal(t, "yes", h.records.get("deals", 42)["followed_up"])
}

func TestWorkflowService_CancelExecution(t *testing.T) {
	h := newServiceHarness(t)
	created, err := h.svc.CreateWorkflow(validWorkflow())
	assert.NoError(t, err)

	exec, err := h.store.CreateExecution(models.WorkflowExecution{
		WorkflowID: created.ID, Status: models.ExecutionQueued,
	})
	assert.NoError(t, err)

	cancelled, err := h.svc.CancelExecution(exec.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	t.Run("terminal executions cannot be cancelled", func(t *testing.T) {
		_, err := h.svc.CancelExecution(exec.ID)
		assert.ErrorContains(t, err, "already cancelled")
	})
}

func TestWorkflowService_Stats(t *testing.T) {
	h := newServiceHarness(t)
	h.records.put("deals", 42, models.FieldMap{})
	created, err := h.svc.CreateWorkflow(validWorkflow())
	assert.NoError(t, err)

	event := updateEvent(1, models.FieldMap{"a": 1}, models.FieldMap{"a": 2})
	for i := 0; i < 3; i++ {
		started, err := h.svc.HandleEvent(context.Background(), event)
		assert.NoError(t, err)
		assert.Len(t, started, 1)
	}

	stats, err := h.svc.Stats(created.ID)
	assert.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Completed)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, float64(100), stats.SuccessRate)
	assert.NotNil(t, stats.LastExecutedAt)
}

func TestWorkflowService_ReorderSteps(t *testing.T) {
	h := newServiceHarness(t)
	wf := validWorkflow()
	wf.Steps = []models.WorkflowStep{
		updateFieldStep(10, "a", "1"),
		updateFieldStep(20, "b", "2"),
	}
	created, err := h.svc.CreateWorkflow(wf)
	assert.NoError(t, err)

	reordered, err := h.svc.ReorderSteps(created.ID, []int64{created.Steps[1].ID, created.Steps[0].ID}, nil)
	assert.NoError(t, err)
	if assert.Len(t, reordered.Steps, 2) {
		assert.Equal(t, created.Steps[1].ID, reordered.Steps[0].ID)
	}
	assert.Equal(t, 2, reordered.CurrentVersion)
}

func TestWorkflowService_RollbackStampsVersion(t *testing.T) {
	h := newServiceHarness(t)
	created, err := h.svc.CreateWorkflow(validWorkflow())
	assert.NoError(t, err)

	created.Name = "renamed"
	created.Steps = nil
	updated, err := h.svc.UpdateWorkflow(created, "Renamed")
	assert.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentVersion)

	restored, err := h.svc.RollbackWorkflow(created.ID, 1, nil)
	assert.NoError(t, err)
	assert.Equal(t, "stage follow-up", restored.Name)
	assert.Equal(t, 3, restored.CurrentVersion)

	diff, err := h.svc.DiffVersions(created.ID, 1, 3)
	assert.NoError(t, err)
	assert.Empty(t, diff.WorkflowChanges)
}

func TestWorkflowService_Templates(t *testing.T) {
	h := newServiceHarness(t)
	_, err := h.store.SaveTemplate(welcomeTemplate())
	assert.NoError(t, err)

	created, err := h.svc.InstantiateTemplate("welcome-email", int64Ptr(3), map[string]any{"sender": "a@b.c"}, int64Ptr(9))
	assert.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, 1, created.CurrentVersion)
	assert.Len(t, created.Steps, 1)
	if assert.NotNil(t, created.CreatedBy) {
		assert.Equal(t, int64(9), *created.CreatedBy)
	}
}
