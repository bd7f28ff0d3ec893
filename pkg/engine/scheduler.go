package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/ChrisMoss87/crmflow/pkg/models"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

// Admission errors. Callers map these to API responses for manual triggers;
// the event path treats them as silent skips.
var (
	ErrWorkflowInactive  = errors.New("workflow is not active")
	ErrManualNotAllowed  = errors.New("workflow does not allow manual triggering")
	ErrRateLimited       = errors.New("workflow reached its daily execution limit")
	ErrAlreadyRan        = errors.New("workflow already ran for this record")
	ErrInvalidSecret     = errors.New("invalid webhook secret")
	ErrTriggerMismatches = errors.New("workflow trigger does not accept this request")
)

// AdmissionDecision is the outcome of admission control for one trigger
// firing.
type AdmissionDecision int

const (
	// Admitted means the execution should run now.
	Admitted AdmissionDecision = iota
	// Deferred means the workflow's delay applies; run at WakeAt.
	Deferred
	// Rejected means no execution is created; Err carries the reason.
	Rejected
)

type AdmissionResult struct {
	Decision AdmissionDecision
	WakeAt   *time.Time
	Err      error
}

// AdmissionRequest describes the triggering occurrence being admitted.
type AdmissionRequest struct {
	RecordID   int64
	RecordType string
	Trigger    models.ExecutionTrigger
}

// Scheduler owns admission control and the periodic tick that fires cron
// and relative-date workflows and wakes suspended executions.
type Scheduler struct {
	store   storage.Store
	records RecordStore
	logger  Logger
	parser  cron.Parser
	now     func() time.Time
}

func NewScheduler(store storage.Store, records RecordStore, logger Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		records: records,
		logger:  logger,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:     time.Now,
	}
}

// ValidateCron checks a five-field cron expression at save time.
func (s *Scheduler) ValidateCron(expr string) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return nil
}

// Admit runs the admission guards for one trigger firing. Guards are checked
// in a fixed order: active flag, manual permission, daily cap, run-once.
// The two counters are checked atomically in the store so concurrent
// admissions cannot both pass.
func (s *Scheduler) Admit(wf models.Workflow, req AdmissionRequest) AdmissionResult {
	if !wf.IsActive {
		return AdmissionResult{Decision: Rejected, Err: ErrWorkflowInactive}
	}
	if req.Trigger == models.ExecTriggerManual && !wf.AllowManualTrigger {
		return AdmissionResult{Decision: Rejected, Err: ErrManualNotAllowed}
	}

	if wf.MaxExecutionsPerDay != nil {
		day := s.now().UTC().Format("2006-01-02")
		ok, err := s.store.TryIncrementDailyCount(wf.ID, day, wf.MaxExecutionsPerDay)
		if err != nil {
			return AdmissionResult{Decision: Rejected, Err: errors.Wrap(err, "daily limit check")}
		}
		if !ok {
			return AdmissionResult{Decision: Rejected, Err: ErrRateLimited}
		}
	}

	if wf.RunOncePerRecord && req.RecordID != 0 {
		ok, err := s.store.TryRecordRun(models.RunHistory{
			WorkflowID:  wf.ID,
			RecordID:    req.RecordID,
			RecordType:  req.RecordType,
			TriggerType: string(wf.TriggerType),
			ExecutedAt:  s.now().UTC(),
		})
		if err != nil {
			return AdmissionResult{Decision: Rejected, Err: errors.Wrap(err, "run-once check")}
		}
		if !ok {
			return AdmissionResult{Decision: Rejected, Err: ErrAlreadyRan}
		}
	}

	if wf.DelaySeconds > 0 {
		wake := s.now().UTC().Add(time.Duration(wf.DelaySeconds) * time.Second)
		return AdmissionResult{Decision: Deferred, WakeAt: &wake}
	}
	return AdmissionResult{Decision: Admitted}
}

// ScheduledFiring is one due occurrence found by a tick: a cron workflow, or
// a relative-date workflow paired with the record whose date matched.
type ScheduledFiring struct {
	Workflow models.Workflow
	Record   models.FieldMap // nil for cron firings
}

// TickResult is everything a tick found due.
type TickResult struct {
	Firings []ScheduledFiring
	Wakes   []models.WorkflowExecution
}

// Tick scans for due time-based workflows and suspended executions whose
// wake time passed. It advances next_run_at for cron workflows it fires so
// an overlapping tick does not double-fire. The caller dispatches the
// returned work.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	now := s.now().UTC()
	var result TickResult

	tt := models.TriggerTimeBased
	active := true
	workflows, err := s.store.ListWorkflows(storage.WorkflowFilter{TriggerType: &tt, Active: &active})
	if err != nil {
		return result, errors.Wrap(err, "list scheduled workflows")
	}

	for _, wf := range workflows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		switch wf.TriggerConfig.ScheduleType {
		case "cron":
			firing, err := s.tickCron(wf, now)
			if err != nil {
				s.logger.Errorf("workflow %d cron tick: %v", wf.ID, err)
				continue
			}
			if firing != nil {
				result.Firings = append(result.Firings, *firing)
			}
		case "relative":
			firings, err := s.tickRelative(ctx, wf, now)
			if err != nil {
				s.logger.Errorf("workflow %d relative tick: %v", wf.ID, err)
				continue
			}
			result.Firings = append(result.Firings, firings...)
		default:
			s.logger.Warnf("workflow %d has unknown schedule type %q", wf.ID, wf.TriggerConfig.ScheduleType)
		}
	}

	wakes, err := s.store.ListDueExecutions(now)
	if err != nil {
		return result, errors.Wrap(err, "list due executions")
	}
	result.Wakes = wakes
	return result, nil
}

func (s *Scheduler) tickCron(wf models.Workflow, now time.Time) (*ScheduledFiring, error) {
	if wf.ScheduleCron == nil || *wf.ScheduleCron == "" {
		return nil, errors.New("cron schedule without expression")
	}
	sched, err := s.parser.Parse(*wf.ScheduleCron)
	if err != nil {
		return nil, errors.Wrap(err, "parse cron")
	}

	if wf.NextRunAt == nil {
		// First sighting: seed next_run_at without firing.
		next := sched.Next(now)
		return nil, s.store.SetNextRun(wf.ID, wf.LastRunAt, &next)
	}
	if wf.NextRunAt.After(now) {
		return nil, nil
	}

	next := sched.Next(now)
	if err := s.store.SetNextRun(wf.ID, &now, &next); err != nil {
		return nil, errors.Wrap(err, "advance next run")
	}
	return &ScheduledFiring{Workflow: wf}, nil
}

// tickRelative fires the workflow for each record whose configured date
// field, shifted by the offset, falls inside the window since the last run.
func (s *Scheduler) tickRelative(ctx context.Context, wf models.Workflow, now time.Time) ([]ScheduledFiring, error) {
	if s.records == nil {
		return nil, errors.New("no record store configured for relative schedules")
	}
	cfg := wf.TriggerConfig
	if cfg.RelativeField == "" {
		return nil, errors.New("relative schedule without a field")
	}

	offset := relativeOffset(cfg.RelativeOffset, cfg.RelativeUnit)
	from := now.Add(-time.Hour)
	if wf.LastRunAt != nil && wf.LastRunAt.After(from) {
		from = *wf.LastRunAt
	}

	// The window is expressed in record-field time: a record whose field is
	// at T fires at T+offset, so look for fields in [from-offset, now-offset).
	records, err := s.records.FindDue(ctx, wf.ModuleID, cfg.RelativeField, from.Add(-offset), now.Add(-offset))
	if err != nil {
		return nil, errors.Wrap(err, "find due records")
	}
	if err := s.store.SetNextRun(wf.ID, &now, nil); err != nil {
		return nil, errors.Wrap(err, "record relative run")
	}

	firings := make([]ScheduledFiring, 0, len(records))
	for _, rec := range records {
		firings = append(firings, ScheduledFiring{Workflow: wf, Record: rec})
	}
	return firings, nil
}

func relativeOffset(n int, unit string) time.Duration {
	switch unit {
	case "hours":
		return time.Duration(n) * time.Hour
	case "days":
		return time.Duration(n) * 24 * time.Hour
	case "weeks":
		return time.Duration(n) * 7 * 24 * time.Hour
	case "months":
		return time.Duration(n) * 30 * 24 * time.Hour
	default:
		return time.Duration(n) * 24 * time.Hour
	}
}
