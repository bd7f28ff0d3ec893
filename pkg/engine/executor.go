package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ChrisMoss87/crmflow/pkg/models"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

// Executor walks a workflow's step graph for one execution: per-step
// condition gating, retries with timeouts, success/failure redirects,
// parallel fan-out, async fire-and-forget steps and delay suspension.
type Executor struct {
	store      storage.Store
	dispatcher *Dispatcher
	logger     Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	asyncWG sync.WaitGroup
}

func NewExecutor(store storage.Store, dispatcher *Dispatcher, logger Logger) *Executor {
	return &Executor{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until all in-flight async steps have finalized their logs.
func (e *Executor) Wait() { e.asyncWG.Wait() }

// stepOutcome is the terminal state of one step within a run.
type stepOutcome int

const (
	outcomeCompleted stepOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// Run drives the execution to a terminal status, or parks it queued when a
// delay step suspends it. The workflow's steps must already be loaded.
func (e *Executor) Run(ctx context.Context, wf models.Workflow, exec models.WorkflowExecution) (models.WorkflowExecution, error) {
	graph, err := BuildGraph(wf.Steps)
	if err != nil {
		return e.finalize(exec, models.ExecutionFailed, err.Error())
	}

	started := e.now().UTC()
	exec.Status = models.ExecutionRunning
	exec.StartedAt = &started
	current := graph.Entry()
	if exec.ResumeFromStep != nil {
		current = *exec.ResumeFromStep
		if graph.Step(current) == nil {
			// The graph changed while the execution slept.
			return e.finalize(exec, models.ExecutionFailed, fmt.Sprintf("resume step %d no longer exists", current))
		}
		exec.ResumeFromStep = nil
		exec.WakeAt = nil
	}
	if err := e.store.UpdateExecution(exec); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			// A cancel landed before the run started.
			return e.store.GetExecution(exec.ID)
		}
		return exec, errors.Wrap(err, "mark running")
	}

	execCtx := models.FieldMap(exec.ContextData)
	if execCtx == nil {
		execCtx = models.FieldMap{}
	}

	for current != 0 {
		if cancelled, err := e.cancelled(exec.ID); err != nil {
			return exec, err
		} else if cancelled {
			return e.finalize(exec, models.ExecutionCancelled, "")
		}
		if err := ctx.Err(); err != nil {
			return e.finalize(exec, models.ExecutionCancelled, err.Error())
		}

		if group := graph.Group(current); group != nil {
			failed, err := e.runParallel(ctx, group, &exec, execCtx)
			if err != nil {
				return exec, err
			}
			if failed != nil {
				return e.finalize(exec, models.ExecutionFailed, *failed)
			}
			current = graph.Next(current)
			continue
		}

		step := graph.Step(current)
		result, outcome, stepErr := e.runStep(ctx, step, &exec, execCtx)

		switch outcome {
		case outcomeSkipped:
			current = graph.Next(current)
			continue
		case outcomeFailed:
			if step.ContinueOnError {
				current = graph.Next(current)
				continue
			}
			if step.OnFailureGoto != nil {
				current = *step.OnFailureGoto
				continue
			}
			msg := "step failed"
			if stepErr != nil {
				msg = stepErr.Error()
			}
			return e.finalize(exec, models.ExecutionFailed, msg)
		}

		if result.SuspendFor > 0 {
			// A trailing delay gates nothing; completing now keeps the
			// audit trail honest without a pointless wake-up.
			if next := graph.Next(current); next != 0 {
				return e.suspend(exec, execCtx, next, result.SuspendFor)
			}
		}
		if result.ConditionMet != nil && !*result.ConditionMet {
			// Unmet condition acts as a gate: redirect when the author
			// wired an else branch, otherwise finish cleanly.
			if step.OnFailureGoto != nil {
				current = *step.OnFailureGoto
				continue
			}
			exec.ContextData = models.JSONMap(execCtx)
			return e.finalize(exec, models.ExecutionCompleted, "")
		}
		if step.OnSuccessGoto != nil {
			current = *step.OnSuccessGoto
			continue
		}
		current = graph.Next(current)
	}

	exec.ContextData = models.JSONMap(execCtx)
	return e.finalize(exec, models.ExecutionCompleted, "")
}

// runStep executes one step including skip gating and the retry loop, and
// maintains its single log row. Async steps return completed immediately and
// finalize the log out of band.
func (e *Executor) runStep(ctx context.Context, step *models.WorkflowStep, exec *models.WorkflowExecution, execCtx models.FieldMap) (ActionResult, stepOutcome, error) {
	if step.IsDisabled || (!step.Conditions.IsEmpty() && !EvaluateConditions(step.Conditions, execCtx)) {
		e.logSkipped(exec, step)
		exec.StepsSkipped++
		return ActionResult{}, outcomeSkipped, nil
	}

	log, err := e.openLog(exec.ID, step)
	if err != nil {
		return ActionResult{}, outcomeFailed, err
	}

	if step.IsAsync {
		// The goroutine works on its own copy of the context: the main
		// traversal keeps writing step outputs while it runs.
		snapshot := execCtx.Clone()
		e.asyncWG.Add(1)
		go func() {
			defer e.asyncWG.Done()
			result, _, attemptErr := e.attemptLoop(context.Background(), step, snapshot, &log)
			e.closeLog(&log, result, attemptErr)
			if attemptErr != nil {
				e.logger.Errorf("async step %d (%s) failed: %v", step.ID, step.Name, attemptErr)
			}
		}()
		exec.StepsCompleted++
		return ActionResult{}, outcomeCompleted, nil
	}

	result, outcome, attemptErr := e.attemptLoop(ctx, step, execCtx, &log)
	e.closeLog(&log, result, attemptErr)
	switch outcome {
	case outcomeCompleted:
		exec.StepsCompleted++
		out := stepOutputs(execCtx)
		out[strconv.FormatInt(step.ID, 10)] = map[string]any(result.Output)
	case outcomeFailed:
		exec.StepsFailed++
	}
	return result, outcome, attemptErr
}

// attemptLoop runs the action up to retry_count+1 times, honoring the step
// timeout per attempt and updating the log row between attempts.
func (e *Executor) attemptLoop(ctx context.Context, step *models.WorkflowStep, execCtx models.FieldMap, log *models.WorkflowStepLog) (ActionResult, stepOutcome, error) {
	attempts := step.RetryCount + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(step.RetryDelaySeconds) * time.Second
			if delay > 0 {
				if err := e.sleep(ctx, delay); err != nil {
					return ActionResult{}, outcomeFailed, err
				}
			}
			log.RetryAttempt = attempt
			if err := e.store.UpdateStepLog(*log); err != nil {
				e.logger.Errorf("update step log %d: %v", log.ID, err)
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if step.TimeoutSeconds > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		}
		result, err := e.dispatchBounded(attemptCtx, step, execCtx)
		cancel()
		if err == nil {
			return result, outcomeCompleted, nil
		}
		lastErr = err
		e.logger.Warnf("step %d (%s) attempt %d/%d failed: %v", step.ID, step.Name, attempt+1, attempts, err)
		if ctx.Err() != nil {
			break
		}
	}
	return ActionResult{}, outcomeFailed, lastErr
}

// dispatchBounded runs the handler in its own goroutine so a hung action
// cannot outlive its timeout.
func (e *Executor) dispatchBounded(ctx context.Context, step *models.WorkflowStep, execCtx models.FieldMap) (ActionResult, error) {
	type reply struct {
		result ActionResult
		err    error
	}
	// The handler gets its own copy of the context: a goroutine abandoned
	// by the timeout must not keep reading a map the caller still writes.
	snapshot := execCtx.Clone()
	ch := make(chan reply, 1)
	go func() {
		r, err := e.dispatcher.Dispatch(ctx, step, snapshot)
		ch <- reply{r, err}
	}()
	select {
	case <-ctx.Done():
		return ActionResult{}, errors.Wrapf(ctx.Err(), "step %q", step.Name)
	case r := <-ch:
		return r.result, r.err
	}
}

// runParallel fans the group's members out on goroutines and joins them.
// It returns a failure message when any member fails hard.
func (e *Executor) runParallel(ctx context.Context, group []*models.WorkflowStep, exec *models.WorkflowExecution, execCtx models.FieldMap) (*string, error) {
	type memberResult struct {
		step    *models.WorkflowStep
		result  ActionResult
		outcome stepOutcome
		err     error
	}
	results := make([]memberResult, len(group))
	var wg sync.WaitGroup
	var mu sync.Mutex

	outputs := stepOutputs(execCtx)
	for i, step := range group {
		if step.IsDisabled || (!step.Conditions.IsEmpty() && !EvaluateConditions(step.Conditions, execCtx)) {
			e.logSkipped(exec, step)
			results[i] = memberResult{step: step, outcome: outcomeSkipped}
			continue
		}
		log, err := e.openLog(exec.ID, step)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, step *models.WorkflowStep, log models.WorkflowStepLog) {
			defer wg.Done()
			result, outcome, attemptErr := e.attemptLoop(ctx, step, execCtx, &log)
			e.closeLog(&log, result, attemptErr)
			mu.Lock()
			results[i] = memberResult{step: step, result: result, outcome: outcome, err: attemptErr}
			mu.Unlock()
		}(i, step, log)
	}
	wg.Wait()

	var failure *string
	for _, r := range results {
		switch r.outcome {
		case outcomeSkipped:
			exec.StepsSkipped++
		case outcomeCompleted:
			exec.StepsCompleted++
			outputs[strconv.FormatInt(r.step.ID, 10)] = map[string]any(r.result.Output)
		case outcomeFailed:
			exec.StepsFailed++
			if !r.step.ContinueOnError && failure == nil {
				msg := fmt.Sprintf("parallel step %q failed", r.step.Name)
				if r.err != nil {
					msg = fmt.Sprintf("parallel step %q failed: %v", r.step.Name, r.err)
				}
				failure = &msg
			}
		}
	}
	return failure, nil
}

func (e *Executor) openLog(executionID int64, step *models.WorkflowStep) (models.WorkflowStepLog, error) {
	started := e.now().UTC()
	log := models.WorkflowStepLog{
		ExecutionID: executionID,
		StepID:      step.ID,
		Status:      models.StepLogRunning,
		StartedAt:   &started,
		InputData:   step.ActionConfig,
	}
	created, err := e.store.CreateStepLog(log)
	if err != nil {
		return log, errors.Wrap(err, "create step log")
	}
	return created, nil
}

func (e *Executor) closeLog(log *models.WorkflowStepLog, result ActionResult, stepErr error) {
	completed := e.now().UTC()
	log.CompletedAt = &completed
	if log.StartedAt != nil {
		ms := completed.Sub(*log.StartedAt).Milliseconds()
		log.DurationMS = &ms
	}
	if stepErr != nil {
		log.Status = models.StepLogFailed
		msg := stepErr.Error()
		log.ErrorMessage = &msg
		trace := fmt.Sprintf("%+v", stepErr)
		log.ErrorTrace = &trace
	} else {
		log.Status = models.StepLogCompleted
		log.OutputData = result.Output
	}
	if err := e.store.UpdateStepLog(*log); err != nil {
		e.logger.Errorf("update step log %d: %v", log.ID, err)
	}
}

func (e *Executor) logSkipped(exec *models.WorkflowExecution, step *models.WorkflowStep) {
	now := e.now().UTC()
	log := models.WorkflowStepLog{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Status:      models.StepLogSkipped,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if _, err := e.store.CreateStepLog(log); err != nil {
		e.logger.Errorf("create skipped step log: %v", err)
	}
}

// cancelled re-reads the execution row so an out-of-band cancel lands
// between steps.
func (e *Executor) cancelled(executionID int64) (bool, error) {
	current, err := e.store.GetExecution(executionID)
	if err != nil {
		return false, errors.Wrap(err, "poll execution status")
	}
	return current.Status == models.ExecutionCancelled, nil
}

// suspend parks the execution until wake_at; the scheduler resumes it at
// resume step.
func (e *Executor) suspend(exec models.WorkflowExecution, execCtx models.FieldMap, resumeAt int64, d time.Duration) (models.WorkflowExecution, error) {
	wake := e.now().UTC().Add(d)
	exec.Status = models.ExecutionQueued
	exec.WakeAt = &wake
	if resumeAt != 0 {
		exec.ResumeFromStep = &resumeAt
	}
	exec.ContextData = models.JSONMap(execCtx)
	if err := e.store.UpdateExecution(exec); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			return e.store.GetExecution(exec.ID)
		}
		return exec, errors.Wrap(err, "suspend execution")
	}
	e.logger.Infof("execution %d suspended until %s", exec.ID, wake.Format(time.RFC3339))
	return exec, nil
}

func (e *Executor) finalize(exec models.WorkflowExecution, status models.ExecutionStatus, errMsg string) (models.WorkflowExecution, error) {
	completed := e.now().UTC()
	exec.Status = status
	exec.CompletedAt = &completed
	if exec.StartedAt != nil {
		ms := completed.Sub(*exec.StartedAt).Milliseconds()
		exec.DurationMS = &ms
	}
	if errMsg != "" {
		exec.ErrorMessage = &errMsg
	}
	if err := e.store.UpdateExecution(exec); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			// Someone else finished the row first; keep what it says.
			return e.store.GetExecution(exec.ID)
		}
		return exec, errors.Wrap(err, "finalize execution")
	}
	if err := e.store.RecordOutcome(exec.WorkflowID, status == models.ExecutionCompleted, completed); err != nil {
		e.logger.Errorf("record workflow outcome: %v", err)
	}
	return exec, nil
}
