package flowlite

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
	"github.com/sethvargo/go-retry"
)

const (
	stateIdle         = "Idle"
	stateExecuting    = "Executing"
	stateCompensating = "Compensating"
	stateCompleted    = "Completed"
	stateCompensated  = "Compensated"
	stateFailed       = "Failed"
)

const (
	triggerStart       = "Start"
	triggerComplete    = "Complete"
	triggerCompensate  = "Compensate"
	triggerCompensated = "Compensated"
	triggerFail        = "Fail"
)

// globalStepID marks a saga-level failure (global timeout) in SagaError.
const globalStepID = "global"

// cancelStepID marks a cancellation-driven compensation in SagaError.
const cancelStepID = "cancel"

// sagaInstance drives one SagaExecution through its state machine. The
// orchestrator owns the instance; all state mutation happens on the
// instance's own goroutine, guarded by mu for concurrent snapshot reads.
type sagaInstance struct {
	orch    *SagaOrchestrator
	def     *SagaDefinition
	ctx     context.Context
	sagaCtx *SagaContext

	mu   deadlock.Mutex
	exec *SagaExecution
	fsm  *stateless.StateMachine

	stepIndex map[string]int

	cancelRequested atomic.Bool
	timedOut        atomic.Bool
	interrupt       chan struct{}
	globalTimer     *time.Timer

	startIndex int
}

func newSagaInstance(o *SagaOrchestrator, def *SagaDefinition, executionID string, initial map[string]interface{}) *sagaInstance {
	stepIndex := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		stepIndex[step.ID] = i
	}
	si := &sagaInstance{
		orch:      o,
		def:       def,
		ctx:       o.ctx,
		stepIndex: stepIndex,
		interrupt: make(chan struct{}),
		exec: &SagaExecution{
			ID:     executionID,
			SagaID: def.ID,
			State: SagaExecutionState{
				Status: SagaStatusPending,
			},
		},
	}
	si.sagaCtx = newSagaContext(o.ctx, executionID, def.ID, initial, o.logger, o.progress)
	return si
}

// run executes the step loop from startIndex. armTimeout is true only for
// the original ExecuteSaga run; RetrySaga resumes without re-arming the
// global timeout.
func (si *sagaInstance) run(startIndex int, armTimeout bool) {
	si.mu.Lock()
	si.startIndex = startIndex
	fsm := stateless.NewStateMachine(stateIdle)
	si.fsm = fsm
	if si.exec.State.StartedAt.IsZero() {
		si.exec.State.StartedAt = time.Now()
	}
	si.exec.State.Status = SagaStatusRunning
	si.exec.State.CompletedAt = nil
	si.mu.Unlock()

	fsm.Configure(stateIdle).
		Permit(triggerStart, stateExecuting)

	fsm.Configure(stateExecuting).
		OnEntry(si.executeSteps).
		Permit(triggerComplete, stateCompleted).
		Permit(triggerCompensate, stateCompensating)

	fsm.Configure(stateCompensating).
		OnEntry(si.executeCompensations).
		Permit(triggerCompensated, stateCompensated).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateCompleted).
		OnEntry(si.onCompleted)

	fsm.Configure(stateCompensated).
		OnEntry(si.onCompensated)

	fsm.Configure(stateFailed).
		OnEntry(si.onFailed)

	if armTimeout && si.def.Timeout > 0 {
		interrupt := si.interrupt
		si.globalTimer = time.AfterFunc(si.def.Timeout, func() {
			si.timedOut.Store(true)
			close(interrupt)
			si.orch.logger.Warn(si.ctx, "saga global timeout fired", "execution_id", si.exec.ID, "timeout", si.def.Timeout)
		})
	}

	si.sagaCtx.notifyProgress(SagaStatusRunning, "")
	if err := fsm.Fire(triggerStart); err != nil {
		err := errors.Join(fmt.Errorf("failed to start saga state machine"), err)
		si.orch.logger.Error(si.ctx, err.Error(), "execution_id", si.exec.ID)
	}
}

func (si *sagaInstance) fire(trigger string, args ...interface{}) {
	if err := si.fsm.Fire(trigger, args...); err != nil {
		si.orch.logger.Error(si.ctx, "saga state machine rejected trigger", "execution_id", si.exec.ID, "trigger", trigger, "error", err)
	}
}

func (si *sagaInstance) executeSteps(_ context.Context, _ ...interface{}) error {
	steps := si.def.Steps

	for i := si.startIndex; i < len(steps); i++ {
		if si.cancelRequested.Load() {
			si.setError(cancelStepID, fmt.Errorf("saga cancelled"), "")
			si.fire(triggerCompensate)
			return nil
		}
		if si.timedOut.Load() {
			si.setError(globalStepID, ErrSagaTimeout, "")
			si.fire(triggerCompensate)
			return nil
		}

		step := steps[i]
		si.setCurrentStep(i)

		if step.Condition != nil && !si.evalCondition(step) {
			si.sagaCtx.Log("info", fmt.Sprintf("step %s skipped by condition", step.ID), step.ID)
			continue
		}

		record, err := si.runStep(step)
		si.appendRecord(record)
		if err != nil {
			stepID := step.ID
			if errors.Is(err, ErrSagaTimeout) {
				stepID = globalStepID
			}
			si.setError(stepID, err, stackTrace())
			si.sagaCtx.Log("error", fmt.Sprintf("step %s failed: %v", step.ID, err), step.ID)
			si.fire(triggerCompensate)
			return nil
		}

		si.sagaCtx.SetResult(step.ID, record.Result)
		if step.Compensation != nil {
			si.pushCompensation(step.ID)
		}
	}

	if si.timedOut.Load() {
		si.setError(globalStepID, ErrSagaTimeout, "")
		si.fire(triggerCompensate)
		return nil
	}

	si.fire(triggerComplete)
	return nil
}

func (si *sagaInstance) evalCondition(step *SagaStep) bool {
	defer func() {
		if v := recover(); v != nil {
			si.orch.logger.Warn(si.ctx, "step condition panicked, treating as false", "execution_id", si.exec.ID, "step_id", step.ID, "panic", v)
		}
	}()
	return step.Condition(si.sagaCtx)
}

// runStep executes one step action with the step's retry policy (falling
// back to the saga-level policy) and timeout race.
func (si *sagaInstance) runStep(step *SagaStep) (StepRecord, error) {
	policy := step.Retry
	if policy == nil {
		policy = si.def.Config.Retry
	}

	maxAttempts := 1
	var delay time.Duration
	kind := BackoffLinear
	if policy != nil {
		if policy.MaxAttempts > 1 {
			maxAttempts = policy.MaxAttempts
		}
		delay = policy.Delay
		if policy.Backoff != "" {
			kind = policy.Backoff
		}
	}

	var backoff retry.Backoff
	switch kind {
	case BackoffExponential:
		backoff = retry.NewExponential(maxDuration(delay, time.Nanosecond))
	default:
		var attempt uint64
		backoff = retry.BackoffFunc(func() (time.Duration, bool) {
			attempt++
			return delay * time.Duration(attempt), false
		})
	}
	backoff = retry.WithMaxRetries(uint64(maxAttempts-1), backoff)

	record := StepRecord{
		StepID:    step.ID,
		StartedAt: time.Now(),
	}

	var out interface{}
	attempts := 0
	err := retry.Do(si.ctx, backoff, func(ctx context.Context) error {
		attempts++
		res, aerr := si.runAttempt(step)
		if aerr != nil {
			if errors.Is(aerr, ErrSagaTimeout) {
				return aerr // global timeout is never retried
			}
			si.sagaCtx.Log("warn", fmt.Sprintf("step %s attempt %d failed: %v", step.ID, attempts, aerr), step.ID)
			return retry.RetryableError(aerr)
		}
		out = res
		return nil
	})

	record.Attempts = attempts
	record.CompletedAt = time.Now()
	record.Duration = record.CompletedAt.Sub(record.StartedAt)

	if err != nil {
		record.Status = StepStatusFailed
		record.Error = err.Error()
		return record, err
	}

	record.Status = StepStatusCompleted
	record.Result = out
	return record, nil
}

// runAttempt races the step action against the step timeout and the saga
// global timeout. The action goroutine is never forcibly aborted; a losing
// race only abandons the wait.
func (si *sagaInstance) runAttempt(step *SagaStep) (interface{}, error) {
	type actionResult struct {
		out interface{}
		err error
	}
	resCh := make(chan actionResult, 1)

	go func() {
		defer func() {
			if v := recover(); v != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				resCh <- actionResult{err: errors.Join(ErrStepPanicked, fmt.Errorf("step %s panicked: %v\n%s", step.ID, v, buf[:n]))}
			}
		}()
		out, err := step.Action(si.sagaCtx)
		resCh <- actionResult{out: out, err: err}
	}()

	var timeoutCh <-chan time.Time
	if step.Timeout > 0 {
		timer := time.NewTimer(step.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-resCh:
		return res.out, res.err
	case <-timeoutCh:
		return nil, errors.Join(ErrStepTimeout, fmt.Errorf("step %s timed out after %s", step.ID, step.Timeout))
	case <-si.interrupt:
		return nil, ErrSagaTimeout
	case <-si.ctx.Done():
		return nil, si.ctx.Err()
	}
}

func (si *sagaInstance) executeCompensations(_ context.Context, _ ...interface{}) error {
	si.setStatus(SagaStatusCompensating)
	si.sagaCtx.notifyProgress(SagaStatusCompensating, "")

	queue := si.compensationSnapshot()
	order := make([]string, len(queue))
	if si.def.Config.ReverseCompensation {
		for i, id := range queue {
			order[len(queue)-1-i] = id
		}
	} else {
		copy(order, queue)
	}

	for _, stepID := range order {
		step := si.stepByID(stepID)
		if step == nil || step.Compensation == nil {
			continue
		}
		si.sagaCtx.Log("info", fmt.Sprintf("compensating step %s", stepID), stepID)
		if err := si.runCompensation(step); err != nil {
			si.sagaCtx.Log("error", fmt.Sprintf("compensation for step %s failed: %v", stepID, err), stepID)
			if !si.def.Config.ContinueOnCompensationFailure {
				si.fire(triggerFail)
				return nil
			}
			continue
		}
		si.markCompensated(stepID)
	}

	si.fire(triggerCompensated)
	return nil
}

func (si *sagaInstance) runCompensation(step *SagaStep) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("compensation for step %s panicked: %v", step.ID, v)
		}
	}()
	return step.Compensation(si.sagaCtx)
}

func (si *sagaInstance) onCompleted(_ context.Context, _ ...interface{}) error {
	si.finish(SagaStatusCompleted)
	si.runHook(si.def.Config.OnSuccess, "success")
	si.orch.logger.Debug(si.ctx, "saga completed", "execution_id", si.exec.ID, "saga_id", si.def.ID)
	return nil
}

func (si *sagaInstance) onCompensated(_ context.Context, _ ...interface{}) error {
	si.finish(SagaStatusCompensated)
	si.runHook(si.def.Config.OnFailure, "failure")
	si.orch.logger.Debug(si.ctx, "saga compensated", "execution_id", si.exec.ID, "saga_id", si.def.ID)
	return nil
}

func (si *sagaInstance) onFailed(_ context.Context, _ ...interface{}) error {
	si.finish(SagaStatusFailed)
	si.runHook(si.def.Config.OnFailure, "failure")
	si.orch.logger.Warn(si.ctx, "saga failed", "execution_id", si.exec.ID, "saga_id", si.def.ID)
	return nil
}

func (si *sagaInstance) finish(status SagaStatus) {
	if si.globalTimer != nil {
		si.globalTimer.Stop()
	}
	si.mu.Lock()
	si.exec.State.Status = status
	si.exec.State.CompletedAt = nowPtr()
	si.mu.Unlock()
	si.sagaCtx.notifyProgress(status, "")
}

func (si *sagaInstance) runHook(hook SagaHook, kind string) {
	if hook == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			si.orch.logger.Warn(si.ctx, "saga hook panicked", "execution_id", si.exec.ID, "hook", kind, "panic", v)
		}
	}()
	if err := hook(si.sagaCtx); err != nil {
		si.orch.logger.Warn(si.ctx, "saga hook failed", "execution_id", si.exec.ID, "hook", kind, "error", err)
	}
}

func (si *sagaInstance) requestCancel() error {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.exec.State.Status != SagaStatusRunning {
		return errors.Join(ErrSagaNotRunning, fmt.Errorf("execution %s is %s", si.exec.ID, si.exec.State.Status))
	}
	si.cancelRequested.Store(true)
	return nil
}

// prepareRetry truncates the run record to the target step and resets the
// execution for another pass. Only terminal executions can be retried.
func (si *sagaInstance) prepareRetry(fromStepID string) (int, error) {
	si.mu.Lock()
	defer si.mu.Unlock()

	if !si.exec.State.Status.Terminal() {
		return 0, errors.Join(ErrSagaActive, fmt.Errorf("execution %s is %s", si.exec.ID, si.exec.State.Status))
	}

	target := si.exec.State.CurrentStepIndex
	if fromStepID != "" {
		idx, ok := si.stepIndex[fromStepID]
		if !ok {
			return 0, errors.Join(ErrInvalidSagaDefinition, fmt.Errorf("saga %s has no step %s", si.def.ID, fromStepID))
		}
		target = idx
	}

	kept := si.exec.State.CompletedSteps[:0:0]
	queue := si.exec.State.CompensationQueue[:0:0]
	for _, record := range si.exec.State.CompletedSteps {
		idx, ok := si.stepIndex[record.StepID]
		if !ok || idx >= target {
			continue
		}
		kept = append(kept, record)
		if record.Status == StepStatusCompleted && si.def.Steps[idx].Compensation != nil {
			queue = append(queue, record.StepID)
		}
	}
	si.exec.State.CompletedSteps = kept
	si.exec.State.CompensationQueue = queue
	si.exec.State.Error = nil
	si.exec.State.CurrentStepIndex = target

	si.cancelRequested.Store(false)
	si.timedOut.Store(false)
	si.interrupt = make(chan struct{})

	return target, nil
}

func (si *sagaInstance) snapshot() *SagaExecution {
	si.mu.Lock()
	defer si.mu.Unlock()

	state := SagaExecutionState{
		Status:           si.exec.State.Status,
		CurrentStepIndex: si.exec.State.CurrentStepIndex,
		StartedAt:        si.exec.State.StartedAt,
	}
	state.CompletedSteps = make([]StepRecord, len(si.exec.State.CompletedSteps))
	copy(state.CompletedSteps, si.exec.State.CompletedSteps)
	state.CompensationQueue = make([]string, len(si.exec.State.CompensationQueue))
	copy(state.CompensationQueue, si.exec.State.CompensationQueue)
	if si.exec.State.Error != nil {
		errCopy := *si.exec.State.Error
		state.Error = &errCopy
	}
	if si.exec.State.CompletedAt != nil {
		at := *si.exec.State.CompletedAt
		state.CompletedAt = &at
	}
	state.Logs = si.sagaCtx.snapshotLogs()

	return &SagaExecution{
		ID:      si.exec.ID,
		SagaID:  si.exec.SagaID,
		Context: si.sagaCtx.Results(),
		State:   state,
	}
}

func (si *sagaInstance) setCurrentStep(index int) {
	si.mu.Lock()
	si.exec.State.CurrentStepIndex = index
	si.mu.Unlock()
}

func (si *sagaInstance) setStatus(status SagaStatus) {
	si.mu.Lock()
	si.exec.State.Status = status
	si.mu.Unlock()
}

func (si *sagaInstance) setError(stepID string, err error, stack string) {
	si.mu.Lock()
	si.exec.State.Error = &SagaError{
		StepID:  stepID,
		Message: err.Error(),
		Stack:   stack,
	}
	si.mu.Unlock()
}

func (si *sagaInstance) appendRecord(record StepRecord) {
	si.mu.Lock()
	si.exec.State.CompletedSteps = append(si.exec.State.CompletedSteps, record)
	si.mu.Unlock()
	si.sagaCtx.notifyProgress(SagaStatusRunning, record.StepID)
}

func (si *sagaInstance) pushCompensation(stepID string) {
	si.mu.Lock()
	si.exec.State.CompensationQueue = append(si.exec.State.CompensationQueue, stepID)
	si.mu.Unlock()
}

func (si *sagaInstance) compensationSnapshot() []string {
	si.mu.Lock()
	defer si.mu.Unlock()
	queue := make([]string, len(si.exec.State.CompensationQueue))
	copy(queue, si.exec.State.CompensationQueue)
	return queue
}

func (si *sagaInstance) markCompensated(stepID string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	for i := range si.exec.State.CompletedSteps {
		if si.exec.State.CompletedSteps[i].StepID == stepID && si.exec.State.CompletedSteps[i].Status == StepStatusCompleted {
			si.exec.State.CompletedSteps[i].Status = StepStatusCompensated
		}
	}
}

func (si *sagaInstance) stepByID(id string) *SagaStep {
	idx, ok := si.stepIndex[id]
	if !ok {
		return nil
	}
	return si.def.Steps[idx]
}

func stackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
