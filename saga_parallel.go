package flowlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/retrypool"
)

// parallelTask carries one sub-step through the group's worker pool. The
// worker records the outcome on the task itself so the pool never retries
// and the join can inspect per-sub-step results.
type parallelTask struct {
	step    *SagaStep
	sagaCtx *SagaContext
	result  interface{}
	err     error
	skipped bool
	done    bool
}

type parallelWorker struct {
	ID int
}

func (w *parallelWorker) Run(ctx context.Context, task *parallelTask) error {
	defer func() {
		if v := recover(); v != nil {
			task.err = errors.Join(ErrStepPanicked, fmt.Errorf("step %s panicked: %v", task.step.ID, v))
		}
		task.done = true
	}()

	if task.step.Condition != nil && !task.step.Condition(task.sagaCtx) {
		task.skipped = true
		return nil
	}
	task.result, task.err = task.step.Action(task.sagaCtx)
	return nil
}

// ParallelStep groups a fixed set of sub-steps into one saga step: the
// sub-actions run concurrently through a bounded worker pool and join before
// the saga proceeds. Any sub-failure fails the group step. Sub-results are
// stored in the context under each sub-step's id; the ids of succeeded
// sub-steps are recorded under "<id>.completed" so the group compensation
// can undo exactly what ran.
//
// The group step's compensation runs the sub-steps' compensations in reverse
// definition order, best-effort, for succeeded sub-steps only.
func ParallelStep(id string, concurrency int, steps ...*SagaStep) *SagaStep {
	if concurrency <= 0 {
		concurrency = len(steps)
	}
	completedKey := id + ".completed"

	action := func(ctx *SagaContext) (interface{}, error) {
		if len(steps) == 0 {
			return nil, nil
		}

		workers := make([]retrypool.Worker[*parallelTask], concurrency)
		for i := 0; i < concurrency; i++ {
			workers[i] = &parallelWorker{ID: i}
		}
		pool := retrypool.New(ctx.Context(), workers)
		defer pool.Close()

		tasks := make([]*parallelTask, len(steps))
		for i, step := range steps {
			tasks[i] = &parallelTask{step: step, sagaCtx: ctx}
			if err := pool.Submit(tasks[i]); err != nil {
				return nil, fmt.Errorf("failed to submit sub-step %s: %w", step.ID, err)
			}
		}

		if err := pool.WaitWithCallback(ctx.Context(), func(queueSize, processingCount, deadTaskCount int) bool {
			return queueSize > 0 || processingCount > 0
		}, 10*time.Millisecond); err != nil {
			return nil, fmt.Errorf("parallel group %s interrupted: %w", id, err)
		}

		completed := make([]string, 0, len(tasks))
		results := make(map[string]interface{}, len(tasks))
		var errs []error
		for _, task := range tasks {
			if task.skipped {
				ctx.Log("info", fmt.Sprintf("sub-step %s skipped by condition", task.step.ID), task.step.ID)
				continue
			}
			if task.err != nil {
				errs = append(errs, fmt.Errorf("sub-step %s: %w", task.step.ID, task.err))
				continue
			}
			ctx.SetResult(task.step.ID, task.result)
			results[task.step.ID] = task.result
			completed = append(completed, task.step.ID)
		}
		ctx.SetResult(completedKey, completed)

		if len(errs) > 0 {
			// undo the group's own partial work; a failed step is never
			// queued for compensation by the saga
			compensateSubSteps(ctx, steps, completed)
			ctx.SetResult(completedKey, []string{})
			return results, errors.Join(errs...)
		}
		return results, nil
	}

	compensation := func(ctx *SagaContext) error {
		raw, ok := ctx.GetResult(completedKey)
		if !ok {
			return nil
		}
		completed, ok := raw.([]string)
		if !ok {
			return nil
		}
		return compensateSubSteps(ctx, steps, completed)
	}

	return &SagaStep{
		ID:           id,
		Name:         id,
		Action:       action,
		Compensation: compensation,
	}
}

// compensateSubSteps undoes the named sub-steps in reverse definition order,
// best-effort.
func compensateSubSteps(ctx *SagaContext, steps []*SagaStep, completed []string) error {
	ran := make(map[string]struct{}, len(completed))
	for _, stepID := range completed {
		ran[stepID] = struct{}{}
	}

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Compensation == nil {
			continue
		}
		if _, ok := ran[step.ID]; !ok {
			continue
		}
		if err := step.Compensation(ctx); err != nil {
			ctx.Log("error", fmt.Sprintf("sub-step %s compensation failed: %v", step.ID, err), step.ID)
			errs = append(errs, fmt.Errorf("sub-step %s: %w", step.ID, err))
		}
	}
	return errors.Join(errs...)
}
