package flowlite

import (
	"context"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// SagaContext is the per-execution surface handed to step actions,
// compensations, conditions and hooks: a keyed result store for data flow
// between steps and an append-only structured log sink. It is scoped to one
// SagaExecution.
type SagaContext struct {
	ctx         context.Context
	executionID string
	sagaID      string

	mu      deadlock.RWMutex
	results map[string]interface{}
	logs    []SagaLogEntry

	logger   Logger
	progress ProgressHook
}

// ProgressHook observes saga progress events: one call per step record
// appended and per status transition.
type ProgressHook func(executionID string, status SagaStatus, stepID string)

func newSagaContext(ctx context.Context, executionID, sagaID string, initial map[string]interface{}, logger Logger, progress ProgressHook) *SagaContext {
	results := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		results[k] = v
	}
	return &SagaContext{
		ctx:         ctx,
		executionID: executionID,
		sagaID:      sagaID,
		results:     results,
		logger:      logger,
		progress:    progress,
	}
}

// Context returns the execution-scoped context; it is done once the saga
// has been cancelled or its orchestrator closed.
func (c *SagaContext) Context() context.Context {
	return c.ctx
}

func (c *SagaContext) ExecutionID() string {
	return c.executionID
}

func (c *SagaContext) SagaID() string {
	return c.sagaID
}

// SetResult stores a value under key, replacing any previous value.
func (c *SagaContext) SetResult(key string, value interface{}) {
	c.mu.Lock()
	c.results[key] = value
	c.mu.Unlock()
}

// GetResult returns the value stored under key.
func (c *SagaContext) GetResult(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.results[key]
	return value, ok
}

// Results returns a snapshot of the whole result store.
func (c *SagaContext) Results() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]interface{}, len(c.results))
	for k, v := range c.results {
		snapshot[k] = v
	}
	return snapshot
}

// Log appends a structured entry to the execution log and mirrors it to the
// orchestrator logger.
func (c *SagaContext) Log(level, message, stepID string) {
	entry := SagaLogEntry{
		Level:     level,
		Message:   message,
		StepID:    stepID,
		Timestamp: time.Now(),
	}
	c.mu.Lock()
	c.logs = append(c.logs, entry)
	c.mu.Unlock()

	switch level {
	case "error":
		c.logger.Error(c.ctx, message, "execution_id", c.executionID, "step_id", stepID)
	case "warn":
		c.logger.Warn(c.ctx, message, "execution_id", c.executionID, "step_id", stepID)
	default:
		c.logger.Debug(c.ctx, message, "execution_id", c.executionID, "step_id", stepID)
	}
}

func (c *SagaContext) snapshotLogs() []SagaLogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	logs := make([]SagaLogEntry, len(c.logs))
	copy(logs, c.logs)
	return logs
}

func (c *SagaContext) notifyProgress(status SagaStatus, stepID string) {
	if c.progress == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			c.logger.Warn(c.ctx, "progress hook panicked", "execution_id", c.executionID, "panic", v)
		}
	}()
	c.progress(c.executionID, status, stepID)
}
