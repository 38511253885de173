package flowlite

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/sasha-s/go-deadlock"
)

const (
	tableExecution = "execution"
	tableWorkflow  = "workflow"
	tableSchedule  = "schedule"
)

// defaultListLimit batches ListExecutions reads so callers without an
// explicit limit never drag the whole table out at once.
const defaultListLimit = 100

// StepHandler is the provider-side implementation of a workflow step.
// Steps whose Handler name has no registered StepHandler complete as no-op
// pass-throughs.
type StepHandler func(ctx context.Context, input map[string]interface{}) (interface{}, error)

type memSchedule struct {
	ID         string
	WorkflowID string
}

// MemoryProvider is a complete in-process WorkflowProvider backed by an
// indexed in-memory store. It exists for tests, local development, and as
// the reference provider behavior other backends are measured against.
type MemoryProvider struct {
	ctx    context.Context
	cancel context.CancelFunc

	db *memdb.MemDB
	// writeMu serializes the runner's read-modify-write transitions with
	// CancelExecution.
	writeMu deadlock.Mutex

	handlersMu deadlock.RWMutex
	handlers   map[string]StepHandler

	closed atomic.Bool
	logger Logger
}

type memoryConfig struct {
	logger Logger
}

type memoryOption func(*memoryConfig)

func WithMemoryLogger(logger Logger) memoryOption {
	return func(cfg *memoryConfig) {
		cfg.logger = logger
	}
}

func NewMemoryProvider(opts ...memoryOption) *MemoryProvider {
	cfg := memoryConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(defaultLogLevel, TextFormat)
	}
	return &MemoryProvider{
		handlers: make(map[string]StepHandler),
		logger:   cfg.logger,
	}
}

// RegisterHandler binds a provider-side handler name to an implementation.
// Handlers are resolved by WorkflowStep.Handler at execution time.
func (p *MemoryProvider) RegisterHandler(name string, handler StepHandler) {
	p.handlersMu.Lock()
	p.handlers[name] = handler
	p.handlersMu.Unlock()
}

func (p *MemoryProvider) handler(name string) StepHandler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return p.handlers[name]
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableExecution: {
				Name: tableExecution,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"workflow": {
						Name:    "workflow",
						Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"},
					},
				},
			},
			tableWorkflow: {
				Name: tableWorkflow,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			tableSchedule: {
				Name: tableSchedule,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"workflow": {
						Name:    "workflow",
						Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"},
					},
				},
			},
		},
	}
}

func (p *MemoryProvider) Init(ctx context.Context) error {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}
	p.db = db
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.logger.Debug(ctx, "memory provider initialized")
	return nil
}

func (p *MemoryProvider) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Debug(ctx, "memory provider closed")
	return nil
}

func (p *MemoryProvider) guard() error {
	if p.closed.Load() || p.db == nil {
		return ErrProviderClosed
	}
	return nil
}

func (p *MemoryProvider) Execute(ctx context.Context, def *WorkflowDefinition, input map[string]interface{}) (*WorkflowExecution, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	if err := validateWorkflowDefinition(def); err != nil {
		return nil, err
	}

	exec := &WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Status:     ExecutionStatusPending,
		Input:      copyValues(input),
		StartedAt:  time.Now(),
	}

	p.writeMu.Lock()
	txn := p.db.Txn(true)
	if err := txn.Insert(tableWorkflow, copyDefinition(def)); err != nil {
		txn.Abort()
		p.writeMu.Unlock()
		return nil, fmt.Errorf("failed to store definition: %w", err)
	}
	if err := txn.Insert(tableExecution, copyExecution(exec)); err != nil {
		txn.Abort()
		p.writeMu.Unlock()
		return nil, fmt.Errorf("failed to store execution: %w", err)
	}
	txn.Commit()
	p.writeMu.Unlock()

	go p.runExecution(copyDefinition(def), copyExecution(exec))

	p.logger.Debug(ctx, "execution accepted", "execution_id", exec.ID, "workflow_id", def.ID)
	return copyExecution(exec), nil
}

// runExecution walks the definition steps on its own goroutine, re-reading
// the stored record before each step so cancellation takes effect between
// steps.
func (p *MemoryProvider) runExecution(def *WorkflowDefinition, exec *WorkflowExecution) {
	exec.Status = ExecutionStatusRunning
	if !p.storeTransition(exec) {
		return
	}

	output := copyValues(exec.Input)
	if output == nil {
		output = make(map[string]interface{})
	}

	for _, step := range def.Steps {
		if p.ctx.Err() != nil || p.cancelled(exec.ID) {
			return
		}

		record := StepExecution{
			StepID:    step.ID,
			Status:    ExecutionStatusRunning,
			StartedAt: time.Now(),
		}

		handler := p.handler(step.Handler)
		var result interface{}
		var err error
		if handler != nil {
			result, err = p.runHandler(handler, exec.Input)
		}

		now := time.Now()
		record.CompletedAt = &now
		if err != nil {
			record.Status = ExecutionStatusFailed
			record.Error = err.Error()
			exec.Steps = append(exec.Steps, record)
			exec.Status = ExecutionStatusFailed
			exec.Error = fmt.Sprintf("step %s: %v", step.ID, err)
			exec.CompletedAt = &now
			p.storeTransition(exec)
			p.logger.Debug(p.ctx, "execution failed", "execution_id", exec.ID, "step_id", step.ID, "error", err)
			return
		}

		record.Status = ExecutionStatusCompleted
		record.Output = result
		exec.Steps = append(exec.Steps, record)
		if result != nil {
			output[step.ID] = result
		}
		if !p.storeTransition(exec) {
			return
		}
	}

	now := time.Now()
	exec.Status = ExecutionStatusCompleted
	exec.Output = output
	exec.CompletedAt = &now
	p.storeTransition(exec)
	p.logger.Debug(p.ctx, "execution completed", "execution_id", exec.ID)
}

func (p *MemoryProvider) runHandler(handler StepHandler, input map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("handler panicked: %v", v)
		}
	}()
	return handler(p.ctx, input)
}

// storeTransition writes the runner's view of the execution unless a
// concurrent cancel already terminated it. Reports whether the runner may
// continue.
func (p *MemoryProvider) storeTransition(exec *WorkflowExecution) bool {
	if p.guard() != nil {
		return false
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	txn := p.db.Txn(true)
	raw, err := txn.First(tableExecution, "id", exec.ID)
	if err == nil && raw != nil {
		// a concurrent cancel wins over any pending runner write
		if raw.(*WorkflowExecution).Status.Terminal() {
			txn.Abort()
			return false
		}
	}
	if err := txn.Insert(tableExecution, copyExecution(exec)); err != nil {
		txn.Abort()
		p.logger.Error(p.ctx, "failed to store execution transition", "execution_id", exec.ID, "error", err)
		return false
	}
	txn.Commit()
	return true
}

func (p *MemoryProvider) cancelled(executionID string) bool {
	txn := p.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableExecution, "id", executionID)
	if err != nil || raw == nil {
		return false
	}
	return raw.(*WorkflowExecution).Status == ExecutionStatusCancelled
}

func (p *MemoryProvider) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	txn := p.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableExecution, "id", executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read execution %s: %w", executionID, err)
	}
	if raw == nil {
		return nil, nil
	}
	return copyExecution(raw.(*WorkflowExecution)), nil
}

func (p *MemoryProvider) ListExecutions(ctx context.Context, workflowID string, opts *ListExecutionsOptions) ([]*WorkflowExecution, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	limit := defaultListLimit
	offset := 0
	var status ExecutionStatus
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		offset = opts.Offset
		status = opts.Status
	}

	txn := p.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableExecution, "workflow", workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for %s: %w", workflowID, err)
	}

	executions := make([]*WorkflowExecution, 0, limit)
	skipped := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		exec := raw.(*WorkflowExecution)
		if status != "" && exec.Status != status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		executions = append(executions, copyExecution(exec))
		if len(executions) >= limit {
			break
		}
	}
	return executions, nil
}

func (p *MemoryProvider) CancelExecution(ctx context.Context, executionID string) (bool, error) {
	if err := p.guard(); err != nil {
		return false, err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	txn := p.db.Txn(true)
	raw, err := txn.First(tableExecution, "id", executionID)
	if err != nil {
		txn.Abort()
		return false, fmt.Errorf("failed to read execution %s: %w", executionID, err)
	}
	if raw == nil {
		txn.Abort()
		return false, nil
	}
	exec := raw.(*WorkflowExecution)
	if exec.Status.Terminal() {
		txn.Abort()
		return false, nil
	}
	cancelled := copyExecution(exec)
	now := time.Now()
	cancelled.Status = ExecutionStatusCancelled
	cancelled.CompletedAt = &now
	if err := txn.Insert(tableExecution, cancelled); err != nil {
		txn.Abort()
		return false, fmt.Errorf("failed to cancel execution %s: %w", executionID, err)
	}
	txn.Commit()
	p.logger.Debug(ctx, "execution cancelled", "execution_id", executionID)
	return true, nil
}

func (p *MemoryProvider) ScheduleWorkflow(ctx context.Context, def *WorkflowDefinition) (string, error) {
	if err := p.guard(); err != nil {
		return "", err
	}
	if err := validateWorkflowDefinition(def); err != nil {
		return "", err
	}
	if def.Schedule == "" {
		return "", errors.Join(ErrNoSchedule, fmt.Errorf("workflow %s", def.ID))
	}

	scheduleID := uuid.NewString()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	txn := p.db.Txn(true)
	if err := txn.Insert(tableWorkflow, copyDefinition(def)); err != nil {
		txn.Abort()
		return "", fmt.Errorf("failed to store definition: %w", err)
	}
	if err := txn.Insert(tableSchedule, &memSchedule{ID: scheduleID, WorkflowID: def.ID}); err != nil {
		txn.Abort()
		return "", fmt.Errorf("failed to store schedule: %w", err)
	}
	txn.Commit()
	p.logger.Debug(ctx, "workflow scheduled", "workflow_id", def.ID, "schedule_id", scheduleID)
	return scheduleID, nil
}

func (p *MemoryProvider) UnscheduleWorkflow(ctx context.Context, workflowID string) (bool, error) {
	if err := p.guard(); err != nil {
		return false, err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	txn := p.db.Txn(true)
	n, err := txn.DeleteAll(tableSchedule, "workflow", workflowID)
	if err != nil {
		txn.Abort()
		return false, fmt.Errorf("failed to unschedule workflow %s: %w", workflowID, err)
	}
	txn.Commit()
	return n > 0, nil
}

// GetWorkflow implements WorkflowResolver: definitions are retained from
// Execute and ScheduleWorkflow calls.
func (p *MemoryProvider) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	txn := p.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableWorkflow, "id", workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", workflowID, err)
	}
	if raw == nil {
		return nil, nil
	}
	return copyDefinition(raw.(*WorkflowDefinition)), nil
}

func (p *MemoryProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := p.guard(); err != nil {
		return &HealthStatus{
			Status:       Unhealthy,
			ResponseTime: time.Since(start),
			Timestamp:    time.Now(),
			Error:        err.Error(),
		}, nil
	}

	txn := p.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableExecution, "id")
	if err != nil {
		return &HealthStatus{
			Status:       Unhealthy,
			ResponseTime: time.Since(start),
			Timestamp:    time.Now(),
			Error:        err.Error(),
		}, nil
	}
	count := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		count++
	}

	return &HealthStatus{
		Status:       Healthy,
		ResponseTime: time.Since(start),
		Timestamp:    time.Now(),
		Details: map[string]interface{}{
			"executions": count,
		},
	}, nil
}

func copyValues(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return nil
	}
	cp := make(map[string]interface{}, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return cp
}

func copyExecution(exec *WorkflowExecution) *WorkflowExecution {
	cp := *exec
	cp.Steps = make([]StepExecution, len(exec.Steps))
	copy(cp.Steps, exec.Steps)
	cp.Input = copyValues(exec.Input)
	cp.Output = copyValues(exec.Output)
	if exec.CompletedAt != nil {
		at := *exec.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func copyDefinition(def *WorkflowDefinition) *WorkflowDefinition {
	cp := *def
	cp.Steps = make([]WorkflowStep, len(def.Steps))
	copy(cp.Steps, def.Steps)
	return &cp
}
