package flowlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sasha-s/go-deadlock"
)

// SagaOrchestrator runs compensating workflows: ordered steps with
// retry/backoff/timeout, a compensation queue, and reverse-order undo on
// failure. Executions are owned by the orchestrator for their lifetime,
// keyed by execution id.
type SagaOrchestrator struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu         deadlock.RWMutex
	executions map[string]*sagaInstance
	cache      *lru.Cache // replaces executions when a capacity is configured

	logger   Logger
	progress ProgressHook
}

type sagaConfig struct {
	logger   Logger
	progress ProgressHook
	capacity int
}

type sagaOption func(*sagaConfig)

func WithSagaLogger(logger Logger) sagaOption {
	return func(cfg *sagaConfig) {
		cfg.logger = logger
	}
}

// WithProgressHook installs an observer called on every step record and
// status transition of every execution.
func WithProgressHook(hook ProgressHook) sagaOption {
	return func(cfg *sagaConfig) {
		cfg.progress = hook
	}
}

// WithExecutionCapacity bounds the execution table with an LRU policy.
// Long-running processes should set this; the default keeps every execution
// for the process lifetime.
func WithExecutionCapacity(n int) sagaOption {
	return func(cfg *sagaConfig) {
		cfg.capacity = n
	}
}

func NewSagaOrchestrator(ctx context.Context, opts ...sagaOption) (*SagaOrchestrator, error) {
	cfg := sagaConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(defaultLogLevel, TextFormat)
	}

	ctx, cancel := context.WithCancel(ctx)
	o := &SagaOrchestrator{
		ctx:      ctx,
		cancel:   cancel,
		logger:   cfg.logger,
		progress: cfg.progress,
	}

	if cfg.capacity > 0 {
		cache, err := lru.NewWithEvict(cfg.capacity, func(key interface{}, _ interface{}) {
			o.logger.Warn(ctx, "saga execution evicted by capacity policy", "execution_id", key)
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create execution cache: %w", err)
		}
		o.cache = cache
	} else {
		o.executions = make(map[string]*sagaInstance)
	}

	return o, nil
}

// Close cancels the orchestrator context. In-flight step actions observe the
// cancellation cooperatively.
func (o *SagaOrchestrator) Close() {
	o.logger.Debug(o.ctx, "closing saga orchestrator")
	o.cancel()
}

func (o *SagaOrchestrator) storeInstance(id string, si *sagaInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cache != nil {
		o.cache.Add(id, si)
		return
	}
	o.executions[id] = si
}

func (o *SagaOrchestrator) loadInstance(id string) (*sagaInstance, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.cache != nil {
		if v, ok := o.cache.Get(id); ok {
			return v.(*sagaInstance), nil
		}
		return nil, errors.Join(ErrSagaNotFound, fmt.Errorf("execution %s", id))
	}
	si, ok := o.executions[id]
	if !ok {
		return nil, errors.Join(ErrSagaNotFound, fmt.Errorf("execution %s", id))
	}
	return si, nil
}

// ExecuteSaga validates the definition and begins executing it on its own
// goroutine. The returned execution id is available immediately; callers
// poll GetSagaExecution for progress.
func (o *SagaOrchestrator) ExecuteSaga(def *SagaDefinition, initial map[string]interface{}) (string, error) {
	if err := validateSagaDefinition(def); err != nil {
		o.logger.Error(o.ctx, err.Error(), "saga_id", sagaID(def))
		return "", err
	}

	executionID := uuid.NewString()
	si := newSagaInstance(o, def, executionID, initial)
	o.storeInstance(executionID, si)

	o.logger.Debug(o.ctx, "saga execution accepted", "saga_id", def.ID, "execution_id", executionID)
	go si.run(0, true)

	return executionID, nil
}

// GetSagaExecution returns a deep snapshot of the execution. Snapshots taken
// after a terminal state are identical on every call.
func (o *SagaOrchestrator) GetSagaExecution(id string) (*SagaExecution, error) {
	si, err := o.loadInstance(id)
	if err != nil {
		return nil, err
	}
	return si.snapshot(), nil
}

// ListSagaExecutions returns snapshots of every retained execution.
func (o *SagaOrchestrator) ListSagaExecutions() []*SagaExecution {
	o.mu.RLock()
	instances := make([]*sagaInstance, 0)
	if o.cache != nil {
		for _, key := range o.cache.Keys() {
			if v, ok := o.cache.Peek(key); ok {
				instances = append(instances, v.(*sagaInstance))
			}
		}
	} else {
		for _, si := range o.executions {
			instances = append(instances, si)
		}
	}
	o.mu.RUnlock()

	executions := make([]*SagaExecution, 0, len(instances))
	for _, si := range instances {
		executions = append(executions, si.snapshot())
	}
	return executions
}

// CancelSaga requests cooperative cancellation of a running execution. The
// current step is not aborted; once it finishes, the saga takes the same
// compensating path as a step failure. There is no separate cancelled
// terminal state.
func (o *SagaOrchestrator) CancelSaga(id string) error {
	si, err := o.loadInstance(id)
	if err != nil {
		return err
	}
	if err := si.requestCancel(); err != nil {
		o.logger.Warn(o.ctx, "cancel rejected", "execution_id", id, "error", err)
		return err
	}
	o.logger.Debug(o.ctx, "saga cancellation requested", "execution_id", id)
	return nil
}

// RetrySaga resumes a terminal execution from fromStepID (or from the step
// that failed when empty): completed-step records at and past the target are
// discarded, the compensation queue is rebuilt, and the step loop runs again
// from there. The saga's global timeout is not re-armed; it bounds only the
// original run.
func (o *SagaOrchestrator) RetrySaga(id string, fromStepID string) error {
	si, err := o.loadInstance(id)
	if err != nil {
		return err
	}
	startIndex, err := si.prepareRetry(fromStepID)
	if err != nil {
		return err
	}
	o.logger.Debug(o.ctx, "saga retry accepted", "execution_id", id, "from_index", startIndex)
	go si.run(startIndex, false)
	return nil
}

func sagaID(def *SagaDefinition) string {
	if def == nil {
		return ""
	}
	return def.ID
}

// nowPtr is a tiny helper for the *time.Time completion fields.
func nowPtr() *time.Time {
	now := time.Now()
	return &now
}
