package flowlite

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// ProviderRegistry owns named provider instances and routes every workflow
// operation to an explicit or default provider. It holds no workflow state
// of its own and is the only component that calls provider lifecycle
// methods.
type ProviderRegistry struct {
	ctx context.Context

	mu          deadlock.RWMutex
	providers   map[string]WorkflowProvider
	defaultName string

	healthTimeout time.Duration
	logger        Logger
}

type registryConfig struct {
	healthTimeout time.Duration
	logger        Logger
}

type registryOption func(*registryConfig)

// WithHealthCheckTimeout overrides the independent per-provider timeout
// applied during HealthCheckAll. Default is 5s.
func WithHealthCheckTimeout(d time.Duration) registryOption {
	return func(cfg *registryConfig) {
		cfg.healthTimeout = d
	}
}

func WithRegistryLogger(logger Logger) registryOption {
	return func(cfg *registryConfig) {
		cfg.logger = logger
	}
}

func NewProviderRegistry(ctx context.Context, opts ...registryOption) *ProviderRegistry {
	cfg := registryConfig{
		healthTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(defaultLogLevel, TextFormat)
	}
	return &ProviderRegistry{
		ctx:           ctx,
		providers:     make(map[string]WorkflowProvider),
		healthTimeout: cfg.healthTimeout,
		logger:        cfg.logger,
	}
}

type registerConfig struct {
	isDefault bool
}

type RegisterOption func(*registerConfig)

// AsDefault marks the provider being registered as the default route even if
// another provider was registered first.
func AsDefault() RegisterOption {
	return func(cfg *registerConfig) {
		cfg.isDefault = true
	}
}

// RegisterProvider registers a named provider and initializes it. The first
// registered provider becomes the default unless a later one is registered
// with AsDefault.
func (r *ProviderRegistry) RegisterProvider(name string, provider WorkflowProvider, opts ...RegisterOption) error {
	if name == "" {
		return fmt.Errorf("provider name is empty")
	}
	if provider == nil {
		return fmt.Errorf("provider %s is nil", name)
	}

	cfg := registerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.Lock()
	if _, ok := r.providers[name]; ok {
		r.mu.Unlock()
		r.logger.Error(r.ctx, "provider already registered", "provider", name)
		return errors.Join(ErrDuplicateProvider, fmt.Errorf("provider %s", name))
	}
	r.providers[name] = provider
	if r.defaultName == "" || cfg.isDefault {
		r.defaultName = name
	}
	r.mu.Unlock()

	if err := provider.Init(r.ctx); err != nil {
		r.mu.Lock()
		delete(r.providers, name)
		if r.defaultName == name {
			r.defaultName = ""
			for other := range r.providers {
				r.defaultName = other
				break
			}
		}
		r.mu.Unlock()
		err := errors.Join(fmt.Errorf("failed to initialize provider %s", name), err)
		r.logger.Error(r.ctx, err.Error(), "provider", name)
		return err
	}

	r.logger.Debug(r.ctx, "provider registered", "provider", name, "default", r.DefaultProvider() == name)
	return nil
}

// DefaultProvider returns the name of the current default provider, or the
// empty string when none is registered.
func (r *ProviderRegistry) DefaultProvider() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// ProviderNames returns the registered provider names.
func (r *ProviderRegistry) ProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// resolve returns the provider for name, falling back to the default when
// name is empty. Unknown names and a missing default both resolve to
// ErrNoProvider: no provider is ever called on a failed resolution.
func (r *ProviderRegistry) resolve(name string) (WorkflowProvider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	if name == "" {
		return nil, "", errors.Join(ErrNoProvider, fmt.Errorf("no default provider registered"))
	}
	provider, ok := r.providers[name]
	if !ok {
		return nil, "", errors.Join(ErrNoProvider, fmt.Errorf("provider %s is not registered", name))
	}
	return provider, name, nil
}

// ExecuteWorkflow validates the definition, resolves the target provider
// (explicit name, else default) and delegates. providerName may be empty.
func (r *ProviderRegistry) ExecuteWorkflow(ctx context.Context, def *WorkflowDefinition, input map[string]interface{}, providerName string) (*WorkflowExecution, error) {
	if err := validateWorkflowDefinition(def); err != nil {
		r.logger.Error(ctx, err.Error(), "workflow_id", workflowID(def))
		return nil, err
	}
	provider, name, err := r.resolve(providerName)
	if err != nil {
		r.logger.Error(ctx, err.Error(), "workflow_id", def.ID)
		return nil, err
	}
	r.logger.Debug(ctx, "executing workflow", "workflow_id", def.ID, "provider", name)
	return provider.Execute(ctx, def, input)
}

// ExecuteWorkflowID resolves a stored definition through the provider's
// WorkflowResolver capability and executes it. Used by the Scheduler, which
// only holds a workflow id.
func (r *ProviderRegistry) ExecuteWorkflowID(ctx context.Context, workflowID string, input map[string]interface{}, providerName string) (*WorkflowExecution, error) {
	provider, name, err := r.resolve(providerName)
	if err != nil {
		r.logger.Error(ctx, err.Error(), "workflow_id", workflowID)
		return nil, err
	}
	resolver, ok := provider.(WorkflowResolver)
	if !ok {
		err := errors.Join(ErrWorkflowNotFound, fmt.Errorf("provider %s cannot resolve workflow %s by id", name, workflowID))
		r.logger.Error(ctx, err.Error(), "workflow_id", workflowID, "provider", name)
		return nil, err
	}
	def, err := resolver.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to resolve workflow %s", workflowID), err)
	}
	if def == nil {
		return nil, errors.Join(ErrWorkflowNotFound, fmt.Errorf("workflow %s", workflowID))
	}
	r.logger.Debug(ctx, "executing workflow by id", "workflow_id", workflowID, "provider", name)
	return provider.Execute(ctx, def, input)
}

func (r *ProviderRegistry) GetExecution(ctx context.Context, executionID string, providerName string) (*WorkflowExecution, error) {
	provider, _, err := r.resolve(providerName)
	if err != nil {
		return nil, err
	}
	return provider.GetExecution(ctx, executionID)
}

func (r *ProviderRegistry) ListExecutions(ctx context.Context, workflowID string, opts *ListExecutionsOptions, providerName string) ([]*WorkflowExecution, error) {
	provider, _, err := r.resolve(providerName)
	if err != nil {
		return nil, err
	}
	return provider.ListExecutions(ctx, workflowID, opts)
}

func (r *ProviderRegistry) CancelExecution(ctx context.Context, executionID string, providerName string) (bool, error) {
	provider, name, err := r.resolve(providerName)
	if err != nil {
		return false, err
	}
	r.logger.Debug(ctx, "cancelling execution", "execution_id", executionID, "provider", name)
	return provider.CancelExecution(ctx, executionID)
}

func (r *ProviderRegistry) ScheduleWorkflow(ctx context.Context, def *WorkflowDefinition, providerName string) (string, error) {
	if err := validateWorkflowDefinition(def); err != nil {
		return "", err
	}
	provider, _, err := r.resolve(providerName)
	if err != nil {
		return "", err
	}
	return provider.ScheduleWorkflow(ctx, def)
}

func (r *ProviderRegistry) UnscheduleWorkflow(ctx context.Context, workflowID string, providerName string) (bool, error) {
	provider, _, err := r.resolve(providerName)
	if err != nil {
		return false, err
	}
	return provider.UnscheduleWorkflow(ctx, workflowID)
}

// HealthCheckAll invokes every provider's health check concurrently, each
// under its own timeout. A provider that errors, panics or times out is
// reported unhealthy with the captured error; the aggregate call itself
// never fails.
func (r *ProviderRegistry) HealthCheckAll(ctx context.Context) map[string]*HealthStatus {
	r.mu.RLock()
	providers := make(map[string]WorkflowProvider, len(r.providers))
	for name, provider := range r.providers {
		providers[name] = provider
	}
	r.mu.RUnlock()

	results := make(map[string]*HealthStatus, len(providers))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for name, provider := range providers {
		wg.Add(1)
		go func(name string, provider WorkflowProvider) {
			defer wg.Done()
			status := r.checkOne(ctx, name, provider)
			resultsMu.Lock()
			results[name] = status
			resultsMu.Unlock()
		}(name, provider)
	}
	wg.Wait()

	return results
}

func (r *ProviderRegistry) checkOne(ctx context.Context, name string, provider WorkflowProvider) *HealthStatus {
	checkCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	start := time.Now()
	type checkResult struct {
		status *HealthStatus
		err    error
	}
	done := make(chan checkResult, 1)

	go func() {
		defer func() {
			if v := recover(); v != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				r.logger.Error(ctx, "provider health check panicked", "provider", name, "panic", v, "stack", string(buf[:n]))
				done <- checkResult{err: fmt.Errorf("health check panicked: %v", v)}
			}
		}()
		status, err := provider.HealthCheck(checkCtx)
		done <- checkResult{status: status, err: err}
	}()

	unhealthy := func(err error) *HealthStatus {
		return &HealthStatus{
			Status:       Unhealthy,
			ResponseTime: time.Since(start),
			Timestamp:    time.Now(),
			Error:        err.Error(),
		}
	}

	select {
	case res := <-done:
		if res.err != nil {
			r.logger.Warn(ctx, "provider unhealthy", "provider", name, "error", res.err)
			return unhealthy(res.err)
		}
		if res.status == nil {
			return unhealthy(fmt.Errorf("provider returned no health status"))
		}
		return res.status
	case <-checkCtx.Done():
		err := fmt.Errorf("health check timed out after %s", r.healthTimeout)
		r.logger.Warn(ctx, "provider health check timed out", "provider", name, "timeout", r.healthTimeout)
		return unhealthy(err)
	}
}

// Shutdown closes every provider concurrently, best-effort. A failure in one
// provider's cleanup is logged and does not prevent others from shutting
// down; the joined errors are returned once all attempts finished.
func (r *ProviderRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[string]WorkflowProvider)
	r.defaultName = ""
	r.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(providers))

	for name, provider := range providers {
		wg.Add(1)
		go func(name string, provider WorkflowProvider) {
			defer wg.Done()
			defer func() {
				if v := recover(); v != nil {
					errCh <- fmt.Errorf("provider %s close panicked: %v", name, v)
				}
			}()
			if err := provider.Close(ctx); err != nil {
				r.logger.Error(ctx, "provider shutdown failed", "provider", name, "error", err)
				errCh <- fmt.Errorf("provider %s: %w", name, err)
				return
			}
			r.logger.Debug(ctx, "provider shut down", "provider", name)
		}(name, provider)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func workflowID(def *WorkflowDefinition) string {
	if def == nil {
		return ""
	}
	return def.ID
}
