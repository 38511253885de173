package flowlite

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scriptable WorkflowProvider for routing tests. Every
// hook is optional; the zero value behaves as a healthy no-op provider.
type fakeProvider struct {
	mu           sync.Mutex
	initCalls    int
	executeCalls int
	closeCalls   int

	initErr    error
	closeErr   error
	executeFn  func(ctx context.Context, def *WorkflowDefinition, input map[string]interface{}) (*WorkflowExecution, error)
	healthFn   func(ctx context.Context) (*HealthStatus, error)
	cancelable bool
}

func (p *fakeProvider) Init(ctx context.Context) error {
	p.mu.Lock()
	p.initCalls++
	p.mu.Unlock()
	return p.initErr
}

func (p *fakeProvider) Execute(ctx context.Context, def *WorkflowDefinition, input map[string]interface{}) (*WorkflowExecution, error) {
	p.mu.Lock()
	p.executeCalls++
	p.mu.Unlock()
	if p.executeFn != nil {
		return p.executeFn(ctx, def, input)
	}
	return &WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Status:     ExecutionStatusPending,
		Input:      input,
		StartedAt:  time.Now(),
	}, nil
}

func (p *fakeProvider) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	return nil, nil
}

func (p *fakeProvider) ListExecutions(ctx context.Context, workflowID string, opts *ListExecutionsOptions) ([]*WorkflowExecution, error) {
	return nil, nil
}

func (p *fakeProvider) CancelExecution(ctx context.Context, executionID string) (bool, error) {
	return p.cancelable, nil
}

func (p *fakeProvider) ScheduleWorkflow(ctx context.Context, def *WorkflowDefinition) (string, error) {
	return uuid.NewString(), nil
}

func (p *fakeProvider) UnscheduleWorkflow(ctx context.Context, workflowID string) (bool, error) {
	return false, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	if p.healthFn != nil {
		return p.healthFn(ctx)
	}
	return &HealthStatus{Status: Healthy, Timestamp: time.Now()}, nil
}

func (p *fakeProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closeCalls++
	p.mu.Unlock()
	return p.closeErr
}

func (p *fakeProvider) calls() (inits, executes, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initCalls, p.executeCalls, p.closeCalls
}

// fakeResolverProvider adds the WorkflowResolver capability on top of
// fakeProvider.
type fakeResolverProvider struct {
	fakeProvider
	workflows map[string]*WorkflowDefinition
}

func (p *fakeResolverProvider) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	return p.workflows[workflowID], nil
}

func simpleDefinition(id string) *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:   id,
		Name: id,
		Steps: []WorkflowStep{
			{ID: "step-1", Name: "step one"},
		},
	}
}

func TestRegistryRegisterProvider(t *testing.T) {
	ctx := context.Background()
	registry := NewProviderRegistry(ctx)

	t.Run("first provider becomes default", func(t *testing.T) {
		require.NoError(t, registry.RegisterProvider("alpha", &fakeProvider{}))
		assert.Equal(t, "alpha", registry.DefaultProvider())
	})

	t.Run("duplicate name is rejected", func(t *testing.T) {
		err := registry.RegisterProvider("alpha", &fakeProvider{})
		require.ErrorIs(t, err, ErrDuplicateProvider)
	})

	t.Run("empty name is rejected without the duplicate sentinel", func(t *testing.T) {
		err := registry.RegisterProvider("", &fakeProvider{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDuplicateProvider)
	})

	t.Run("nil provider is rejected", func(t *testing.T) {
		require.Error(t, registry.RegisterProvider("gamma", nil))
	})

	t.Run("AsDefault overrides registration order", func(t *testing.T) {
		require.NoError(t, registry.RegisterProvider("beta", &fakeProvider{}, AsDefault()))
		assert.Equal(t, "beta", registry.DefaultProvider())
	})

	t.Run("names are listed", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"alpha", "beta"}, registry.ProviderNames())
	})
}

func TestRegistryInitFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	registry := NewProviderRegistry(ctx)

	failing := &fakeProvider{initErr: fmt.Errorf("connection refused")}
	err := registry.RegisterProvider("broken", failing)
	require.Error(t, err)

	assert.Empty(t, registry.ProviderNames())
	assert.Equal(t, "", registry.DefaultProvider())

	// the slot is free again
	require.NoError(t, registry.RegisterProvider("broken", &fakeProvider{}))
}

func TestRegistryRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("no provider registered", func(t *testing.T) {
		registry := NewProviderRegistry(ctx)
		_, err := registry.ExecuteWorkflow(ctx, simpleDefinition("wf"), nil, "")
		require.ErrorIs(t, err, ErrNoProvider)
	})

	t.Run("unknown name never touches a provider", func(t *testing.T) {
		registry := NewProviderRegistry(ctx)
		provider := &fakeProvider{}
		require.NoError(t, registry.RegisterProvider("alpha", provider))

		_, err := registry.ExecuteWorkflow(ctx, simpleDefinition("wf"), nil, "ghost")
		require.ErrorIs(t, err, ErrNoProvider)

		_, executes, _ := provider.calls()
		assert.Zero(t, executes)
	})

	t.Run("empty name routes to default", func(t *testing.T) {
		registry := NewProviderRegistry(ctx)
		def := &fakeProvider{}
		other := &fakeProvider{}
		require.NoError(t, registry.RegisterProvider("default", def))
		require.NoError(t, registry.RegisterProvider("other", other))

		_, err := registry.ExecuteWorkflow(ctx, simpleDefinition("wf"), nil, "")
		require.NoError(t, err)
		_, err = registry.ExecuteWorkflow(ctx, simpleDefinition("wf"), nil, "other")
		require.NoError(t, err)

		_, defExecutes, _ := def.calls()
		_, otherExecutes, _ := other.calls()
		assert.Equal(t, 1, defExecutes)
		assert.Equal(t, 1, otherExecutes)
	})

	t.Run("invalid definition fails before routing", func(t *testing.T) {
		registry := NewProviderRegistry(ctx)
		provider := &fakeProvider{}
		require.NoError(t, registry.RegisterProvider("alpha", provider))

		_, err := registry.ExecuteWorkflow(ctx, &WorkflowDefinition{ID: "x"}, nil, "")
		require.ErrorIs(t, err, ErrInvalidDefinition)

		_, executes, _ := provider.calls()
		assert.Zero(t, executes)
	})
}

func TestRegistryExecuteWorkflowID(t *testing.T) {
	ctx := context.Background()

	t.Run("provider without resolver capability", func(t *testing.T) {
		registry := NewProviderRegistry(ctx)
		require.NoError(t, registry.RegisterProvider("plain", &fakeProvider{}))

		_, err := registry.ExecuteWorkflowID(ctx, "wf", nil, "")
		require.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("unknown workflow id", func(t *testing.T) {
		registry := NewProviderRegistry(ctx)
		provider := &fakeResolverProvider{workflows: map[string]*WorkflowDefinition{}}
		require.NoError(t, registry.RegisterProvider("resolver", provider))

		_, err := registry.ExecuteWorkflowID(ctx, "ghost", nil, "")
		require.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("resolved and executed", func(t *testing.T) {
		registry := NewProviderRegistry(ctx)
		provider := &fakeResolverProvider{
			workflows: map[string]*WorkflowDefinition{"wf": simpleDefinition("wf")},
		}
		require.NoError(t, registry.RegisterProvider("resolver", provider))

		exec, err := registry.ExecuteWorkflowID(ctx, "wf", map[string]interface{}{"n": 1}, "")
		require.NoError(t, err)
		assert.Equal(t, "wf", exec.WorkflowID)
	})
}

func TestRegistryHealthCheckAll(t *testing.T) {
	ctx := context.Background()
	registry := NewProviderRegistry(ctx, WithHealthCheckTimeout(100*time.Millisecond))

	healthy := &fakeProvider{}
	failing := &fakeProvider{
		healthFn: func(ctx context.Context) (*HealthStatus, error) {
			return nil, fmt.Errorf("backend unreachable")
		},
	}
	panicking := &fakeProvider{
		healthFn: func(ctx context.Context) (*HealthStatus, error) {
			panic("boom")
		},
	}
	hanging := &fakeProvider{
		healthFn: func(ctx context.Context) (*HealthStatus, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	require.NoError(t, registry.RegisterProvider("healthy", healthy))
	require.NoError(t, registry.RegisterProvider("failing", failing))
	require.NoError(t, registry.RegisterProvider("panicking", panicking))
	require.NoError(t, registry.RegisterProvider("hanging", hanging))

	results := registry.HealthCheckAll(ctx)
	require.Len(t, results, 4)

	assert.Equal(t, Healthy, results["healthy"].Status)

	assert.Equal(t, Unhealthy, results["failing"].Status)
	assert.Contains(t, results["failing"].Error, "backend unreachable")

	assert.Equal(t, Unhealthy, results["panicking"].Status)
	assert.Contains(t, results["panicking"].Error, "panicked")

	assert.Equal(t, Unhealthy, results["hanging"].Status)
	assert.Contains(t, results["hanging"].Error, "timed out")
}

func TestRegistryShutdown(t *testing.T) {
	ctx := context.Background()
	registry := NewProviderRegistry(ctx)

	clean := &fakeProvider{}
	dirty := &fakeProvider{closeErr: fmt.Errorf("flush failed")}
	require.NoError(t, registry.RegisterProvider("clean", clean))
	require.NoError(t, registry.RegisterProvider("dirty", dirty))

	err := registry.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")

	_, _, cleanCloses := clean.calls()
	_, _, dirtyCloses := dirty.calls()
	assert.Equal(t, 1, cleanCloses, "one failing provider must not block the others")
	assert.Equal(t, 1, dirtyCloses)

	assert.Empty(t, registry.ProviderNames())
}
