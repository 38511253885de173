package flowlite

import "context"

// WorkflowProvider is the uniform capability surface every execution backend
// implements. The ProviderRegistry is the sole owner of provider lifecycle:
// callers never invoke Init or Close directly.
//
// Execute returns once the run is accepted by the backend; it does not block
// until the workflow completes. GetExecution returns (nil, nil) when the
// execution id is unknown.
type WorkflowProvider interface {
	Init(ctx context.Context) error
	Execute(ctx context.Context, def *WorkflowDefinition, input map[string]interface{}) (*WorkflowExecution, error)
	GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID string, opts *ListExecutionsOptions) ([]*WorkflowExecution, error)
	CancelExecution(ctx context.Context, executionID string) (bool, error)
	ScheduleWorkflow(ctx context.Context, def *WorkflowDefinition) (string, error)
	UnscheduleWorkflow(ctx context.Context, workflowID string) (bool, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
	Close(ctx context.Context) error
}

// WorkflowResolver is an optional provider capability: resolving a stored
// definition from just its id. The Scheduler needs it to fire a workflow it
// only knows by id.
type WorkflowResolver interface {
	GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDefinition, error)
}
