package flowlite

import "time"

// ExecutionStatus is the lifecycle status of one workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further automatic transition can occur.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// BackoffKind selects the inter-attempt delay strategy.
type BackoffKind string

const (
	// BackoffLinear waits delay*attempt between attempts.
	BackoffLinear BackoffKind = "linear"
	// BackoffExponential waits delay*2^(attempt-1) between attempts.
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds retries of a single action. MaxAttempts counts the
// initial attempt, so 1 means no retry.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     BackoffKind
}

// WorkflowStep is one declarative step of a workflow definition. Handler
// names a provider-side handler; providers that don't know the name treat
// the step as a no-op pass-through.
type WorkflowStep struct {
	ID      string
	Name    string
	Handler string
	Retry   *RetryPolicy
}

// WorkflowDefinition is the declarative spec of a workflow.
type WorkflowDefinition struct {
	ID       string
	Name     string
	Version  int
	Steps    []WorkflowStep
	Retry    *RetryPolicy
	Schedule string // cron expression, optional
}

// StepExecution is the run record of one workflow step.
type StepExecution struct {
	StepID      string
	Status      ExecutionStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Output      interface{}
	Error       string
}

// WorkflowExecution is one run of a workflow definition, owned by the
// provider that executed it.
type WorkflowExecution struct {
	ID          string
	WorkflowID  string
	Status      ExecutionStatus
	Steps       []StepExecution
	Input       map[string]interface{}
	Output      map[string]interface{}
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ListExecutionsOptions narrows a ListExecutions call. Zero Limit means the
// provider's default page size.
type ListExecutionsOptions struct {
	Status ExecutionStatus
	Limit  int
	Offset int
}

// HealthState is a provider's binary health verdict.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Unhealthy HealthState = "unhealthy"
)

// HealthStatus is one provider health-check result.
type HealthStatus struct {
	Status       HealthState
	ResponseTime time.Duration
	Timestamp    time.Time
	Details      map[string]interface{}
	Error        string
}
