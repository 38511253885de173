package flowlite

import "time"

// SagaStatus is the lifecycle status of one saga execution.
type SagaStatus string

const (
	SagaStatusPending      SagaStatus = "pending"
	SagaStatusRunning      SagaStatus = "running"
	SagaStatusCompleted    SagaStatus = "completed"
	SagaStatusCompensating SagaStatus = "compensating"
	SagaStatusCompensated  SagaStatus = "compensated"
	SagaStatusFailed       SagaStatus = "failed"
)

// Terminal reports whether no further automatic transition can occur.
func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusCompensated, SagaStatusFailed:
		return true
	}
	return false
}

// SagaAction runs one step's forward work. The returned result is stored in
// the execution context under the step id.
type SagaAction func(ctx *SagaContext) (interface{}, error)

// SagaCompensation undoes one step's forward work during rollback.
type SagaCompensation func(ctx *SagaContext) error

// SagaCondition gates a step; when it returns false the step is skipped.
type SagaCondition func(ctx *SagaContext) bool

// SagaHook runs at saga termination. Hook errors are logged, never
// propagated.
type SagaHook func(ctx *SagaContext) error

// SagaStep is one ordered action of a saga. Action is required; everything
// else is optional.
type SagaStep struct {
	ID           string
	Name         string
	Action       SagaAction
	Compensation SagaCompensation
	Condition    SagaCondition
	Retry        *RetryPolicy
	Timeout      time.Duration
}

// SagaConfig tunes the recovery behavior of a saga.
type SagaConfig struct {
	// ReverseCompensation walks the compensation queue in reverse execution
	// order. Defaults to true via the builder.
	ReverseCompensation bool
	// ContinueOnCompensationFailure keeps compensating the remaining queue
	// after one compensation errors; when false (the default) the saga stops
	// immediately and terminates failed.
	ContinueOnCompensationFailure bool
	// Retry applies to any step without its own policy.
	Retry     *RetryPolicy
	OnSuccess SagaHook
	OnFailure SagaHook
}

// SagaDefinition is a declarative compensating workflow: ordered steps with
// unique ids, plus recovery configuration and an optional global timeout.
type SagaDefinition struct {
	ID      string
	Name    string
	Steps   []*SagaStep
	Config  SagaConfig
	Timeout time.Duration
}

// SagaDefinitionBuilder assembles a SagaDefinition.
type SagaDefinitionBuilder struct {
	def *SagaDefinition
}

// NewSaga creates a new builder instance with default recovery config:
// reverse compensation on, abort on compensation failure.
func NewSaga(id, name string) *SagaDefinitionBuilder {
	return &SagaDefinitionBuilder{
		def: &SagaDefinition{
			ID:   id,
			Name: name,
			Config: SagaConfig{
				ReverseCompensation: true,
			},
		},
	}
}

// AddStep appends a saga step to the builder.
func (b *SagaDefinitionBuilder) AddStep(step *SagaStep) *SagaDefinitionBuilder {
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// WithTimeout sets the global saga timeout. When it fires while the saga is
// still running, the saga transitions to compensating with step id "global".
func (b *SagaDefinitionBuilder) WithTimeout(d time.Duration) *SagaDefinitionBuilder {
	b.def.Timeout = d
	return b
}

// WithRetry sets the default retry policy for steps without their own.
func (b *SagaDefinitionBuilder) WithRetry(policy *RetryPolicy) *SagaDefinitionBuilder {
	b.def.Config.Retry = policy
	return b
}

// ForwardCompensation switches the compensation walk to execution order.
func (b *SagaDefinitionBuilder) ForwardCompensation() *SagaDefinitionBuilder {
	b.def.Config.ReverseCompensation = false
	return b
}

// ContinueOnCompensationFailure keeps the rollback going past a failed
// compensation instead of aborting.
func (b *SagaDefinitionBuilder) ContinueOnCompensationFailure() *SagaDefinitionBuilder {
	b.def.Config.ContinueOnCompensationFailure = true
	return b
}

func (b *SagaDefinitionBuilder) OnSuccess(hook SagaHook) *SagaDefinitionBuilder {
	b.def.Config.OnSuccess = hook
	return b
}

func (b *SagaDefinitionBuilder) OnFailure(hook SagaHook) *SagaDefinitionBuilder {
	b.def.Config.OnFailure = hook
	return b
}

// Build validates and returns the definition.
func (b *SagaDefinitionBuilder) Build() (*SagaDefinition, error) {
	if err := validateSagaDefinition(b.def); err != nil {
		return nil, err
	}
	return b.def, nil
}

// StepStatus is the status of one saga step record.
type StepStatus string

const (
	StepStatusCompleted   StepStatus = "completed"
	StepStatusFailed      StepStatus = "failed"
	StepStatusCompensated StepStatus = "compensated"
	StepStatusSkipped     StepStatus = "skipped"
)

// StepRecord is the run record of one saga step.
type StepRecord struct {
	StepID      string
	Status      StepStatus
	Attempts    int
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Result      interface{}
	Error       string
}

// SagaError locates the failure that drove a saga into compensation. StepID
// is "global" when the saga timeout fired and "cancel" when the saga was
// cancelled.
type SagaError struct {
	StepID  string
	Message string
	Stack   string
}

// SagaLogEntry is one line of a saga execution's append-only log.
type SagaLogEntry struct {
	Level     string
	Message   string
	StepID    string
	Timestamp time.Time
}

// SagaExecutionState is the full mutable run record of one saga execution.
type SagaExecutionState struct {
	Status            SagaStatus
	CurrentStepIndex  int
	CompletedSteps    []StepRecord
	CompensationQueue []string
	Logs              []SagaLogEntry
	Error             *SagaError
	StartedAt         time.Time
	CompletedAt       *time.Time
}

// SagaExecution is one run of a saga definition. Snapshots returned by
// GetSagaExecution are deep copies and safe to retain.
type SagaExecution struct {
	ID      string
	SagaID  string
	Context map[string]interface{}
	State   SagaExecutionState
}
