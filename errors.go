package flowlite

import "errors"

// Routing and registration errors. These are configuration mistakes, always
// synchronous and fatal to the single call that triggered them.
var (
	ErrNoProvider        = errors.New("no provider resolves for this operation")
	ErrDuplicateProvider = errors.New("provider already registered")
)

// Validation errors, surfaced before any execution starts.
var (
	ErrInvalidDefinition     = errors.New("invalid workflow definition")
	ErrInvalidSagaDefinition = errors.New("invalid saga definition")
)

// Lookup errors.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrSagaNotFound      = errors.New("saga execution not found")
	ErrScheduleNotFound  = errors.New("schedule not found")
)

// Saga lifecycle errors.
var (
	ErrSagaActive     = errors.New("saga execution is still active")
	ErrSagaNotRunning = errors.New("saga execution is not running")
	ErrStepTimeout    = errors.New("saga step timed out")
	ErrSagaTimeout    = errors.New("saga global timeout reached")
	ErrStepPanicked   = errors.New("saga step panicked")
)

// Scheduler errors.
var (
	ErrInvalidCron           = errors.New("invalid cron expression")
	ErrInvalidTimezone       = errors.New("invalid timezone")
	ErrInvalidScheduleWindow = errors.New("schedule end time is before start time")
	ErrScheduleNotActive     = errors.New("schedule is not active")
	ErrScheduleNotResumable  = errors.New("schedule is not paused or errored")
	ErrCatchUpDisabled       = errors.New("catch-up is not enabled for this schedule")
)

// Provider errors.
var (
	ErrNoSchedule     = errors.New("workflow definition has no schedule")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrProviderClosed = errors.New("provider is closed")
)
