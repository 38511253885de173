package flowlite

import (
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
)

/// Flowlite is a workflow-orchestration runtime: callers describe multi-step
/// business processes as WorkflowDefinitions, execute them through pluggable
/// providers routed by a ProviderRegistry, recover from partial failures with
/// compensating sagas, and fire workflows on cron schedules.
///
/// The three moving parts share the same failure philosophy: best-effort,
/// non-blocking, explicit terminal states. A failed saga compensates, a failed
/// schedule goes terminal until an operator resumes it, and a failed provider
/// health check never takes the other providers down with it.

func init() {
	maxprocs.Set()
	deadlock.Opts.DeadlockTimeout = time.Second * 2
}
