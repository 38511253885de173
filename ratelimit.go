package flowlite

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitPolicy bounds the execution-submission rate of one provider.
// Rate is in executions per second. When Wait is set, Execute blocks until
// a token is available or the context ends; otherwise it fails fast with
// ErrRateLimited.
type RateLimitPolicy struct {
	Rate  float64
	Burst int
	Wait  bool
}

type rateLimitedProvider struct {
	WorkflowProvider
	limiter *rate.Limiter
	policy  RateLimitPolicy
}

// WithRateLimit wraps a provider so Execute is throttled by the given
// policy. All other operations pass through untouched. A zero or negative
// Rate returns the provider unchanged.
func WithRateLimit(provider WorkflowProvider, policy RateLimitPolicy) WorkflowProvider {
	if policy.Rate <= 0 {
		return provider
	}
	burst := policy.Burst
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedProvider{
		WorkflowProvider: provider,
		limiter:          rate.NewLimiter(rate.Limit(policy.Rate), burst),
		policy:           policy,
	}
}

func (p *rateLimitedProvider) Execute(ctx context.Context, def *WorkflowDefinition, input map[string]interface{}) (*WorkflowExecution, error) {
	if p.policy.Wait {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, errors.Join(ErrRateLimited, fmt.Errorf("waiting for execution slot: %w", err))
		}
	} else if !p.limiter.Allow() {
		return nil, errors.Join(ErrRateLimited, fmt.Errorf("workflow %s rejected", workflowID(def)))
	}
	return p.WorkflowProvider.Execute(ctx, def, input)
}

// GetWorkflow forwards to the wrapped provider when it resolves workflow
// definitions, so wrapping does not hide the optional interface.
func (p *rateLimitedProvider) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	resolver, ok := p.WorkflowProvider.(WorkflowResolver)
	if !ok {
		return nil, errors.Join(ErrWorkflowNotFound, fmt.Errorf("provider cannot resolve workflow %s", workflowID))
	}
	return resolver.GetWorkflow(ctx, workflowID)
}
