package apflow

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// BusyRetryPolicy controls backoff while a workflow's lease is held elsewhere.
type BusyRetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
	Cap        time.Duration
}

func DefaultBusyRetryPolicy() BusyRetryPolicy {
	return BusyRetryPolicy{MaxRetries: 5, Base: 100 * time.Millisecond, Cap: 2 * time.Second}
}

func (p BusyRetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = DefaultBusyRetryPolicy().Base
	}
	backoff := retry.NewExponential(base)
	if p.Cap > 0 {
		backoff = retry.WithCappedDuration(p.Cap, backoff)
	}

	return retry.WithMaxRetries(p.MaxRetries, backoff)
}

// RunWithRetry calls Run, backing off while the workflow is busy. Other errors are
// returned immediately.
func (engine *Engine) RunWithRetry(ctx context.Context, workflowID string, policy BusyRetryPolicy) (WorkflowStatus, error) {
	return retryWhileBusy(ctx, policy, func(ctx context.Context) (WorkflowStatus, error) {
		return engine.Run(ctx, workflowID)
	})
}

// ResumeWithRetry calls Resume, backing off while the workflow is busy.
func (engine *Engine) ResumeWithRetry(
	ctx context.Context,
	workflowID string,
	decision Decision,
	policy BusyRetryPolicy,
) (WorkflowStatus, error) {
	return retryWhileBusy(ctx, policy, func(ctx context.Context) (WorkflowStatus, error) {
		return engine.Resume(ctx, workflowID, decision)
	})
}

func retryWhileBusy(
	ctx context.Context,
	policy BusyRetryPolicy,
	fn func(ctx context.Context) (WorkflowStatus, error),
) (WorkflowStatus, error) {
	var status WorkflowStatus

	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		var err error
		status, err = fn(ctx)
		if errors.Is(err, ErrWorkflowBusy) && !errors.Is(err, ErrLeaseLost) {
			return retry.RetryableError(err)
		}

		return err
	})

	return status, err
}
