package apflow_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rom8726/apflow"
)

// busyStore reports the lease as held for the first busyFor acquisitions.
type busyStore struct {
	apflow.CheckpointStore
	busyFor  int32
	err      error
	attempts atomic.Int32
}

func (s *busyStore) AcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (*apflow.Lease, error) {
	if s.attempts.Add(1) <= s.busyFor {
		return nil, s.err
	}

	return s.CheckpointStore.AcquireLease(ctx, workflowID, owner, ttl)
}

var fastRetry = apflow.BusyRetryPolicy{MaxRetries: 5, Base: time.Millisecond, Cap: 5 * time.Millisecond}

func TestRunWithRetry_WaitsOutBusyLease(t *testing.T) {
	store := &busyStore{CheckpointStore: apflow.NewMemoryStore(), busyFor: 3, err: apflow.ErrWorkflowBusy}
	env := newTestEnv(t, store, nil)
	ctx := context.Background()

	id, err := env.engine.Start(ctx, json.RawMessage(happyInvoice))
	require.NoError(t, err)

	status, err := env.engine.RunWithRetry(ctx, id, fastRetry)
	require.NoError(t, err)
	assert.Equal(t, apflow.StatusCompleted, status)
	assert.Equal(t, int32(4), store.attempts.Load())
}

func TestRunWithRetry_GivesUp(t *testing.T) {
	store := &busyStore{CheckpointStore: apflow.NewMemoryStore(), busyFor: 100, err: apflow.ErrWorkflowBusy}
	env := newTestEnv(t, store, nil)
	ctx := context.Background()

	id, err := env.engine.Start(ctx, json.RawMessage(happyInvoice))
	require.NoError(t, err)

	_, err = env.engine.RunWithRetry(ctx, id, fastRetry)
	require.ErrorIs(t, err, apflow.ErrWorkflowBusy)
	assert.Equal(t, int32(6), store.attempts.Load())
}

func TestRunWithRetry_DoesNotRetryLostLease(t *testing.T) {
	store := &busyStore{CheckpointStore: apflow.NewMemoryStore(), busyFor: 100, err: apflow.ErrLeaseLost}
	env := newTestEnv(t, store, nil)
	ctx := context.Background()

	id, err := env.engine.Start(ctx, json.RawMessage(happyInvoice))
	require.NoError(t, err)

	_, err = env.engine.RunWithRetry(ctx, id, fastRetry)
	require.ErrorIs(t, err, apflow.ErrLeaseLost)
	assert.Equal(t, int32(1), store.attempts.Load())
}

func TestResumeWithRetry_NonBusyErrorsReturnImmediately(t *testing.T) {
	store := &busyStore{CheckpointStore: apflow.NewMemoryStore()}
	env := newTestEnv(t, store, nil)
	ctx := context.Background()

	id, err := env.engine.Start(ctx, json.RawMessage(happyInvoice))
	require.NoError(t, err)

	_, err = env.engine.ResumeWithRetry(ctx, id, apflow.Decision{Kind: apflow.DecisionApproveOverride}, fastRetry)
	require.ErrorIs(t, err, apflow.ErrWorkflowNotPaused)
	assert.Equal(t, int32(1), store.attempts.Load())
}

func TestRunWithRetry_ZeroPolicyUsesDefaultBase(t *testing.T) {
	store := &busyStore{CheckpointStore: apflow.NewMemoryStore(), busyFor: 2, err: apflow.ErrWorkflowBusy}
	env := newTestEnv(t, store, nil)
	ctx := context.Background()

	id, err := env.engine.Start(ctx, json.RawMessage(happyInvoice))
	require.NoError(t, err)

	var status apflow.WorkflowStatus
	require.NotPanics(t, func() {
		status, err = env.engine.RunWithRetry(ctx, id, apflow.BusyRetryPolicy{MaxRetries: 2})
	})
	require.NoError(t, err)
	assert.Equal(t, apflow.StatusCompleted, status)
	assert.Equal(t, int32(3), store.attempts.Load())
}
