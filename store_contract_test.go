package apflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(id string, checkpointID int64, stage Stage, status WorkflowStatus) *WorkflowInstance {
	return &WorkflowInstance{
		ID:           id,
		CurrentStage: stage,
		Status:       status,
		Payload:      json.RawMessage(`{"invoice_id":"INV-1"}`),
		Context:      map[string]json.RawMessage{"intake": json.RawMessage(`{"raw_id":"raw_1"}`)},
		CheckpointID: checkpointID,
		History:      []HistoryEntry{{Seq: 1, Stage: StageIntake, Outcome: OutcomeStarted, CheckpointID: 1}},
		CreatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// runStoreContract exercises the CheckpointStore behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) CheckpointStore) {
	t.Helper()

	t.Run("save and load latest", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := NewWorkflowID()

		saved, err := store.Save(ctx, testSnapshot(id, 1, StageIntake, StatusRunning))
		require.NoError(t, err)
		assert.Equal(t, int64(1), saved)

		_, err = store.Save(ctx, testSnapshot(id, 2, StageUnderstand, StatusRunning))
		require.NoError(t, err)

		latest, err := store.LoadLatest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), latest.CheckpointID)
		assert.Equal(t, StageUnderstand, latest.CurrentStage)
		assert.JSONEq(t, `{"raw_id":"raw_1"}`, string(latest.Context["intake"]))
		assert.JSONEq(t, `{"invoice_id":"INV-1"}`, string(latest.Payload))
		require.Len(t, latest.History, 1)
	})

	t.Run("load missing workflow", func(t *testing.T) {
		store := newStore(t)

		_, err := store.LoadLatest(context.Background(), "inv_missing")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)

		_, err = store.ListCheckpoints(context.Background(), "inv_missing")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("rejects out of sequence checkpoints", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := NewWorkflowID()

		_, err := store.Save(ctx, testSnapshot(id, 2, StageIntake, StatusRunning))
		require.ErrorIs(t, err, ErrCheckpointConflict)
		require.ErrorIs(t, err, ErrCheckpointWrite)

		_, err = store.Save(ctx, testSnapshot(id, 1, StageIntake, StatusRunning))
		require.NoError(t, err)

		_, err = store.Save(ctx, testSnapshot(id, 1, StageUnderstand, StatusRunning))
		require.ErrorIs(t, err, ErrCheckpointConflict)

		var writeErr *CheckpointWriteError
		require.ErrorAs(t, err, &writeErr)
		assert.Equal(t, id, writeErr.WorkflowID)

		latest, err := store.LoadLatest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StageIntake, latest.CurrentStage)
	})

	t.Run("concurrent writers of the same checkpoint", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := NewWorkflowID()
		_, err := store.Save(ctx, testSnapshot(id, 1, StageIntake, StatusRunning))
		require.NoError(t, err)

		const writers = 4
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = store.Save(ctx, testSnapshot(id, 2, StageUnderstand, StatusRunning))
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrCheckpointWrite)
		}
		assert.Equal(t, 1, succeeded)

		checkpoints, err := store.ListCheckpoints(ctx, id)
		require.NoError(t, err)
		assert.Len(t, checkpoints, 2)
	})

	t.Run("list checkpoints in order", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := NewWorkflowID()

		stages := []Stage{StageIntake, StageUnderstand, StagePrepare}
		for i, stage := range stages {
			_, err := store.Save(ctx, testSnapshot(id, int64(i+1), stage, StatusRunning))
			require.NoError(t, err)
		}

		checkpoints, err := store.ListCheckpoints(ctx, id)
		require.NoError(t, err)
		require.Len(t, checkpoints, 3)
		for i, checkpoint := range checkpoints {
			assert.Equal(t, int64(i+1), checkpoint.CheckpointID)
			assert.Equal(t, stages[i], checkpoint.Stage)
			assert.Equal(t, stages[i], checkpoint.Snapshot.CurrentStage)
			assert.Equal(t, id, checkpoint.WorkflowID)
			assert.False(t, checkpoint.CreatedAt.IsZero())
		}
	})

	t.Run("list by status uses the head checkpoint", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		paused := NewWorkflowID()
		running := NewWorkflowID()

		_, err := store.Save(ctx, testSnapshot(paused, 1, StageIntake, StatusRunning))
		require.NoError(t, err)
		_, err = store.Save(ctx, testSnapshot(paused, 2, StageHITLDecision, StatusPausedForReview))
		require.NoError(t, err)
		_, err = store.Save(ctx, testSnapshot(running, 1, StageIntake, StatusRunning))
		require.NoError(t, err)

		ids, err := store.ListByStatus(ctx, StatusPausedForReview)
		require.NoError(t, err)
		assert.Contains(t, ids, paused)
		assert.NotContains(t, ids, running)
		assert.IsIncreasing(t, ids)

		ids, err = store.ListByStatus(ctx, StatusRunning)
		require.NoError(t, err)
		assert.Contains(t, ids, running)
		assert.NotContains(t, ids, paused)
	})

	t.Run("lease is exclusive until released", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := NewWorkflowID()

		lease, err := store.AcquireLease(ctx, id, "owner-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "owner-a", lease.Owner)
		assert.NotEmpty(t, lease.Token)

		_, err = store.AcquireLease(ctx, id, "owner-b", time.Minute)
		require.ErrorIs(t, err, ErrWorkflowBusy)

		require.NoError(t, store.RenewLease(ctx, lease, time.Minute))
		require.NoError(t, store.ReleaseLease(ctx, lease))

		next, err := store.AcquireLease(ctx, id, "owner-b", time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, lease.Token, next.Token)

		// the released holder can neither renew nor release the new lease
		require.ErrorIs(t, store.RenewLease(ctx, lease, time.Minute), ErrLeaseLost)
		require.NoError(t, store.ReleaseLease(ctx, lease))
		_, err = store.AcquireLease(ctx, id, "owner-c", time.Minute)
		require.ErrorIs(t, err, ErrWorkflowBusy)
	})

	t.Run("expired lease can be taken over", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := NewWorkflowID()

		stale, err := store.AcquireLease(ctx, id, "crashed", 50*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(150 * time.Millisecond)

		_, err = store.AcquireLease(ctx, id, "recovery", time.Minute)
		require.NoError(t, err)

		err = store.RenewLease(ctx, stale, time.Minute)
		assert.ErrorIs(t, err, ErrLeaseLost)
		assert.ErrorIs(t, err, ErrWorkflowBusy)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) CheckpointStore {
		return NewMemoryStore()
	})
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) CheckpointStore {
		store, err := NewSQLiteInMemoryStore()
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		return store
	})
}

func TestSQLiteStore_ReopenKeepsCheckpoints(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/apflow.db"
	id := NewWorkflowID()

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	_, err = store.Save(ctx, testSnapshot(id, 1, StageIntake, StatusRunning))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	latest, err := reopened.LoadLatest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.CheckpointID)
}

func TestMemoryStore_SnapshotsAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := NewWorkflowID()

	snapshot := testSnapshot(id, 1, StageIntake, StatusRunning)
	_, err := store.Save(ctx, snapshot)
	require.NoError(t, err)

	snapshot.Context["intake"] = json.RawMessage(`{"raw_id":"tampered"}`)

	loaded, err := store.LoadLatest(ctx, id)
	require.NoError(t, err)
	loaded.Context["extra"] = json.RawMessage(`{}`)

	again, err := store.LoadLatest(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw_id":"raw_1"}`, string(again.Context["intake"]))
	assert.NotContains(t, again.Context, "extra")
}
