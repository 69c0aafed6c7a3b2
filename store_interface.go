package apflow

import (
	"context"
	"time"
)

// Leaser grants per-workflow exclusive access. AcquireLease returns ErrWorkflowBusy
// while another unexpired lease is held.
type Leaser interface {
	AcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (*Lease, error)
	RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error
	ReleaseLease(ctx context.Context, lease *Lease) error
}

// CheckpointStore persists full workflow snapshots in checkpoint order.
//
// Save writes snapshot as checkpoint snapshot.CheckpointID and succeeds only when the
// stored head is snapshot.CheckpointID-1. A checkpoint is either fully durable or
// never observed.
type CheckpointStore interface {
	Leaser

	Save(ctx context.Context, snapshot *WorkflowInstance) (int64, error)
	LoadLatest(ctx context.Context, workflowID string) (*WorkflowInstance, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error)
	ListByStatus(ctx context.Context, status WorkflowStatus) ([]string, error)
}
