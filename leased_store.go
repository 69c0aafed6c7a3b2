package apflow

import (
	"context"
	"time"
)

// LeasedStore serves checkpoints from one store and leases from another.
type LeasedStore struct {
	CheckpointStore
	leaser Leaser
}

var _ CheckpointStore = (*LeasedStore)(nil)

func NewLeasedStore(store CheckpointStore, leaser Leaser) *LeasedStore {
	return &LeasedStore{CheckpointStore: store, leaser: leaser}
}

func (s *LeasedStore) AcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (*Lease, error) {
	return s.leaser.AcquireLease(ctx, workflowID, owner, ttl)
}

func (s *LeasedStore) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error {
	return s.leaser.RenewLease(ctx, lease, ttl)
}

func (s *LeasedStore) ReleaseLease(ctx context.Context, lease *Lease) error {
	return s.leaser.ReleaseLease(ctx, lease)
}
