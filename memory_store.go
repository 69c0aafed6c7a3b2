package apflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ CheckpointStore = (*MemoryStore)(nil)

type memoryCheckpoint struct {
	checkpointID int64
	stage        Stage
	status       WorkflowStatus
	snapshot     []byte
	createdAt    time.Time
}

// MemoryStore keeps checkpoints in process memory. Snapshots are stored serialized so
// readers never share state with writers.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]memoryCheckpoint
	leases      map[string]Lease
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]memoryCheckpoint),
		leases:      make(map[string]Lease),
		now:         time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, snapshot *WorkflowInstance) (int64, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, &CheckpointWriteError{WorkflowID: snapshot.ID, CheckpointID: snapshot.CheckpointID, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.checkpoints[snapshot.ID]
	var head int64
	if len(chain) > 0 {
		head = chain[len(chain)-1].checkpointID
	}
	if snapshot.CheckpointID != head+1 {
		return 0, &CheckpointWriteError{
			WorkflowID:   snapshot.ID,
			CheckpointID: snapshot.CheckpointID,
			Err:          fmt.Errorf("%w: head is %d", ErrCheckpointConflict, head),
		}
	}

	s.checkpoints[snapshot.ID] = append(chain, memoryCheckpoint{
		checkpointID: snapshot.CheckpointID,
		stage:        snapshot.CurrentStage,
		status:       snapshot.Status,
		snapshot:     data,
		createdAt:    s.now(),
	})

	return snapshot.CheckpointID, nil
}

func (s *MemoryStore) LoadLatest(_ context.Context, workflowID string) (*WorkflowInstance, error) {
	s.mu.RLock()
	chain := s.checkpoints[workflowID]
	if len(chain) == 0 {
		s.mu.RUnlock()
		return nil, ErrWorkflowNotFound
	}
	data := chain[len(chain)-1].snapshot
	s.mu.RUnlock()

	return decodeSnapshot(data)
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, workflowID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.checkpoints[workflowID]
	if len(chain) == 0 {
		return nil, ErrWorkflowNotFound
	}

	result := make([]*Checkpoint, 0, len(chain))
	for _, item := range chain {
		snapshot, err := decodeSnapshot(item.snapshot)
		if err != nil {
			return nil, err
		}
		result = append(result, &Checkpoint{
			WorkflowID:   workflowID,
			CheckpointID: item.checkpointID,
			Stage:        item.stage,
			Status:       item.status,
			Snapshot:     snapshot,
			CreatedAt:    item.createdAt,
		})
	}

	return result, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status WorkflowStatus) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, chain := range s.checkpoints {
		if len(chain) > 0 && chain[len(chain)-1].status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	return ids, nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, workflowID, owner string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if current, ok := s.leases[workflowID]; ok && current.ExpiresAt.After(now) {
		return nil, ErrWorkflowBusy
	}

	lease := Lease{
		WorkflowID: workflowID,
		Token:      newLeaseToken(),
		Owner:      owner,
		ExpiresAt:  now.Add(ttl),
	}
	s.leases[workflowID] = lease

	return &lease, nil
}

func (s *MemoryStore) RenewLease(_ context.Context, lease *Lease, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, ok := s.leases[lease.WorkflowID]
	if !ok || current.Token != lease.Token || !current.ExpiresAt.After(now) {
		return ErrLeaseLost
	}

	current.ExpiresAt = now.Add(ttl)
	s.leases[lease.WorkflowID] = current
	lease.ExpiresAt = current.ExpiresAt

	return nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.leases[lease.WorkflowID]; ok && current.Token == lease.Token {
		delete(s.leases, lease.WorkflowID)
	}

	return nil
}

func decodeSnapshot(data []byte) (*WorkflowInstance, error) {
	var instance WorkflowInstance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if instance.Context == nil {
		instance.Context = make(map[string]json.RawMessage)
	}

	return &instance, nil
}
