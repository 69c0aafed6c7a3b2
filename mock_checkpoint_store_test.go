package apflow

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockCheckpointStore struct {
	mock.Mock
}

func NewMockCheckpointStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockCheckpointStore {
	m := &MockCheckpointStore{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

type MockCheckpointStore_Expecter struct {
	mock *mock.Mock
}

func (m *MockCheckpointStore) EXPECT() *MockCheckpointStore_Expecter {
	return &MockCheckpointStore_Expecter{mock: &m.Mock}
}

func (m *MockCheckpointStore) Save(ctx context.Context, snapshot *WorkflowInstance) (int64, error) {
	ret := m.Called(ctx, snapshot)

	return ret.Get(0).(int64), ret.Error(1)
}

func (e *MockCheckpointStore_Expecter) Save(ctx, snapshot any) *mock.Call {
	return e.mock.On("Save", ctx, snapshot)
}

func (m *MockCheckpointStore) LoadLatest(ctx context.Context, workflowID string) (*WorkflowInstance, error) {
	ret := m.Called(ctx, workflowID)

	var instance *WorkflowInstance
	if v := ret.Get(0); v != nil {
		instance = v.(*WorkflowInstance)
	}

	return instance, ret.Error(1)
}

func (e *MockCheckpointStore_Expecter) LoadLatest(ctx, workflowID any) *mock.Call {
	return e.mock.On("LoadLatest", ctx, workflowID)
}

func (m *MockCheckpointStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	ret := m.Called(ctx, workflowID)

	var checkpoints []*Checkpoint
	if v := ret.Get(0); v != nil {
		checkpoints = v.([]*Checkpoint)
	}

	return checkpoints, ret.Error(1)
}

func (e *MockCheckpointStore_Expecter) ListCheckpoints(ctx, workflowID any) *mock.Call {
	return e.mock.On("ListCheckpoints", ctx, workflowID)
}

func (m *MockCheckpointStore) ListByStatus(ctx context.Context, status WorkflowStatus) ([]string, error) {
	ret := m.Called(ctx, status)

	var ids []string
	if v := ret.Get(0); v != nil {
		ids = v.([]string)
	}

	return ids, ret.Error(1)
}

func (e *MockCheckpointStore_Expecter) ListByStatus(ctx, status any) *mock.Call {
	return e.mock.On("ListByStatus", ctx, status)
}

func (m *MockCheckpointStore) AcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (*Lease, error) {
	ret := m.Called(ctx, workflowID, owner, ttl)

	var lease *Lease
	if v := ret.Get(0); v != nil {
		lease = v.(*Lease)
	}

	return lease, ret.Error(1)
}

func (e *MockCheckpointStore_Expecter) AcquireLease(ctx, workflowID, owner, ttl any) *mock.Call {
	return e.mock.On("AcquireLease", ctx, workflowID, owner, ttl)
}

func (m *MockCheckpointStore) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error {
	return m.Called(ctx, lease, ttl).Error(0)
}

func (e *MockCheckpointStore_Expecter) RenewLease(ctx, lease, ttl any) *mock.Call {
	return e.mock.On("RenewLease", ctx, lease, ttl)
}

func (m *MockCheckpointStore) ReleaseLease(ctx context.Context, lease *Lease) error {
	return m.Called(ctx, lease).Error(0)
}

func (e *MockCheckpointStore_Expecter) ReleaseLease(ctx, lease any) *mock.Call {
	return e.mock.On("ReleaseLease", ctx, lease)
}
