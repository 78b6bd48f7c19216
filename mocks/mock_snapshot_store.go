package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockSnapshotStore is a mock implementation of port.SnapshotStore.
type MockSnapshotStore struct {
	mock.Mock
}

func (m *MockSnapshotStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSnapshotStore) Put(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockSnapshotStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}
