package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"cellar/internal/domain"
)

// MockCellarCommitter is a mock implementation of port.CellarCommitter.
type MockCellarCommitter struct {
	mock.Mock
}

func (m *MockCellarCommitter) Commit(ctx context.Context, sub domain.CellarSubmission) (*domain.CommitResult, error) {
	args := m.Called(ctx, sub)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CommitResult), args.Error(1)
}
