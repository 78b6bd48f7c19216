package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"cellar/internal/domain"
)

// MockCatalogChecker is a mock implementation of port.CatalogChecker.
type MockCatalogChecker struct {
	mock.Mock
}

func (m *MockCatalogChecker) CheckDuplicate(ctx context.Context, req domain.DuplicateCheckRequest) (*domain.DuplicateCheckResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DuplicateCheckResult), args.Error(1)
}
