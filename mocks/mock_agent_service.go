package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"cellar/internal/domain"
	"cellar/internal/service"
	"cellar/internal/stream"
)

// MockAgentService is a mock implementation of service.AgentService.
type MockAgentService struct {
	mock.Mock
}

func (m *MockAgentService) view(args mock.Arguments) (*service.SessionView, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

func (m *MockAgentService) StartSession(ctx context.Context) (*service.SessionView, error) {
	return m.view(m.Called(ctx))
}

func (m *MockAgentService) GetSession(ctx context.Context, id string) (*service.SessionView, error) {
	return m.view(m.Called(ctx, id))
}

// Identify replays any []stream.FieldEvent passed as the third return value
// through onField before returning.
func (m *MockAgentService) Identify(ctx context.Context, id string, input service.IdentifyInput, onField func(stream.FieldEvent)) (*service.SessionView, error) {
	args := m.Called(ctx, id, input)
	if len(args) > 2 && onField != nil {
		if events, ok := args.Get(2).([]stream.FieldEvent); ok {
			for _, fe := range events {
				onField(fe)
			}
		}
	}
	return m.view(args)
}

func (m *MockAgentService) Escalate(ctx context.Context, id string) (*service.SessionView, error) {
	return m.view(m.Called(ctx, id))
}

func (m *MockAgentService) ChooseCandidate(ctx context.Context, id string, index int) (*service.SessionView, error) {
	return m.view(m.Called(ctx, id, index))
}

func (m *MockAgentService) StartAddToCellar(ctx context.Context, id string) (*service.SessionView, error) {
	return m.view(m.Called(ctx, id))
}

func (m *MockAgentService) ProvideEntity(ctx context.Context, id string, input service.EntityInput) (*service.SessionView, error) {
	return m.view(m.Called(ctx, id, input))
}

func (m *MockAgentService) ResolveDuplicate(ctx context.Context, id string, existingID *int64) (*service.SessionView, error) {
	return m.view(m.Called(ctx, id, existingID))
}

func (m *MockAgentService) SubmitBottleDetails(ctx context.Context, id string, input service.BottleInput) (*service.SessionView, error) {
	return m.view(m.Called(ctx, id, input))
}

func (m *MockAgentService) RetrySubmit(ctx context.Context, id string) (*service.SessionView, error) {
	return m.view(m.Called(ctx, id))
}

func (m *MockAgentService) ConfirmNewSearch(ctx context.Context, id string) (*service.SessionView, error) {
	return m.view(m.Called(ctx, id))
}

func (m *MockAgentService) Reset(ctx context.Context, id string) (*service.SessionView, error) {
	return m.view(m.Called(ctx, id))
}

func (m *MockAgentService) CheckDuplicate(ctx context.Context, req domain.DuplicateCheckRequest) (*domain.DuplicateCheckResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DuplicateCheckResult), args.Error(1)
}

func (m *MockAgentService) Close() {
	m.Called()
}
