package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"cellar/internal/port"
)

// MockLLMProvider is a mock implementation of port.LLMProvider.
type MockLLMProvider struct {
	mock.Mock
}

func (m *MockLLMProvider) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockLLMProvider) Complete(ctx context.Context, prompt string, opts port.CompletionOptions) (*port.CompletionResponse, error) {
	args := m.Called(ctx, prompt, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*port.CompletionResponse), args.Error(1)
}

func (m *MockLLMProvider) CompleteWithImage(ctx context.Context, prompt, imageBase64, mimeType string, opts port.CompletionOptions) (*port.CompletionResponse, error) {
	args := m.Called(ctx, prompt, imageBase64, mimeType, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*port.CompletionResponse), args.Error(1)
}

func (m *MockLLMProvider) Stream(ctx context.Context, req port.CompletionRequest) <-chan port.StreamEvent {
	args := m.Called(ctx, req)
	return args.Get(0).(<-chan port.StreamEvent)
}

func (m *MockLLMProvider) SupportsCapability(name string) bool {
	args := m.Called(name)
	return args.Bool(0)
}

func (m *MockLLMProvider) IsHealthy(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

// StreamOf returns a closed, pre-filled event channel for Stream expectations.
func StreamOf(events ...port.StreamEvent) <-chan port.StreamEvent {
	ch := make(chan port.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

// TextStream splits text into deltas of size n followed by a Done event.
func TextStream(text string, n int, done *port.CompletionResponse) <-chan port.StreamEvent {
	var events []port.StreamEvent
	for len(text) > 0 {
		k := min(n, len(text))
		events = append(events, port.StreamEvent{Delta: text[:k]})
		text = text[k:]
	}
	events = append(events, port.StreamEvent{Done: done})
	return StreamOf(events...)
}
