package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/ingestd/internal/pipeline"
)

// MockQueue is a testify mock of Queue for component tests.
type MockQueue struct {
	mock.Mock
}

// Put records the call and returns the configured error.
func (m *MockQueue) Put(ctx context.Context, item pipeline.Item) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

// Get returns the configured item and error.
func (m *MockQueue) Get(ctx context.Context) (pipeline.Item, error) {
	args := m.Called(ctx)
	item, _ := args.Get(0).(pipeline.Item)
	return item, args.Error(1)
}

// Close records the call.
func (m *MockQueue) Close() {
	m.Called()
}

// Len returns the configured length.
func (m *MockQueue) Len() int {
	args := m.Called()
	return args.Int(0)
}

// Cap returns the configured capacity.
func (m *MockQueue) Cap() int {
	args := m.Called()
	return args.Int(0)
}
