package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/GriffinCanCode/termhub/internal/owners"
)

// MockOwnerSource is a mock owners.Source.
type MockOwnerSource struct {
	mock.Mock
}

// Owners mocks the Owners method.
func (m *MockOwnerSource) Owners(ctx context.Context) ([]owners.Owner, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]owners.Owner), args.Error(1)
}

// NewMockOwnerSource returns a source that reports list.
func NewMockOwnerSource(list ...owners.Owner) *MockOwnerSource {
	m := new(MockOwnerSource)
	m.On("Owners", mock.Anything).Return(list, nil).Maybe()
	return m
}
