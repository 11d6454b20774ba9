package gate

import (
	"context"

	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockGate mocks the BiometricGate interface
type MockGate struct {
	mock.Mock
}

// IsStrongAuthAvailable mocks the IsStrongAuthAvailable method
func (m *MockGate) IsStrongAuthAvailable(ctx context.Context, prompt interfaces.PromptContext) bool {
	args := m.Called(ctx, prompt)
	return args.Bool(0)
}

// StartCeremony mocks the StartCeremony method
func (m *MockGate) StartCeremony(ctx context.Context, req interfaces.CeremonyRequest, cb interfaces.CeremonyCallbacks) (interfaces.CeremonyHandle, error) {
	args := m.Called(ctx, req, cb)
	return args.Get(0).(interfaces.CeremonyHandle), args.Error(1)
}

// Cancel mocks the Cancel method
func (m *MockGate) Cancel(handle interfaces.CeremonyHandle) {
	m.Called(handle)
}

var _ interfaces.BiometricGate = (*MockGate)(nil)
