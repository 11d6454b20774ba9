package custodian

import (
	"context"

	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockCustodian mocks the Custodian interface
type MockCustodian struct {
	mock.Mock
}

// Generate mocks the Generate method
func (m *MockCustodian) Generate(ctx context.Context, alias interfaces.KeyAlias, opts interfaces.KeyGenOptions) (*interfaces.KeyPairHandle, error) {
	args := m.Called(ctx, alias, opts)
	handle, _ := args.Get(0).(*interfaces.KeyPairHandle)
	return handle, args.Error(1)
}

// Delete mocks the Delete method
func (m *MockCustodian) Delete(ctx context.Context, alias interfaces.KeyAlias) (bool, error) {
	args := m.Called(ctx, alias)
	return args.Bool(0), args.Error(1)
}

// Exists mocks the Exists method
func (m *MockCustodian) Exists(ctx context.Context, alias interfaces.KeyAlias) (interfaces.Existence, error) {
	args := m.Called(ctx, alias)
	return args.Get(0).(interfaces.Existence), args.Error(1)
}

// Load mocks the Load method
func (m *MockCustodian) Load(ctx context.Context, alias interfaces.KeyAlias) (*interfaces.KeyPairHandle, error) {
	args := m.Called(ctx, alias)
	handle, _ := args.Get(0).(*interfaces.KeyPairHandle)
	return handle, args.Error(1)
}

// Sign mocks the Sign method
func (m *MockCustodian) Sign(ctx context.Context, alias interfaces.KeyAlias, payload []byte) ([]byte, error) {
	args := m.Called(ctx, alias, payload)
	sig, _ := args.Get(0).([]byte)
	return sig, args.Error(1)
}

// Verify mocks the Verify method
func (m *MockCustodian) Verify(publicKey interfaces.PublicKeyEncoding, payload, signature []byte) bool {
	args := m.Called(publicKey, payload, signature)
	return args.Bool(0)
}

// Authorize mocks the Authorize method
func (m *MockCustodian) Authorize(alias interfaces.KeyAlias) {
	m.Called(alias)
}

var _ Custodian = (*MockCustodian)(nil)
