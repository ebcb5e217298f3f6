package wallet

import (
	"context"

	"github.com/ruteri/wallet-provisioning-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockSubsystem mocks the SecureSubsystem interface
type MockSubsystem struct {
	mock.Mock
}

// CanProvision mocks the CanProvision method
func (m *MockSubsystem) CanProvision(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

// HasExistingPass mocks the HasExistingPass method
func (m *MockSubsystem) HasExistingPass(ctx context.Context, accountReferenceID string) bool {
	args := m.Called(ctx, accountReferenceID)
	return args.Bool(0)
}

// StartProvisioning mocks the StartProvisioning method
func (m *MockSubsystem) StartProvisioning(ctx context.Context, cfg interfaces.ProvisioningConfig, delegate interfaces.ProvisioningDelegate) (interfaces.ProvisioningFlow, error) {
	args := m.Called(ctx, cfg, delegate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(interfaces.ProvisioningFlow), args.Error(1)
}

// ListProvisionedPasses mocks the ListProvisionedPasses method
func (m *MockSubsystem) ListProvisionedPasses(ctx context.Context) ([]interfaces.ProvisionedPass, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.ProvisionedPass), args.Error(1)
}

// RemovePass mocks the RemovePass method
func (m *MockSubsystem) RemovePass(ctx context.Context, pass interfaces.ProvisionedPass) error {
	args := m.Called(ctx, pass)
	return args.Error(0)
}

// MockFlow mocks the ProvisioningFlow interface
type MockFlow struct {
	mock.Mock
}

// Dismiss mocks the Dismiss method
func (m *MockFlow) Dismiss() {
	m.Called()
}
