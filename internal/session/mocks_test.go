package session

import (
	"context"

	"github.com/stretchr/testify/mock"

	rt "github.com/avollmer/gpuforge/internal/runtime"
)

// MockSessionRuntime mocks the runtime.SessionRuntime interface.
type MockSessionRuntime struct {
	mock.Mock
}

func (m *MockSessionRuntime) ProvisionWorkspace(ctx context.Context, req rt.WorkspaceProvisionRequest) (rt.WorkspaceProvisionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rt.WorkspaceProvisionResult), args.Error(1)
}

func (m *MockSessionRuntime) StartSession(ctx context.Context, req rt.StartSessionRequest) (rt.StartSessionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rt.StartSessionResult), args.Error(1)
}

func (m *MockSessionRuntime) StopSession(ctx context.Context, req rt.StopSessionRequest) (rt.StopSessionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rt.StopSessionResult), args.Error(1)
}

func (m *MockSessionRuntime) SnapshotWorkspace(ctx context.Context, req rt.WorkspaceSnapshotRequest) (rt.WorkspaceSnapshotResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rt.WorkspaceSnapshotResult), args.Error(1)
}

func (m *MockSessionRuntime) InspectSession(ctx context.Context, req rt.InspectSessionRequest) (rt.InspectSessionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rt.InspectSessionResult), args.Error(1)
}
