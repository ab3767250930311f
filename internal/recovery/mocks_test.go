package recovery

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	rt "github.com/avollmer/gpuforge/internal/runtime"
	"github.com/avollmer/gpuforge/internal/store"
)

// MockRuntime mocks the runtime.SessionRuntime interface.
type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) ProvisionWorkspace(ctx context.Context, req rt.WorkspaceProvisionRequest) (rt.WorkspaceProvisionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rt.WorkspaceProvisionResult), args.Error(1)
}

func (m *MockRuntime) StartSession(ctx context.Context, req rt.StartSessionRequest) (rt.StartSessionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rt.StartSessionResult), args.Error(1)
}

func (m *MockRuntime) StopSession(ctx context.Context, req rt.StopSessionRequest) (rt.StopSessionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rt.StopSessionResult), args.Error(1)
}

func (m *MockRuntime) SnapshotWorkspace(ctx context.Context, req rt.WorkspaceSnapshotRequest) (rt.WorkspaceSnapshotResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rt.WorkspaceSnapshotResult), args.Error(1)
}

func (m *MockRuntime) InspectSession(ctx context.Context, req rt.InspectSessionRequest) (rt.InspectSessionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(rt.InspectSessionResult), args.Error(1)
}

// MockRepo mocks the Repo interface.
type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) ListByStatuses(ctx context.Context, statuses []store.SessionStatus) ([]store.Session, error) {
	args := m.Called(ctx, statuses)
	if rows := args.Get(0); rows != nil {
		return rows.([]store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepo) FinalizeRunning(ctx context.Context, id uuid.UUID, containerID string, expected []store.SessionStatus) (*store.Session, bool, error) {
	args := m.Called(ctx, id, containerID, expected)
	row, _ := args.Get(0).(*store.Session)
	return row, args.Bool(1), args.Error(2)
}

func (m *MockRepo) FinalizeStopped(ctx context.Context, id uuid.UUID, expected []store.SessionStatus) (*store.Session, bool, error) {
	args := m.Called(ctx, id, expected)
	row, _ := args.Get(0).(*store.Session)
	return row, args.Bool(1), args.Error(2)
}

func (m *MockRepo) FinalizeError(ctx context.Context, id uuid.UUID, message string, expected []store.SessionStatus) (*store.Session, bool, error) {
	args := m.Called(ctx, id, message, expected)
	row, _ := args.Get(0).(*store.Session)
	return row, args.Bool(1), args.Error(2)
}
