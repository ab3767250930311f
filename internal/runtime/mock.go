package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// MockWorkspaceAdapter is a deterministic in-memory WorkspacePort.
type MockWorkspaceAdapter struct{}

func (MockWorkspaceAdapter) ResolveMountpoint(_ context.Context, workspaceID string) (string, error) {
	return "/" + strings.Trim(workspaceID, "/"), nil
}

func (m MockWorkspaceAdapter) ProvisionWorkspace(ctx context.Context, req WorkspaceProvisionRequest) (WorkspaceProvisionResult, error) {
	mountpoint, _ := m.ResolveMountpoint(ctx, req.WorkspaceID)
	return WorkspaceProvisionResult{WorkspaceID: req.WorkspaceID, Mountpoint: mountpoint}, nil
}

func (MockWorkspaceAdapter) SnapshotWorkspace(_ context.Context, req WorkspaceSnapshotRequest) (WorkspaceSnapshotResult, error) {
	return WorkspaceSnapshotResult{WorkspaceID: req.WorkspaceID, SnapshotName: req.SnapshotName}, nil
}

// MockContainerAdapter is a deterministic in-memory ContainerPort. Start
// returns monotonically counting "mock-<slug>-<n>" ids; Inspect derives the
// state from the container id prefix so tests can script arbitrary sequences:
// "exited-*" reads EXITED, "missing-*" MISSING, "unknown-*" UNKNOWN,
// everything else RUNNING.
type MockContainerAdapter struct {
	counter atomic.Int64
}

func (m *MockContainerAdapter) StartContainer(_ context.Context, req StartContainerRequest) (StartSessionResult, error) {
	parts := strings.Split(req.ContainerName, "-")
	slug := parts[len(parts)-1]
	return StartSessionResult{ContainerID: fmt.Sprintf("mock-%s-%d", slug, m.counter.Add(1))}, nil
}

func (m *MockContainerAdapter) StopContainer(_ context.Context, req StopSessionRequest) (StopSessionResult, error) {
	return StopSessionResult{Removed: req.ContainerID != ""}, nil
}

func (m *MockContainerAdapter) InspectContainer(_ context.Context, req InspectContainerRequest) (InspectSessionResult, error) {
	id := req.ContainerID
	switch {
	case id == "":
		return InspectSessionResult{State: StateMissing}, nil
	case strings.HasPrefix(id, "exited-"):
		return InspectSessionResult{State: StateExited, ContainerID: id}, nil
	case strings.HasPrefix(id, "missing-"):
		return InspectSessionResult{State: StateMissing}, nil
	case strings.HasPrefix(id, "unknown-"):
		return InspectSessionResult{State: StateUnknown, ContainerID: id}, nil
	}
	return InspectSessionResult{State: StateRunning, ContainerID: id}, nil
}

// NewMockRuntime returns a SessionRuntime backed by the mock adapters.
func NewMockRuntime(containerNamePrefix string) *Service {
	return NewService(MockWorkspaceAdapter{}, &MockContainerAdapter{}, containerNamePrefix)
}
