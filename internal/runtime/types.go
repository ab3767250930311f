// Package runtime defines the workspace and container capability ports the
// session subsystem is built on, plus the typed error every adapter failure
// surfaces as. Adapters (Docker, ZFS, mock) implement the ports; the rest of
// the system only sees the SessionRuntime composition.
package runtime

import (
	"context"

	"github.com/google/uuid"
)

// ContainerState is the observed runtime state of a session container.
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateExited  ContainerState = "exited"
	StateMissing ContainerState = "missing"
	StateUnknown ContainerState = "unknown"
)

// ResourceLimits carries the container resource constraints from
// configuration. MemLimit, MemReservation and ShmSize are human-readable
// sizes ("64g"); empty string or zero means unset.
type ResourceLimits struct {
	CPUShares      int64
	CPULimit       int64 // whole cores
	MemLimit       string
	MemReservation string
	ShmSize        string
	PidsLimit      int64
}

type WorkspaceProvisionRequest struct {
	WorkspaceID string // dataset path, e.g. tank/gpuforge/workspaces/<user>/<session>
	UID         int
	GID         int
	QuotaGB     int // 0 = no quota
}

type WorkspaceProvisionResult struct {
	WorkspaceID string
	Mountpoint  string
}

type WorkspaceSnapshotRequest struct {
	WorkspaceID  string
	SnapshotName string
}

type WorkspaceSnapshotResult struct {
	WorkspaceID  string
	SnapshotName string
}

type StartSessionRequest struct {
	SessionID           uuid.UUID
	UserID              uuid.UUID
	Exposure            string // EXTERNAL | INTERNAL
	Slug                string
	GpuID               int
	WorkspaceID         string
	PackImageRef        string
	SessionsNetwork     string
	StartTimeoutSeconds int
	ResourceLimits      ResourceLimits
	SSHPort             int
	SSHPublicKey        string
}

type StartSessionResult struct {
	ContainerID string
}

type StopSessionRequest struct {
	ContainerID    string // empty = nothing to stop
	TimeoutSeconds int
}

type StopSessionResult struct {
	Removed bool
}

type InspectSessionRequest struct {
	ContainerID string // may be empty; lookup falls back to slug-derived name
	Slug        string
}

type InspectSessionResult struct {
	State       ContainerState
	ContainerID string
}

type StartContainerRequest struct {
	ImageRef            string
	ContainerName       string
	SessionID           uuid.UUID
	UserID              uuid.UUID
	Exposure            string
	GpuID               int
	SessionsNetwork     string
	WorkspaceMount      string
	StartTimeoutSeconds int
	ResourceLimits      ResourceLimits
	SSHPort             int
	SSHPublicKey        string
}

type InspectContainerRequest struct {
	ContainerID   string
	ContainerName string
}

// WorkspacePort provisions and snapshots per-session filesystem datasets.
type WorkspacePort interface {
	ResolveMountpoint(ctx context.Context, workspaceID string) (string, error)
	ProvisionWorkspace(ctx context.Context, req WorkspaceProvisionRequest) (WorkspaceProvisionResult, error)
	SnapshotWorkspace(ctx context.Context, req WorkspaceSnapshotRequest) (WorkspaceSnapshotResult, error)
}

// ContainerPort starts, stops and inspects session containers.
type ContainerPort interface {
	StartContainer(ctx context.Context, req StartContainerRequest) (StartSessionResult, error)
	StopContainer(ctx context.Context, req StopSessionRequest) (StopSessionResult, error)
	InspectContainer(ctx context.Context, req InspectContainerRequest) (InspectSessionResult, error)
}

// SessionRuntime is the single capability surface the repository, lifecycle
// and recovery components depend on.
type SessionRuntime interface {
	ProvisionWorkspace(ctx context.Context, req WorkspaceProvisionRequest) (WorkspaceProvisionResult, error)
	StartSession(ctx context.Context, req StartSessionRequest) (StartSessionResult, error)
	StopSession(ctx context.Context, req StopSessionRequest) (StopSessionResult, error)
	SnapshotWorkspace(ctx context.Context, req WorkspaceSnapshotRequest) (WorkspaceSnapshotResult, error)
	InspectSession(ctx context.Context, req InspectSessionRequest) (InspectSessionResult, error)
}
