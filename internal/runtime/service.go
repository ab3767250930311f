package runtime

import "context"

// DefaultContainerNamePrefix is used when the service is constructed with an
// empty prefix.
const DefaultContainerNamePrefix = "gpuforge"

// Service composes a WorkspacePort and a ContainerPort into the
// SessionRuntime surface. Its only logic is deriving the container name from
// the session slug and the workspace mountpoint from the workspace port.
type Service struct {
	workspace WorkspacePort
	container ContainerPort
	prefix    string
}

func NewService(workspace WorkspacePort, container ContainerPort, containerNamePrefix string) *Service {
	if containerNamePrefix == "" {
		containerNamePrefix = DefaultContainerNamePrefix
	}
	return &Service{workspace: workspace, container: container, prefix: containerNamePrefix}
}

// ContainerName returns the engine-visible name for a session slug.
func (s *Service) ContainerName(slug string) string {
	return s.prefix + "-" + slug
}

func (s *Service) ProvisionWorkspace(ctx context.Context, req WorkspaceProvisionRequest) (WorkspaceProvisionResult, error) {
	return s.workspace.ProvisionWorkspace(ctx, req)
}

func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (StartSessionResult, error) {
	mountpoint, err := s.workspace.ResolveMountpoint(ctx, req.WorkspaceID)
	if err != nil {
		return StartSessionResult{}, err
	}
	return s.container.StartContainer(ctx, StartContainerRequest{
		ImageRef:            req.PackImageRef,
		ContainerName:       s.ContainerName(req.Slug),
		SessionID:           req.SessionID,
		UserID:              req.UserID,
		Exposure:            req.Exposure,
		GpuID:               req.GpuID,
		SessionsNetwork:     req.SessionsNetwork,
		WorkspaceMount:      mountpoint,
		StartTimeoutSeconds: req.StartTimeoutSeconds,
		ResourceLimits:      req.ResourceLimits,
		SSHPort:             req.SSHPort,
		SSHPublicKey:        req.SSHPublicKey,
	})
}

func (s *Service) StopSession(ctx context.Context, req StopSessionRequest) (StopSessionResult, error) {
	return s.container.StopContainer(ctx, req)
}

func (s *Service) SnapshotWorkspace(ctx context.Context, req WorkspaceSnapshotRequest) (WorkspaceSnapshotResult, error) {
	return s.workspace.SnapshotWorkspace(ctx, req)
}

func (s *Service) InspectSession(ctx context.Context, req InspectSessionRequest) (InspectSessionResult, error) {
	return s.container.InspectContainer(ctx, InspectContainerRequest{
		ContainerID:   req.ContainerID,
		ContainerName: s.ContainerName(req.Slug),
	})
}
