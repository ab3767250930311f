package docker

import (
	"context"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	rt "github.com/avollmer/gpuforge/internal/runtime"
)

// StopContainer is best-effort and idempotent: a missing container reads as
// success with removed=false; a still-running one gets a graceful stop with
// timeout, falling back to kill, then force-remove.
func (a *Adapter) StopContainer(ctx context.Context, req rt.StopSessionRequest) (rt.StopSessionResult, error) {
	if req.ContainerID == "" {
		return rt.StopSessionResult{Removed: false}, nil
	}

	info, err := a.docker.ContainerInspect(ctx, req.ContainerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return rt.StopSessionResult{Removed: false}, nil
		}
		return rt.StopSessionResult{}, rt.NewError(
			rt.ErrCodeContainerInspectFail, "container.stop.inspect", err.Error(), err)
	}

	timeout := req.TimeoutSeconds
	if timeout < 1 {
		timeout = 1
	}

	if info.State.Status != "exited" && info.State.Status != "dead" {
		err := a.docker.ContainerStop(ctx, req.ContainerID, container.StopOptions{Timeout: &timeout})
		switch {
		case err == nil:
		case client.IsErrNotFound(err):
			return rt.StopSessionResult{Removed: false}, nil
		default:
			if killErr := a.docker.ContainerKill(ctx, req.ContainerID, "KILL"); killErr != nil {
				if client.IsErrNotFound(killErr) {
					return rt.StopSessionResult{Removed: false}, nil
				}
				return rt.StopSessionResult{}, rt.NewError(
					rt.ErrCodeContainerStopFailed, "container.stop.kill", killErr.Error(), killErr)
			}
		}
	}

	if err := a.docker.ContainerRemove(ctx, req.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return rt.StopSessionResult{Removed: false}, nil
		}
		return rt.StopSessionResult{}, rt.NewError(
			rt.ErrCodeContainerRemoveFailed, "container.stop.remove", err.Error(), err)
	}
	return rt.StopSessionResult{Removed: true}, nil
}
