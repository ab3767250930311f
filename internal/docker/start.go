package docker

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	rt "github.com/avollmer/gpuforge/internal/runtime"
)

const runningPollInterval = 500 * time.Millisecond

// StartContainer creates and starts the session container, then blocks until
// the engine reports it running or the start timeout elapses. On any failure
// the partially created container is force-removed before the error surfaces.
func (a *Adapter) StartContainer(ctx context.Context, req rt.StartContainerRequest) (rt.StartSessionResult, error) {
	hostCfg, err := buildHostConfig(req)
	if err != nil {
		return rt.StartSessionResult{}, rt.NewError(
			rt.ErrCodeContainerStartFailed, "container.host_config", err.Error(), err)
	}

	containerCfg := &container.Config{
		Image: req.ImageRef,
		User:  "1000:1000",
		Env:   buildEnv(req),
		Labels: map[string]string{
			labelPrefix + "managed":    "true",
			labelPrefix + "session_id": req.SessionID.String(),
			labelPrefix + "user_id":    req.UserID.String(),
		},
	}

	resp, err := a.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, req.ContainerName)
	if err != nil {
		return rt.StartSessionResult{}, rt.NewError(
			rt.ErrCodeContainerStartFailed, "container.create", err.Error(), err)
	}
	containerID := resp.ID

	if err := a.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		a.removeQuietly(ctx, containerID)
		return rt.StartSessionResult{}, rt.NewError(
			rt.ErrCodeContainerStartFailed, "container.start", err.Error(), err)
	}

	if err := a.waitUntilRunning(ctx, containerID, req.StartTimeoutSeconds); err != nil {
		a.removeQuietly(ctx, containerID)
		return rt.StartSessionResult{}, err
	}
	return rt.StartSessionResult{ContainerID: containerID}, nil
}

func (a *Adapter) waitUntilRunning(ctx context.Context, containerID string, timeoutSeconds int) error {
	if timeoutSeconds < 1 {
		timeoutSeconds = 1
	}
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)

	for time.Now().Before(deadline) {
		info, err := a.docker.ContainerInspect(ctx, containerID)
		if err != nil {
			if client.IsErrNotFound(err) {
				return rt.NewError(rt.ErrCodeContainerStartFailed, "container.wait_running",
					"container disappeared before reaching running state", err)
			}
			return rt.NewError(rt.ErrCodeContainerInspectFail, "container.wait_running", err.Error(), err)
		}
		switch info.State.Status {
		case "running":
			return nil
		case "exited", "dead":
			return rt.NewError(rt.ErrCodeContainerStartFailed, "container.wait_running",
				"container exited before running (status="+info.State.Status+")", nil)
		}

		select {
		case <-ctx.Done():
			return rt.NewError(rt.ErrCodeContainerStartFailed, "container.wait_running",
				ctx.Err().Error(), ctx.Err())
		case <-time.After(runningPollInterval):
		}
	}

	return rt.NewError(rt.ErrCodeContainerStartTimeout, "container.wait_running",
		"container start timed out", nil)
}

func (a *Adapter) removeQuietly(ctx context.Context, containerID string) {
	_ = a.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
