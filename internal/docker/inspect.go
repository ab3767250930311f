package docker

import (
	"context"

	"github.com/docker/docker/client"

	rt "github.com/avollmer/gpuforge/internal/runtime"
)

// InspectContainer looks the container up by id first, falling back to the
// slug-derived name, and maps the engine status onto the runtime state enum.
func (a *Adapter) InspectContainer(ctx context.Context, req rt.InspectContainerRequest) (rt.InspectSessionResult, error) {
	ref := req.ContainerID
	if ref != "" {
		result, found, err := a.inspectRef(ctx, ref, "container.inspect.by_id")
		if err != nil {
			return rt.InspectSessionResult{}, err
		}
		if found {
			return result, nil
		}
	}

	result, found, err := a.inspectRef(ctx, req.ContainerName, "container.inspect.by_name")
	if err != nil {
		return rt.InspectSessionResult{}, err
	}
	if !found {
		return rt.InspectSessionResult{State: rt.StateMissing}, nil
	}
	return result, nil
}

func (a *Adapter) inspectRef(ctx context.Context, ref, operation string) (rt.InspectSessionResult, bool, error) {
	info, err := a.docker.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return rt.InspectSessionResult{}, false, nil
		}
		return rt.InspectSessionResult{}, false, rt.NewError(
			rt.ErrCodeContainerInspectFail, operation, err.Error(), err)
	}

	state := rt.StateUnknown
	switch info.State.Status {
	case "running":
		state = rt.StateRunning
	case "exited", "dead":
		state = rt.StateExited
	}
	return rt.InspectSessionResult{State: state, ContainerID: info.ID}, true, nil
}
