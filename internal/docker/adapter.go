// Package docker implements the container runtime port against the Docker
// Engine API. It also hosts the factory that maps configuration to the
// adapter pair the session runtime composes.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/avollmer/gpuforge/internal/config"
	rt "github.com/avollmer/gpuforge/internal/runtime"
)

const labelPrefix = "gpuforge."

// Adapter implements runtime.ContainerPort.
type Adapter struct {
	docker *client.Client
}

func NewAdapter() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{docker: cli}, nil
}

func (a *Adapter) Close() error {
	return a.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.docker.Ping(ctx)
	return err
}

// NewSessionRuntime maps configuration to a runtime: the deterministic mock
// in mock mode, otherwise the ZFS workspace adapter paired with this Docker
// adapter.
func NewSessionRuntime(cfg *config.Config) (rt.SessionRuntime, error) {
	if cfg.Runtime.Mode == "mock" {
		return rt.NewMockRuntime(cfg.Runtime.ContainerNamePrefix), nil
	}
	container, err := NewAdapter()
	if err != nil {
		return nil, err
	}
	workspace := rt.NewZFSWorkspaceAdapter(cfg.Runtime.UseSudo)
	return rt.NewService(workspace, container, cfg.Runtime.ContainerNamePrefix), nil
}

func buildEnv(req rt.StartContainerRequest) []string {
	env := []string{
		"GPUFORGE_SESSION_ID=" + req.SessionID.String(),
		"GPUFORGE_USER_ID=" + req.UserID.String(),
		"GPUFORGE_EXPOSURE=" + req.Exposure,
		fmt.Sprintf("GPUFORGE_GPU_ID=%d", req.GpuID),
		fmt.Sprintf("NVIDIA_VISIBLE_DEVICES=%d", req.GpuID),
		"CUDA_VISIBLE_DEVICES=0",
	}
	if req.SSHPort > 0 {
		env = append(env, fmt.Sprintf("GPUFORGE_SSH_PORT=%d", req.SSHPort))
	}
	if req.SSHPublicKey != "" {
		env = append(env, "GPUFORGE_SSH_PUBLIC_KEY="+req.SSHPublicKey)
	}
	return env
}

// buildHostConfig translates the start request into engine constraints:
// one pinned GPU, resource limits from configuration, and the hard security
// defaults for INTERNAL exposure.
func buildHostConfig(req rt.StartContainerRequest) (*container.HostConfig, error) {
	limits := req.ResourceLimits
	resources := container.Resources{
		CPUShares: limits.CPUShares,
		DeviceRequests: []container.DeviceRequest{
			{
				Driver:       "nvidia",
				DeviceIDs:    []string{fmt.Sprintf("%d", req.GpuID)},
				Capabilities: [][]string{{"gpu"}},
			},
		},
	}
	if limits.CPULimit > 0 {
		resources.NanoCPUs = limits.CPULimit * 1e9
	}
	if limits.MemLimit != "" {
		mem, err := units.RAMInBytes(limits.MemLimit)
		if err != nil {
			return nil, fmt.Errorf("parse mem_limit %q: %w", limits.MemLimit, err)
		}
		resources.Memory = mem
		resources.MemorySwap = mem
	}
	if limits.MemReservation != "" {
		reservation, err := units.RAMInBytes(limits.MemReservation)
		if err != nil {
			return nil, fmt.Errorf("parse mem_reservation %q: %w", limits.MemReservation, err)
		}
		resources.MemoryReservation = reservation
	}
	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		resources.PidsLimit = &pids
	}

	hostCfg := &container.HostConfig{
		Resources:  resources,
		AutoRemove: false,
		Binds:      []string{req.WorkspaceMount + ":/workspace:rw"},
	}
	if limits.ShmSize != "" {
		shm, err := units.RAMInBytes(limits.ShmSize)
		if err != nil {
			return nil, fmt.Errorf("parse shm_size %q: %w", limits.ShmSize, err)
		}
		hostCfg.ShmSize = shm
	}
	if req.SessionsNetwork != "" {
		hostCfg.NetworkMode = container.NetworkMode(req.SessionsNetwork)
	}
	// INTERNAL sessions run locked down; EXTERNAL keeps the engine-default
	// capability set but is never privileged.
	if req.Exposure == "INTERNAL" {
		hostCfg.CapDrop = []string{"ALL"}
		hostCfg.SecurityOpt = []string{"no-new-privileges:true"}
	}
	return hostCfg, nil
}
