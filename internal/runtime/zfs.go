package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ZFSWorkspaceAdapter provisions per-session datasets by shelling out to the
// zfs CLI. Every command failure is mapped to a runtime Error carrying the
// literal command as Operation.
type ZFSWorkspaceAdapter struct {
	useSudo bool
}

func NewZFSWorkspaceAdapter(useSudo bool) *ZFSWorkspaceAdapter {
	return &ZFSWorkspaceAdapter{useSudo: useSudo}
}

func (a *ZFSWorkspaceAdapter) command(ctx context.Context, args ...string) *exec.Cmd {
	if a.useSudo {
		return exec.CommandContext(ctx, "sudo", append([]string{"-n"}, args...)...)
	}
	return exec.CommandContext(ctx, args[0], args[1:]...)
}

func (a *ZFSWorkspaceAdapter) run(ctx context.Context, code ErrorCode, args ...string) (string, error) {
	cmd := a.command(ctx, args...)
	out, err := cmd.Output()
	if err != nil {
		msg := err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			msg = strings.TrimSpace(string(exitErr.Stderr))
		}
		return "", newError(code, strings.Join(args, " "), msg, err)
	}
	return string(out), nil
}

func (a *ZFSWorkspaceAdapter) datasetExists(ctx context.Context, dataset string) (bool, error) {
	cmd := a.command(ctx, "zfs", "list", "-H", "-o", "name", dataset)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, newError(ErrCodeWorkspaceCommandFail, "zfs list", err.Error(), err)
	}
	return true, nil
}

func (a *ZFSWorkspaceAdapter) ResolveMountpoint(ctx context.Context, workspaceID string) (string, error) {
	out, err := a.run(ctx, ErrCodeWorkspaceCommandFail, "zfs", "get", "-H", "-o", "value", "mountpoint", workspaceID)
	if err != nil {
		return "", err
	}
	mountpoint := strings.TrimSpace(out)
	if mountpoint == "" || mountpoint == "-" {
		return "/" + workspaceID, nil
	}
	return mountpoint, nil
}

// ProvisionWorkspace ensures the parent and leaf datasets exist, applies the
// optional quota, and chowns the mountpoint. Idempotent: existing datasets
// are left as they are.
func (a *ZFSWorkspaceAdapter) ProvisionWorkspace(ctx context.Context, req WorkspaceProvisionRequest) (WorkspaceProvisionResult, error) {
	workspaceID := req.WorkspaceID
	if !strings.Contains(workspaceID, "/") {
		return WorkspaceProvisionResult{}, newError(
			ErrCodeWorkspaceInvalidPath, "workspace.validate_path", "invalid workspace dataset path", nil)
	}

	parent := workspaceID[:strings.LastIndex(workspaceID, "/")]
	for _, dataset := range []string{parent, workspaceID} {
		exists, err := a.datasetExists(ctx, dataset)
		if err != nil {
			return WorkspaceProvisionResult{}, err
		}
		if !exists {
			if _, err := a.run(ctx, ErrCodeWorkspaceCommandFail, "zfs", "create", dataset); err != nil {
				return WorkspaceProvisionResult{}, err
			}
		}
	}

	if req.QuotaGB > 0 {
		quota := fmt.Sprintf("quota=%dG", req.QuotaGB)
		if _, err := a.run(ctx, ErrCodeWorkspaceCommandFail, "zfs", "set", quota, workspaceID); err != nil {
			return WorkspaceProvisionResult{}, err
		}
	}

	mountpoint, err := a.ResolveMountpoint(ctx, workspaceID)
	if err != nil {
		return WorkspaceProvisionResult{}, err
	}
	owner := fmt.Sprintf("%d:%d", req.UID, req.GID)
	if _, err := a.run(ctx, ErrCodeWorkspaceCommandFail, "chown", owner, mountpoint); err != nil {
		return WorkspaceProvisionResult{}, err
	}
	return WorkspaceProvisionResult{WorkspaceID: workspaceID, Mountpoint: mountpoint}, nil
}

func (a *ZFSWorkspaceAdapter) SnapshotWorkspace(ctx context.Context, req WorkspaceSnapshotRequest) (WorkspaceSnapshotResult, error) {
	snapshot := req.WorkspaceID + "@" + req.SnapshotName
	if _, err := a.run(ctx, ErrCodeSnapshotFailed, "zfs", "snapshot", snapshot); err != nil {
		return WorkspaceSnapshotResult{}, err
	}
	return WorkspaceSnapshotResult{WorkspaceID: req.WorkspaceID, SnapshotName: req.SnapshotName}, nil
}
