package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerName(t *testing.T) {
	svc := NewMockRuntime("gpuforge")
	assert.Equal(t, "gpuforge-abcd2345", svc.ContainerName("abcd2345"))
}

func TestNewService_EmptyPrefixFallsBack(t *testing.T) {
	svc := NewMockRuntime("")
	assert.Equal(t, DefaultContainerNamePrefix+"-slug", svc.ContainerName("slug"))
}

func TestStartSession_MockIDsCount(t *testing.T) {
	svc := NewMockRuntime("gpuforge")
	ctx := context.Background()

	res1, err := svc.StartSession(ctx, StartSessionRequest{
		SessionID:   uuid.New(),
		Slug:        "aaaa2345",
		WorkspaceID: "tank/gpuforge/workspaces/u/s",
	})
	require.NoError(t, err)
	assert.Equal(t, "mock-aaaa2345-1", res1.ContainerID)

	res2, err := svc.StartSession(ctx, StartSessionRequest{
		SessionID:   uuid.New(),
		Slug:        "bbbb2345",
		WorkspaceID: "tank/gpuforge/workspaces/u/s2",
	})
	require.NoError(t, err)
	assert.Equal(t, "mock-bbbb2345-2", res2.ContainerID)
}

func TestMockWorkspace_Mountpoint(t *testing.T) {
	var ws MockWorkspaceAdapter
	mp, err := ws.ResolveMountpoint(context.Background(), "tank/gpuforge/workspaces/u/s")
	require.NoError(t, err)
	assert.Equal(t, "/tank/gpuforge/workspaces/u/s", mp)
}

func TestMockInspect_StateFromIDPrefix(t *testing.T) {
	svc := NewMockRuntime("gpuforge")
	ctx := context.Background()

	cases := []struct {
		id    string
		state ContainerState
	}{
		{"mock-aaaa2345-1", StateRunning},
		{"exited-aaaa2345", StateExited},
		{"missing-aaaa2345", StateMissing},
		{"unknown-aaaa2345", StateUnknown},
		{"", StateMissing},
	}
	for _, tc := range cases {
		res, err := svc.InspectSession(ctx, InspectSessionRequest{ContainerID: tc.id, Slug: "aaaa2345"})
		require.NoError(t, err)
		assert.Equal(t, tc.state, res.State, "id %q", tc.id)
	}
}

func TestMockStop_RemovedOnlyWithID(t *testing.T) {
	svc := NewMockRuntime("gpuforge")
	ctx := context.Background()

	res, err := svc.StopSession(ctx, StopSessionRequest{ContainerID: "mock-aaaa2345-1"})
	require.NoError(t, err)
	assert.True(t, res.Removed)

	res, err = svc.StopSession(ctx, StopSessionRequest{ContainerID: ""})
	require.NoError(t, err)
	assert.False(t, res.Removed)
}

func TestError_FormatAndUnwrap(t *testing.T) {
	cause := errors.New("zfs: dataset does not exist")
	err := NewError(ErrCodeSnapshotFailed, "zfs snapshot tank/x@stop-1", "dataset does not exist", cause)

	assert.Equal(t, "dataset does not exist [code=snapshot_failed, operation=zfs snapshot tank/x@stop-1]", err.Error())
	assert.ErrorIs(t, err, cause)

	var rtErr *Error
	require.ErrorAs(t, error(err), &rtErr)
	assert.Equal(t, ErrCodeSnapshotFailed, rtErr.Code)
}
