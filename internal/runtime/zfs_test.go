package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZFSProvision_RejectsRootDataset(t *testing.T) {
	adapter := NewZFSWorkspaceAdapter(false)

	_, err := adapter.ProvisionWorkspace(context.Background(), WorkspaceProvisionRequest{
		WorkspaceID: "tank", UID: 1000, GID: 1000,
	})
	require.Error(t, err)

	var rtErr *Error
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, ErrCodeWorkspaceInvalidPath, rtErr.Code)
	assert.Equal(t, "workspace.validate_path", rtErr.Operation)
}

func TestZFSCommand_SudoPrefix(t *testing.T) {
	ctx := context.Background()

	plain := NewZFSWorkspaceAdapter(false).command(ctx, "zfs", "list")
	require.GreaterOrEqual(t, len(plain.Args), 2)
	assert.Equal(t, "zfs", plain.Args[0])

	sudo := NewZFSWorkspaceAdapter(true).command(ctx, "zfs", "list")
	require.GreaterOrEqual(t, len(sudo.Args), 4)
	assert.Equal(t, []string{"-n", "zfs", "list"}, sudo.Args[1:4])
}
