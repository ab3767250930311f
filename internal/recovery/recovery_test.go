package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/avollmer/gpuforge/internal/config"
	rt "github.com/avollmer/gpuforge/internal/runtime"
	"github.com/avollmer/gpuforge/internal/session"
	"github.com/avollmer/gpuforge/internal/store"
	"github.com/avollmer/gpuforge/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *store.Store
	repo    *session.Repo
	cfg     *config.Config
	user    *store.User
	pack    *store.Pack
	nextGpu int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewTestStore(t)
	testutil.SeedGpuPool(t, st, 8)
	return &fixture{
		store: st,
		repo:  session.NewRepo(st),
		cfg:   testutil.TestConfig(),
		user:  testutil.SeedUser(t, st, 8),
		pack:  testutil.SeedPack(t, st, store.PackExposureBoth),
	}
}

func (fx *fixture) runner(t *testing.T, runtime rt.SessionRuntime) *Runner {
	t.Helper()
	return NewRunner(fx.repo, runtime, fx.cfg, testLogger())
}

// seed inserts a session row in the given status. A non-empty containerID is
// stored on the row; the mock container adapter derives the inspected state
// from its prefix.
func (fx *fixture) seed(t *testing.T, status store.SessionStatus, containerID string) *store.Session {
	t.Helper()
	row := &store.Session{
		UserID:   fx.user.ID,
		Exposure: store.ExposureExternal,
		PackID:   fx.pack.ID,
		Status:   status,
		GpuID:    fx.nextGpu,
	}
	fx.nextGpu++
	if containerID != "" {
		row.ContainerID = &containerID
	}
	if status == store.StatusRunning || status == store.StatusStopping {
		now := time.Now().UTC().Add(-time.Minute)
		row.StartedAt = &now
	}
	return testutil.SeedSession(t, fx.store, row)
}

func (fx *fixture) reload(t *testing.T, id uuid.UUID) *store.Session {
	t.Helper()
	var row store.Session
	require.NoError(t, fx.store.DB().First(&row, "id = ?", id).Error)
	return &row
}

func TestPoll_RunningHealthyIsNoOp(t *testing.T) {
	fx := newFixture(t)
	row := fx.seed(t, store.StatusRunning, "mock-aaaa2345-1")
	before := fx.reload(t, row.ID)

	runner := fx.runner(t, rt.NewMockRuntime(fx.cfg.Runtime.ContainerNamePrefix))
	updated, err := runner.PollActiveOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, updated)

	after := fx.reload(t, row.ID)
	assert.Equal(t, store.StatusRunning, after.Status)
	assert.Equal(t, before.StartedAt.UnixNano(), after.StartedAt.UnixNano())
	assert.Equal(t, *before.ContainerID, *after.ContainerID)
}

func TestPoll_StartingWithRunningContainerNormalizes(t *testing.T) {
	fx := newFixture(t)
	row := fx.seed(t, store.StatusStarting, "mock-aaaa2345-1")

	runner := fx.runner(t, rt.NewMockRuntime(fx.cfg.Runtime.ContainerNamePrefix))
	updated, err := runner.PollActiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	after := fx.reload(t, row.ID)
	assert.Equal(t, store.StatusRunning, after.Status)
	require.NotNil(t, after.StartedAt)
	require.NotNil(t, after.ContainerID)
	assert.Equal(t, "mock-aaaa2345-1", *after.ContainerID)
}

func TestPoll_ExitedContainerFinalizesError(t *testing.T) {
	fx := newFixture(t)
	row := fx.seed(t, store.StatusRunning, "exited-aaaa2345")

	runner := fx.runner(t, rt.NewMockRuntime(fx.cfg.Runtime.ContainerNamePrefix))
	updated, err := runner.PollActiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	after := fx.reload(t, row.ID)
	assert.Equal(t, store.StatusError, after.Status)
	require.NotNil(t, after.ErrorMessage)
	assert.Equal(t, "container exited unexpectedly", *after.ErrorMessage)
	require.NotNil(t, after.StoppedAt)
}

func TestPoll_MissingContainerFinalizesError(t *testing.T) {
	fx := newFixture(t)
	row := fx.seed(t, store.StatusStarting, "")

	runner := fx.runner(t, rt.NewMockRuntime(fx.cfg.Runtime.ContainerNamePrefix))
	updated, err := runner.PollActiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	after := fx.reload(t, row.ID)
	assert.Equal(t, store.StatusError, after.Status)
	require.NotNil(t, after.ErrorMessage)
	assert.Equal(t, "container missing", *after.ErrorMessage)
}

func TestPoll_StoppingStopFailureThenSnapshotFailure(t *testing.T) {
	fx := newFixture(t)
	row := fx.seed(t, store.StatusStopping, "mock-aaaa2345-1")

	runtime := new(MockRuntime)
	runtime.On("StopSession", mock.Anything, mock.Anything).
		Return(rt.StopSessionResult{}, rt.NewError(rt.ErrCodeContainerStopFailed,
			"container.stop", "engine unavailable", nil)).Once()
	runtime.On("StopSession", mock.Anything, mock.Anything).
		Return(rt.StopSessionResult{Removed: true}, nil)
	runtime.On("SnapshotWorkspace", mock.Anything, mock.Anything).
		Return(rt.WorkspaceSnapshotResult{}, rt.NewError(rt.ErrCodeSnapshotFailed,
			"zfs snapshot", "dataset busy", nil))

	runner := fx.runner(t, runtime)
	ctx := context.Background()

	// first poll: stop fails, the row is left for the next tick
	updated, err := runner.PollActiveOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, updated)
	after := fx.reload(t, row.ID)
	assert.Equal(t, store.StatusStopping, after.Status)
	assert.Nil(t, after.ErrorMessage)

	// second poll: stop succeeds but the snapshot fails, which is terminal
	updated, err = runner.PollActiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	after = fx.reload(t, row.ID)
	assert.Equal(t, store.StatusError, after.Status)
	require.NotNil(t, after.ErrorMessage)
	assert.Contains(t, *after.ErrorMessage, "snapshot failed")
}

func TestPoll_StoppingCompletes(t *testing.T) {
	fx := newFixture(t)
	row := fx.seed(t, store.StatusStopping, "mock-aaaa2345-1")

	runner := fx.runner(t, rt.NewMockRuntime(fx.cfg.Runtime.ContainerNamePrefix))
	updated, err := runner.PollActiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	after := fx.reload(t, row.ID)
	assert.Equal(t, store.StatusStopped, after.Status)
	require.NotNil(t, after.StoppedAt)
	assert.Nil(t, after.ErrorMessage)
}

func TestPoll_UnknownStateRetriesExhausted(t *testing.T) {
	fx := newFixture(t)
	row := fx.seed(t, store.StatusRunning, "unknown-aaaa2345")

	runtime := new(MockRuntime)
	runtime.On("InspectSession", mock.Anything, mock.Anything).
		Return(rt.InspectSessionResult{State: rt.StateUnknown}, nil)

	runner := fx.runner(t, runtime)
	updated, err := runner.PollActiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	// initial inspection plus the configured three retries
	runtime.AssertNumberOfCalls(t, "InspectSession", 4)

	after := fx.reload(t, row.ID)
	assert.Equal(t, store.StatusError, after.Status)
	require.NotNil(t, after.ErrorMessage)
	assert.Contains(t, *after.ErrorMessage, "unknown")
	assert.Contains(t, *after.ErrorMessage, "3 retries")
}

func TestPoll_UnknownResolvesWithinRetries(t *testing.T) {
	fx := newFixture(t)
	row := fx.seed(t, store.StatusStarting, "mock-aaaa2345-1")

	runtime := new(MockRuntime)
	runtime.On("InspectSession", mock.Anything, mock.Anything).
		Return(rt.InspectSessionResult{State: rt.StateUnknown}, nil).Twice()
	runtime.On("InspectSession", mock.Anything, mock.Anything).
		Return(rt.InspectSessionResult{State: rt.StateRunning, ContainerID: "mock-aaaa2345-1"}, nil)

	runner := fx.runner(t, runtime)
	updated, err := runner.PollActiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	runtime.AssertNumberOfCalls(t, "InspectSession", 3)

	after := fx.reload(t, row.ID)
	assert.Equal(t, store.StatusRunning, after.Status)
}

func TestPoll_InspectFailureLeavesRowForNextTick(t *testing.T) {
	fx := newFixture(t)
	row := fx.seed(t, store.StatusRunning, "mock-aaaa2345-1")

	runtime := new(MockRuntime)
	runtime.On("InspectSession", mock.Anything, mock.Anything).
		Return(rt.InspectSessionResult{}, rt.NewError(rt.ErrCodeContainerInspectFail,
			"container.inspect.by_id", "engine unavailable", nil))

	runner := fx.runner(t, runtime)
	updated, err := runner.PollActiveOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, updated)

	after := fx.reload(t, row.ID)
	assert.Equal(t, store.StatusRunning, after.Status)
	assert.Nil(t, after.ErrorMessage)
}

func TestStartup_InspectFailureFinalizesError(t *testing.T) {
	fx := newFixture(t)
	row := fx.seed(t, store.StatusRunning, "mock-aaaa2345-1")

	runtime := new(MockRuntime)
	runtime.On("InspectSession", mock.Anything, mock.Anything).
		Return(rt.InspectSessionResult{}, rt.NewError(rt.ErrCodeContainerInspectFail,
			"container.inspect.by_id", "engine unavailable", nil))

	runner := fx.runner(t, runtime)
	updated, err := runner.ReconcileOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	after := fx.reload(t, row.ID)
	assert.Equal(t, store.StatusError, after.Status)
	require.NotNil(t, after.ErrorMessage)
	assert.Contains(t, *after.ErrorMessage, "reconcile inspect failed")
}

func TestStartup_RoundTrip(t *testing.T) {
	fx := newFixture(t)
	starting := fx.seed(t, store.StatusStarting, "")
	running := fx.seed(t, store.StatusRunning, "exited-bbbb2345")
	stopping := fx.seed(t, store.StatusStopping, "mock-cccc2345-1")

	runner := fx.runner(t, rt.NewMockRuntime(fx.cfg.Runtime.ContainerNamePrefix))
	updated, err := runner.ReconcileOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, updated)

	assert.Equal(t, store.StatusError, fx.reload(t, starting.ID).Status)
	assert.Equal(t, store.StatusError, fx.reload(t, running.ID).Status)
	assert.Equal(t, store.StatusStopped, fx.reload(t, stopping.ID).Status)

	var leftover int64
	require.NoError(t, fx.store.DB().Model(&store.Session{}).
		Where("status IN ?", []store.SessionStatus{store.StatusStarting, store.StatusStopping}).
		Count(&leftover).Error)
	assert.Zero(t, leftover)
}

func TestStartup_StartingRowFallbackWhenFinalizeRaces(t *testing.T) {
	cfg := testutil.TestConfig()
	row := store.Session{
		ID:       uuid.New(),
		Status:   store.StatusStarting,
		Slug:     "aaaa2345",
		Exposure: store.ExposureExternal,
	}
	exited := "exited-aaaa2345"
	row.ContainerID = &exited

	repo := new(MockRepo)
	repo.On("ListByStatuses", mock.Anything, store.ActiveSessionStatuses).
		Return([]store.Session{row}, nil)
	// the death finalize loses the race, the startup rule still closes the row
	repo.On("FinalizeError", mock.Anything, row.ID, "container exited unexpectedly",
		[]store.SessionStatus{store.StatusStarting, store.StatusRunning}).
		Return(nil, false, nil).Once()
	repo.On("FinalizeError", mock.Anything, row.ID, "container not running during reconcile",
		[]store.SessionStatus{store.StatusStarting}).
		Return(&row, true, nil).Once()

	runtime := new(MockRuntime)
	runtime.On("InspectSession", mock.Anything, mock.Anything).
		Return(rt.InspectSessionResult{State: rt.StateExited, ContainerID: exited}, nil)
	runtime.On("StopSession", mock.Anything, mock.Anything).
		Return(rt.StopSessionResult{Removed: true}, nil)
	runtime.On("SnapshotWorkspace", mock.Anything, mock.Anything).
		Return(rt.WorkspaceSnapshotResult{}, nil)

	runner := NewRunner(repo, runtime, cfg, testLogger())
	updated, err := runner.ReconcileOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	repo.AssertExpectations(t)
}

func TestPoll_ListFailurePropagates(t *testing.T) {
	repo := new(MockRepo)
	repo.On("ListByStatuses", mock.Anything, store.ActiveSessionStatuses).
		Return(nil, errors.New("db gone"))

	runner := NewRunner(repo, new(MockRuntime), testutil.TestConfig(), testLogger())
	_, err := runner.PollActiveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list active sessions")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	repo := new(MockRepo)
	repo.On("ListByStatuses", mock.Anything, mock.Anything).
		Return([]store.Session{}, nil).Maybe()

	runner := NewRunner(repo, new(MockRuntime), testutil.TestConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancellation")
	}
}
