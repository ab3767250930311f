// Package recovery is the background self-healing loop: it polls active
// sessions against runtime reality and finalizes divergent state. One run
// covers all STARTING/RUNNING/STOPPING rows; the startup entry point
// additionally repairs rows left behind by a previous process crash.
//
// Runtime failures never propagate out of this package: each one becomes
// either retained state (stop failure keeps the row STOPPING for the next
// tick), a terminal ERROR row, or a logged-and-skipped race.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/avollmer/gpuforge/internal/config"
	rt "github.com/avollmer/gpuforge/internal/runtime"
	"github.com/avollmer/gpuforge/internal/session"
	"github.com/avollmer/gpuforge/internal/store"
)

// Repo is the slice of the session repository the runner needs.
type Repo interface {
	ListByStatuses(ctx context.Context, statuses []store.SessionStatus) ([]store.Session, error)
	FinalizeRunning(ctx context.Context, id uuid.UUID, containerID string, expected []store.SessionStatus) (*store.Session, bool, error)
	FinalizeStopped(ctx context.Context, id uuid.UUID, expected []store.SessionStatus) (*store.Session, bool, error)
	FinalizeError(ctx context.Context, id uuid.UUID, message string, expected []store.SessionStatus) (*store.Session, bool, error)
}

var _ Repo = (*session.Repo)(nil)

type Runner struct {
	repo     Repo
	runtime  rt.SessionRuntime
	cfg      *config.Config
	logger   *slog.Logger
	inFlight atomic.Bool
}

func NewRunner(repo Repo, runtime rt.SessionRuntime, cfg *config.Config, logger *slog.Logger) *Runner {
	return &Runner{repo: repo, runtime: runtime, cfg: cfg, logger: logger}
}

// PollActiveOnce runs one reconciliation pass over all active sessions and
// returns how many rows it updated.
func (r *Runner) PollActiveOnce(ctx context.Context) (int, error) {
	return r.run(ctx, false)
}

// ReconcileOnStartup is the boot-time pass: same algorithm, plus the rule
// that a STARTING row whose container is not running is finalized to ERROR,
// guarding the crash window between allocation and the first start.
func (r *Runner) ReconcileOnStartup(ctx context.Context) (int, error) {
	return r.run(ctx, true)
}

func (r *Runner) run(ctx context.Context, startup bool) (int, error) {
	log := r.logger.With("reconcile_id", uuid.NewString())

	rows, err := r.repo.ListByStatuses(ctx, store.ActiveSessionStatuses)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	updated := 0
	for _, row := range rows {
		changed := r.reconcileRow(ctx, log, row, startup)
		if changed {
			updated++
		}
	}
	if updated > 0 {
		log.Info("reconciliation updated sessions", "count", updated, "startup", startup)
	}
	return updated, nil
}

func (r *Runner) reconcileRow(ctx context.Context, log *slog.Logger, row store.Session, startup bool) bool {
	if row.Status == store.StatusStopping {
		return r.completeStopping(ctx, log, row)
	}

	inspection, err := r.inspectWithRetries(ctx, row)
	if err != nil {
		if startup {
			return r.finalizeError(ctx, log, row, "reconcile inspect failed: "+err.Error(),
				[]store.SessionStatus{row.Status})
		}
		log.Warn("inspect failed, will retry next poll",
			"session_id", row.ID, "user_id", row.UserID, "error", err)
		return false
	}

	changed := false
	switch inspection.State {
	case rt.StateRunning:
		changed = r.normalizeRunning(ctx, log, row, inspection.ContainerID)
	case rt.StateExited:
		changed = r.markContainerDeath(ctx, log, row, "container exited unexpectedly")
	case rt.StateMissing:
		changed = r.markContainerDeath(ctx, log, row, "container missing")
	case rt.StateUnknown:
		msg := fmt.Sprintf("container state unknown after %d retries", r.cfg.Recovery.UnknownStateMaxRetries)
		changed = r.finalizeError(ctx, log, row, msg, []store.SessionStatus{row.Status})
	}

	if startup && !changed && row.Status == store.StatusStarting {
		return r.finalizeError(ctx, log, row, "container not running during reconcile",
			[]store.SessionStatus{store.StatusStarting})
	}
	return changed
}

// inspectWithRetries re-inspects a session reporting UNKNOWN up to the
// configured bound, with a fixed delay between attempts, before treating the
// state as terminal unknown. Transient engine hiccups resolve here instead
// of erroring sessions.
func (r *Runner) inspectWithRetries(ctx context.Context, row store.Session) (rt.InspectSessionResult, error) {
	req := rt.InspectSessionRequest{Slug: row.Slug}
	if row.ContainerID != nil {
		req.ContainerID = *row.ContainerID
	}
	delay := time.Duration(r.cfg.Recovery.UnknownStateRetryDelay) * time.Second

	var result rt.InspectSessionResult
	for attempt := 0; ; attempt++ {
		var err error
		result, err = r.runtime.InspectSession(ctx, req)
		if err != nil {
			return rt.InspectSessionResult{}, err
		}
		if result.State != rt.StateUnknown || attempt >= r.cfg.Recovery.UnknownStateMaxRetries {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, nil
		case <-time.After(delay):
		}
	}
}

// completeStopping finishes a user-requested stop: stop the container, then
// snapshot the workspace. A stop failure leaves the row STOPPING for the
// next poll; a snapshot failure after a successful stop is terminal.
func (r *Runner) completeStopping(ctx context.Context, log *slog.Logger, row store.Session) bool {
	containerID := ""
	if row.ContainerID != nil {
		containerID = *row.ContainerID
	}

	_, err := r.runtime.StopSession(ctx, rt.StopSessionRequest{
		ContainerID:    containerID,
		TimeoutSeconds: r.cfg.Runtime.StopTimeoutSeconds,
	})
	if err != nil {
		log.Warn("stop failed, session stays stopping",
			"session_id", row.ID, "user_id", row.UserID, "error", err)
		return false
	}

	if err := r.snapshot(ctx, row); err != nil {
		return r.finalizeError(ctx, log, row, "snapshot failed: "+err.Error(),
			[]store.SessionStatus{store.StatusStopping})
	}

	_, applied, err := r.repo.FinalizeStopped(ctx, row.ID, []store.SessionStatus{store.StatusStopping})
	if err != nil {
		log.Error("finalize stopped", "session_id", row.ID, "error", err)
		return false
	}
	if !applied {
		log.Info("stop finalize skipped, row moved concurrently", "session_id", row.ID)
		return false
	}
	log.Info("session stopped", "session_id", row.ID, "user_id", row.UserID, "slug", row.Slug)
	return true
}

// markContainerDeath handles an EXITED or MISSING container under an active
// row: best-effort stop and snapshot (neither failure blocks the
// transition), then finalize to ERROR naming the cause.
func (r *Runner) markContainerDeath(ctx context.Context, log *slog.Logger, row store.Session, message string) bool {
	if row.ContainerID != nil {
		_, err := r.runtime.StopSession(ctx, rt.StopSessionRequest{
			ContainerID:    *row.ContainerID,
			TimeoutSeconds: r.cfg.Runtime.StopTimeoutSeconds,
		})
		if err != nil {
			log.Warn("cleanup stop failed", "session_id", row.ID, "error", err)
		}
	}
	if err := r.snapshot(ctx, row); err != nil {
		log.Warn("cleanup snapshot failed", "session_id", row.ID, "error", err)
		message = message + "; snapshot failed: " + err.Error()
	}
	return r.finalizeError(ctx, log, row, message,
		[]store.SessionStatus{store.StatusStarting, store.StatusRunning})
}

// normalizeRunning idempotently records a healthy container: writes only
// when the container id or started_at actually differ, so repeated polls of
// a healthy session are no-ops.
func (r *Runner) normalizeRunning(ctx context.Context, log *slog.Logger, row store.Session, containerID string) bool {
	resolved := containerID
	if resolved == "" && row.ContainerID != nil {
		resolved = *row.ContainerID
	}
	if resolved == "" {
		resolved = r.cfg.Runtime.ContainerNamePrefix + "-" + row.Slug
	}

	if row.Status == store.StatusRunning && row.ContainerID != nil && *row.ContainerID == resolved && row.StartedAt != nil {
		return false
	}

	_, applied, err := r.repo.FinalizeRunning(ctx, row.ID, resolved,
		[]store.SessionStatus{store.StatusStarting, store.StatusRunning})
	if err != nil {
		log.Error("finalize running", "session_id", row.ID, "error", err)
		return false
	}
	if !applied {
		log.Info("running normalize skipped, row moved concurrently", "session_id", row.ID)
	}
	return applied
}

func (r *Runner) snapshot(ctx context.Context, row store.Session) error {
	name := fmt.Sprintf("stop-%d", time.Now().UTC().UnixMilli())
	_, err := r.runtime.SnapshotWorkspace(ctx, rt.WorkspaceSnapshotRequest{
		WorkspaceID:  row.WorkspacePath,
		SnapshotName: name,
	})
	return err
}

func (r *Runner) finalizeError(ctx context.Context, log *slog.Logger, row store.Session, message string, expected []store.SessionStatus) bool {
	_, applied, err := r.repo.FinalizeError(ctx, row.ID, message, expected)
	if err != nil {
		log.Error("finalize error", "session_id", row.ID, "error", err)
		return false
	}
	if !applied {
		log.Info("error finalize skipped, row moved concurrently", "session_id", row.ID)
		return false
	}
	log.Info("session errored",
		"session_id", row.ID, "user_id", row.UserID, "slug", row.Slug, "reason", message)
	return true
}
