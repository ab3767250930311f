package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avollmer/gpuforge/internal/config"
	rt "github.com/avollmer/gpuforge/internal/runtime"
	"github.com/avollmer/gpuforge/internal/store"
)

const workspaceOwnerUID = 1000

// Principal is an already-authenticated caller. The core never parses
// credentials; the API layer resolves them and hands this in.
type Principal struct {
	UserID uuid.UUID
	Email  string
	Role   store.Role
}

func (p Principal) admin() bool {
	return p.Role == store.RoleAdmin
}

// Lifecycle orchestrates one user-facing request end to end: authorize,
// allocate, provision and start via the runtime, reconcile the row on
// failure.
type Lifecycle struct {
	repo    *Repo
	runtime rt.SessionRuntime
	cfg     *config.Config
	logger  *slog.Logger
}

func NewLifecycle(repo *Repo, runtime rt.SessionRuntime, cfg *config.Config, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{repo: repo, runtime: runtime, cfg: cfg, logger: logger}
}

type CreateParams struct {
	PackID       *uuid.UUID
	SSHPort      int
	SSHPublicKey string
}

// StopOutcome reports what a stop request did.
type StopOutcome struct {
	AlreadyTerminal bool
	Message         string
}

func resourceLimits(cfg config.ResourceLimits) rt.ResourceLimits {
	return rt.ResourceLimits{
		CPUShares:      cfg.CPUShares,
		CPULimit:       cfg.CPULimit,
		MemLimit:       cfg.MemLimit,
		MemReservation: cfg.MemReservation,
		ShmSize:        cfg.ShmSize,
		PidsLimit:      cfg.PidsLimit,
	}
}

func (l *Lifecycle) network(exposure store.Exposure) string {
	if exposure == store.ExposureInternal {
		return l.cfg.Session.InternalNetwork
	}
	return l.cfg.Session.ExternalNetwork
}

// ensureUser resolves the principal's backing user row, creating it for
// principals minted outside this store.
func (l *Lifecycle) ensureUser(ctx context.Context, principal Principal) (*store.User, error) {
	user, err := l.repo.GetUser(ctx, principal.UserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	email := principal.Email
	if email == "" {
		email = fmt.Sprintf("user-%s@gpuforge.local", principal.UserID)
	}
	created := store.User{
		ID:                    principal.UserID,
		Email:                 email,
		PasswordHash:          "external-auth",
		Role:                  principal.Role,
		MaxConcurrentSessions: 1,
		CreatedAt:             time.Now().UTC(),
	}
	if err := l.repo.store.DB().WithContext(ctx).Create(&created).Error; err != nil {
		if store.IsUniqueViolation(err) {
			return l.repo.GetUser(ctx, principal.UserID)
		}
		return nil, err
	}
	return &created, nil
}

// CreateSessionForPrincipal allocates and starts a session. On any runtime
// failure the allocation row is finalized to ERROR before the error
// surfaces; a row is never left in STARTING.
func (l *Lifecycle) CreateSessionForPrincipal(ctx context.Context, params CreateParams, exposure store.Exposure, principal Principal) (*store.Session, error) {
	user, err := l.ensureUser(ctx, principal)
	if err != nil {
		return nil, err
	}
	pack, err := l.repo.ResolvePack(ctx, params.PackID, exposure)
	if err != nil {
		return nil, err
	}

	row, err := l.repo.AllocateStartingSession(ctx, AllocateParams{
		UserID:        user.ID,
		Exposure:      exposure,
		PackID:        pack.ID,
		WorkspaceRoot: l.cfg.Session.WorkspaceRoot,
		MaxRetries:    l.cfg.Session.AllocationMaxRetries,
	})
	if err != nil {
		return nil, err
	}

	_, err = l.runtime.ProvisionWorkspace(ctx, rt.WorkspaceProvisionRequest{
		WorkspaceID: row.WorkspacePath,
		UID:         workspaceOwnerUID,
		GID:         workspaceOwnerUID,
		QuotaGB:     l.cfg.Session.WorkspaceQuotaGB,
	})
	if err != nil {
		return nil, l.failStart(ctx, row, err)
	}

	start, err := l.runtime.StartSession(ctx, rt.StartSessionRequest{
		SessionID:           row.ID,
		UserID:              row.UserID,
		Exposure:            string(row.Exposure),
		Slug:                row.Slug,
		GpuID:               row.GpuID,
		WorkspaceID:         row.WorkspacePath,
		PackImageRef:        pack.ImageRef,
		SessionsNetwork:     l.network(row.Exposure),
		StartTimeoutSeconds: l.cfg.Runtime.StartTimeoutSeconds,
		ResourceLimits:      resourceLimits(l.cfg.Resources),
		SSHPort:             params.SSHPort,
		SSHPublicKey:        params.SSHPublicKey,
	})
	if err != nil {
		return nil, l.failStart(ctx, row, err)
	}

	row, _, err = l.repo.FinalizeRunning(ctx, row.ID, start.ContainerID, []store.SessionStatus{store.StatusStarting})
	if err != nil {
		return nil, err
	}

	l.logger.Info("session started",
		"session_id", row.ID, "user_id", row.UserID, "exposure", row.Exposure,
		"gpu_id", row.GpuID, "pack_id", row.PackID, "slug", row.Slug)
	return row, nil
}

func (l *Lifecycle) failStart(ctx context.Context, row *store.Session, cause error) error {
	msg := "create failed: " + cause.Error()
	if _, _, err := l.repo.FinalizeError(ctx, row.ID, msg, store.ActiveSessionStatuses); err != nil {
		l.logger.Error("finalize error after failed start", "session_id", row.ID, "error", err)
	}
	var runtimeErr *rt.Error
	if errors.As(cause, &runtimeErr) {
		l.logger.Error("session start failed",
			"session_id", row.ID, "user_id", row.UserID, "slug", row.Slug,
			"error_code", runtimeErr.Code, "error", cause)
	} else {
		l.logger.Error("session start failed",
			"session_id", row.ID, "user_id", row.UserID, "slug", row.Slug, "error", cause)
	}
	return fmt.Errorf("%w: %v", ErrStartFailed, cause)
}

// ownedOrAdmin loads the row and authorizes the principal: owners and admins
// only. An exposure constraint mismatch reads as not found, so callers on a
// constrained surface never learn the session exists.
func (l *Lifecycle) ownedOrAdmin(ctx context.Context, sessionID uuid.UUID, principal Principal, exposure *store.Exposure) (*store.Session, error) {
	row, err := l.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !principal.admin() && row.UserID != principal.UserID {
		return nil, ErrForbidden
	}
	if exposure != nil && row.Exposure != *exposure {
		return nil, ErrSessionNotFound
	}
	return row, nil
}

func (l *Lifecycle) GetSessionForPrincipal(ctx context.Context, sessionID uuid.UUID, principal Principal, exposure *store.Exposure) (*store.Session, error) {
	return l.ownedOrAdmin(ctx, sessionID, principal, exposure)
}

// StopSessionForPrincipal records the stop intent and returns immediately;
// the actual stop and snapshot are completed by the recovery runner, so
// request latency stays bounded regardless of runtime responsiveness.
func (l *Lifecycle) StopSessionForPrincipal(ctx context.Context, sessionID uuid.UUID, principal Principal, exposure *store.Exposure) (StopOutcome, error) {
	row, err := l.ownedOrAdmin(ctx, sessionID, principal, exposure)
	if err != nil {
		return StopOutcome{}, err
	}
	if row.Status.Terminal() {
		return StopOutcome{AlreadyTerminal: true, Message: "session already terminal"}, nil
	}
	if row.Status != store.StatusStopping {
		if _, _, err := l.repo.MarkStopping(ctx, row.ID); err != nil {
			return StopOutcome{}, err
		}
	}
	return StopOutcome{Message: "session stop requested"}, nil
}

// ListSessionsForUser lists sessions, newest first. Non-admin principals may
// only list their own.
func (l *Lifecycle) ListSessionsForUser(ctx context.Context, principal Principal, q ListQuery) ([]store.Session, error) {
	if !principal.admin() {
		q.UserID = principal.UserID
	}
	return l.repo.ListSessionsForUser(ctx, q)
}
