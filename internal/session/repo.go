// Package session implements the session repository (capacity-checked
// allocation against the GPU pool, idempotent state transitions, listing)
// and the principal-facing lifecycle orchestration on top of it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/avollmer/gpuforge/internal/store"
)

// slugAlphabet is lowercase base32: safe in container names and hostnames.
const (
	slugAlphabet       = "abcdefghijklmnopqrstuvwxyz234567"
	slugLength         = 8
	maxErrorMessageLen = 2000
)

// Repo owns all session row creation and mutation.
type Repo struct {
	store *store.Store
}

func NewRepo(st *store.Store) *Repo {
	return &Repo{store: st}
}

func slugToken() (string, error) {
	return gonanoid.Generate(slugAlphabet, slugLength)
}

// workspacePath derives the deterministic dataset path for a session.
func workspacePath(root string, userID, sessionID uuid.UUID) string {
	trimmed := strings.Trim(strings.TrimSpace(root), "/")
	if trimmed == "" {
		trimmed = "tank/gpuforge/workspaces"
	}
	return fmt.Sprintf("%s/%s/%s", trimmed, userID, sessionID)
}

// withRowLock adds FOR UPDATE when the dialect supports it. On sqlite the
// database-level writer serialization provides the same guarantee.
func (r *Repo) withRowLock(tx *gorm.DB) *gorm.DB {
	if r.store.SupportsRowLock() {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

type AllocateParams struct {
	UserID        uuid.UUID
	Exposure      store.Exposure
	PackID        uuid.UUID
	WorkspaceRoot string
	MaxRetries    int
}

// AllocateStartingSession is the only path that creates session rows. Each
// attempt runs in one transaction: lock the user row, check the concurrency
// limit, pick a free enabled GPU under lock, insert a STARTING row. A
// uniqueness violation (slug/workspace collision or a lost allocation race)
// retries the whole sequence; every other failure returns immediately.
func (r *Repo) AllocateStartingSession(ctx context.Context, p AllocateParams) (*store.Session, error) {
	retries := p.MaxRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		row, err := r.allocateOnce(ctx, p)
		if err == nil {
			return row, nil
		}
		if store.IsUniqueViolation(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrAllocationConflict, lastErr)
}

func (r *Repo) allocateOnce(ctx context.Context, p AllocateParams) (*store.Session, error) {
	var row store.Session
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		var user store.User
		if err := r.withRowLock(tx).First(&user, "id = ?", p.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		var active int64
		err := tx.Model(&store.Session{}).
			Where("user_id = ? AND status IN ?", user.ID, store.ActiveSessionStatuses).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active >= int64(user.MaxConcurrentSessions) {
			return fmt.Errorf("%w (%d)", ErrCapacityExceeded, user.MaxConcurrentSessions)
		}

		gpuID, err := r.selectFreeGpu(tx)
		if err != nil {
			return err
		}

		slug, err := slugToken()
		if err != nil {
			return err
		}

		sessionID := uuid.New()
		row = store.Session{
			ID:            sessionID,
			UserID:        user.ID,
			Exposure:      p.Exposure,
			PackID:        p.PackID,
			Status:        store.StatusStarting,
			GpuID:         gpuID,
			Slug:          slug,
			WorkspacePath: workspacePath(p.WorkspaceRoot, user.ID, sessionID),
			CreatedAt:     time.Now().UTC(),
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// selectFreeGpu picks the lowest enabled GPU id not held by any active
// session, locking the candidate row so two concurrent allocations never
// agree on the last free device.
func (r *Repo) selectFreeGpu(tx *gorm.DB) (int, error) {
	activeGpus := tx.Model(&store.Session{}).
		Select("gpu_id").
		Where("status IN ?", store.ActiveSessionStatuses)

	var device store.GpuDevice
	err := r.withRowLock(tx).
		Where("enabled = ?", true).
		Where("id NOT IN (?)", activeGpus).
		Order("id asc").
		Take(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNoGpuAvailable
		}
		return 0, err
	}
	return device.ID, nil
}

// finalize loads and locks the row, re-checks that its status is still in
// the expected set, and applies mutate. When a concurrent actor already moved
// the row the mutation is skipped and applied=false is returned; this is the
// sole defense against lost updates between the lifecycle and the poller.
func (r *Repo) finalize(ctx context.Context, id uuid.UUID, expected []store.SessionStatus, mutate func(*store.Session)) (*store.Session, bool, error) {
	var row store.Session
	applied := false
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := r.withRowLock(tx).First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if !statusIn(row.Status, expected) {
			return nil
		}
		mutate(&row)
		applied = true
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &row, applied, nil
}

func statusIn(status store.SessionStatus, set []store.SessionStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// FinalizeRunning transitions to RUNNING, recording the container id and the
// first start time. Idempotent: an already-normalized row is written again
// only by callers that checked it first.
func (r *Repo) FinalizeRunning(ctx context.Context, id uuid.UUID, containerID string, expected []store.SessionStatus) (*store.Session, bool, error) {
	return r.finalize(ctx, id, expected, func(row *store.Session) {
		row.Status = store.StatusRunning
		row.ContainerID = &containerID
		if row.StartedAt == nil {
			now := time.Now().UTC()
			row.StartedAt = &now
		}
		row.ErrorMessage = nil
	})
}

func (r *Repo) FinalizeStopped(ctx context.Context, id uuid.UUID, expected []store.SessionStatus) (*store.Session, bool, error) {
	return r.finalize(ctx, id, expected, func(row *store.Session) {
		row.Status = store.StatusStopped
		now := time.Now().UTC()
		row.StoppedAt = &now
		row.ErrorMessage = nil
	})
}

func (r *Repo) FinalizeError(ctx context.Context, id uuid.UUID, message string, expected []store.SessionStatus) (*store.Session, bool, error) {
	if len(message) > maxErrorMessageLen {
		message = message[:maxErrorMessageLen]
	}
	return r.finalize(ctx, id, expected, func(row *store.Session) {
		row.Status = store.StatusError
		now := time.Now().UTC()
		row.StoppedAt = &now
		row.ErrorMessage = &message
	})
}

// MarkStopping moves an active row to STOPPING; the actual stop is completed
// asynchronously by the recovery runner.
func (r *Repo) MarkStopping(ctx context.Context, id uuid.UUID) (*store.Session, bool, error) {
	return r.finalize(ctx, id, store.ActiveSessionStatuses, func(row *store.Session) {
		row.Status = store.StatusStopping
	})
}

func (r *Repo) Get(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	var row store.Session
	err := r.store.DB().WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &row, nil
}

// ListQuery filters ListSessionsForUser / CountSessionsForUser.
type ListQuery struct {
	UserID   uuid.UUID
	Statuses []store.SessionStatus
	Exposure *store.Exposure
	Limit    int
	Offset   int
}

// ListSessionsForUser returns the user's sessions, newest first.
func (r *Repo) ListSessionsForUser(ctx context.Context, q ListQuery) ([]store.Session, error) {
	tx := r.store.DB().WithContext(ctx).Where("user_id = ?", q.UserID)
	if len(q.Statuses) > 0 {
		tx = tx.Where("status IN ?", q.Statuses)
	}
	if q.Exposure != nil {
		tx = tx.Where("exposure = ?", *q.Exposure)
	}
	tx = tx.Order("created_at desc")
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []store.Session
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) CountSessionsForUser(ctx context.Context, q ListQuery) (int64, error) {
	tx := r.store.DB().WithContext(ctx).Model(&store.Session{}).Where("user_id = ?", q.UserID)
	if len(q.Statuses) > 0 {
		tx = tx.Where("status IN ?", q.Statuses)
	}
	if q.Exposure != nil {
		tx = tx.Where("exposure = ?", *q.Exposure)
	}
	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ListByStatuses returns sessions in any of the given statuses, oldest
// first. Used by the recovery runner.
func (r *Repo) ListByStatuses(ctx context.Context, statuses []store.SessionStatus) ([]store.Session, error) {
	var rows []store.Session
	err := r.store.DB().WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetUser loads a user row without locking.
func (r *Repo) GetUser(ctx context.Context, id uuid.UUID) (*store.User, error) {
	var user store.User
	err := r.store.DB().WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ResolvePack validates the requested pack against the exposure class. A nil
// pack id falls back to the oldest non-deprecated pack compatible with the
// exposure.
func (r *Repo) ResolvePack(ctx context.Context, packID *uuid.UUID, exposure store.Exposure) (*store.Pack, error) {
	var pack store.Pack
	tx := r.store.DB().WithContext(ctx)

	if packID != nil {
		if err := tx.First(&pack, "id = ?", *packID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrPackNotFound
			}
			return nil, err
		}
	} else {
		compatible := []store.PackExposure{store.PackExposureBoth, store.PackExposure(exposure)}
		err := tx.Where("deprecated_at IS NULL AND exposure IN ?", compatible).
			Order("created_at asc").
			First(&pack).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrPackNotFound
			}
			return nil, err
		}
	}

	if pack.DeprecatedAt != nil {
		return nil, ErrPackDeprecated
	}
	if pack.Exposure != store.PackExposureBoth && pack.Exposure != store.PackExposure(exposure) {
		return nil, ErrPackExposureMismatch
	}
	return &pack, nil
}
