// Package testutil provides shared fixtures for package tests: a migrated
// sqlite-backed store and a Config with fast test defaults.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/avollmer/gpuforge/internal/config"
	"github.com/avollmer/gpuforge/internal/store"
)

// TestConfig returns a Config with fast, mock-backed test defaults.
func TestConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{
			WorkspaceRoot:        "tank/gpuforge/workspaces",
			AllocationMaxRetries: 3,
			GpuPoolSize:          8,
			ExternalNetwork:      "gpuforge-external-sessions",
			InternalNetwork:      "gpuforge-internal-sessions",
			DefaultPackImage:     "gpuforge/session-base:test",
		},
		Runtime: config.RuntimeConfig{
			Mode:                "mock",
			ContainerNamePrefix: "gpuforge",
			StartTimeoutSeconds: 1,
			StopTimeoutSeconds:  1,
		},
		Recovery: config.RecoveryConfig{
			Enabled:                true,
			PollIntervalSeconds:    1,
			PollBackoffMaxSeconds:  2,
			UnknownStateMaxRetries: 3,
			UnknownStateRetryDelay: 0,
		},
		Resources: config.ResourceLimits{
			CPUShares: 1024,
			MemLimit:  "1g",
		},
	}
}

// NewTestStore opens a migrated sqlite store in a per-test temp dir.
// _txlock=immediate makes concurrent transactions serialize up front instead
// of failing with SQLITE_BUSY mid-transaction.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "gpuforge-test.db") +
		"?_busy_timeout=10000&_txlock=immediate&_journal_mode=WAL"
	st, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// SeedUser inserts a user with the given concurrency limit.
func SeedUser(t *testing.T, st *store.Store, maxSessions int) *store.User {
	t.Helper()
	user := &store.User{
		ID:                    uuid.New(),
		Email:                 uuid.NewString()[:8] + "@example.com",
		PasswordHash:          "x",
		Role:                  store.RoleUser,
		MaxConcurrentSessions: maxSessions,
		CreatedAt:             time.Now().UTC(),
	}
	if err := st.DB().Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

// SeedGpuPool inserts devices 0..size-1, enabled.
func SeedGpuPool(t *testing.T, st *store.Store, size int) {
	t.Helper()
	if err := st.EnsureGpuPool(size); err != nil {
		t.Fatalf("seed gpu pool: %v", err)
	}
}

// SeedPack inserts a pack with the given exposure compatibility.
func SeedPack(t *testing.T, st *store.Store, exposure store.PackExposure) *store.Pack {
	t.Helper()
	pack := &store.Pack{
		ID:          uuid.New(),
		Name:        "test-pack",
		Exposure:    exposure,
		ImageRef:    "gpuforge/session-base:test",
		ImageDigest: "sha256:deadbeef",
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.DB().Create(pack).Error; err != nil {
		t.Fatalf("seed pack: %v", err)
	}
	return pack
}

// SeedSession inserts a session row directly, bypassing allocation.
func SeedSession(t *testing.T, st *store.Store, row *store.Session) *store.Session {
	t.Helper()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.Slug == "" {
		row.Slug = uuid.NewString()[:8]
	}
	if row.WorkspacePath == "" {
		row.WorkspacePath = "tank/gpuforge/workspaces/" + row.UserID.String() + "/" + row.ID.String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := st.DB().Create(row).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return row
}
