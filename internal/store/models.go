package store

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Exposure constrains which pack and which network a session may use.
type Exposure string

const (
	ExposureExternal Exposure = "EXTERNAL"
	ExposureInternal Exposure = "INTERNAL"
)

// PackExposure is the exposure compatibility of an image pack.
type PackExposure string

const (
	PackExposureExternal PackExposure = "EXTERNAL"
	PackExposureInternal PackExposure = "INTERNAL"
	PackExposureBoth     PackExposure = "BOTH"
)

type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusStopping SessionStatus = "stopping"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
)

// ActiveSessionStatuses are the statuses that occupy a GPU.
var ActiveSessionStatuses = []SessionStatus{StatusStarting, StatusRunning, StatusStopping}

// Terminal reports whether the status is one of the two end states.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

type User struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email                 string    `gorm:"size:320;uniqueIndex"`
	PasswordHash          string    `gorm:"size:255"`
	Role                  Role      `gorm:"size:16;not null;default:user"`
	MaxConcurrentSessions int       `gorm:"not null;default:1"`
	CanUseInternal        bool      `gorm:"not null;default:false"`
	CreatedAt             time.Time
}

func (User) TableName() string { return "users" }

// GpuDevice is a static pool entry; never created or destroyed at runtime,
// only referenced by sessions.
type GpuDevice struct {
	ID      int  `gorm:"primaryKey"`
	Enabled bool `gorm:"not null;default:true"`
}

func (GpuDevice) TableName() string { return "gpu_devices" }

// Pack is an immutable, digest-pinned container image descriptor.
type Pack struct {
	ID           uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Name         string       `gorm:"size:120"`
	Exposure     PackExposure `gorm:"size:16;not null"`
	ImageRef     string       `gorm:"size:255"`
	ImageDigest  string       `gorm:"size:255"`
	CreatedAt    time.Time
	DeprecatedAt *time.Time
}

func (Pack) TableName() string { return "packs" }

// Session is the central entity. Slug and WorkspacePath carry the uniqueness
// constraints the allocation retry loop relies on.
type Session struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID     `gorm:"type:uuid;not null;index:ix_sessions_user_status,priority:1"`
	Exposure      Exposure      `gorm:"size:16;not null"`
	PackID        uuid.UUID     `gorm:"type:uuid;not null;index"`
	Status        SessionStatus `gorm:"size:16;not null;index:ix_sessions_user_status,priority:2"`
	ContainerID   *string       `gorm:"size:128"`
	GpuID         int           `gorm:"not null;index"`
	Slug          string        `gorm:"size:8;not null;uniqueIndex"`
	WorkspacePath string        `gorm:"size:255;not null;uniqueIndex"`
	CreatedAt     time.Time
	StartedAt     *time.Time
	StoppedAt     *time.Time
	ErrorMessage  *string `gorm:"size:2000"`
}

func (Session) TableName() string { return "sessions" }
