// Package store owns the relational session state: GORM models, connection
// setup, migration, and the seeding helpers main runs at boot. Production
// runs on PostgreSQL; tests use the sqlite driver, whose single-writer
// serialization stands in for row locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	db      *gorm.DB
	rowLock bool
}

// Open connects to the database named by url. postgres:// URLs use the
// postgres driver; anything else is treated as a sqlite path/DSN.
func Open(url string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dialector = postgres.Open(url)
	} else {
		dialector = sqlite.Open(url)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{db: db, rowLock: dialector.Name() == "postgres"}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// SupportsRowLock reports whether the dialect accepts SELECT ... FOR UPDATE.
// sqlite does not, but serializes writers at the database level, which is the
// equivalent serialization primitive the store contract allows.
func (s *Store) SupportsRowLock() bool {
	return s.rowLock
}

// Transaction runs fn in a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// IsUniqueViolation reports whether err is a uniqueness-constraint conflict
// (slug/workspace collision or a lost allocation race).
func IsUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&User{}, &GpuDevice{}, &Pack{}, &Session{})
}

// EnsureGpuPool inserts any missing devices 0..size-1, enabled. Existing rows
// keep their enablement flag.
func (s *Store) EnsureGpuPool(size int) error {
	for id := 0; id < size; id++ {
		device := GpuDevice{ID: id, Enabled: true}
		if err := s.db.Where(GpuDevice{ID: id}).FirstOrCreate(&device).Error; err != nil {
			return fmt.Errorf("seed gpu %d: %w", id, err)
		}
	}
	return nil
}

// EnsureDefaultPack makes sure at least one pack exists, creating a
// BOTH-exposure pack from the configured image if the table is empty.
func (s *Store) EnsureDefaultPack(imageRef, imageDigest string) (*Pack, error) {
	var pack Pack
	err := s.db.Order("created_at asc").First(&pack).Error
	if err == nil {
		return &pack, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	pack = Pack{
		ID:          uuid.New(),
		Name:        "default",
		Exposure:    PackExposureBoth,
		ImageRef:    imageRef,
		ImageDigest: imageDigest,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.Create(&pack).Error; err != nil {
		return nil, fmt.Errorf("seed default pack: %w", err)
	}
	return &pack, nil
}
