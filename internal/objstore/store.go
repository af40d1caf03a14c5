// Package objstore is the node-side key/value store behind the control
// protocol. Objects are opaque byte blobs scoped by env name; the empty env is
// the default scope.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Object is one stored blob.
type Object struct {
	ID        uint   `gorm:"primaryKey"`
	Env       string `gorm:"not null;uniqueIndex:idx_env_key"`
	Key       string `gorm:"not null;uniqueIndex:idx_env_key"`
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Object{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the blob stored under key, or a *errors.KeyNotFoundError.
func (s *Store) Get(ctx context.Context, key, env string) ([]byte, error) {
	var o Object
	err := s.db.WithContext(ctx).Where("env = ? AND key = ?", env, key).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &clerrors.KeyNotFoundError{Key: key, Env: env}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return o.Data, nil
}

// Put creates or replaces the blob under key.
func (s *Store) Put(ctx context.Context, key string, data []byte, env string) error {
	o := Object{Env: env, Key: key, Data: data}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "env"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&o).Error
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, keys []string, env string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("env = ? AND key IN ?", env, keys).Delete(&Object{}).Error; err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

// Keys lists the keys of an env in insertion order.
func (s *Store) Keys(ctx context.Context, env string) ([]string, error) {
	keys := []string{}
	if err := s.db.WithContext(ctx).Model(&Object{}).Where("env = ?", env).Order("id").Pluck("key", &keys).Error; err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Rename moves the blob at oldKey to newKey, replacing anything already
// stored there.
func (s *Store) Rename(ctx context.Context, oldKey, newKey, env string) error {
	if oldKey == newKey {
		_, err := s.Get(ctx, oldKey, env)
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o Object
		err := tx.Where("env = ? AND key = ?", env, oldKey).First(&o).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &clerrors.KeyNotFoundError{Key: oldKey, Env: env}
		}
		if err != nil {
			return fmt.Errorf("rename %s: %w", oldKey, err)
		}
		if err := tx.Where("env = ? AND key = ?", env, newKey).Delete(&Object{}).Error; err != nil {
			return fmt.Errorf("rename %s: %w", oldKey, err)
		}
		return tx.Model(&o).Update("key", newKey).Error
	})
}

// Clear removes every object in an env.
func (s *Store) Clear(ctx context.Context, env string) error {
	if err := s.db.WithContext(ctx).Where("env = ?", env).Delete(&Object{}).Error; err != nil {
		return fmt.Errorf("clear env %q: %w", env, err)
	}
	return nil
}

// Count returns the number of objects across all envs.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Object{}).Count(&n).Error
	return n, err
}
