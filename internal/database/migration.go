package database

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/aihub/rag-go/internal/logger"
)

// DefaultMigrationsDir 元数据schema迁移文件的默认位置
const DefaultMigrationsDir = "./scripts/migrations"

// Migrator 驱动元数据schema的版本迁移
type Migrator struct {
	migrate *migrate.Migrate
	source  string
}

// resolveMigrationsDir 把迁移目录解析为绝对路径，空串用默认目录
func resolveMigrationsDir(dir string) string {
	if dir == "" {
		dir = DefaultMigrationsDir
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// NewMigrator 基于已打开的数据库连接创建迁移器
func NewMigrator(db *sql.DB, dir string) (*Migrator, error) {
	source := resolveMigrationsDir(dir)

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", source),
		"postgres",
		driver,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator for %s: %w", source, err)
	}

	return &Migrator{migrate: m, source: source}, nil
}

// Source 返回迁移文件目录的绝对路径
func (m *Migrator) Source() string {
	return m.source
}

// Up 应用所有待执行的迁移，没有新迁移不算错误
func (m *Migrator) Up() error {
	err := m.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("schema already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}
	logger.Info("schema migrations applied", zap.String("source", m.source))
	return nil
}

// Rollback 回滚最后一次迁移
func (m *Migrator) Rollback() error {
	if err := m.migrate.Steps(-1); err != nil {
		return fmt.Errorf("migration rollback failed: %w", err)
	}
	logger.Info("last migration rolled back")
	return nil
}

// Goto 迁移到指定版本，向上或向下
func (m *Migrator) Goto(version uint) error {
	err := m.migrate.Migrate(version)
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("schema already at version", zap.Uint("version", version))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	logger.Info("schema migrated", zap.Uint("version", version))
	return nil
}

// Version 返回当前schema版本。全新库没有版本记录，返回0
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

// Force 强制写入版本号，用于修复dirty状态
func (m *Migrator) Force(version uint) error {
	logger.Warn("forcing schema version", zap.Uint("version", version))
	if err := m.migrate.Force(int(version)); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// Close 释放迁移器持有的source和数据库句柄
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil || dbErr != nil {
		return fmt.Errorf("failed to close migrator: source=%v, db=%v", sourceErr, dbErr)
	}
	return nil
}
