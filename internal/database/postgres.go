package database

import (
	"fmt"

	"github.com/aihub/rag-go/internal/config"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/logger"
	"github.com/aihub/rag-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB() (*gorm.DB, error) {
	cfg := config.AppConfig
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 获取底层的sql.DB设置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	if err := autoMigrate(db); err != nil {
		logger.Warn("database migration warning", zap.Error(err))
	}

	DB = db
	logger.Info("database connected")
	return db, nil
}

// autoMigrate 自动迁移管线元数据表（按依赖顺序）
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Document{},
		&models.KnowledgeBase{},
		&models.KnowledgeBaseDocument{},
		&models.SearchRecord{},
		&models.TenantCredential{},
		&knowledge.VectorIndexRecord{},
		&knowledge.VectorRecord{},
	)
}

func CloseDB() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
