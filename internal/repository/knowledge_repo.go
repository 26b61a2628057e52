package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/models"
)

// knowledgeRepository 基于gorm的仓库实现
type knowledgeRepository struct {
	db *gorm.DB
}

func NewKnowledgeRepository(db *gorm.DB) *knowledgeRepository {
	return &knowledgeRepository{db: db}
}

func (r *knowledgeRepository) GetKnowledgeBase(ctx context.Context, kbID uint) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	err := r.db.WithContext(ctx).First(&kb, "knowledge_base_id = ?", kbID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("knowledge base %d not found", kbID))
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("failed to load knowledge base").WithCause(err)
	}
	return &kb, nil
}

// AssignIndexName 索引名只生成一次。生成后丢失意味着向量索引成为孤儿，
// 所以在同一事务内读取和写入，并发调用只有一个会生成。
func (r *knowledgeRepository) AssignIndexName(ctx context.Context, kbID uint, baseName string) (string, error) {
	var indexName string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var kb models.KnowledgeBase
		err := tx.Clauses(forUpdateLock()).First(&kb, "knowledge_base_id = ?", kbID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NewNotFoundError(fmt.Sprintf("knowledge base %d not found", kbID))
		}
		if err != nil {
			return err
		}

		if kb.IndexName != "" {
			indexName = kb.IndexName
			return nil
		}

		generated, err := generateIndexName(baseName, kbID)
		if err != nil {
			return err
		}
		err = tx.Model(&models.KnowledgeBase{}).
			Where("knowledge_base_id = ?", kbID).
			Updates(map[string]interface{}{
				"index_name":  generated,
				"update_time": time.Now(),
			}).Error
		if err != nil {
			return err
		}
		indexName = generated
		return nil
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return "", err
		}
		return "", apperrors.NewDatabaseError("failed to assign index name").WithCause(err)
	}
	return indexName, nil
}

func (r *knowledgeRepository) ListMemberships(ctx context.Context, kbID uint) ([]models.KnowledgeBaseDocument, error) {
	var memberships []models.KnowledgeBaseDocument
	err := r.db.WithContext(ctx).
		Preload("Document").
		Where("knowledge_base_id = ?", kbID).
		Order("id ASC").
		Find(&memberships).Error
	if err != nil {
		return nil, apperrors.NewDatabaseError("failed to list memberships").WithCause(err)
	}
	return memberships, nil
}

func (r *knowledgeRepository) MarkIndexed(ctx context.Context, membershipID uint, chunkCount int) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&models.KnowledgeBaseDocument{}).
		Where("id = ?", membershipID).
		Updates(map[string]interface{}{
			"is_indexed":  true,
			"chunk_count": chunkCount,
			"last_error":  "",
			"index_time":  &now,
		}).Error
	if err != nil {
		return apperrors.NewDatabaseError("failed to mark document indexed").WithCause(err)
	}
	return nil
}

func (r *knowledgeRepository) MarkFailed(ctx context.Context, membershipID uint, reason string) error {
	err := r.db.WithContext(ctx).Model(&models.KnowledgeBaseDocument{}).
		Where("id = ?", membershipID).
		Updates(map[string]interface{}{
			"is_indexed": false,
			"last_error": reason,
		}).Error
	if err != nil {
		return apperrors.NewDatabaseError("failed to mark document failed").WithCause(err)
	}
	return nil
}

func (r *knowledgeRepository) DeleteKnowledgeBase(ctx context.Context, kbID uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("knowledge_base_id = ?", kbID).
			Delete(&models.KnowledgeBaseDocument{}).Error; err != nil {
			return err
		}
		return tx.Where("knowledge_base_id = ?", kbID).
			Delete(&models.KnowledgeBase{}).Error
	})
	if err != nil {
		return apperrors.NewDatabaseError("failed to delete knowledge base").WithCause(err)
	}
	return nil
}

func (r *knowledgeRepository) GetDocument(ctx context.Context, documentID uint) (*models.Document, error) {
	var doc models.Document
	err := r.db.WithContext(ctx).First(&doc, "document_id = ?", documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("document %d not found", documentID))
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("failed to load document").WithCause(err)
	}
	return &doc, nil
}

func (r *knowledgeRepository) SaveSearch(ctx context.Context, record *models.SearchRecord) error {
	if record.CreateTime.IsZero() {
		record.CreateTime = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return apperrors.NewDatabaseError("failed to save search record").WithCause(err)
	}
	return nil
}

func forUpdateLock() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}

// generateIndexName 生成"{base}-group-{kbID}-{random}"形式的索引名
func generateIndexName(baseName string, kbID uint) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate index name suffix: %w", err)
	}
	return fmt.Sprintf("%s-group-%d-%s", baseName, kbID, hex.EncodeToString(suffix)), nil
}
