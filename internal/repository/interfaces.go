package repository

import (
	"context"

	"github.com/aihub/rag-go/internal/models"
)

// KnowledgeBaseRepository 知识库元数据访问
type KnowledgeBaseRepository interface {
	GetKnowledgeBase(ctx context.Context, kbID uint) (*models.KnowledgeBase, error)
	// AssignIndexName 首次调用生成索引名并持久化，之后始终返回已保存的名称
	AssignIndexName(ctx context.Context, kbID uint, baseName string) (string, error)
	ListMemberships(ctx context.Context, kbID uint) ([]models.KnowledgeBaseDocument, error)
	MarkIndexed(ctx context.Context, membershipID uint, chunkCount int) error
	MarkFailed(ctx context.Context, membershipID uint, reason string) error
	DeleteKnowledgeBase(ctx context.Context, kbID uint) error
}

// DocumentRepository 文档元数据访问，管线视角只读
type DocumentRepository interface {
	GetDocument(ctx context.Context, documentID uint) (*models.Document, error)
}

// SearchRepository 检索记录持久化
type SearchRepository interface {
	SaveSearch(ctx context.Context, record *models.SearchRecord) error
}
