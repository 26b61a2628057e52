package knowledge

import (
	"context"
	"time"
)

// FulltextChunk 全文镜像中的一条分块
type FulltextChunk struct {
	DocumentID uint
	TenantID   uint
	ChunkIndex int
	Content    string
	FileName   string
	CreatedAt  time.Time
}

// FulltextSearchRequest 全文搜索请求
type FulltextSearchRequest struct {
	IndexName string
	TenantID  uint
	Query     string
	Limit     int
}

// FulltextMatch 全文命中
type FulltextMatch struct {
	DocumentID uint
	ChunkIndex int
	Content    string
	Score      float64
	Highlight  string
}

// FulltextIndexer 向量检索之外的全文分块镜像。
// 镜像是尽力而为的：索引管线不因镜像失败而失败。
type FulltextIndexer interface {
	IndexChunks(ctx context.Context, indexName string, chunks []FulltextChunk) error
	RemoveDocument(ctx context.Context, indexName string, documentID uint) error
	Search(ctx context.Context, req FulltextSearchRequest) ([]FulltextMatch, error)
	Ready() bool
}

// NoopFulltextIndexer 未配置ES时的占位实现
type NoopFulltextIndexer struct{}

func (n *NoopFulltextIndexer) IndexChunks(ctx context.Context, indexName string, chunks []FulltextChunk) error {
	return nil
}

func (n *NoopFulltextIndexer) RemoveDocument(ctx context.Context, indexName string, documentID uint) error {
	return nil
}

func (n *NoopFulltextIndexer) Search(ctx context.Context, req FulltextSearchRequest) ([]FulltextMatch, error) {
	return nil, nil
}

func (n *NoopFulltextIndexer) Ready() bool {
	return false
}
