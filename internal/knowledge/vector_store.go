package knowledge

import (
	"context"
	"fmt"
)

// Vector 一条待写入的向量记录
type Vector struct {
	ID        string
	Embedding []float32
	Metadata  VectorMetadata
}

// VectorMetadata 向量携带的结构化元数据
type VectorMetadata struct {
	DocumentID uint
	ChunkIndex int
	Text       string
	UserID     uint
	TenantID   uint
	FileName   string
}

// Filter 检索过滤条件，零值字段不参与过滤。
// TenantID 由查询侧强制填充，存储实现必须在排序前应用。
type Filter struct {
	TenantID   uint
	DocumentID uint
	UserID     uint
}

// IsZero 是否为空过滤
func (f Filter) IsZero() bool {
	return f.TenantID == 0 && f.DocumentID == 0 && f.UserID == 0
}

// Match 一条检索命中
type Match struct {
	ID       string
	Score    float64
	Metadata VectorMetadata
}

// VectorStore 向量存储抽象，按索引名隔离数据
type VectorStore interface {
	// EnsureIndex 幂等地创建索引，已存在时直接返回
	EnsureIndex(ctx context.Context, indexName string, dimensions int) error
	// Upsert 写入或覆盖向量，实现负责按批次切分网络请求
	Upsert(ctx context.Context, indexName string, vectors []Vector) error
	// Query 过滤后按相似度降序返回至多topK条命中
	Query(ctx context.Context, indexName string, embedding []float32, topK int, filter Filter, includeMetadata bool) ([]Match, error)
	// DeleteVectors 按过滤条件删除向量
	DeleteVectors(ctx context.Context, indexName string, filter Filter) error
	// DeleteIndex 删除整个索引及其数据
	DeleteIndex(ctx context.Context, indexName string) error
	Ready() bool
}

// ChunkVectorID 文档分块的确定性向量ID，重复索引同一文档时覆盖旧向量
func ChunkVectorID(documentID uint, chunkIndex int) string {
	return fmt.Sprintf("doc%d-chunk-%d", documentID, chunkIndex)
}

// TenantIndexName 单文档索引场景下按租户派生的索引名
func TenantIndexName(baseName string, tenantID uint) string {
	return fmt.Sprintf("%s-tenant%d", baseName, tenantID)
}
