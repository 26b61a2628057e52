package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/metrics"
)

// DatabaseVectorStore 基于PostgreSQL的退化向量存储。
// 向量以JSON存列，过滤走SQL，排序在进程内做余弦相似度。
// 适合开发环境和小数据量，生产使用Milvus实现。
type DatabaseVectorStore struct {
	db          *gorm.DB
	upsertBatch int
}

// VectorIndexRecord 索引注册表
type VectorIndexRecord struct {
	IndexName  string `gorm:"primaryKey;size:255"`
	Dimensions int    `gorm:"not null"`
}

func (VectorIndexRecord) TableName() string {
	return "vector_indexes"
}

// VectorRecord 单条向量存储行
type VectorRecord struct {
	IndexName  string `gorm:"primaryKey;size:255"`
	VectorID   string `gorm:"primaryKey;size:128;column:vector_id"`
	DocumentID uint   `gorm:"index"`
	ChunkIndex int
	UserID     uint
	TenantID   uint `gorm:"index"`
	Content    string
	FileName   string
	Embedding  string `gorm:"type:text"`
}

func (VectorRecord) TableName() string {
	return "vector_records"
}

func NewDatabaseVectorStore(db *gorm.DB, upsertBatch int) VectorStore {
	if upsertBatch <= 0 {
		upsertBatch = defaultUpsertBatch
	}
	return &DatabaseVectorStore{db: db, upsertBatch: upsertBatch}
}

func (s *DatabaseVectorStore) EnsureIndex(ctx context.Context, indexName string, dimensions int) error {
	var existing VectorIndexRecord
	err := s.db.WithContext(ctx).First(&existing, "index_name = ?", indexName).Error
	if err == nil {
		if existing.Dimensions != dimensions {
			return apperrors.NewValidationError(
				fmt.Sprintf("index %s exists with dimension %d, want %d", indexName, existing.Dimensions, dimensions))
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NewDatabaseError("failed to look up index").WithCause(err)
	}

	record := VectorIndexRecord{IndexName: indexName, Dimensions: dimensions}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return apperrors.NewDatabaseError("failed to register index").WithCause(err)
	}
	return nil
}

func (s *DatabaseVectorStore) Upsert(ctx context.Context, indexName string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	for batchIdx, batch := range splitVectorBatches(vectors, s.upsertBatch) {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows := make([]VectorRecord, 0, len(batch))
		for _, v := range batch {
			embeddingJSON, err := json.Marshal(v.Embedding)
			if err != nil {
				return apperrors.NewValidationError(
					fmt.Sprintf("failed to encode embedding for %s", v.ID)).WithCause(err)
			}
			rows = append(rows, VectorRecord{
				IndexName:  indexName,
				VectorID:   v.ID,
				DocumentID: v.Metadata.DocumentID,
				ChunkIndex: v.Metadata.ChunkIndex,
				UserID:     v.Metadata.UserID,
				TenantID:   v.Metadata.TenantID,
				Content:    v.Metadata.Text,
				FileName:   v.Metadata.FileName,
				Embedding:  string(embeddingJSON),
			})
		}

		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "index_name"}, {Name: "vector_id"}},
				UpdateAll: true,
			}).
			Create(&rows).Error
		if err != nil {
			return apperrors.NewDatabaseError(
				fmt.Sprintf("vector upsert failed at batch %d", batchIdx)).WithCause(err)
		}
		metrics.VectorsUpserted.Add(float64(len(rows)))
	}
	return nil
}

func (s *DatabaseVectorStore) Query(ctx context.Context, indexName string, embedding []float32, topK int, filter Filter, includeMetadata bool) ([]Match, error) {
	if len(embedding) == 0 {
		return nil, apperrors.NewEmptyInputError("query embedding is empty")
	}
	if topK <= 0 {
		topK = 10
	}

	queryNorm := vectorNorm(embedding)
	if queryNorm == 0 {
		return nil, apperrors.NewEmptyInputError("query embedding norm is zero")
	}

	// 过滤在候选集读取阶段应用，排序只发生在过滤后的行上
	query := s.db.WithContext(ctx).Model(&VectorRecord{}).Where("index_name = ?", indexName)
	query = applyVectorFilter(query, filter)

	var rows []VectorRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, apperrors.NewDatabaseError("vector search failed").WithCause(err)
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		var rowEmbedding []float32
		if err := json.Unmarshal([]byte(row.Embedding), &rowEmbedding); err != nil {
			continue
		}
		m := Match{
			ID:    row.VectorID,
			Score: cosineSimilarity(embedding, rowEmbedding, queryNorm),
		}
		if includeMetadata {
			m.Metadata = VectorMetadata{
				DocumentID: row.DocumentID,
				ChunkIndex: row.ChunkIndex,
				Text:       row.Content,
				UserID:     row.UserID,
				TenantID:   row.TenantID,
				FileName:   row.FileName,
			}
		}
		matches = append(matches, m)
	}

	sortMatchesByScore(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *DatabaseVectorStore) DeleteVectors(ctx context.Context, indexName string, filter Filter) error {
	if filter.IsZero() {
		return apperrors.NewValidationError("delete requires a non-empty filter")
	}

	query := s.db.WithContext(ctx).Where("index_name = ?", indexName)
	query = applyVectorFilter(query, filter)
	if err := query.Delete(&VectorRecord{}).Error; err != nil {
		return apperrors.NewDatabaseError("vector delete failed").WithCause(err)
	}
	return nil
}

func (s *DatabaseVectorStore) DeleteIndex(ctx context.Context, indexName string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("index_name = ?", indexName).Delete(&VectorRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("index_name = ?", indexName).Delete(&VectorIndexRecord{}).Error
	})
	if err != nil {
		return apperrors.NewDatabaseError("index delete failed").WithCause(err)
	}
	return nil
}

func (s *DatabaseVectorStore) Ready() bool {
	return s.db != nil
}

func applyVectorFilter(query *gorm.DB, filter Filter) *gorm.DB {
	if filter.TenantID != 0 {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.DocumentID != 0 {
		query = query.Where("document_id = ?", filter.DocumentID)
	}
	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	return query
}

func sortMatchesByScore(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func cosineSimilarity(a, b []float32, normA float64) float64 {
	// 维度不一致的向量来自不同embedding模型，不可比
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot float64
	var normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normB += float64(b[i] * b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * math.Sqrt(normB))
}
