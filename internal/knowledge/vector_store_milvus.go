package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/logger"
	"github.com/aihub/rag-go/internal/metrics"
)

const defaultUpsertBatch = 100

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address     string
	Username    string
	Password    string
	Database    string
	Distance    string
	UseTLS      bool
	Timeout     time.Duration
	UpsertBatch int
}

type milvusVectorStore struct {
	milvusClient client.Client
	distance     string
	database     string
	upsertBatch  int
}

// NewMilvusVectorStore 创建Milvus向量存储
func NewMilvusVectorStore(opts MilvusOptions) (VectorStore, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Distance == "" {
		opts.Distance = "COSINE"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.UpsertBatch <= 0 {
		opts.UpsertBatch = defaultUpsertBatch
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	milvusClient, err := client.NewClient(ctx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return &milvusVectorStore{
		milvusClient: milvusClient,
		distance:     formatMilvusDistance(opts.Distance),
		database:     opts.Database,
		upsertBatch:  opts.UpsertBatch,
	}, nil
}

func formatMilvusDistance(value string) string {
	switch strings.ToUpper(value) {
	case "DOT", "IP", "INNER_PRODUCT":
		return "IP"
	case "L2", "EUCLIDEAN":
		return "L2"
	default:
		return "COSINE"
	}
}

// sanitizeCollectionName Milvus集合名不允许'-'，索引名中的'-'统一映射为'_'。
// 映射只在存储层内部使用，对外索引名保持不变。
func sanitizeCollectionName(indexName string) string {
	return strings.ReplaceAll(indexName, "-", "_")
}

// buildFilterExpr 将过滤条件翻译为Milvus布尔表达式
func buildFilterExpr(filter Filter) string {
	var terms []string
	if filter.TenantID != 0 {
		terms = append(terms, fmt.Sprintf("tenant_id == %d", filter.TenantID))
	}
	if filter.DocumentID != 0 {
		terms = append(terms, fmt.Sprintf("document_id == %d", filter.DocumentID))
	}
	if filter.UserID != 0 {
		terms = append(terms, fmt.Sprintf("user_id == %d", filter.UserID))
	}
	return strings.Join(terms, " && ")
}

// splitVectorBatches 按批次大小切分待写入向量
func splitVectorBatches(vectors []Vector, batchSize int) [][]Vector {
	if batchSize <= 0 {
		batchSize = defaultUpsertBatch
	}
	var batches [][]Vector
	for start := 0; start < len(vectors); start += batchSize {
		end := start + batchSize
		if end > len(vectors) {
			end = len(vectors)
		}
		batches = append(batches, vectors[start:end])
	}
	return batches
}

func (s *milvusVectorStore) EnsureIndex(ctx context.Context, indexName string, dimensions int) error {
	name := sanitizeCollectionName(indexName)

	hasCollection, err := s.milvusClient.HasCollection(ctx, name)
	if err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to check collection").WithCause(err)
	}
	if hasCollection {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: name,
		Description:    fmt.Sprintf("vectors for index %s", indexName),
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{Name: "document_id", DataType: entity.FieldTypeInt64},
			{Name: "chunk_index", DataType: entity.FieldTypeInt64},
			{Name: "user_id", DataType: entity.FieldTypeInt64},
			{Name: "tenant_id", DataType: entity.FieldTypeInt64},
			{
				Name:       "content",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:       "file_name",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:       "vector",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", dimensions)},
			},
		},
	}

	if err := s.milvusClient.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to create collection").WithCause(err)
	}

	var index entity.Index
	var indexErr error
	index, indexErr = entity.NewIndexHNSW(entity.MetricType(s.distance), 8, 64)
	if indexErr != nil {
		// HNSW参数异常时退回IVF_FLAT
		index, indexErr = entity.NewIndexIvfFlat(entity.MetricType(s.distance), 128)
		if indexErr != nil {
			return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to build index descriptor").WithCause(indexErr)
		}
	}
	if err := s.milvusClient.CreateIndex(ctx, name, "vector", index, false); err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to create vector index").WithCause(err)
	}

	if err := s.milvusClient.LoadCollection(ctx, name, false); err != nil {
		logger.Warn("failed to load collection", zap.String("collection", name), zap.Error(err))
	}

	return nil
}

func (s *milvusVectorStore) Upsert(ctx context.Context, indexName string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	name := sanitizeCollectionName(indexName)
	dim := len(vectors[0].Embedding)

	for batchIdx, batch := range splitVectorBatches(vectors, s.upsertBatch) {
		if err := ctx.Err(); err != nil {
			return err
		}

		ids := make([]string, len(batch))
		documentIDs := make([]int64, len(batch))
		chunkIndexes := make([]int64, len(batch))
		userIDs := make([]int64, len(batch))
		tenantIDs := make([]int64, len(batch))
		contents := make([]string, len(batch))
		fileNames := make([]string, len(batch))
		embeddings := make([][]float32, len(batch))

		for i, v := range batch {
			if len(v.Embedding) != dim {
				return apperrors.NewValidationError(
					fmt.Sprintf("vector %s has dimension %d, want %d", v.ID, len(v.Embedding), dim))
			}
			ids[i] = v.ID
			documentIDs[i] = int64(v.Metadata.DocumentID)
			chunkIndexes[i] = int64(v.Metadata.ChunkIndex)
			userIDs[i] = int64(v.Metadata.UserID)
			tenantIDs[i] = int64(v.Metadata.TenantID)
			contents[i] = v.Metadata.Text
			fileNames[i] = v.Metadata.FileName
			embeddings[i] = v.Embedding
		}

		_, err := s.milvusClient.Upsert(ctx, name, "",
			entity.NewColumnVarChar("id", ids),
			entity.NewColumnInt64("document_id", documentIDs),
			entity.NewColumnInt64("chunk_index", chunkIndexes),
			entity.NewColumnInt64("user_id", userIDs),
			entity.NewColumnInt64("tenant_id", tenantIDs),
			entity.NewColumnVarChar("content", contents),
			entity.NewColumnVarChar("file_name", fileNames),
			entity.NewColumnFloatVector("vector", dim, embeddings),
		)
		if err != nil {
			return apperrors.NewProviderError(apperrors.ErrCodeVectorStore,
				fmt.Sprintf("milvus upsert failed at batch %d", batchIdx)).WithCause(err)
		}
		metrics.VectorsUpserted.Add(float64(len(batch)))
	}

	if err := s.milvusClient.Flush(ctx, name, false); err != nil {
		logger.Warn("failed to flush collection", zap.String("collection", name), zap.Error(err))
	}
	return nil
}

func (s *milvusVectorStore) Query(ctx context.Context, indexName string, embedding []float32, topK int, filter Filter, includeMetadata bool) ([]Match, error) {
	if len(embedding) == 0 {
		return nil, apperrors.NewEmptyInputError("query embedding is empty")
	}
	if topK <= 0 {
		topK = 10
	}

	name := sanitizeCollectionName(indexName)
	expr := buildFilterExpr(filter)

	outputFields := []string{}
	if includeMetadata {
		outputFields = []string{"document_id", "chunk_index", "user_id", "tenant_id", "content", "file_name"}
	}

	sp, _ := entity.NewIndexHNSWSearchParam(64)
	searchResults, err := s.milvusClient.Search(
		ctx,
		name,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(embedding)},
		"vector",
		entity.MetricType(s.distance),
		topK,
		sp,
	)
	if err != nil {
		return nil, apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "milvus search failed").WithCause(err)
	}

	if len(searchResults) == 0 {
		return []Match{}, nil
	}
	result := searchResults[0]
	if result.Err != nil {
		return nil, apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "milvus search error").WithCause(result.Err)
	}
	if result.ResultCount == 0 {
		return []Match{}, nil
	}

	var ids []string
	if idCol, ok := result.IDs.(*entity.ColumnVarChar); ok {
		ids = idCol.Data()
	}

	var documentIDs, chunkIndexes, userIDs, tenantIDs []int64
	var contents, fileNames []string
	for _, field := range result.Fields {
		switch field.Name() {
		case "document_id":
			if col, ok := field.(*entity.ColumnInt64); ok {
				documentIDs = col.Data()
			}
		case "chunk_index":
			if col, ok := field.(*entity.ColumnInt64); ok {
				chunkIndexes = col.Data()
			}
		case "user_id":
			if col, ok := field.(*entity.ColumnInt64); ok {
				userIDs = col.Data()
			}
		case "tenant_id":
			if col, ok := field.(*entity.ColumnInt64); ok {
				tenantIDs = col.Data()
			}
		case "content":
			if col, ok := field.(*entity.ColumnVarChar); ok {
				contents = col.Data()
			}
		case "file_name":
			if col, ok := field.(*entity.ColumnVarChar); ok {
				fileNames = col.Data()
			}
		}
	}

	matches := make([]Match, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		m := Match{}
		if i < len(ids) {
			m.ID = ids[i]
		}
		if i < len(result.Scores) {
			m.Score = float64(result.Scores[i])
		}
		if includeMetadata {
			if i < len(documentIDs) {
				m.Metadata.DocumentID = uint(documentIDs[i])
			}
			if i < len(chunkIndexes) {
				m.Metadata.ChunkIndex = int(chunkIndexes[i])
			}
			if i < len(userIDs) {
				m.Metadata.UserID = uint(userIDs[i])
			}
			if i < len(tenantIDs) {
				m.Metadata.TenantID = uint(tenantIDs[i])
			}
			if i < len(contents) {
				m.Metadata.Text = contents[i]
			}
			if i < len(fileNames) {
				m.Metadata.FileName = fileNames[i]
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (s *milvusVectorStore) DeleteVectors(ctx context.Context, indexName string, filter Filter) error {
	if filter.IsZero() {
		return apperrors.NewValidationError("delete requires a non-empty filter")
	}

	name := sanitizeCollectionName(indexName)
	hasCollection, err := s.milvusClient.HasCollection(ctx, name)
	if err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to check collection").WithCause(err)
	}
	if !hasCollection {
		return nil
	}

	if err := s.milvusClient.Delete(ctx, name, "", buildFilterExpr(filter)); err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "milvus delete failed").WithCause(err)
	}
	if err := s.milvusClient.Flush(ctx, name, false); err != nil {
		logger.Warn("failed to flush after delete", zap.String("collection", name), zap.Error(err))
	}
	return nil
}

func (s *milvusVectorStore) DeleteIndex(ctx context.Context, indexName string) error {
	name := sanitizeCollectionName(indexName)

	hasCollection, err := s.milvusClient.HasCollection(ctx, name)
	if err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to check collection").WithCause(err)
	}
	if !hasCollection {
		return nil
	}
	if err := s.milvusClient.DropCollection(ctx, name); err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to drop collection").WithCause(err)
	}
	return nil
}

func (s *milvusVectorStore) Ready() bool {
	if s.milvusClient == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.milvusClient.ListCollections(ctx)
	return err == nil
}
