package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/logger"
	"github.com/aihub/rag-go/internal/metrics"
	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/repository"
)

// RetrieveRequest 检索请求。知识库和单文档两种作用域二选一。
type RetrieveRequest struct {
	KnowledgeBaseID uint   `validate:"required_without=DocumentID"`
	DocumentID      uint   `validate:"required_without=KnowledgeBaseID"`
	UserID          uint   `validate:"required"`
	Query           string `validate:"required"`
	TopK            int    `validate:"gte=0,lte=100"`
}

// AnswerResult 问答结果
type AnswerResult struct {
	Answer    string
	Matches   []knowledge.Match
	NoContext bool
}

// QueryService 检索与问答编排
type QueryService struct {
	kbRepo     repository.KnowledgeBaseRepository
	docRepo    repository.DocumentRepository
	searchRepo repository.SearchRepository
	embedders  EmbedderProvider
	store      knowledge.VectorStore
	chat       ChatCompleter
	hybrid     *knowledge.HybridSearcher
	cache      *redis.Client
	cacheTTL   time.Duration
	validate   *validator.Validate

	baseIndexName string
	defaultTopK   int
}

// QueryServiceOptions 查询服务依赖
type QueryServiceOptions struct {
	KnowledgeBaseRepo repository.KnowledgeBaseRepository
	DocumentRepo      repository.DocumentRepository
	SearchRepo        repository.SearchRepository
	Embedders         EmbedderProvider
	VectorStore       knowledge.VectorStore
	Chat              ChatCompleter
	Hybrid            *knowledge.HybridSearcher
	Cache             *redis.Client
	CacheTTL          time.Duration
	BaseIndexName     string
	DefaultTopK       int
}

func NewQueryService(opts QueryServiceOptions) *QueryService {
	if opts.Chat == nil {
		opts.Chat = &NoopChat{}
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	if opts.BaseIndexName == "" {
		opts.BaseIndexName = "rag-core"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &QueryService{
		kbRepo:        opts.KnowledgeBaseRepo,
		docRepo:       opts.DocumentRepo,
		searchRepo:    opts.SearchRepo,
		embedders:     opts.Embedders,
		store:         opts.VectorStore,
		chat:          opts.Chat,
		hybrid:        opts.Hybrid,
		cache:         opts.Cache,
		cacheTTL:      opts.CacheTTL,
		validate:      validator.New(),
		baseIndexName: opts.BaseIndexName,
		defaultTopK:   opts.DefaultTopK,
	}
}

// queryScope 解析后的检索作用域
type queryScope struct {
	indexName string
	tenantID  uint
	filter    knowledge.Filter
	topK      int
}

// resolveScope 把请求映射到索引名和强制过滤条件。
// 租户过滤永远存在，调用方无法绕过。
func (s *QueryService) resolveScope(ctx context.Context, req RetrieveRequest) (*queryScope, error) {
	if req.KnowledgeBaseID != 0 {
		kb, err := s.kbRepo.GetKnowledgeBase(ctx, req.KnowledgeBaseID)
		if err != nil {
			return nil, err
		}
		if kb.IndexName == "" {
			return nil, apperrors.NewNotFoundError(
				fmt.Sprintf("knowledge base %d has not been indexed yet", req.KnowledgeBaseID))
		}
		topK := req.TopK
		if topK <= 0 {
			topK = kb.TopK
		}
		if topK <= 0 {
			topK = s.defaultTopK
		}
		return &queryScope{
			indexName: kb.IndexName,
			tenantID:  kb.TenantID,
			filter:    knowledge.Filter{TenantID: kb.TenantID},
			topK:      topK,
		}, nil
	}

	doc, err := s.docRepo.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.defaultTopK
	}
	return &queryScope{
		indexName: knowledge.TenantIndexName(s.baseIndexName, doc.TenantID),
		tenantID:  doc.TenantID,
		filter:    knowledge.Filter{TenantID: doc.TenantID, DocumentID: doc.DocumentID},
		topK:      topK,
	}, nil
}

// Retrieve 向量检索，相似度降序
func (s *QueryService) Retrieve(ctx context.Context, req RetrieveRequest) ([]knowledge.Match, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	timer := prometheus.NewTimer(metrics.QueryDuration)
	defer timer.ObserveDuration()

	scope, err := s.resolveScope(ctx, req)
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cachedMatches(ctx, scope, req.Query); ok {
		return cached, nil
	}

	embedder, err := s.embedders.ForTenant(ctx, scope.tenantID)
	if err != nil {
		return nil, err
	}
	queryEmbedding, err := embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	matches, err := s.store.Query(ctx, scope.indexName, queryEmbedding, scope.topK, scope.filter, true)
	if err != nil {
		return nil, err
	}

	// 融合检索只在知识库作用域生效，单文档作用域的全文索引
	// 覆盖整个租户，融合会引入过滤范围之外的分块
	if s.hybrid != nil && scope.filter.DocumentID == 0 {
		matches = s.hybrid.Blend(ctx, scope.indexName, scope.tenantID, req.Query, matches, scope.topK)
	}

	s.storeCachedMatches(ctx, scope, req.Query, matches)
	s.recordSearch(ctx, req, scope, matches)
	return matches, nil
}

// Answer 检索并生成回答。
// 没有任何命中时直接返回空结果，不调用对话模型。
func (s *QueryService) Answer(ctx context.Context, req RetrieveRequest) (*AnswerResult, error) {
	matches, err := s.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		return &AnswerResult{NoContext: true}, nil
	}

	contexts := make([]string, len(matches))
	for i, m := range matches {
		contexts[i] = m.Metadata.Text
	}
	answer, err := s.chat.Complete(ctx, req.Query, contexts)
	if err != nil {
		return nil, err
	}
	return &AnswerResult{Answer: answer, Matches: matches}, nil
}

// retrieveCacheKey 缓存键覆盖索引、过滤和topK，不同作用域互不污染
func retrieveCacheKey(scope *queryScope, query string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%d|%s",
		scope.indexName, scope.filter.TenantID, scope.filter.DocumentID, scope.topK, query)))
	return "rag:query:" + hex.EncodeToString(sum[:16])
}

func (s *QueryService) cachedMatches(ctx context.Context, scope *queryScope, query string) ([]knowledge.Match, bool) {
	if s.cache == nil {
		return nil, false
	}
	payload, err := s.cache.Get(ctx, retrieveCacheKey(scope, query)).Result()
	if err != nil {
		return nil, false
	}
	var matches []knowledge.Match
	if err := json.Unmarshal([]byte(payload), &matches); err != nil {
		return nil, false
	}
	return matches, true
}

func (s *QueryService) storeCachedMatches(ctx context.Context, scope *queryScope, query string, matches []knowledge.Match) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(matches)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, retrieveCacheKey(scope, query), payload, s.cacheTTL).Err(); err != nil {
		logger.Debug("failed to cache query result", zap.Error(err))
	}
}

func (s *QueryService) recordSearch(ctx context.Context, req RetrieveRequest, scope *queryScope, matches []knowledge.Match) {
	if s.searchRepo == nil {
		return
	}
	results, err := json.Marshal(matches)
	if err != nil {
		results = []byte("[]")
	}
	record := &models.SearchRecord{
		KnowledgeBaseID: req.KnowledgeBaseID,
		DocumentID:      req.DocumentID,
		TenantID:        scope.tenantID,
		UserID:          req.UserID,
		Query:           req.Query,
		Results:         string(results),
	}
	if err := s.searchRepo.SaveSearch(ctx, record); err != nil {
		logger.Warn("failed to record search", zap.Error(err))
	}
}
