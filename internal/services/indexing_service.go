package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/guard"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/logger"
	"github.com/aihub/rag-go/internal/metrics"
	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/repository"
	"github.com/aihub/rag-go/internal/storage"
)

// DocumentOutcome 单个文档的索引结果
type DocumentOutcome struct {
	DocumentID uint
	Status     DocumentStatus
	ChunkCount int
	Skipped    bool
	Error      string
}

// RunResult 一次知识库索引运行的汇总
type RunResult struct {
	KnowledgeBaseID uint
	IndexName       string
	Total           int
	Indexed         int
	Skipped         int
	Failed          int
	Outcomes        []DocumentOutcome
}

// IndexingService 索引编排器。
// 同一租户的索引运行互斥，文档之间失败隔离，
// 已索引的成员在重复运行时跳过。
type IndexingService struct {
	kbRepo    repository.KnowledgeBaseRepository
	docRepo   repository.DocumentRepository
	embedders EmbedderProvider
	store     knowledge.VectorStore
	fulltext  knowledge.FulltextIndexer
	chunker   *knowledge.Chunker
	docStore  storage.DocumentStore
	extractor *knowledge.ExtractorChain
	guard     *guard.Guard
	sink      ProgressSink

	baseIndexName string
}

// IndexingServiceOptions 编排器依赖
type IndexingServiceOptions struct {
	KnowledgeBaseRepo repository.KnowledgeBaseRepository
	DocumentRepo      repository.DocumentRepository
	Embedders         EmbedderProvider
	VectorStore       knowledge.VectorStore
	Fulltext          knowledge.FulltextIndexer
	Chunker           *knowledge.Chunker
	DocumentStore     storage.DocumentStore
	Extractor         *knowledge.ExtractorChain
	Guard             *guard.Guard
	ProgressSink      ProgressSink
	BaseIndexName     string
}

func NewIndexingService(opts IndexingServiceOptions) *IndexingService {
	if opts.Chunker == nil {
		opts.Chunker = knowledge.NewChunker(0, 0)
	}
	if opts.Fulltext == nil {
		opts.Fulltext = &knowledge.NoopFulltextIndexer{}
	}
	if opts.Guard == nil {
		opts.Guard = guard.New()
	}
	if opts.ProgressSink == nil {
		opts.ProgressSink = NoopProgressSink{}
	}
	if opts.Extractor == nil {
		opts.Extractor = knowledge.NewExtractorChain()
	}
	if opts.BaseIndexName == "" {
		opts.BaseIndexName = "rag-core"
	}
	return &IndexingService{
		kbRepo:        opts.KnowledgeBaseRepo,
		docRepo:       opts.DocumentRepo,
		embedders:     opts.Embedders,
		store:         opts.VectorStore,
		fulltext:      opts.Fulltext,
		chunker:       opts.Chunker,
		docStore:      opts.DocumentStore,
		extractor:     opts.Extractor,
		guard:         opts.Guard,
		sink:          opts.ProgressSink,
		baseIndexName: opts.BaseIndexName,
	}
}

// IndexKnowledgeBase 索引知识库内所有未索引文档。
// 取消发生在文档之间，已完成的文档保持已完成状态。
func (s *IndexingService) IndexKnowledgeBase(ctx context.Context, kbID uint) (*RunResult, error) {
	kb, err := s.kbRepo.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}

	var result *RunResult
	err = s.guard.Do(ctx, guard.TenantKey(kb.TenantID), func(ctx context.Context) error {
		var runErr error
		result, runErr = s.runIndexing(ctx, kb)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *IndexingService) runIndexing(ctx context.Context, kb *models.KnowledgeBase) (*RunResult, error) {
	indexName, err := s.kbRepo.AssignIndexName(ctx, kb.KnowledgeBaseID, s.baseIndexName)
	if err != nil {
		return nil, err
	}

	embedder, err := s.embedders.ForTenant(ctx, kb.TenantID)
	if err != nil {
		return nil, err
	}

	// 索引只确保一次，之后所有文档共用。
	// 创建失败乐观继续：索引可能已被并发创建者建好，
	// 真正缺失时由每个文档的upsert失败隔离。
	if err := s.store.EnsureIndex(ctx, indexName, embedder.Dimensions()); err != nil {
		logger.Warn("ensure index failed, continuing",
			zap.String("indexName", indexName),
			zap.Error(err))
	}

	memberships, err := s.kbRepo.ListMemberships(ctx, kb.KnowledgeBaseID)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		KnowledgeBaseID: kb.KnowledgeBaseID,
		IndexName:       indexName,
		Total:           len(memberships),
	}

	for _, membership := range memberships {
		// 文档之间是取消检查点
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if membership.IsIndexed {
			result.Skipped++
			result.Outcomes = append(result.Outcomes, DocumentOutcome{
				DocumentID: membership.DocumentID,
				Status:     StatusIndexed,
				ChunkCount: membership.ChunkCount,
				Skipped:    true,
			})
			continue
		}

		outcome := s.indexDocument(ctx, indexName, kb, membership, embedder, len(result.Outcomes)+1, result.Total)
		result.Outcomes = append(result.Outcomes, outcome)

		if outcome.Status == StatusIndexed {
			result.Indexed++
			continue
		}
		result.Failed++

		// 取消和超时不算文档失败，直接终止运行
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	logger.Info("knowledge base indexing finished",
		zap.Uint("knowledgeBaseID", kb.KnowledgeBaseID),
		zap.String("indexName", indexName),
		zap.Int("total", result.Total),
		zap.Int("indexed", result.Indexed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

// indexDocument 处理单个文档，失败不向外传播，隔离在outcome里。
// pos/total是本次运行的文档计数，随进度通知一起上报。
func (s *IndexingService) indexDocument(ctx context.Context, indexName string, kb *models.KnowledgeBase, membership models.KnowledgeBaseDocument, embedder knowledge.Embedder, pos, total int) DocumentOutcome {
	docID := membership.DocumentID
	doc := membership.Document
	runPos := fmt.Sprintf("document %d/%d", pos, total)

	progress := newStatusReporter(s.sink, docID)
	progress.to(ctx, StatusPending, runPos)

	progress.to(ctx, StatusChunking, runPos)
	text, err := s.loadDocumentText(ctx, &doc)
	if err != nil {
		return s.failDocument(ctx, progress, membership, "extract", err)
	}

	chunks := s.chunker.Split(text)
	if len(chunks) == 0 {
		err := apperrors.NewEmptyInputError(fmt.Sprintf("document %d produced no chunks", docID))
		return s.failDocument(ctx, progress, membership, "empty", err)
	}

	progress.to(ctx, StatusEmbedding, fmt.Sprintf("%s, %d chunks", runPos, len(chunks)))
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	embeddings, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return s.failDocument(ctx, progress, membership, "embedding", err)
	}

	progress.to(ctx, StatusUpserting, fmt.Sprintf("%s, %d chunks", runPos, len(chunks)))
	vectors := make([]knowledge.Vector, len(chunks))
	for i, chunk := range chunks {
		vectors[i] = knowledge.Vector{
			ID:        knowledge.ChunkVectorID(docID, chunk.Index),
			Embedding: embeddings[i],
			Metadata: knowledge.VectorMetadata{
				DocumentID: docID,
				ChunkIndex: chunk.Index,
				Text:       chunk.Text,
				UserID:     doc.OwnerID,
				TenantID:   kb.TenantID,
				FileName:   doc.FileName,
			},
		}
	}
	if err := s.store.Upsert(ctx, indexName, vectors); err != nil {
		return s.failDocument(ctx, progress, membership, "upsert", err)
	}

	// 全文镜像尽力而为，失败不影响索引结果
	if err := s.mirrorFulltext(ctx, indexName, kb.TenantID, docID, doc.FileName, chunks); err != nil {
		logger.Warn("fulltext mirror failed",
			zap.Uint("documentID", docID),
			zap.Error(err))
	}

	if err := s.kbRepo.MarkIndexed(ctx, membership.ID, len(chunks)); err != nil {
		return s.failDocument(ctx, progress, membership, "persist", err)
	}

	progress.to(ctx, StatusIndexed, fmt.Sprintf("%s, %d chunks", runPos, len(chunks)))
	metrics.DocumentsIndexed.Inc()
	return DocumentOutcome{
		DocumentID: docID,
		Status:     StatusIndexed,
		ChunkCount: len(chunks),
	}
}

func (s *IndexingService) failDocument(ctx context.Context, progress *statusReporter, membership models.KnowledgeBaseDocument, reason string, cause error) DocumentOutcome {
	docID := membership.DocumentID

	// 取消不标记为失败，下次运行从这里继续
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return DocumentOutcome{DocumentID: docID, Status: StatusFailed, Error: cause.Error()}
	}

	metrics.DocumentFailures.WithLabelValues(reason).Inc()
	logger.Error("document indexing failed",
		zap.Uint("documentID", docID),
		zap.String("reason", reason),
		zap.Error(cause))

	if err := s.kbRepo.MarkFailed(ctx, membership.ID, cause.Error()); err != nil {
		logger.Error("failed to persist document failure",
			zap.Uint("documentID", docID),
			zap.Error(err))
	}
	progress.to(ctx, StatusFailed, cause.Error())
	return DocumentOutcome{DocumentID: docID, Status: StatusFailed, Error: cause.Error()}
}

// loadDocumentText 优先使用预提取文本，否则拉取原始字节并解析
func (s *IndexingService) loadDocumentText(ctx context.Context, doc *models.Document) (string, error) {
	if doc.Content != "" {
		return doc.Content, nil
	}
	if s.docStore == nil {
		return "", apperrors.NewEmptyInputError(
			fmt.Sprintf("document %d has no content and no object storage is configured", doc.DocumentID))
	}

	reader, err := s.docStore.Download(ctx, doc.TenantID, doc.DocumentID)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	return s.extractor.Extract(reader, doc.FileName)
}

func (s *IndexingService) mirrorFulltext(ctx context.Context, indexName string, tenantID, docID uint, fileName string, chunks []knowledge.Chunk) error {
	if !s.fulltext.Ready() {
		return nil
	}
	now := time.Now()
	fulltextChunks := make([]knowledge.FulltextChunk, len(chunks))
	for i, chunk := range chunks {
		fulltextChunks[i] = knowledge.FulltextChunk{
			DocumentID: docID,
			TenantID:   tenantID,
			ChunkIndex: chunk.Index,
			Content:    chunk.Text,
			FileName:   fileName,
			CreatedAt:  now,
		}
	}
	return s.fulltext.IndexChunks(ctx, indexName, fulltextChunks)
}

// IndexStandaloneDocument 把单个文档索引到按租户派生的索引中
func (s *IndexingService) IndexStandaloneDocument(ctx context.Context, documentID uint) (string, error) {
	doc, err := s.docRepo.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}

	indexName := knowledge.TenantIndexName(s.baseIndexName, doc.TenantID)
	err = s.guard.Do(ctx, guard.TenantKey(doc.TenantID), func(ctx context.Context) error {
		embedder, err := s.embedders.ForTenant(ctx, doc.TenantID)
		if err != nil {
			return err
		}
		if err := s.store.EnsureIndex(ctx, indexName, embedder.Dimensions()); err != nil {
			logger.Warn("ensure index failed, continuing",
				zap.String("indexName", indexName),
				zap.Error(err))
		}

		progress := newStatusReporter(s.sink, documentID)
		progress.to(ctx, StatusChunking, "")
		text, err := s.loadDocumentText(ctx, doc)
		if err != nil {
			progress.to(ctx, StatusFailed, err.Error())
			return err
		}
		chunks := s.chunker.Split(text)
		if len(chunks) == 0 {
			err := apperrors.NewEmptyInputError(fmt.Sprintf("document %d produced no chunks", documentID))
			progress.to(ctx, StatusFailed, err.Error())
			return err
		}

		progress.to(ctx, StatusEmbedding, fmt.Sprintf("%d chunks", len(chunks)))
		texts := make([]string, len(chunks))
		for i, chunk := range chunks {
			texts[i] = chunk.Text
		}
		embeddings, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			progress.to(ctx, StatusFailed, err.Error())
			return err
		}

		progress.to(ctx, StatusUpserting, "")
		vectors := make([]knowledge.Vector, len(chunks))
		for i, chunk := range chunks {
			vectors[i] = knowledge.Vector{
				ID:        knowledge.ChunkVectorID(documentID, chunk.Index),
				Embedding: embeddings[i],
				Metadata: knowledge.VectorMetadata{
					DocumentID: documentID,
					ChunkIndex: chunk.Index,
					Text:       chunk.Text,
					UserID:     doc.OwnerID,
					TenantID:   doc.TenantID,
					FileName:   doc.FileName,
				},
			}
		}
		if err := s.store.Upsert(ctx, indexName, vectors); err != nil {
			progress.to(ctx, StatusFailed, err.Error())
			return err
		}

		progress.to(ctx, StatusIndexed, fmt.Sprintf("%d chunks", len(chunks)))
		metrics.DocumentsIndexed.Inc()
		return nil
	})
	if err != nil {
		return "", err
	}
	return indexName, nil
}

// RemoveDocument 从知识库索引中删除某个文档的向量和全文镜像。
// 删除是尽力而为的：向量删除失败返回错误，全文失败只告警。
func (s *IndexingService) RemoveDocument(ctx context.Context, kbID, documentID uint) error {
	kb, err := s.kbRepo.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return err
	}
	if kb.IndexName == "" {
		return nil
	}

	return s.guard.Do(ctx, guard.TenantKey(kb.TenantID), func(ctx context.Context) error {
		filter := knowledge.Filter{TenantID: kb.TenantID, DocumentID: documentID}
		if err := s.store.DeleteVectors(ctx, kb.IndexName, filter); err != nil {
			return err
		}
		if err := s.fulltext.RemoveDocument(ctx, kb.IndexName, documentID); err != nil {
			logger.Warn("fulltext removal failed",
				zap.Uint("documentID", documentID),
				zap.Error(err))
		}
		return nil
	})
}

// DeleteKnowledgeBase 删除知识库及其底层索引
func (s *IndexingService) DeleteKnowledgeBase(ctx context.Context, kbID uint) error {
	kb, err := s.kbRepo.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	return s.guard.Do(ctx, guard.TenantKey(kb.TenantID), func(ctx context.Context) error {
		if kb.IndexName != "" {
			if err := s.store.DeleteIndex(ctx, kb.IndexName); err != nil {
				return err
			}
		}
		return s.kbRepo.DeleteKnowledgeBase(ctx, kbID)
	})
}
