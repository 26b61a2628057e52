package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/models"
)

func seedKnowledgeBase(repo *fakeRepo, kbID, tenantID uint, contents ...string) {
	repo.kbs[kbID] = &models.KnowledgeBase{
		KnowledgeBaseID: kbID,
		Name:            "handbook",
		TenantID:        tenantID,
		OwnerID:         1,
		TopK:            5,
	}
	for i, content := range contents {
		docID := uint(100 + i)
		repo.docs[docID] = &models.Document{
			DocumentID: docID,
			TenantID:   tenantID,
			OwnerID:    1,
			FileName:   "doc.txt",
			Content:    content,
		}
		repo.memberships[kbID] = append(repo.memberships[kbID], models.KnowledgeBaseDocument{
			ID:              uint(1000 + i),
			KnowledgeBaseID: kbID,
			DocumentID:      docID,
			Document:        *repo.docs[docID],
		})
	}
}

func newTestIndexingService(repo *fakeRepo, store *fakeVectorStore, embedder *fakeEmbedder, sink ProgressSink) *IndexingService {
	return NewIndexingService(IndexingServiceOptions{
		KnowledgeBaseRepo: repo,
		DocumentRepo:      repo,
		Embedders:         NewStaticEmbedderProvider(embedder),
		VectorStore:       store,
		ProgressSink:      sink,
		BaseIndexName:     "rag-core",
	})
}

func TestIndexKnowledgeBaseHappyPath(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "First document body.", "Second document body.")
	store := newFakeVectorStore()
	sink := newRecordingSink()
	svc := newTestIndexingService(repo, store, newFakeEmbedder(), sink)

	result, err := svc.IndexKnowledgeBase(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Skipped)
	assert.True(t, strings.HasPrefix(result.IndexName, "rag-core-group-7-"))

	// 索引在整个运行中只确保一次
	assert.Equal(t, []string{result.IndexName}, store.ensureCalls)

	// 向量ID确定性：doc{ID}-chunk-{n}
	assert.ElementsMatch(t, []string{"doc100-chunk-0", "doc101-chunk-0"}, store.storedIDs(result.IndexName))

	// 状态机走完整生命周期
	assert.Equal(t, []DocumentStatus{
		StatusPending, StatusChunking, StatusEmbedding, StatusUpserting, StatusIndexed,
	}, sink.statuses(100))

	// 元数据携带租户
	for _, batch := range store.upsertBatches {
		for _, v := range batch {
			assert.Equal(t, uint(3), v.Metadata.TenantID)
		}
	}
}

func TestIndexKnowledgeBaseSkipsIndexedDocuments(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "First document body.", "Second document body.")
	repo.memberships[7][0].IsIndexed = true
	repo.memberships[7][0].ChunkCount = 4

	store := newFakeVectorStore()
	embedder := newFakeEmbedder()
	svc := newTestIndexingService(repo, store, embedder, nil)

	result, err := svc.IndexKnowledgeBase(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Indexed)
	// 已索引文档不重新向量化
	assert.Equal(t, 1, embedder.batchCalls)
	assert.ElementsMatch(t, []string{"doc101-chunk-0"}, store.storedIDs(result.IndexName))
}

func TestIndexKnowledgeBaseIsolatesDocumentFailure(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "Good document one.", "Poison document body.", "Good document two.")

	store := newFakeVectorStore()
	embedder := newFakeEmbedder()
	embedder.failOn = "Poison document body."
	svc := newTestIndexingService(repo, store, embedder, nil)

	result, err := svc.IndexKnowledgeBase(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 1, result.Failed)

	// 失败被持久化到成员关系上
	failed := repo.membership(7, 1001)
	require.NotNil(t, failed)
	assert.False(t, failed.IsIndexed)
	assert.Contains(t, failed.LastError, "rate limited")

	// 其余文档不受影响
	indexed := repo.membership(7, 1002)
	require.NotNil(t, indexed)
	assert.True(t, indexed.IsIndexed)
}

func TestIndexKnowledgeBaseReusesPersistedIndexName(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "Document body.")
	repo.kbs[7].IndexName = "rag-core-group-7-preexisting"

	store := newFakeVectorStore()
	svc := newTestIndexingService(repo, store, newFakeEmbedder(), nil)

	result, err := svc.IndexKnowledgeBase(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "rag-core-group-7-preexisting", result.IndexName)
}

func TestIndexKnowledgeBaseCancellation(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "First document body.", "Second document body.", "Third document body.")

	store := newFakeVectorStore()
	embedder := newFakeEmbedder()
	sink := newRecordingSink()
	svc := newTestIndexingService(repo, store, embedder, sink)

	ctx, cancel := context.WithCancel(context.Background())

	// 第一个文档完成后取消
	cancelingSink := &cancelAfterIndexed{inner: sink, cancel: cancel, target: 100}
	svc.sink = cancelingSink

	_, err := svc.IndexKnowledgeBase(ctx, 7)
	require.ErrorIs(t, err, context.Canceled)

	// 已完成的文档保留
	first := repo.membership(7, 1000)
	require.NotNil(t, first)
	assert.True(t, first.IsIndexed)

	// 后续文档未被标记为失败
	third := repo.membership(7, 1002)
	require.NotNil(t, third)
	assert.Empty(t, third.LastError)
}

// cancelAfterIndexed 目标文档到达indexed后触发取消
type cancelAfterIndexed struct {
	inner  ProgressSink
	cancel context.CancelFunc
	target uint
}

func (s *cancelAfterIndexed) Report(ctx context.Context, documentID uint, status DocumentStatus, detail string) {
	s.inner.Report(ctx, documentID, status, detail)
	if documentID == s.target && status == StatusIndexed {
		s.cancel()
	}
}

func TestIndexKnowledgeBaseEmptyDocumentFails(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "   \n\t  ")

	store := newFakeVectorStore()
	svc := newTestIndexingService(repo, store, newFakeEmbedder(), nil)

	result, err := svc.IndexKnowledgeBase(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Outcomes[0].Error, "no chunks")
}

func TestIndexKnowledgeBaseUpsertIdempotent(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "Stable document body.")

	store := newFakeVectorStore()
	svc := newTestIndexingService(repo, store, newFakeEmbedder(), nil)

	first, err := svc.IndexKnowledgeBase(context.Background(), 7)
	require.NoError(t, err)

	// 重置成员状态模拟强制重建
	require.NoError(t, repo.MarkFailed(context.Background(), 1000, "forced"))

	second, err := svc.IndexKnowledgeBase(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, first.IndexName, second.IndexName)

	// 相同向量ID覆盖而不是累积
	assert.Len(t, store.storedIDs(first.IndexName), 1)
}

func TestIndexKnowledgeBaseToleratesEnsureIndexFailure(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "First document body.", "Second document body.")

	// 索引创建失败不终止运行：索引可能已被并发创建者建好
	store := newFakeVectorStore()
	store.ensureErr = apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "collection already exists")
	svc := newTestIndexingService(repo, store, newFakeEmbedder(), nil)

	result, err := svc.IndexKnowledgeBase(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, []string{result.IndexName}, store.ensureCalls)
	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 0, result.Failed)
	assert.ElementsMatch(t, []string{"doc100-chunk-0", "doc101-chunk-0"}, store.storedIDs(result.IndexName))
}

func TestIndexStandaloneDocumentToleratesEnsureIndexFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.docs[200] = &models.Document{
		DocumentID: 200,
		TenantID:   9,
		OwnerID:    2,
		FileName:   "notes.txt",
		Content:    "Standalone document body.",
	}

	store := newFakeVectorStore()
	store.ensureErr = apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "collection already exists")
	svc := newTestIndexingService(repo, store, newFakeEmbedder(), nil)

	indexName, err := svc.IndexStandaloneDocument(context.Background(), 200)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc200-chunk-0"}, store.storedIDs(indexName))
}

func TestIndexKnowledgeBaseReportsRunTotals(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "First document body.", "Second document body.")
	store := newFakeVectorStore()
	sink := newRecordingSink()
	svc := newTestIndexingService(repo, store, newFakeEmbedder(), sink)

	_, err := svc.IndexKnowledgeBase(context.Background(), 7)
	require.NoError(t, err)

	// 进度详情携带"第N个/共M个"计数和块数
	first := sink.detailsFor(100)
	require.NotEmpty(t, first)
	assert.Equal(t, "document 1/2", first[0])
	assert.Contains(t, first[len(first)-1], "document 1/2")
	assert.Contains(t, first[len(first)-1], "1 chunks")

	second := sink.detailsFor(101)
	require.NotEmpty(t, second)
	assert.Equal(t, "document 2/2", second[0])
}

func TestIndexStandaloneDocumentUsesTenantIndex(t *testing.T) {
	repo := newFakeRepo()
	repo.docs[200] = &models.Document{
		DocumentID: 200,
		TenantID:   9,
		OwnerID:    2,
		FileName:   "standalone.txt",
		Content:    "Standalone document body.",
	}

	store := newFakeVectorStore()
	svc := newTestIndexingService(repo, store, newFakeEmbedder(), nil)

	indexName, err := svc.IndexStandaloneDocument(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, "rag-core-tenant9", indexName)
	assert.ElementsMatch(t, []string{"doc200-chunk-0"}, store.storedIDs(indexName))
}

func TestRemoveDocumentScopesDeleteToTenant(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "Document body.")
	repo.kbs[7].IndexName = "rag-core-group-7-fixed"

	store := newFakeVectorStore()
	svc := newTestIndexingService(repo, store, newFakeEmbedder(), nil)

	err := svc.RemoveDocument(context.Background(), 7, 100)
	require.NoError(t, err)
	require.Len(t, store.deletedFilters, 1)
	assert.Equal(t, uint(3), store.deletedFilters[0].TenantID)
	assert.Equal(t, uint(100), store.deletedFilters[0].DocumentID)
}

func TestDeleteKnowledgeBaseDropsIndex(t *testing.T) {
	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, "Document body.")
	repo.kbs[7].IndexName = "rag-core-group-7-fixed"

	store := newFakeVectorStore()
	svc := newTestIndexingService(repo, store, newFakeEmbedder(), nil)

	require.NoError(t, svc.DeleteKnowledgeBase(context.Background(), 7))
	assert.Equal(t, []string{"rag-core-group-7-fixed"}, store.droppedIndexes)

	_, err := repo.GetKnowledgeBase(context.Background(), 7)
	assert.True(t, apperrors.IsNotFound(err))
}

// 端到端：一篇约3200字符的文档走完索引管线后能被检索命中
func TestIndexThenRetrieveEndToEnd(t *testing.T) {
	sentences := make([]string, 0, 62)
	for i := 0; i < 62; i++ {
		body := fmt.Sprintf("sentence number %03d %s", i, strings.Repeat("pad ", 10))
		sentences = append(sentences, body[:49]+".")
	}
	prose := strings.Join(sentences, " ")

	repo := newFakeRepo()
	seedKnowledgeBase(repo, 7, 3, prose)
	store := newFakeVectorStore()
	svc := NewIndexingService(IndexingServiceOptions{
		KnowledgeBaseRepo: repo,
		DocumentRepo:      repo,
		Embedders:         NewStaticEmbedderProvider(newFakeEmbedder()),
		VectorStore:       store,
		Chunker:           knowledge.NewChunker(1000, 200),
		BaseIndexName:     "rag-core",
	})

	result, err := svc.IndexKnowledgeBase(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)
	assert.ElementsMatch(t, []string{
		"doc100-chunk-0", "doc100-chunk-1", "doc100-chunk-2", "doc100-chunk-3",
	}, store.storedIDs(result.IndexName))
	assert.Equal(t, 4, repo.memberships[7][0].ChunkCount)

	// 相邻块共享200字符的重叠种子
	chunk0 := store.vectors[result.IndexName]["doc100-chunk-0"].Metadata.Text
	chunk1 := store.vectors[result.IndexName]["doc100-chunk-1"].Metadata.Text
	require.GreaterOrEqual(t, len(chunk0), 200)
	assert.True(t, strings.HasPrefix(chunk1, chunk0[len(chunk0)-200:]))

	// 把落库的向量按序回放为检索结果，验证元数据完整穿过查询侧
	for i := 0; i < 4; i++ {
		v := store.vectors[result.IndexName][fmt.Sprintf("doc100-chunk-%d", i)]
		store.queryResults = append(store.queryResults, knowledge.Match{
			ID:       v.ID,
			Score:    0.9 - float64(i)*0.1,
			Metadata: v.Metadata,
		})
	}

	query := newTestQueryService(repo, store, nil)
	matches, err := query.Retrieve(context.Background(), RetrieveRequest{
		KnowledgeBaseID: 7,
		UserID:          1,
		Query:           "sentence number 000",
	})
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	top := matches[0]
	assert.Equal(t, "doc100-chunk-0", top.ID)
	assert.Equal(t, uint(100), top.Metadata.DocumentID)
	assert.Equal(t, uint(3), top.Metadata.TenantID)
	assert.Contains(t, top.Metadata.Text, "sentence number 000")
	assert.Equal(t, []string{result.IndexName}, store.queryIndexes)
}
