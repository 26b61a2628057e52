package services

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/models"
)

// fakeRepo 内存版仓库，覆盖编排器用到的全部方法
type fakeRepo struct {
	mu            sync.Mutex
	kbs           map[uint]*models.KnowledgeBase
	docs          map[uint]*models.Document
	memberships   map[uint][]models.KnowledgeBaseDocument
	searches      []models.SearchRecord
	assignedCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		kbs:         make(map[uint]*models.KnowledgeBase),
		docs:        make(map[uint]*models.Document),
		memberships: make(map[uint][]models.KnowledgeBaseDocument),
	}
}

func (r *fakeRepo) GetKnowledgeBase(ctx context.Context, kbID uint) (*models.KnowledgeBase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kb, ok := r.kbs[kbID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("knowledge base %d not found", kbID))
	}
	copied := *kb
	return &copied, nil
}

func (r *fakeRepo) AssignIndexName(ctx context.Context, kbID uint, baseName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kb, ok := r.kbs[kbID]
	if !ok {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("knowledge base %d not found", kbID))
	}
	r.assignedCalls++
	if kb.IndexName == "" {
		kb.IndexName = fmt.Sprintf("%s-group-%d-fixed", baseName, kbID)
	}
	return kb.IndexName, nil
}

func (r *fakeRepo) ListMemberships(ctx context.Context, kbID uint) ([]models.KnowledgeBaseDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.KnowledgeBaseDocument, len(r.memberships[kbID]))
	copy(out, r.memberships[kbID])
	return out, nil
}

func (r *fakeRepo) MarkIndexed(ctx context.Context, membershipID uint, chunkCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kbID, list := range r.memberships {
		for i := range list {
			if list[i].ID == membershipID {
				list[i].IsIndexed = true
				list[i].ChunkCount = chunkCount
				list[i].LastError = ""
				r.memberships[kbID] = list
				return nil
			}
		}
	}
	return apperrors.NewNotFoundError("membership not found")
}

func (r *fakeRepo) MarkFailed(ctx context.Context, membershipID uint, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kbID, list := range r.memberships {
		for i := range list {
			if list[i].ID == membershipID {
				list[i].IsIndexed = false
				list[i].LastError = reason
				r.memberships[kbID] = list
				return nil
			}
		}
	}
	return apperrors.NewNotFoundError("membership not found")
}

func (r *fakeRepo) DeleteKnowledgeBase(ctx context.Context, kbID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.kbs, kbID)
	delete(r.memberships, kbID)
	return nil
}

func (r *fakeRepo) GetDocument(ctx context.Context, documentID uint) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[documentID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("document %d not found", documentID))
	}
	copied := *doc
	return &copied, nil
}

func (r *fakeRepo) SaveSearch(ctx context.Context, record *models.SearchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searches = append(r.searches, *record)
	return nil
}

func (r *fakeRepo) membership(kbID uint, membershipID uint) *models.KnowledgeBaseDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.memberships[kbID] {
		if r.memberships[kbID][i].ID == membershipID {
			m := r.memberships[kbID][i]
			return &m
		}
	}
	return nil
}

// fakeEmbedder 确定性向量，可按文本内容注入失败
type fakeEmbedder struct {
	mu         sync.Mutex
	calls      int
	batchCalls int
	failOn     string
	failErr    error
	dims       int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{dims: 4}
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batchCalls++
	e.calls += len(texts)
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if e.failOn != "" && text == e.failOn {
			if e.failErr != nil {
				return nil, e.failErr
			}
			return nil, apperrors.NewRateLimitedError("embedding rate limited after 5 attempts")
		}
		out[i] = []float32{float32(len(text)), float32(i), 1, 0}
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int { return e.dims }
func (e *fakeEmbedder) Ready() bool     { return true }

// fakeVectorStore 内存向量存储，记录调用以便断言
type fakeVectorStore struct {
	mu             sync.Mutex
	ensureCalls    []string
	upsertBatches  [][]knowledge.Vector
	vectors        map[string]map[string]knowledge.Vector // indexName -> id -> vector
	queryFilters   []knowledge.Filter
	queryIndexes   []string
	queryResults   []knowledge.Match
	deletedFilters []knowledge.Filter
	droppedIndexes []string
	ensureErr      error
	upsertErr      error
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{vectors: make(map[string]map[string]knowledge.Vector)}
}

func (s *fakeVectorStore) EnsureIndex(ctx context.Context, indexName string, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCalls = append(s.ensureCalls, indexName)
	if s.ensureErr != nil {
		return s.ensureErr
	}
	if s.vectors[indexName] == nil {
		s.vectors[indexName] = make(map[string]knowledge.Vector)
	}
	return nil
}

func (s *fakeVectorStore) Upsert(ctx context.Context, indexName string, vectors []knowledge.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if s.vectors[indexName] == nil {
		s.vectors[indexName] = make(map[string]knowledge.Vector)
	}
	batch := make([]knowledge.Vector, len(vectors))
	copy(batch, vectors)
	s.upsertBatches = append(s.upsertBatches, batch)
	for _, v := range vectors {
		s.vectors[indexName][v.ID] = v
	}
	return nil
}

func (s *fakeVectorStore) Query(ctx context.Context, indexName string, embedding []float32, topK int, filter knowledge.Filter, includeMetadata bool) ([]knowledge.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryIndexes = append(s.queryIndexes, indexName)
	s.queryFilters = append(s.queryFilters, filter)
	if len(s.queryResults) > topK {
		return s.queryResults[:topK], nil
	}
	return s.queryResults, nil
}

func (s *fakeVectorStore) DeleteVectors(ctx context.Context, indexName string, filter knowledge.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedFilters = append(s.deletedFilters, filter)
	for id, v := range s.vectors[indexName] {
		if filter.DocumentID != 0 && v.Metadata.DocumentID == filter.DocumentID {
			delete(s.vectors[indexName], id)
		}
	}
	return nil
}

func (s *fakeVectorStore) DeleteIndex(ctx context.Context, indexName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedIndexes = append(s.droppedIndexes, indexName)
	delete(s.vectors, indexName)
	return nil
}

func (s *fakeVectorStore) Ready() bool { return true }

func (s *fakeVectorStore) storedIDs(indexName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.vectors[indexName]))
	for id := range s.vectors[indexName] {
		ids = append(ids, id)
	}
	return ids
}

// fakeChat 记录是否被调用
type fakeChat struct {
	mu     sync.Mutex
	calls  int
	answer string
	err    error
}

func (c *fakeChat) Complete(ctx context.Context, question string, contexts []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if c.answer == "" {
		return "generated answer", nil
	}
	return c.answer, nil
}

func (c *fakeChat) Ready() bool { return true }

// recordingSink 按文档记录状态序列和详情
type recordingSink struct {
	mu      sync.Mutex
	events  map[uint][]DocumentStatus
	details map[uint][]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		events:  make(map[uint][]DocumentStatus),
		details: make(map[uint][]string),
	}
}

func (s *recordingSink) Report(ctx context.Context, documentID uint, status DocumentStatus, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[documentID] = append(s.events[documentID], status)
	s.details[documentID] = append(s.details[documentID], detail)
}

func (s *recordingSink) statuses(documentID uint) []DocumentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DocumentStatus(nil), s.events[documentID]...)
}

func (s *recordingSink) detailsFor(documentID uint) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.details[documentID]...)
}
