package knowledge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFulltext 返回预设命中的全文索引
type fakeFulltext struct {
	matches  []FulltextMatch
	err      error
	requests []FulltextSearchRequest
}

func (f *fakeFulltext) IndexChunks(ctx context.Context, indexName string, chunks []FulltextChunk) error {
	return nil
}

func (f *fakeFulltext) RemoveDocument(ctx context.Context, indexName string, documentID uint) error {
	return nil
}

func (f *fakeFulltext) Search(ctx context.Context, req FulltextSearchRequest) ([]FulltextMatch, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func (f *fakeFulltext) Ready() bool { return true }

func vectorMatch(docID uint, chunkIdx int, score float64) Match {
	return Match{
		ID:    ChunkVectorID(docID, chunkIdx),
		Score: score,
		Metadata: VectorMetadata{
			DocumentID: docID,
			ChunkIndex: chunkIdx,
			Text:       "vector text",
		},
	}
}

func TestBlendBoostsChunksFoundByBothPaths(t *testing.T) {
	fulltext := &fakeFulltext{
		matches: []FulltextMatch{
			{DocumentID: 1, ChunkIndex: 0, Content: "shared", Score: 8.0},
			{DocumentID: 3, ChunkIndex: 2, Content: "fulltext only", Score: 4.0},
		},
	}
	h := NewHybridSearcher(fulltext)

	vectors := []Match{
		vectorMatch(1, 0, 0.9),
		vectorMatch(2, 1, 0.8),
	}
	results := h.Blend(context.Background(), "kb-index", 7, "how does vacation accrual work over multiple years", vectors, 10)

	require.NotEmpty(t, results)
	// 双路都命中的分块得分最高
	assert.Equal(t, ChunkVectorID(1, 0), results[0].ID)

	ids := make(map[string]bool)
	for _, m := range results {
		ids[m.ID] = true
	}
	assert.True(t, ids[ChunkVectorID(2, 1)])
	assert.True(t, ids[ChunkVectorID(3, 2)])

	// 租户过滤透传到全文检索
	require.Len(t, fulltext.requests, 1)
	assert.Equal(t, uint(7), fulltext.requests[0].TenantID)
	assert.Equal(t, "kb-index", fulltext.requests[0].IndexName)
}

func TestBlendFulltextOnlyHitCarriesContent(t *testing.T) {
	fulltext := &fakeFulltext{
		matches: []FulltextMatch{
			{DocumentID: 5, ChunkIndex: 3, Content: "only in fulltext", Score: 2.0},
		},
	}
	h := NewHybridSearcher(fulltext)

	results := h.Blend(context.Background(), "idx", 9, "a much longer natural language question here", nil, 10)
	require.Len(t, results, 1)
	assert.Equal(t, ChunkVectorID(5, 3), results[0].ID)
	assert.Equal(t, "only in fulltext", results[0].Metadata.Text)
	assert.Equal(t, uint(9), results[0].Metadata.TenantID)
}

func TestBlendFallsBackOnFulltextError(t *testing.T) {
	fulltext := &fakeFulltext{err: errors.New("es unavailable")}
	h := NewHybridSearcher(fulltext)

	vectors := []Match{vectorMatch(1, 0, 0.9), vectorMatch(2, 0, 0.5)}
	results := h.Blend(context.Background(), "idx", 1, "anything goes here today", vectors, 10)
	assert.Equal(t, vectors, results)
}

func TestBlendNoopIndexerReturnsVectorResults(t *testing.T) {
	h := NewHybridSearcher(&NoopFulltextIndexer{})

	vectors := []Match{vectorMatch(1, 0, 0.9)}
	results := h.Blend(context.Background(), "idx", 1, "query", vectors, 10)
	assert.Equal(t, vectors, results)
}

func TestBlendRespectsLimit(t *testing.T) {
	fulltext := &fakeFulltext{
		matches: []FulltextMatch{
			{DocumentID: 10, ChunkIndex: 0, Content: "a", Score: 3.0},
			{DocumentID: 11, ChunkIndex: 0, Content: "b", Score: 2.0},
		},
	}
	h := NewHybridSearcher(fulltext)

	vectors := []Match{vectorMatch(1, 0, 0.9), vectorMatch(2, 0, 0.8)}
	results := h.Blend(context.Background(), "idx", 1, "what is the expense reporting process for travel", vectors, 2)
	assert.Len(t, results, 2)
}

func TestKeywordLike(t *testing.T) {
	assert.True(t, keywordLike("报销流程"))
	assert.True(t, keywordLike("vpn setup"))
	assert.True(t, keywordLike("kubernetes ingress timeout"))
	assert.False(t, keywordLike("how do I submit an expense report for a business trip"))
	assert.False(t, keywordLike("what is this?"))
	assert.False(t, keywordLike(""))
}
