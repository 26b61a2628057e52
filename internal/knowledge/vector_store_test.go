package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkVectorIDDeterministic(t *testing.T) {
	assert.Equal(t, "doc42-chunk-0", ChunkVectorID(42, 0))
	assert.Equal(t, "doc42-chunk-3", ChunkVectorID(42, 3))
	assert.Equal(t, ChunkVectorID(7, 1), ChunkVectorID(7, 1))
}

func TestTenantIndexName(t *testing.T) {
	assert.Equal(t, "rag-core-tenant12", TenantIndexName("rag-core", 12))
}

func TestSanitizeCollectionName(t *testing.T) {
	assert.Equal(t, "rag_core_tenant12", sanitizeCollectionName("rag-core-tenant12"))
	assert.Equal(t, "plain", sanitizeCollectionName("plain"))
}

func TestBuildFilterExpr(t *testing.T) {
	assert.Equal(t, "", buildFilterExpr(Filter{}))
	assert.Equal(t, "tenant_id == 9", buildFilterExpr(Filter{TenantID: 9}))
	assert.Equal(t, "tenant_id == 9 && document_id == 42",
		buildFilterExpr(Filter{TenantID: 9, DocumentID: 42}))
	assert.Equal(t, "tenant_id == 9 && document_id == 42 && user_id == 3",
		buildFilterExpr(Filter{TenantID: 9, DocumentID: 42, UserID: 3}))
}

func TestSplitVectorBatches(t *testing.T) {
	vectors := make([]Vector, 250)
	for i := range vectors {
		vectors[i].ID = ChunkVectorID(1, i)
	}

	batches := splitVectorBatches(vectors, 100)
	assert.Len(t, batches, 3)
	assert.Len(t, batches[0], 100)
	assert.Len(t, batches[1], 100)
	assert.Len(t, batches[2], 50)
	assert.Equal(t, "doc1-chunk-200", batches[2][0].ID)

	assert.Nil(t, splitVectorBatches(nil, 100))

	exact := splitVectorBatches(vectors[:200], 100)
	assert.Len(t, exact, 2)
	assert.Len(t, exact[1], 100)
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{1, 0}
	c := []float32{0, 1}

	assert.InDelta(t, 1.0, cosineSimilarity(a, b, vectorNorm(a)), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity(a, c, vectorNorm(a)), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity(a, nil, vectorNorm(a)))

	// 维度不一致不按前缀比较，直接记0分
	d := []float32{1, 0, 0}
	assert.Equal(t, 0.0, cosineSimilarity(a, d, vectorNorm(a)))
	assert.Equal(t, 0.0, cosineSimilarity(d, a, vectorNorm(d)))
}

func TestSortMatchesByScore(t *testing.T) {
	matches := []Match{
		{ID: "low", Score: 0.1},
		{ID: "high", Score: 0.9},
		{ID: "mid", Score: 0.5},
	}
	sortMatchesByScore(matches)
	assert.Equal(t, []string{"high", "mid", "low"},
		[]string{matches[0].ID, matches[1].ID, matches[2].ID})
}
