package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-go/internal/errors"
)

// fakeQdrant 模拟Qdrant REST接口，记录收到的请求
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]bool
	upserts     []map[string]interface{}
	searches    []map[string]interface{}
	deletes     []map[string]interface{}
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{collections: make(map[string]bool)}
}

var (
	qdrantCollectionRe = regexp.MustCompile(`^/collections/([^/]+)$`)
	qdrantPointsRe     = regexp.MustCompile(`^/collections/([^/]+)/points$`)
	qdrantSearchRe     = regexp.MustCompile(`^/collections/([^/]+)/points/search$`)
	qdrantDeleteRe     = regexp.MustCompile(`^/collections/([^/]+)/points/delete$`)
)

func (f *fakeQdrant) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		var body map[string]interface{}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		switch {
		case r.URL.Path == "/collections" && r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"result":{"collections":[]}}`))

		case qdrantCollectionRe.MatchString(r.URL.Path):
			name := qdrantCollectionRe.FindStringSubmatch(r.URL.Path)[1]
			switch r.Method {
			case http.MethodGet:
				if f.collections[name] {
					w.WriteHeader(http.StatusOK)
				} else {
					w.WriteHeader(http.StatusNotFound)
				}
			case http.MethodPut:
				f.collections[name] = true
				w.WriteHeader(http.StatusOK)
			case http.MethodDelete:
				if !f.collections[name] {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				delete(f.collections, name)
				w.WriteHeader(http.StatusOK)
			}

		case qdrantPointsRe.MatchString(r.URL.Path) && r.Method == http.MethodPut:
			f.upserts = append(f.upserts, body)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))

		case qdrantSearchRe.MatchString(r.URL.Path) && r.Method == http.MethodPost:
			f.searches = append(f.searches, body)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"result":[
				{"score":0.92,"payload":{"vector_id":"doc1-chunk-0","document_id":1,"chunk_index":0,"user_id":2,"tenant_id":7,"content":"hello","file_name":"a.txt"}},
				{"score":0.41,"payload":{"vector_id":"doc1-chunk-1","document_id":1,"chunk_index":1,"user_id":2,"tenant_id":7,"content":"world","file_name":"a.txt"}}
			]}`))

		case qdrantDeleteRe.MatchString(r.URL.Path) && r.Method == http.MethodPost:
			f.deletes = append(f.deletes, body)
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestQdrantStore(t *testing.T) (*fakeQdrant, VectorStore) {
	t.Helper()
	fake := newFakeQdrant()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	store, err := NewQdrantVectorStore(QdrantOptions{Endpoint: server.URL, UpsertBatch: 2})
	require.NoError(t, err)
	return fake, store
}

func TestQdrantEnsureIndexIdempotent(t *testing.T) {
	fake, store := newTestQdrantStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureIndex(ctx, "kb-index", 4))
	require.NoError(t, store.EnsureIndex(ctx, "kb-index", 4))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, fake.collections["kb-index"])
}

func TestQdrantUpsertSplitsBatches(t *testing.T) {
	fake, store := newTestQdrantStore(t)
	ctx := context.Background()

	vectors := make([]Vector, 5)
	for i := range vectors {
		vectors[i] = Vector{
			ID:        ChunkVectorID(1, i),
			Embedding: []float32{1, 2, 3},
			Metadata:  VectorMetadata{DocumentID: 1, ChunkIndex: i, TenantID: 7},
		}
	}
	require.NoError(t, store.Upsert(ctx, "idx", vectors))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	// 批大小2，5条向量拆成3批
	require.Len(t, fake.upserts, 3)

	points := fake.upserts[0]["points"].([]interface{})
	first := points[0].(map[string]interface{})
	payload := first["payload"].(map[string]interface{})
	assert.Equal(t, "doc1-chunk-0", payload["vector_id"])
	assert.Equal(t, float64(7), payload["tenant_id"])
	// point ID是确定性UUID，不是原始向量ID
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, first["id"])
}

func TestQdrantQueryAppliesFilterBeforeSearch(t *testing.T) {
	fake, store := newTestQdrantStore(t)
	ctx := context.Background()

	matches, err := store.Query(ctx, "idx", []float32{1, 2, 3}, 5,
		Filter{TenantID: 7, DocumentID: 1}, true)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "doc1-chunk-0", matches[0].ID)
	assert.Equal(t, "hello", matches[0].Metadata.Text)
	assert.Equal(t, uint(7), matches[0].Metadata.TenantID)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.searches, 1)
	filter := fake.searches[0]["filter"].(map[string]interface{})
	must := filter["must"].([]interface{})
	assert.Len(t, must, 2)
}

func TestQdrantQueryWithoutMetadata(t *testing.T) {
	_, store := newTestQdrantStore(t)

	matches, err := store.Query(context.Background(), "idx", []float32{1}, 5, Filter{TenantID: 7}, false)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Empty(t, matches[0].Metadata.Text)
}

func TestQdrantDeleteVectorsRejectsEmptyFilter(t *testing.T) {
	_, store := newTestQdrantStore(t)

	err := store.DeleteVectors(context.Background(), "idx", Filter{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestQdrantDeleteIndexMissingIsNoError(t *testing.T) {
	_, store := newTestQdrantStore(t)
	assert.NoError(t, store.DeleteIndex(context.Background(), "never-created"))
}

func TestQdrantPointIDDeterministic(t *testing.T) {
	a := qdrantPointID("doc1-chunk-0")
	b := qdrantPointID("doc1-chunk-0")
	c := qdrantPointID("doc1-chunk-1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
