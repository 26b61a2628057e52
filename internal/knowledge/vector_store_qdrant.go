package knowledge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/metrics"
)

// QdrantOptions Qdrant客户端配置
type QdrantOptions struct {
	Endpoint    string
	APIKey      string
	Distance    string
	UseTLS      bool
	Timeout     time.Duration
	UpsertBatch int
}

type qdrantVectorStore struct {
	client      *http.Client
	endpoint    string
	apiKey      string
	distance    string
	upsertBatch int
}

// NewQdrantVectorStore 创建基于REST接口的Qdrant向量存储
func NewQdrantVectorStore(opts QdrantOptions) (VectorStore, error) {
	scheme := "http"
	if opts.UseTLS {
		scheme = "https"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("%s://localhost:6333", scheme)
	}
	if !strings.HasPrefix(opts.Endpoint, "http") {
		opts.Endpoint = fmt.Sprintf("%s://%s", scheme, opts.Endpoint)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if opts.UpsertBatch <= 0 {
		opts.UpsertBatch = defaultUpsertBatch
	}

	return &qdrantVectorStore{
		client:      &http.Client{Timeout: timeout},
		endpoint:    strings.TrimSuffix(opts.Endpoint, "/"),
		apiKey:      opts.APIKey,
		distance:    formatQdrantDistance(opts.Distance),
		upsertBatch: opts.UpsertBatch,
	}, nil
}

func formatQdrantDistance(value string) string {
	switch strings.ToLower(value) {
	case "dot", "dotproduct", "ip":
		return "Dot"
	case "euclid", "l2":
		return "Euclid"
	default:
		return "Cosine"
	}
}

// qdrantPointID Qdrant只接受整数或UUID作为point ID，
// 这里用向量ID的哈希构造确定性UUID，原始ID保存在payload里。
func qdrantPointID(vectorID string) string {
	sum := sha256.Sum256([]byte(vectorID))
	return fmt.Sprintf("%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16])
}

func (s *qdrantVectorStore) EnsureIndex(ctx context.Context, indexName string, dimensions int) error {
	if dimensions <= 0 {
		return apperrors.NewValidationError("dimensions must be positive")
	}

	resp, err := s.doRequest(ctx, http.MethodGet, "/collections/"+indexName, nil)
	if err == nil && resp.StatusCode == http.StatusOK {
		drainBody(resp)
		return nil
	}
	if resp != nil {
		drainBody(resp)
	}
	if err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to check collection").WithCause(err)
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dimensions,
			"distance": s.distance,
		},
	}
	resp, err = s.doRequest(ctx, http.MethodPut, "/collections/"+indexName, body)
	if err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to create collection").WithCause(err)
	}
	defer drainBody(resp)

	// 并发创建时另一方可能已建好，冲突视为成功
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		raw, _ := io.ReadAll(resp.Body)
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore,
			fmt.Sprintf("create collection %s failed: %s %s", indexName, resp.Status, string(raw)))
	}
	return nil
}

func (s *qdrantVectorStore) Upsert(ctx context.Context, indexName string, vectors []Vector) error {
	for batchIdx, batch := range splitVectorBatches(vectors, s.upsertBatch) {
		if err := ctx.Err(); err != nil {
			return err
		}

		points := make([]map[string]interface{}, 0, len(batch))
		for _, v := range batch {
			if len(v.Embedding) == 0 {
				return apperrors.NewValidationError(fmt.Sprintf("vector %s has empty embedding", v.ID))
			}
			points = append(points, map[string]interface{}{
				"id":     qdrantPointID(v.ID),
				"vector": v.Embedding,
				"payload": map[string]interface{}{
					"vector_id":   v.ID,
					"document_id": v.Metadata.DocumentID,
					"chunk_index": v.Metadata.ChunkIndex,
					"user_id":     v.Metadata.UserID,
					"tenant_id":   v.Metadata.TenantID,
					"content":     v.Metadata.Text,
					"file_name":   v.Metadata.FileName,
				},
			})
		}

		resp, err := s.doRequest(ctx, http.MethodPut,
			fmt.Sprintf("/collections/%s/points?wait=true", indexName),
			map[string]interface{}{"points": points})
		if err != nil {
			return apperrors.NewProviderError(apperrors.ErrCodeVectorStore,
				fmt.Sprintf("qdrant upsert failed at batch %d", batchIdx)).WithCause(err)
		}
		status := resp.StatusCode
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if status >= 300 {
			return apperrors.NewProviderError(apperrors.ErrCodeVectorStore,
				fmt.Sprintf("qdrant upsert failed at batch %d: %s", batchIdx, string(raw)))
		}
		metrics.VectorsUpserted.Add(float64(len(batch)))
	}
	return nil
}

func qdrantFilter(filter Filter) map[string]interface{} {
	if filter.IsZero() {
		return nil
	}
	var must []map[string]interface{}
	if filter.TenantID != 0 {
		must = append(must, map[string]interface{}{
			"key": "tenant_id", "match": map[string]interface{}{"value": filter.TenantID},
		})
	}
	if filter.DocumentID != 0 {
		must = append(must, map[string]interface{}{
			"key": "document_id", "match": map[string]interface{}{"value": filter.DocumentID},
		})
	}
	if filter.UserID != 0 {
		must = append(must, map[string]interface{}{
			"key": "user_id", "match": map[string]interface{}{"value": filter.UserID},
		})
	}
	return map[string]interface{}{"must": must}
}

func (s *qdrantVectorStore) Query(ctx context.Context, indexName string, embedding []float32, topK int, filter Filter, includeMetadata bool) ([]Match, error) {
	if len(embedding) == 0 {
		return nil, apperrors.NewEmptyInputError("query embedding is empty")
	}
	if topK <= 0 {
		topK = 10
	}

	body := map[string]interface{}{
		"vector":       embedding,
		"limit":        topK,
		"with_payload": includeMetadata,
		"with_vectors": false,
	}
	// 过滤在向量排序之前生效
	if f := qdrantFilter(filter); f != nil {
		body["filter"] = f
	}

	resp, err := s.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/search", indexName), body)
	if err != nil {
		return nil, apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "qdrant search failed").WithCause(err)
	}
	defer drainBody(resp)

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, apperrors.NewProviderError(apperrors.ErrCodeVectorStore,
			fmt.Sprintf("qdrant search failed: %s %s", resp.Status, string(raw)))
	}

	var searchResp struct {
		Result []struct {
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to decode search response").WithCause(err)
	}

	matches := make([]Match, 0, len(searchResp.Result))
	for _, item := range searchResp.Result {
		match := Match{Score: item.Score}
		if id, ok := item.Payload["vector_id"].(string); ok {
			match.ID = id
		}
		if includeMetadata {
			match.Metadata = VectorMetadata{
				DocumentID: uint(payloadNumber(item.Payload["document_id"])),
				ChunkIndex: int(payloadNumber(item.Payload["chunk_index"])),
				UserID:     uint(payloadNumber(item.Payload["user_id"])),
				TenantID:   uint(payloadNumber(item.Payload["tenant_id"])),
			}
			if text, ok := item.Payload["content"].(string); ok {
				match.Metadata.Text = text
			}
			if name, ok := item.Payload["file_name"].(string); ok {
				match.Metadata.FileName = name
			}
		}
		matches = append(matches, match)
	}
	return matches, nil
}

func payloadNumber(val interface{}) uint64 {
	switch v := val.(type) {
	case float64:
		return uint64(v)
	case json.Number:
		n, _ := v.Int64()
		return uint64(n)
	case string:
		var out uint64
		fmt.Sscanf(v, "%d", &out)
		return out
	default:
		return 0
	}
}

func (s *qdrantVectorStore) DeleteVectors(ctx context.Context, indexName string, filter Filter) error {
	if filter.IsZero() {
		return apperrors.NewValidationError("refusing to delete with empty filter")
	}

	body := map[string]interface{}{"filter": qdrantFilter(filter)}
	resp, err := s.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/delete?wait=true", indexName), body)
	if err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "qdrant delete failed").WithCause(err)
	}
	defer drainBody(resp)

	// 集合不存在视为已删除
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore,
			fmt.Sprintf("qdrant delete failed: %s %s", resp.Status, string(raw)))
	}
	return nil
}

func (s *qdrantVectorStore) DeleteIndex(ctx context.Context, indexName string) error {
	resp, err := s.doRequest(ctx, http.MethodDelete, "/collections/"+indexName, nil)
	if err != nil {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore, "failed to drop collection").WithCause(err)
	}
	defer drainBody(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 300 {
		return apperrors.NewProviderError(apperrors.ErrCodeVectorStore,
			fmt.Sprintf("failed to drop collection %s: %s", indexName, resp.Status))
	}
	return nil
}

func (s *qdrantVectorStore) Ready() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := s.doRequest(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return false
	}
	drainBody(resp)
	return resp.StatusCode == http.StatusOK
}

func (s *qdrantVectorStore) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	return s.client.Do(req)
}

func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
