package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchIndexer 基于ES的全文分块镜像
type ElasticsearchIndexer struct {
	client     *elasticsearch.Client
	indexCache map[string]bool
	mu         sync.Mutex
}

// NewElasticsearchIndexer 创建ES索引器，未配置地址时返回占位实现
func NewElasticsearchIndexer(addresses []string, username, password, apiKey string) (FulltextIndexer, error) {
	if len(addresses) == 0 {
		return &NoopFulltextIndexer{}, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
		APIKey:    apiKey,
	})
	if err != nil {
		return nil, err
	}

	return &ElasticsearchIndexer{
		client:     client,
		indexCache: make(map[string]bool),
	}, nil
}

// esIndexName ES索引名必须小写
func esIndexName(indexName string) string {
	return strings.ToLower(indexName)
}

// esChunkID 分块在ES中的文档ID，与向量ID保持一致以便对账
func esChunkID(documentID uint, chunkIndex int) string {
	return ChunkVectorID(documentID, chunkIndex)
}

func (e *ElasticsearchIndexer) ensureIndex(ctx context.Context, name string) error {
	e.mu.Lock()
	if e.indexCache[name] {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	existsReq := esapi.IndicesExistsRequest{Index: []string{name}}
	resp, err := existsReq.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 200 {
		e.mu.Lock()
		e.indexCache[name] = true
		e.mu.Unlock()
		return nil
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"document_id": map[string]interface{}{"type": "keyword"},
				"tenant_id":   map[string]interface{}{"type": "keyword"},
				"chunk_index": map[string]interface{}{"type": "integer"},
				"content": map[string]interface{}{
					"type":          "text",
					"index_options": "offsets",
				},
				"file_name":  map[string]interface{}{"type": "keyword"},
				"created_at": map[string]interface{}{"type": "date"},
			},
		},
	}

	body, _ := json.Marshal(mapping)
	createReq := esapi.IndicesCreateRequest{
		Index: name,
		Body:  bytes.NewReader(body),
	}
	createResp, err := createReq.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer createResp.Body.Close()

	if createResp.IsError() {
		return fmt.Errorf("create index error: %s", createResp.String())
	}

	e.mu.Lock()
	e.indexCache[name] = true
	e.mu.Unlock()
	return nil
}

func (e *ElasticsearchIndexer) IndexChunks(ctx context.Context, indexName string, chunks []FulltextChunk) error {
	if e.client == nil || len(chunks) == 0 {
		return nil
	}

	name := esIndexName(indexName)
	if err := e.ensureIndex(ctx, name); err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, chunk := range chunks {
		meta := map[string]interface{}{
			"index": map[string]interface{}{
				"_index": name,
				"_id":    esChunkID(chunk.DocumentID, chunk.ChunkIndex),
			},
		}
		metaLine, _ := json.Marshal(meta)
		docLine, _ := json.Marshal(map[string]interface{}{
			"document_id": chunk.DocumentID,
			"tenant_id":   chunk.TenantID,
			"chunk_index": chunk.ChunkIndex,
			"content":     chunk.Content,
			"file_name":   chunk.FileName,
			"created_at":  chunk.CreatedAt,
		})
		buf.Write(metaLine)
		buf.WriteByte('\n')
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	bulkReq := esapi.BulkRequest{Body: bytes.NewReader(buf.Bytes()), Refresh: "true"}
	resp, err := bulkReq.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("bulk index error: %s", resp.String())
	}
	return nil
}

func (e *ElasticsearchIndexer) RemoveDocument(ctx context.Context, indexName string, documentID uint) error {
	if e.client == nil {
		return nil
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"document_id": documentID,
			},
		},
	}

	body, _ := json.Marshal(query)
	req := esapi.DeleteByQueryRequest{
		Index: []string{esIndexName(indexName)},
		Body:  bytes.NewReader(body),
	}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 索引不存在视为已删除
	if resp.StatusCode == 404 {
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("delete document error: %s", resp.String())
	}
	return nil
}

func (e *ElasticsearchIndexer) Search(ctx context.Context, req FulltextSearchRequest) ([]FulltextMatch, error) {
	if e.client == nil {
		return nil, nil
	}
	if req.Limit == 0 {
		req.Limit = 10
	}

	name := esIndexName(req.IndexName)
	if err := e.ensureIndex(ctx, name); err != nil {
		return nil, err
	}

	// match_phrase优先，match作为降级
	boolQuery := map[string]interface{}{
		"must": []interface{}{
			map[string]interface{}{
				"term": map[string]interface{}{
					"tenant_id": req.TenantID,
				},
			},
		},
		"should": []interface{}{
			map[string]interface{}{
				"match_phrase": map[string]interface{}{
					"content": map[string]interface{}{
						"query": req.Query,
						"boost": 3.0,
					},
				},
			},
			map[string]interface{}{
				"match": map[string]interface{}{
					"content": map[string]interface{}{
						"query":                req.Query,
						"operator":             "and",
						"minimum_should_match": "70%",
						"boost":                1.0,
					},
				},
			},
		},
		"minimum_should_match": 1,
	}

	body := map[string]interface{}{
		"size":  req.Limit,
		"query": map[string]interface{}{"bool": boolQuery},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{
				"content": map[string]interface{}{
					"fragment_size":       150,
					"number_of_fragments": 1,
					"pre_tags":            []string{"<mark>"},
					"post_tags":           []string{"</mark>"},
				},
			},
		},
	}

	payload, _ := json.Marshal(body)
	searchReq := esapi.SearchRequest{
		Index: []string{name},
		Body:  bytes.NewReader(payload),
	}
	resp, err := searchReq.Do(ctx, e.client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("search error: %s", resp.String())
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	rawHits, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, nil
	}

	matches := make([]FulltextMatch, 0, len(rawHits))
	for _, raw := range rawHits {
		hit, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		score, _ := hit["_score"].(float64)
		source, _ := hit["_source"].(map[string]interface{})

		m := FulltextMatch{Score: score}
		if source != nil {
			if content, ok := source["content"].(string); ok {
				m.Content = content
			}
			m.DocumentID = uint(parseUint(fmt.Sprintf("%v", source["document_id"])))
			if idx, ok := source["chunk_index"].(float64); ok {
				m.ChunkIndex = int(idx)
			}
		}
		if hmap, ok := hit["highlight"].(map[string]interface{}); ok {
			if arr, ok := hmap["content"].([]interface{}); ok && len(arr) > 0 {
				m.Highlight = fmt.Sprintf("%v", arr[0])
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (e *ElasticsearchIndexer) Ready() bool {
	return e.client != nil
}

func parseUint(value string) uint64 {
	id, _ := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	return id
}
