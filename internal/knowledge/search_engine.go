package knowledge

import (
	"context"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/aihub/rag-go/internal/logger"
)

// HybridSearcher 将向量召回与全文召回按权重融合。
// 全文检索失败时退回纯向量结果，不影响主链路。
type HybridSearcher struct {
	fulltext       FulltextIndexer
	vectorWeight   float64
	fulltextWeight float64
}

// NewHybridSearcher 创建融合检索器
func NewHybridSearcher(fulltext FulltextIndexer) *HybridSearcher {
	return &HybridSearcher{
		fulltext:       fulltext,
		vectorWeight:   0.7,
		fulltextWeight: 0.3,
	}
}

// SetWeights 调整融合权重，两者之和不要求为1
func (h *HybridSearcher) SetWeights(vectorWeight, fulltextWeight float64) {
	if vectorWeight > 0 {
		h.vectorWeight = vectorWeight
	}
	if fulltextWeight > 0 {
		h.fulltextWeight = fulltextWeight
	}
}

// keywordLike 判断查询更像关键词而非自然语句。
// 短查询走精确匹配更可靠，给全文召回更高权重。
func keywordLike(query string) bool {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if unicode.IsPunct(r) && r != '-' && r != '_' {
			return false
		}
	}
	if len([]rune(trimmed)) <= 8 {
		return true
	}
	return len(strings.Fields(trimmed)) <= 3
}

// Blend 融合两路召回，返回至多limit条按融合分数降序的结果
func (h *HybridSearcher) Blend(ctx context.Context, indexName string, tenantID uint, query string, vectorMatches []Match, limit int) []Match {
	if limit <= 0 {
		limit = len(vectorMatches)
	}
	if h.fulltext == nil || !h.fulltext.Ready() {
		return truncateMatches(vectorMatches, limit)
	}

	fullMatches, err := h.fulltext.Search(ctx, FulltextSearchRequest{
		IndexName: indexName,
		TenantID:  tenantID,
		Query:     query,
		Limit:     limit,
	})
	if err != nil {
		logger.Warn("fulltext search failed, falling back to vector results",
			zap.String("index", indexName), zap.Error(err))
		return truncateMatches(vectorMatches, limit)
	}
	if len(fullMatches) == 0 {
		return truncateMatches(vectorMatches, limit)
	}

	vectorWeight, fulltextWeight := h.vectorWeight, h.fulltextWeight
	if keywordLike(query) {
		vectorWeight, fulltextWeight = fulltextWeight, vectorWeight
	}

	merged := make(map[string]*Match, len(vectorMatches)+len(fullMatches))
	order := make([]string, 0, len(vectorMatches)+len(fullMatches))

	maxVector := maxMatchScore(vectorMatches)
	for _, m := range vectorMatches {
		entry := m
		entry.Score = vectorWeight * normalizeScore(m.Score, maxVector)
		merged[m.ID] = &entry
		order = append(order, m.ID)
	}

	maxFulltext := 0.0
	for _, m := range fullMatches {
		if m.Score > maxFulltext {
			maxFulltext = m.Score
		}
	}
	for _, m := range fullMatches {
		id := ChunkVectorID(m.DocumentID, m.ChunkIndex)
		score := fulltextWeight * normalizeScore(m.Score, maxFulltext)
		if existing, ok := merged[id]; ok {
			existing.Score += score
			continue
		}
		merged[id] = &Match{
			ID:    id,
			Score: score,
			Metadata: VectorMetadata{
				DocumentID: m.DocumentID,
				ChunkIndex: m.ChunkIndex,
				Text:       m.Content,
				TenantID:   tenantID,
			},
		}
		order = append(order, id)
	}

	results := make([]Match, 0, len(merged))
	for _, id := range order {
		results = append(results, *merged[id])
	}
	sortMatchesByScore(results)
	return truncateMatches(results, limit)
}

func normalizeScore(score, maxScore float64) float64 {
	if maxScore <= 0 {
		return 0
	}
	return score / maxScore
}

func maxMatchScore(matches []Match) float64 {
	max := 0.0
	for _, m := range matches {
		if m.Score > max {
			max = m.Score
		}
	}
	return max
}

func truncateMatches(matches []Match, limit int) []Match {
	if limit > 0 && len(matches) > limit {
		return matches[:limit]
	}
	return matches
}
