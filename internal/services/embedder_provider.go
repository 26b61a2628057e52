package services

import (
	"context"
	"sync"
	"time"

	"github.com/aihub/rag-go/internal/config"
	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/secrets"
)

// EmbedderProvider 按租户解析embedding客户端
type EmbedderProvider interface {
	ForTenant(ctx context.Context, tenantID uint) (knowledge.Embedder, error)
}

// StaticEmbedderProvider 所有租户共用同一个客户端
type StaticEmbedderProvider struct {
	embedder knowledge.Embedder
}

func NewStaticEmbedderProvider(embedder knowledge.Embedder) *StaticEmbedderProvider {
	return &StaticEmbedderProvider{embedder: embedder}
}

func (p *StaticEmbedderProvider) ForTenant(ctx context.Context, tenantID uint) (knowledge.Embedder, error) {
	return p.embedder, nil
}

// TenantEmbedderProvider 优先使用租户自有密钥，未配置时退回全局密钥。
// 客户端按租户缓存，密钥轮换后需重启进程生效。
type TenantEmbedderProvider struct {
	store    *secrets.Store
	cfg      config.EmbeddingConfig
	fallback knowledge.Embedder

	mu    sync.RWMutex
	cache map[uint]knowledge.Embedder
}

func NewTenantEmbedderProvider(store *secrets.Store, cfg config.EmbeddingConfig) *TenantEmbedderProvider {
	return &TenantEmbedderProvider{
		store:    store,
		cfg:      cfg,
		fallback: newEmbedderFromConfig(cfg, cfg.APIKey),
		cache:    make(map[uint]knowledge.Embedder),
	}
}

func newEmbedderFromConfig(cfg config.EmbeddingConfig, apiKey string) knowledge.Embedder {
	return knowledge.NewOpenAIEmbedder(knowledge.OpenAIOptions{
		APIKey:            apiKey,
		BaseURL:           cfg.BaseURL,
		Model:             cfg.Model,
		MaxBatchSize:      cfg.MaxBatchSize,
		MaxAttempts:       cfg.MaxAttempts,
		BaseRetryDelay:    time.Duration(cfg.RetryBaseMS) * time.Millisecond,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
}

func (p *TenantEmbedderProvider) ForTenant(ctx context.Context, tenantID uint) (knowledge.Embedder, error) {
	p.mu.RLock()
	cached, ok := p.cache[tenantID]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	apiKey, err := p.store.GetCredential(ctx, tenantID, "openai")
	if apperrors.IsNotFound(err) {
		return p.fallbackOrError()
	}
	if err != nil {
		return nil, err
	}

	embedder := newEmbedderFromConfig(p.cfg, apiKey)
	p.mu.Lock()
	p.cache[tenantID] = embedder
	p.mu.Unlock()
	return embedder, nil
}

func (p *TenantEmbedderProvider) fallbackOrError() (knowledge.Embedder, error) {
	if p.fallback != nil && p.fallback.Ready() {
		return p.fallback, nil
	}
	return nil, apperrors.NewConfigurationError("no embedding credential available")
}
