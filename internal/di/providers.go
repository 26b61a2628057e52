package di

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aihub/rag-go/internal/config"
	"github.com/aihub/rag-go/internal/database"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/logger"
	"github.com/aihub/rag-go/internal/repository"
	"github.com/aihub/rag-go/internal/secrets"
	"github.com/aihub/rag-go/internal/services"
	"github.com/aihub/rag-go/internal/storage"
)

// RegisterProviders 注册管线的全部依赖
func RegisterProviders(container *dig.Container) error {
	providers := []interface{}{
		provideConfig,
		provideDB,
		provideRedis,
		provideRepository,
		provideSecretsStore,
		provideEmbedders,
		provideVectorStore,
		provideFulltext,
		provideDocumentStore,
		provideChunker,
		provideChat,
		provideProgressSink,
		provideIndexingService,
		provideQueryService,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return err
		}
	}

	// 仓库同时实现三个窄接口
	if err := container.Provide(func(r *repositoryBundle) repository.KnowledgeBaseRepository { return r.repo }); err != nil {
		return err
	}
	if err := container.Provide(func(r *repositoryBundle) repository.DocumentRepository { return r.repo }); err != nil {
		return err
	}
	if err := container.Provide(func(r *repositoryBundle) repository.SearchRepository { return r.repo }); err != nil {
		return err
	}
	return nil
}

func provideConfig() (*config.Config, error) {
	if config.AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return config.AppConfig, nil
}

func provideDB(cfg *config.Config) (*gorm.DB, error) {
	if database.DB != nil {
		return database.DB, nil
	}
	return database.InitDB()
}

// provideRedis redis是可降级依赖：不可用时注入nil客户端，
// 进度上报和查询缓存的调用方都按nil退化
func provideRedis(cfg *config.Config) *redis.Client {
	if database.RedisClient != nil {
		return database.RedisClient
	}
	client, err := database.InitRedis()
	if err != nil {
		logger.Warn("redis unavailable, progress reporting and query cache disabled", zap.Error(err))
		return nil
	}
	return client
}

// repositoryBundle 包一层避免dig类型冲突
type repositoryBundle struct {
	repo interface {
		repository.KnowledgeBaseRepository
		repository.DocumentRepository
		repository.SearchRepository
	}
}

func provideRepository(db *gorm.DB) *repositoryBundle {
	return &repositoryBundle{repo: repository.NewKnowledgeRepository(db)}
}

func provideSecretsStore(cfg *config.Config, db *gorm.DB) (*secrets.Store, error) {
	if cfg.Secrets.MasterKey == "" {
		return nil, nil
	}
	cipher, err := secrets.NewCipher(cfg.Secrets.MasterKey)
	if err != nil {
		return nil, err
	}
	return secrets.NewStore(db, cipher), nil
}

func provideEmbedders(cfg *config.Config, store *secrets.Store) services.EmbedderProvider {
	if store != nil {
		return services.NewTenantEmbedderProvider(store, cfg.Embedding)
	}
	return services.NewStaticEmbedderProvider(knowledge.NewOpenAIEmbedder(knowledge.OpenAIOptions{
		APIKey:            cfg.Embedding.APIKey,
		BaseURL:           cfg.Embedding.BaseURL,
		Model:             cfg.Embedding.Model,
		MaxBatchSize:      cfg.Embedding.MaxBatchSize,
		MaxAttempts:       cfg.Embedding.MaxAttempts,
		BaseRetryDelay:    time.Duration(cfg.Embedding.RetryBaseMS) * time.Millisecond,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	}))
}

func provideVectorStore(cfg *config.Config, db *gorm.DB) (knowledge.VectorStore, error) {
	switch cfg.VectorStore.Provider {
	case "milvus":
		return knowledge.NewMilvusVectorStore(knowledge.MilvusOptions{
			Address:     cfg.VectorStore.Milvus.Address,
			Username:    cfg.VectorStore.Milvus.Username,
			Password:    cfg.VectorStore.Milvus.Password,
			Database:    cfg.VectorStore.Milvus.Database,
			Distance:    cfg.VectorStore.Milvus.Distance,
			UseTLS:      cfg.VectorStore.Milvus.TLS,
			UpsertBatch: cfg.VectorStore.UpsertBatch,
		})
	case "qdrant":
		return knowledge.NewQdrantVectorStore(knowledge.QdrantOptions{
			Endpoint:    cfg.VectorStore.Qdrant.Endpoint,
			APIKey:      cfg.VectorStore.Qdrant.APIKey,
			Distance:    cfg.VectorStore.Qdrant.Distance,
			UseTLS:      cfg.VectorStore.Qdrant.TLS,
			UpsertBatch: cfg.VectorStore.UpsertBatch,
		})
	case "database", "":
		return knowledge.NewDatabaseVectorStore(db, cfg.VectorStore.UpsertBatch), nil
	default:
		return nil, fmt.Errorf("unknown vector store provider: %s", cfg.VectorStore.Provider)
	}
}

func provideFulltext(cfg *config.Config) (knowledge.FulltextIndexer, error) {
	if cfg.Fulltext.Provider != "elasticsearch" {
		return &knowledge.NoopFulltextIndexer{}, nil
	}
	es := cfg.Fulltext.Elasticsearch
	return knowledge.NewElasticsearchIndexer(es.Addresses, es.Username, es.Password, es.APIKey)
}

func provideDocumentStore(cfg *config.Config) (storage.DocumentStore, error) {
	if cfg.Storage.Endpoint == "" {
		return nil, nil
	}
	return storage.NewMinIOStore(context.Background(), storage.MinIOOptions{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
}

func provideChunker(cfg *config.Config) *knowledge.Chunker {
	return knowledge.NewChunker(cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap)
}

func provideChat(cfg *config.Config) services.ChatCompleter {
	chat := services.NewOpenAIChat(services.ChatOptions{
		APIKey:      cfg.Chat.APIKey,
		Model:       cfg.Chat.Model,
		MaxTokens:   cfg.Chat.MaxTokens,
		Temperature: float32(cfg.Chat.Temperature),
	})
	return services.NewBreakerChat(chat)
}

func provideProgressSink(client *redis.Client) services.ProgressSink {
	if client == nil {
		return services.NoopProgressSink{}
	}
	return services.NewRedisProgressSink(client, 24*time.Hour)
}

func provideIndexingService(
	cfg *config.Config,
	kbRepo repository.KnowledgeBaseRepository,
	docRepo repository.DocumentRepository,
	embedders services.EmbedderProvider,
	store knowledge.VectorStore,
	fulltext knowledge.FulltextIndexer,
	chunker *knowledge.Chunker,
	docStore storage.DocumentStore,
	sink services.ProgressSink,
) *services.IndexingService {
	return services.NewIndexingService(services.IndexingServiceOptions{
		KnowledgeBaseRepo: kbRepo,
		DocumentRepo:      docRepo,
		Embedders:         embedders,
		VectorStore:       store,
		Fulltext:          fulltext,
		Chunker:           chunker,
		DocumentStore:     docStore,
		ProgressSink:      sink,
		BaseIndexName:     cfg.VectorStore.BaseIndexName,
	})
}

func provideQueryService(
	cfg *config.Config,
	kbRepo repository.KnowledgeBaseRepository,
	docRepo repository.DocumentRepository,
	searchRepo repository.SearchRepository,
	embedders services.EmbedderProvider,
	store knowledge.VectorStore,
	fulltext knowledge.FulltextIndexer,
	chat services.ChatCompleter,
	cache *redis.Client,
) *services.QueryService {
	var hybrid *knowledge.HybridSearcher
	if cfg.Retrieval.Hybrid {
		hybrid = knowledge.NewHybridSearcher(fulltext)
		hybrid.SetWeights(cfg.Retrieval.VectorWeight, cfg.Retrieval.FulltextWeight)
	}
	return services.NewQueryService(services.QueryServiceOptions{
		KnowledgeBaseRepo: kbRepo,
		DocumentRepo:      docRepo,
		SearchRepo:        searchRepo,
		Embedders:         embedders,
		VectorStore:       store,
		Chat:              chat,
		Hybrid:            hybrid,
		Cache:             cache,
		CacheTTL:          time.Duration(cfg.Redis.TTL) * time.Second,
		BaseIndexName:     cfg.VectorStore.BaseIndexName,
		DefaultTopK:       cfg.Retrieval.DefaultTopK,
	})
}
