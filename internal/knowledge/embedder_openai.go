package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/logger"
	"github.com/aihub/rag-go/internal/metrics"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OpenAIOptions OpenAI向量化客户端配置
type OpenAIOptions struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxBatchSize      int
	MaxAttempts       int
	BaseRetryDelay    time.Duration
	RequestsPerSecond float64
}

// OpenAIEmbedder 使用OpenAI Embedding API。
// 每次请求最多MaxBatchSize条文本；429按指数退避重试，服务端给出的
// retry提示优先于计算出的延迟；重试耗尽后以RateLimited上抛，其余HTTP
// 失败不重试，携带状态码与响应体直接上抛。
type OpenAIEmbedder struct {
	client       *openai.Client
	model        string
	dimensions   int
	maxBatchSize int
	maxAttempts  int
	baseDelay    time.Duration
	limiter      *rate.Limiter
}

// NewOpenAIEmbedder 创建OpenAI嵌入向量生成器
func NewOpenAIEmbedder(opts OpenAIOptions) Embedder {
	opts.APIKey = strings.TrimSpace(opts.APIKey)
	if opts.APIKey == "" {
		return &NoopEmbedder{}
	}
	if opts.Model == "" {
		opts.Model = "text-embedding-3-small"
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2.0
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	dims, ok := embeddingDimensions[opts.Model]
	if !ok {
		dims = 1536
	}

	return &OpenAIEmbedder{
		client:       openai.NewClientWithConfig(cfg),
		model:        opts.Model,
		dimensions:   dims,
		maxBatchSize: opts.MaxBatchSize,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    opts.BaseRetryDelay,
		limiter:      rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	results, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperrors.NewEmptyInputError("no texts to embed")
	}
	if e.client == nil {
		return nil, apperrors.NewConfigurationError("openai client not initialized")
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.maxBatchSize {
		end := start + e.maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		// 批间节流，保持对提供方的请求速率可预测
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		embeddings, err := e.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, embeddings...)
	}

	if len(results) != len(texts) {
		return nil, apperrors.NewProviderError(apperrors.ErrCodeEmbeddingProvider,
			fmt.Sprintf("embedding count mismatch: got %d, want %d", len(results), len(texts)))
	}

	return results, nil
}

func (e *OpenAIEmbedder) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		metrics.EmbeddingRequests.Inc()

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: batch,
		})
		if err == nil {
			return alignEmbeddings(resp, len(batch))
		}

		var apiErr *openai.APIError
		if !errors.As(err, &apiErr) {
			return nil, apperrors.NewProviderError(apperrors.ErrCodeEmbeddingProvider,
				"embedding request failed").WithCause(err)
		}
		if apiErr.HTTPStatusCode != http.StatusTooManyRequests {
			return nil, apperrors.NewProviderError(apperrors.ErrCodeEmbeddingProvider,
				fmt.Sprintf("embedding provider returned HTTP %d: %s", apiErr.HTTPStatusCode, apiErr.Message)).
				WithCause(err)
		}

		lastErr = err
		if attempt == e.maxAttempts {
			break
		}

		delay := e.baseDelay << (attempt - 1)
		if hint := retryAfterHint(apiErr.Message); hint > 0 {
			delay = hint
		}
		metrics.EmbeddingRetries.Inc()
		logger.Warn("embedding rate limited, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, apperrors.NewRateLimitedError(
		fmt.Sprintf("embedding rate limited after %d attempts", e.maxAttempts)).WithCause(lastErr)
}

// alignEmbeddings 按响应中的Index字段对齐，保证输出与输入顺序一致
func alignEmbeddings(resp openai.EmbeddingResponse, want int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, apperrors.NewProviderError(apperrors.ErrCodeEmbeddingProvider,
			fmt.Sprintf("embedding count mismatch: got %d, want %d", len(resp.Data), want))
	}

	out := make([][]float32, want)
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= want || out[item.Index] != nil {
			return nil, apperrors.NewProviderError(apperrors.ErrCodeEmbeddingProvider,
				fmt.Sprintf("embedding response has invalid index %d", item.Index))
		}
		vec := make([]float32, len(item.Embedding))
		copy(vec, item.Embedding)
		out[item.Index] = vec
	}
	return out, nil
}

var retryAfterPattern = regexp.MustCompile(`(?i)try again in ([0-9.]+)\s*(ms|s)`)

// retryAfterHint 解析429消息中的重试提示，如 "Please try again in 1.2s"
func retryAfterHint(message string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value <= 0 {
		return 0
	}
	unit := time.Second
	if strings.EqualFold(m[2], "ms") {
		unit = time.Millisecond
	}
	return time.Duration(value * float64(unit))
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *OpenAIEmbedder) Ready() bool {
	return e.client != nil
}
