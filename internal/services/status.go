package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aihub/rag-go/internal/logger"
)

// DocumentStatus 文档索引生命周期状态
type DocumentStatus string

const (
	StatusPending   DocumentStatus = "pending"
	StatusChunking  DocumentStatus = "chunking"
	StatusEmbedding DocumentStatus = "embedding"
	StatusUpserting DocumentStatus = "upserting"
	StatusIndexed   DocumentStatus = "indexed"
	StatusFailed    DocumentStatus = "failed"
)

// documentStatusTransitions 合法状态转换
var documentStatusTransitions = map[DocumentStatus][]DocumentStatus{
	StatusPending:   {StatusChunking, StatusFailed},
	StatusChunking:  {StatusEmbedding, StatusFailed},
	StatusEmbedding: {StatusUpserting, StatusFailed},
	StatusUpserting: {StatusIndexed, StatusFailed},
	StatusIndexed:   {},
	StatusFailed:    {StatusPending},
}

// canTransition 检查状态转换是否合法
func canTransition(from, to DocumentStatus) bool {
	for _, next := range documentStatusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// statusReporter 按转换表约束单个文档在一次运行内的状态上报，
// 非法转换丢弃并告警，首次上报不受约束
type statusReporter struct {
	sink  ProgressSink
	docID uint
	last  DocumentStatus
}

func newStatusReporter(sink ProgressSink, docID uint) *statusReporter {
	return &statusReporter{sink: sink, docID: docID}
}

func (r *statusReporter) to(ctx context.Context, status DocumentStatus, detail string) {
	if r.last != "" && !canTransition(r.last, status) {
		logger.Warn("dropping illegal document status transition",
			zap.Uint("documentID", r.docID),
			zap.String("from", string(r.last)),
			zap.String("to", string(status)))
		return
	}
	r.last = status
	r.sink.Report(ctx, r.docID, status, detail)
}

// ProgressSink 接收文档级进度通知。
// 实现不能阻塞索引管线，上报失败只记录不中断。
type ProgressSink interface {
	Report(ctx context.Context, documentID uint, status DocumentStatus, detail string)
}

// NoopProgressSink 丢弃所有进度
type NoopProgressSink struct{}

func (NoopProgressSink) Report(ctx context.Context, documentID uint, status DocumentStatus, detail string) {
}

// RedisProgressSink 把文档状态写入Redis，供外部轮询
type RedisProgressSink struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisProgressSink(client *redis.Client, ttl time.Duration) *RedisProgressSink {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisProgressSink{client: client, ttl: ttl}
}

func documentStatusKey(documentID uint) string {
	return fmt.Sprintf("rag:doc:status:%d", documentID)
}

func (s *RedisProgressSink) Report(ctx context.Context, documentID uint, status DocumentStatus, detail string) {
	payload := string(status)
	if detail != "" {
		payload = fmt.Sprintf("%s: %s", status, detail)
	}
	if err := s.client.Set(ctx, documentStatusKey(documentID), payload, s.ttl).Err(); err != nil {
		logger.Warn("failed to report document status",
			zap.Uint("documentID", documentID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// GetStatus 读取文档当前状态，不存在时返回空串
func (s *RedisProgressSink) GetStatus(ctx context.Context, documentID uint) (string, error) {
	value, err := s.client.Get(ctx, documentStatusKey(documentID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return value, err
}
