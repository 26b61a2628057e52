package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/kafka"
	"github.com/aihub/rag-go/internal/logger"
)

// NewIndexEventHandler 把异步索引事件分发到编排器。
// 返回错误的事件会被重投，所以不可恢复的失败在这里吞掉。
func NewIndexEventHandler(indexing *IndexingService) kafka.EventHandler {
	return func(ctx context.Context, event *kafka.DocumentProcessEvent) error {
		var err error
		switch event.Action {
		case kafka.ActionIndexKnowledgeBase:
			_, err = indexing.IndexKnowledgeBase(ctx, event.KnowledgeBaseID)
		case kafka.ActionIndexDocument:
			_, err = indexing.IndexStandaloneDocument(ctx, event.DocumentID)
		case kafka.ActionRemoveDocument:
			err = indexing.RemoveDocument(ctx, event.KnowledgeBaseID, event.DocumentID)
		case kafka.ActionDeleteKnowledge:
			err = indexing.DeleteKnowledgeBase(ctx, event.KnowledgeBaseID)
		default:
			logger.Warn("unknown index event action", zap.String("action", event.Action))
			return nil
		}

		// 资源不存在和输入错误重试不会变好
		if apperrors.IsNotFound(err) || apperrors.HasCode(err, apperrors.ErrCodeInvalidInput) {
			logger.Warn("dropping unprocessable index event",
				zap.String("action", event.Action),
				zap.Error(err))
			return nil
		}
		if err != nil {
			return fmt.Errorf("event %s failed: %w", event.Action, err)
		}
		return nil
	}
}
