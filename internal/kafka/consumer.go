package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/aihub/rag-go/internal/logger"
)

// EventHandler 处理一条索引事件。返回错误时不提交offset，消息会被重投。
type EventHandler func(ctx context.Context, event *DocumentProcessEvent) error

// Consumer 消费索引事件的消费者组
type Consumer struct {
	consumer sarama.ConsumerGroup
	groupID  string
	topics   []string
	handler  EventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewConsumer 创建消费者组
func NewConsumer(brokers []string, groupID string, topics []string, handler EventHandler) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		consumer: consumerGroup,
		groupID:  groupID,
		topics:   topics,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
	}

	logger.Info("kafka consumer ready",
		zap.Strings("brokers", brokers),
		zap.String("group_id", groupID),
		zap.Strings("topics", topics))
	return c, nil
}

// Start 启动消费循环
func (c *Consumer) Start() {
	if c == nil || c.consumer == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				logger.Info("kafka consumer stopped")
				return
			default:
				handler := &eventGroupHandler{handler: c.handler}
				if err := c.consumer.Consume(c.ctx, c.topics, handler); err != nil {
					logger.Error("kafka consume failed", zap.Error(err))
					time.Sleep(5 * time.Second)
				}
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			logger.Error("kafka consumer error", zap.Error(err))
		}
	}()
}

// Close 停止消费并关闭连接
func (c *Consumer) Close() error {
	if c == nil {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	if c.consumer != nil {
		return c.consumer.Close()
	}
	return nil
}

type eventGroupHandler struct {
	handler EventHandler
}

func (h *eventGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *eventGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *eventGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			event, err := ParseDocumentProcessEvent(message.Value)
			if err != nil {
				// 坏消息无法通过重试修复，记录后跳过
				logger.Error("dropping malformed index event",
					zap.Int64("offset", message.Offset),
					zap.Error(err))
				session.MarkMessage(message, "")
				continue
			}

			if err := h.handler(session.Context(), event); err != nil {
				logger.Error("index event handling failed",
					zap.String("action", event.Action),
					zap.Uint("knowledgeBaseID", event.KnowledgeBaseID),
					zap.Uint("documentID", event.DocumentID),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
				// 不提交offset，等待重投
				continue
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
