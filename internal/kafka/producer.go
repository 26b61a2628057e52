package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/aihub/rag-go/internal/logger"
)

// 索引事件动作
const (
	ActionIndexKnowledgeBase = "index_knowledge_base"
	ActionIndexDocument      = "index_document"
	ActionRemoveDocument     = "remove_document"
	ActionDeleteKnowledge    = "delete_knowledge_base"
)

// DocumentProcessEvent 异步索引事件
type DocumentProcessEvent struct {
	Action          string    `json:"action"`
	KnowledgeBaseID uint      `json:"knowledge_base_id,omitempty"`
	DocumentID      uint      `json:"document_id,omitempty"`
	TenantID        uint      `json:"tenant_id"`
	UserID          uint      `json:"user_id"`
	Timestamp       time.Time `json:"timestamp"`
}

// Producer Kafka生产者
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducer 创建同步生产者
func NewProducer(brokers []string, topic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	logger.Info("kafka producer ready",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic))
	return &Producer{producer: producer, topic: topic}, nil
}

// SendEvent 发送索引事件。
// 按租户作为key分区，同一租户的事件保持顺序。
func (p *Producer) SendEvent(event *DocumentProcessEvent) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka producer is not initialized")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("tenant-%d", event.TenantID)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("action"), Value: []byte(event.Action)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send index event", zap.Error(err))
		return fmt.Errorf("failed to send event: %w", err)
	}

	logger.Debug("index event sent",
		zap.String("action", event.Action),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// ParseDocumentProcessEvent 解析索引事件
func ParseDocumentProcessEvent(data []byte) (*DocumentProcessEvent, error) {
	var event DocumentProcessEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.Action == "" {
		return nil, fmt.Errorf("event action is empty")
	}
	return &event, nil
}
