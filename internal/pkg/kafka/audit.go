package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/Gopher0727/Vela/internal/models"
)

const headerAction = "action"

// AuditPublisher 把已提交的审计条目写入审计 topic，按 guild_id 分区以保证同一 guild 内有序
type AuditPublisher struct {
	producer *Producer
	topic    string
}

func NewAuditPublisher(producer *Producer, topic string) *AuditPublisher {
	return &AuditPublisher{producer: producer, topic: topic}
}

func (p *AuditPublisher) Name() string { return "kafka" }

func (p *AuditPublisher) Publish(ctx context.Context, entry *models.AuditLog) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化审计条目失败: %w", err)
	}
	header := sarama.RecordHeader{Key: []byte(headerAction), Value: []byte(entry.Action)}
	_, _, err = p.producer.ProduceWithRetry(ctx, p.topic, []byte(entry.GuildID), value, p.producer.config.Producer.MaxRetries, header)
	return err
}

// DecodeAudit 解析审计 topic 上的一条消息
func DecodeAudit(message *sarama.ConsumerMessage) (*models.AuditLog, error) {
	var entry models.AuditLog
	if err := json.Unmarshal(message.Value, &entry); err != nil {
		return nil, fmt.Errorf("解析审计消息失败 (offset %d): %w", message.Offset, err)
	}
	if entry.GuildID == "" || entry.Action == "" {
		return nil, fmt.Errorf("审计消息缺少 guild_id 或 action (offset %d)", message.Offset)
	}
	return &entry, nil
}

// AuditHandler 把消费到的审计条目交给 fn
func AuditHandler(fn func(ctx context.Context, entry *models.AuditLog) error) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		entry, err := DecodeAudit(message)
		if err != nil {
			return err
		}
		return fn(ctx, entry)
	}
}
