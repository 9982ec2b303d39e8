package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/config"
	logger "github.com/Gopher0727/Vela/middleware/log"
	"github.com/Gopher0727/Vela/utils"
)

// MessageHandler is a function type that processes consumed messages.
// It receives the message and returns an error if processing fails.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

type dlqProducer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers ...sarama.RecordHeader) (int32, int64, error)
	Close() error
}

// Consumer represents a Kafka message consumer.
// It manages consumer group membership and message consumption.
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	config        *config.KafkaConfig
	handler       MessageHandler
	dlq           dlqProducer
	topics        []string
	log           *logger.Logger

	mu     sync.Mutex
	ready  chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler interface.
type consumerGroupHandler struct {
	consumer *Consumer
}

// NewConsumer creates a new Kafka consumer instance.
// It joins the consumer group and opens a producer for the dead letter queue.
func NewConsumer(cfg *config.KafkaConfig, topics []string, handler MessageHandler, log *logger.Logger) (*Consumer, error) {
	saramaConfig := newSaramaConfig()
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	dlq, err := NewProducer(cfg)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	return &Consumer{
		consumerGroup: consumerGroup,
		config:        cfg,
		handler:       handler,
		dlq:           dlq,
		topics:        topics,
		log:           log.Named("kafka"),
		ready:         make(chan struct{}),
	}, nil
}

// Start begins consuming in the background and returns once the first
// session is set up or ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		handler := &consumerGroupHandler{consumer: c}
		for {
			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				c.log.Warn("consume session ended", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
			// 重平衡后会重新 Setup
			c.mu.Lock()
			c.ready = make(chan struct{})
			c.mu.Unlock()
		}
	}()

	select {
	case <-c.Ready():
		c.log.Info("consumer ready", zap.Strings("topics", c.topics))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the consumer and waits for all goroutines to finish.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.consumerGroup.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer group: %w", err)
	}
	if err := c.dlq.Close(); err != nil {
		return fmt.Errorf("failed to close DLQ producer: %w", err)
	}
	return nil
}

// Ready returns a channel that is closed once a session has been set up.
func (c *Consumer) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.mu.Lock()
	defer h.consumer.mu.Unlock()
	select {
	case <-h.consumer.ready:
	default:
		close(h.consumer.ready)
	}
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a partition. Messages that keep
// failing go to the DLQ; the offset is marked either way.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.handle(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) handle(ctx context.Context, message *sarama.ConsumerMessage) {
	err := h.processMessageWithRetry(ctx, message)
	if err == nil || ctx.Err() != nil {
		return
	}
	if dlqErr := h.sendToDLQ(ctx, message, err); dlqErr != nil {
		h.consumer.log.Error("failed to send message to DLQ",
			zap.String("topic", message.Topic),
			zap.Int64("offset", message.Offset),
			zap.Error(dlqErr),
		)
	}
}

// processMessageWithRetry retries the handler according to the consumer configuration.
func (h *consumerGroupHandler) processMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	maxRetries := h.consumer.config.Consumer.MaxRetries
	backoff := utils.Backoff{Initial: time.Duration(h.consumer.config.Consumer.RetryBackoffMs) * time.Millisecond, Max: 10 * time.Second}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := h.consumer.handler(ctx, message)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Next()):
			}
		}
	}
	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// sendToDLQ forwards the original key and value with the failure recorded in headers.
func (h *consumerGroupHandler) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, processingErr error) error {
	headers := []sarama.RecordHeader{
		{Key: []byte("x-error"), Value: []byte(processingErr.Error())},
		{Key: []byte("x-original-topic"), Value: []byte(message.Topic)},
		{Key: []byte("x-original-partition"), Value: []byte(strconv.FormatInt(int64(message.Partition), 10))},
		{Key: []byte("x-original-offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
	}
	if _, _, err := h.consumer.dlq.Produce(ctx, h.consumer.config.Topics.DLQ, message.Key, message.Value, headers...); err != nil {
		return err
	}

	h.consumer.log.Warn("message sent to DLQ",
		zap.String("topic", message.Topic),
		zap.Int32("partition", message.Partition),
		zap.Int64("offset", message.Offset),
		zap.Error(processingErr),
	)
	return nil
}
