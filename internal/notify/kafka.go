package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	Acks     string   `yaml:"acks"`
	Retries  int      `yaml:"retries"`
}

// Kafka publishes notifications to one topic, keyed by recipient so a
// user's messages stay ordered within a partition.
type Kafka struct {
	producer  sarama.SyncProducer
	topic     string
	logger    *zap.Logger
	attempts  int
	baseDelay time.Duration
}

var _ lending.Notifier = (*Kafka)(nil)

// NewKafka dials the brokers with an idempotent synchronous producer.
func NewKafka(cfg KafkaConfig, logger *zap.Logger) (*Kafka, error) {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = cfg.Retries
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	switch cfg.Acks {
	case "0":
		sc.Producer.RequiredAcks = sarama.NoResponse
		sc.Producer.Idempotent = false
	case "1":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
		sc.Producer.Idempotent = false
	default:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, topic string, logger *zap.Logger) *Kafka {
	if topic == "" {
		topic = "biblio.notifications"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kafka{
		producer:  p,
		topic:     topic,
		logger:    logger,
		attempts:  3,
		baseDelay: 100 * time.Millisecond,
	}
}

// Notify sends n, retrying with exponential backoff: 100ms, 200ms.
func (k *Kafka) Notify(ctx context.Context, n lending.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(n.Recipient),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("notification-kind"), Value: []byte(n.Kind)},
			{Key: []byte("notification-id"), Value: []byte(n.ID)},
			{Key: []byte("timestamp"), Value: []byte(n.CreatedAt.UTC().Format(time.RFC3339))},
		},
	}

	var lastErr error
	for attempt := 0; attempt < k.attempts; attempt++ {
		if attempt > 0 {
			delay := k.baseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return fmt.Errorf("kafka publish cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
		partition, offset, err := k.producer.SendMessage(msg)
		if err == nil {
			k.logger.Debug("notification published",
				zap.String("topic", k.topic),
				zap.Int32("partition", partition),
				zap.Int64("offset", offset),
				zap.String("kind", string(n.Kind)),
				zap.Int("attempt", attempt+1),
			)
			return nil
		}
		lastErr = err
		k.logger.Warn("kafka publish failed",
			zap.String("topic", k.topic),
			zap.String("kind", string(n.Kind)),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return fmt.Errorf("kafka publish after %d attempts: %w", k.attempts, lastErr)
}

func (k *Kafka) Close() error {
	if k.producer == nil {
		return nil
	}
	return k.producer.Close()
}
