package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/creatordeals/backend/internal/models"
)

// Notifier hands a counterparty notification to the delivery system. Delivery
// and rendering happen downstream.
type Notifier interface {
	NotifyCounterparty(ctx context.Context, n models.Notification) error
}

// Producer is the slice of *kgo.Client the Kafka notifier uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaNotifier publishes notifications as JSON records keyed by recipient,
// so one user's notifications stay ordered within a partition.
type KafkaNotifier struct {
	producer Producer
	topic    string
	timeout  time.Duration
	close    func()
}

// NewKafkaNotifier connects a producer to brokers.
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("creatordeals-backend"),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	n := NewKafkaNotifierWithProducer(client, topic)
	n.close = client.Close
	return n, nil
}

func NewKafkaNotifierWithProducer(p Producer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: p, topic: topic, timeout: 5 * time.Second}
}

func (k *KafkaNotifier) NotifyCounterparty(ctx context.Context, n models.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(n.RecipientID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "deal_id", Value: []byte(n.DealID.String())},
		},
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce notification: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) Close() {
	if k.close != nil {
		k.close()
	}
}

// LogNotifier writes notifications to the log. It is used when no broker is
// configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (l *LogNotifier) NotifyCounterparty(_ context.Context, n models.Notification) error {
	l.log.Info("counterparty notification",
		"deal_id", n.DealID,
		"recipient_id", n.RecipientID,
		"acting_user_id", n.ActingUserID,
		"title", n.Title,
	)
	return nil
}
