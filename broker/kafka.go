package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaBroker implements MessageBroker using Apache Kafka.
type KafkaBroker struct {
	brokers  []string
	groupID  string
	producer sarama.SyncProducer
	config   *sarama.Config

	mu             sync.RWMutex
	consumerGroups []sarama.ConsumerGroup
	closed         bool
}

// NewKafkaBroker creates a new Kafka message broker.
func NewKafkaBroker(brokers []string, groupID string) (*KafkaBroker, error) {
	config := sarama.NewConfig()

	// Producer configuration
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond

	// Consumer configuration
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	config.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaBroker{
		brokers:  brokers,
		groupID:  groupID,
		producer: producer,
		config:   config,
	}, nil
}

// Publish sends an event to the specified channel (topic) with retries.
// Events are partitioned by user so per-user ordering survives Kafka.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("broker is closed")
	}
	b.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: channel,
		Key:   sarama.StringEncoder(event.UserID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("user_id"), Value: []byte(event.UserID)},
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
		Timestamp: time.Now(),
	}

	operation := func() error {
		_, _, err := b.producer.SendMessage(kafkaMsg)
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.Warn().Err(err).Str("user_id", event.UserID).Dur("next_attempt_in", d).
			Msg("Retrying Kafka publish")
	})
}

// Subscribe starts listening for events on the specified channel (topic).
// Each subscription gets its own consumer group session; sarama does not
// support concurrent Consume calls on one instance.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	consumerGroup, err := sarama.NewConsumerGroup(b.brokers, b.groupID, b.config)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	b.consumerGroups = append(b.consumerGroups, consumerGroup)
	b.mu.Unlock()

	events := make(chan Event, 100)

	handler := &consumerGroupHandler{
		events: events,
		ready:  make(chan bool),
	}

	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				// Consume must be called in a loop; it returns on rebalance.
				if err := consumerGroup.Consume(ctx, []string{channel}, handler); err != nil {
					log.Error().Err(err).Str("channel", channel).Msg("Consumer group error")
					return
				}
			}
		}
	}()

	go func() {
		for err := range consumerGroup.Errors() {
			log.Error().Err(err).Msg("Consumer group error")
		}
	}()

	select {
	case <-handler.ready:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for consumer to be ready")
	}
}

// Close cleans up producer and consumer resources.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	for _, cg := range b.consumerGroups {
		if err := cg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
		}
	}
	b.closed = true

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// Type identifies this broker implementation.
func (b *KafkaBroker) Type() string { return "kafka" }

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	events chan<- Event
	ready  chan bool
	once   sync.Once
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() {
		close(h.ready)
	})
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case kafkaMsg := <-claim.Messages():
			if kafkaMsg == nil {
				return nil
			}

			var event Event
			if err := json.Unmarshal(kafkaMsg.Value, &event); err != nil {
				log.Warn().Err(err).Msg("Event decode error")
				// Mark as processed even on decode failure to avoid reprocessing.
				session.MarkMessage(kafkaMsg, "")
				continue
			}

			select {
			case h.events <- event:
			case <-session.Context().Done():
				return nil
			}

			session.MarkMessage(kafkaMsg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
