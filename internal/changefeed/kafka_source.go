package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds configuration for the Kafka change feed.
type KafkaConfig struct {
	Brokers       []string // list of broker addresses
	ConsumerGroup string   // consumer group ID
	TopicPrefix   string   // topics are "<prefix>.<domain>"
}

// KafkaSource implements Source by consuming one CDC topic per domain. The
// consumer group keeps committed offsets, so a new subscription resumes
// where the previous one stopped.
type KafkaSource struct {
	config KafkaConfig
	mu     sync.Mutex
	closed bool
}

// NewKafkaSource validates config and fills in defaults.
func NewKafkaSource(config KafkaConfig) (*KafkaSource, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "marketplace-realtime"
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "marketplace"
	}
	return &KafkaSource{config: config}, nil
}

// Topic returns the topic carrying changes for domain.
func (s *KafkaSource) Topic(domain Domain) string {
	return s.config.TopicPrefix + "." + string(domain)
}

// Subscribe verifies the domain topic is reachable and starts a group
// reader on it.
func (s *KafkaSource) Subscribe(ctx context.Context, domain Domain) (Subscription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSourceClosed
	}
	if !domain.Valid() {
		return nil, fmt.Errorf("unknown domain %q", domain)
	}

	topic := s.Topic(domain)
	if err := s.checkTopic(ctx, topic); err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.config.Brokers,
		Topic:    topic,
		GroupID:  s.config.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
	return &kafkaSubscription{reader: reader, topic: topic}, nil
}

// checkTopic dials the first reachable broker and checks the topic has
// partitions. kafka.NewReader connects lazily, so without it a dead cluster
// would only show up on the first read.
func (s *KafkaSource) checkTopic(ctx context.Context, topic string) error {
	var lastErr error
	for _, addr := range s.config.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		partitions, err := conn.ReadPartitions(topic)
		conn.Close() //nolint:errcheck
		if err != nil {
			return fmt.Errorf("read partitions of %s: %w", topic, err)
		}
		if len(partitions) == 0 {
			return fmt.Errorf("topic %s has no partitions", topic)
		}
		return nil
	}
	return fmt.Errorf("dial kafka brokers %v: %w", s.config.Brokers, lastErr)
}

// Close prevents new subscriptions.
func (s *KafkaSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type kafkaSubscription struct {
	reader *kafka.Reader
	topic  string
	once   sync.Once
	err    error
}

func (k *kafkaSubscription) Next(ctx context.Context) (Change, error) {
	msg, err := k.reader.ReadMessage(ctx)
	if err != nil {
		return Change{}, fmt.Errorf("read %s: %w", k.topic, err)
	}

	var c Change
	if err := json.Unmarshal(msg.Value, &c); err != nil {
		return Change{}, fmt.Errorf("%w: %s offset %d: %v", ErrMalformedChange, k.topic, msg.Offset, err)
	}
	if c.DocumentID == "" && len(msg.Key) > 0 {
		c.DocumentID = string(msg.Key)
	}
	return c, nil
}

func (k *kafkaSubscription) Close() error {
	k.once.Do(func() {
		k.err = k.reader.Close()
	})
	return k.err
}
