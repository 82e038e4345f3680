package changefeed

import (
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/darkden-lab/marketplace-realtime/internal/config"
)

// NewSource creates the change feed Source selected by FEED_SOURCE. The
// postgres source needs a live pool; the others ignore it.
func NewSource(cfg *config.Config, pool *pgxpool.Pool) (Source, error) {
	switch cfg.FeedSource {
	case config.FeedPostgres:
		if pool == nil {
			return nil, fmt.Errorf("postgres change feed requires a database connection")
		}
		log.Println("changefeed: using PostgresSource (LISTEN/NOTIFY)")
		return NewPostgresSource(pool), nil
	case config.FeedKafka:
		brokers := cfg.KafkaBrokerList()
		log.Printf("changefeed: using KafkaSource with brokers=%v group=%s prefix=%s", brokers, cfg.KafkaConsumerGroup, cfg.KafkaTopicPrefix)
		return NewKafkaSource(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			TopicPrefix:   cfg.KafkaTopicPrefix,
		})
	case config.FeedMemory:
		log.Println("changefeed: using MemorySource (no external feed)")
		return NewMemorySource(), nil
	default:
		return nil, fmt.Errorf("unknown feed source %q", cfg.FeedSource)
	}
}
