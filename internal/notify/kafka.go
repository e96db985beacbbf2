package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kversion"
)

const (
	defaultKafkaTopic       = "wallflower-events"
	defaultKafkaPartitions  = 1
	defaultKafkaReplication = 1
	defaultKafkaLinger      = 100 * time.Millisecond
)

type KafkaConfig struct {
	Logger      *slog.Logger
	Brokers     []string
	Topic       string
	Partitions  int
	Replication int
	Linger      time.Duration
}

func (c *KafkaConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		c.Topic = defaultKafkaTopic
	}
	if c.Partitions <= 0 {
		c.Partitions = defaultKafkaPartitions
	}
	if c.Replication <= 0 {
		c.Replication = defaultKafkaReplication
	}
	if c.Linger <= 0 {
		c.Linger = defaultKafkaLinger
	}
	return nil
}

// Kafka produces events to a topic, keyed by the entity's dotted id path so
// that events for one entity stay ordered within a partition.
type Kafka struct {
	log    *slog.Logger
	cfg    *KafkaConfig
	client *kgo.Client
}

func NewKafka(ctx context.Context, cfg *KafkaConfig) (*Kafka, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxVersions(kversion.V2_8_0()),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	k := &Kafka{log: cfg.Logger, cfg: cfg, client: client}
	if err := k.EnsureTopic(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return k, nil
}

func (k *Kafka) EnsureTopic(ctx context.Context) error {
	adm := kadm.NewClient(k.client)
	_, err := adm.CreateTopic(
		ctx,
		int32(k.cfg.Partitions),
		int16(k.cfg.Replication),
		nil,
		k.cfg.Topic,
	)
	if err != nil {
		if strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return nil
		}
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

// Publish hands the event to the producer and returns without waiting for
// the broker. Delivery failures are logged.
func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	record := &kgo.Record{
		Topic: k.cfg.Topic,
		Key:   []byte(ev.Key()),
		Value: b,
	}
	// The request context ends with the request; delivery must outlive it.
	k.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			k.log.Warn("notify: failed to produce event", "topic", r.Topic, "key", string(r.Key), "error", err)
		}
	})
	return nil
}

func (k *Kafka) Flush(ctx context.Context) error {
	return k.client.Flush(ctx)
}

func (k *Kafka) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.client.Flush(ctx); err != nil {
		k.log.Warn("notify: failed to flush kafka producer", "error", err)
	}
	k.client.Close()
}
