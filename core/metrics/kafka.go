package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// Kafka is a Sink that publishes each of the three event kinds as a
// JSON message to its own topic, for deployments that already ship
// operational events through a Kafka pipeline rather than querying
// Postgres for them. One kafka.Writer per dataset lets each topic use
// the table name as the partitioning key, so a dashboard consuming
// batchWrites for one table sees them in publish order.
type Kafka struct {
	batchWrites      *kafka.Writer
	schemaMigrations *kafka.Writer
	dataPruning      *kafka.Writer
}

// NewKafka builds a Kafka-backed Sink that dials brokers and publishes
// to topicPrefix+"batch_writes"/"schema_migrations"/"data_pruning".
func NewKafka(brokers []string, topicPrefix string) *Kafka {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		}
	}
	return &Kafka{
		batchWrites:      newWriter(topicPrefix + "batch_writes"),
		schemaMigrations: newWriter(topicPrefix + "schema_migrations"),
		dataPruning:      newWriter(topicPrefix + "data_pruning"),
	}
}

// Close flushes and closes the underlying writers.
func (k *Kafka) Close() error {
	var firstErr error
	for _, w := range []*kafka.Writer{k.batchWrites, k.schemaMigrations, k.dataPruning} {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordBatchWrite publishes m, keyed by table name, to the batch
// writes topic.
func (k *Kafka) RecordBatchWrite(ctx context.Context, m BatchWrite) error {
	return publish(ctx, k.batchWrites, m.TableName, m)
}

// RecordSchemaMigration publishes m, keyed by table name, to the
// schema migrations topic.
func (k *Kafka) RecordSchemaMigration(ctx context.Context, m SchemaMigration) error {
	return publish(ctx, k.schemaMigrations, m.TableName, m)
}

// RecordDataPruning publishes m, keyed by table name, to the data
// pruning topic.
func (k *Kafka) RecordDataPruning(ctx context.Context, m DataPruning) error {
	return publish(ctx, k.dataPruning, m.TableName, m)
}

func publish(ctx context.Context, w *kafka.Writer, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("metrics: marshal kafka message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body})
}
