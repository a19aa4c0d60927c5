package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/storage"
)

// Store is a destination for audit entries.
type Store interface {
	Name() string
	Write(ctx context.Context, entry *budget.AuditEntry) error
}

// RepositoryStore writes entries to the budget_alert_history table.
type RepositoryStore struct {
	repo storage.AuditRepository
}

// NewRepositoryStore creates a RepositoryStore.
func NewRepositoryStore(repo storage.AuditRepository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

// Name implements Store.
func (s *RepositoryStore) Name() string { return "storage" }

// Write implements Store.
func (s *RepositoryStore) Write(ctx context.Context, entry *budget.AuditEntry) error {
	return s.repo.AppendAudit(ctx, entry)
}

// messageWriter is the part of *kafka.Writer the store uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka audit stream.
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// BatchTimeout bounds how long a message waits for its batch.
	// Default: 10ms
	BatchTimeout time.Duration
}

// KafkaStore publishes entries to a Kafka topic keyed by tenant, so every
// tenant's history stays ordered within one partition.
type KafkaStore struct {
	writer messageWriter
	topic  string
}

// NewKafkaStore creates a KafkaStore.
func NewKafkaStore(cfg KafkaConfig) (*KafkaStore, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic cannot be empty")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	}
	return &KafkaStore{writer: writer, topic: cfg.Topic}, nil
}

// Name implements Store.
func (s *KafkaStore) Name() string { return "kafka" }

// Write implements Store.
func (s *KafkaStore) Write(ctx context.Context, entry *budget.AuditEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.TenantID),
		Value: value,
		Time:  entry.Timestamp,
		Headers: []kafka.Header{
			{Key: "operation", Value: []byte(entry.Operation)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish audit entry to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes pending messages.
func (s *KafkaStore) Close() error {
	return s.writer.Close()
}
