// Package oplog implements ledger.OperationLogger sinks: structured zap
// logging, a Kafka stream and a fan-out.
package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"go.uber.org/zap"
)

const defaultProducerRetries = 3

// ErrInvalidPublisherConfig reports a Kafka publisher without brokers or topic.
var ErrInvalidPublisherConfig = errors.New("invalid operation publisher config")

// ZapLogger writes every ledger operation as one structured log line.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger; nil yields a no-op logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (sink *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("amount", entry.Amount.String()),
		zap.String("previous_balance", entry.PreviousBalance.String()),
		zap.String("balance", entry.Balance.String()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.String("error_code", ledger.ErrorCode(entry.Error)), zap.Error(entry.Error))
		sink.logger.Warn("ledger operation failed", fields...)
		return
	}
	sink.logger.Info("ledger operation", fields...)
}

// Record is the wire form of an operation on the Kafka topic.
type Record struct {
	Operation       string    `json:"operation"`
	UserID          string    `json:"user_id"`
	Amount          string    `json:"amount"`
	PreviousBalance string    `json:"previous_balance"`
	Balance         string    `json:"balance"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// NewRecord converts entry into its wire form.
func NewRecord(entry ledger.OperationLog, recordedAt time.Time) Record {
	record := Record{
		Operation:       entry.Operation,
		UserID:          entry.UserID.String(),
		Amount:          entry.Amount.String(),
		PreviousBalance: entry.PreviousBalance.String(),
		Balance:         entry.Balance.String(),
		Status:          entry.Status,
		RecordedAt:      recordedAt.UTC(),
	}
	if entry.Error != nil {
		record.Error = entry.Error.Error()
		record.ErrorCode = ledger.ErrorCode(entry.Error)
	}
	return record
}

// KafkaPublisher streams ledger operations to a Kafka topic keyed by user id,
// so every user's operations stay ordered within one partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
	now      func() time.Time
}

// NewKafkaProducer dials brokers with a synchronous producer that waits for
// all in-sync replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: brokers are required", ErrInvalidPublisherConfig)
	}
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = defaultProducerRetries
	config.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// NewKafkaPublisher wraps producer. Publish failures are logged, never returned.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger, now func() time.Time) (*KafkaPublisher, error) {
	if producer == nil || strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("%w: producer and topic are required", ErrInvalidPublisherConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger, now: now}, nil
}

// LogOperation implements ledger.OperationLogger.
func (publisher *KafkaPublisher) LogOperation(_ context.Context, entry ledger.OperationLog) {
	payload, err := json.Marshal(NewRecord(entry, publisher.now()))
	if err != nil {
		publisher.logger.Error("encode ledger operation", zap.Error(err))
		return
	}
	message := &sarama.ProducerMessage{
		Topic: publisher.topic,
		Key:   sarama.StringEncoder(entry.UserID.String()),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := publisher.producer.SendMessage(message); err != nil {
		publisher.logger.Warn("publish ledger operation",
			zap.String("topic", publisher.topic),
			zap.String("operation", entry.Operation),
			zap.String("user_id", entry.UserID.String()),
			zap.Error(err))
	}
}

// Close releases the producer.
func (publisher *KafkaPublisher) Close() error {
	return publisher.producer.Close()
}

// Fanout forwards each operation to every sink in order.
type Fanout []ledger.OperationLogger

// LogOperation implements ledger.OperationLogger.
func (fanout Fanout) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, sink := range fanout {
		if sink != nil {
			sink.LogOperation(ctx, entry)
		}
	}
}
