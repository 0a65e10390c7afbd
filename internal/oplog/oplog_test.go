package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var recordedAt = time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)

func TestZapLoggerWritesStructuredFields(test *testing.T) {
	test.Parallel()
	core, observed := observer.New(zapcore.InfoLevel)
	sink := NewZapLogger(zap.New(core))

	sink.LogOperation(context.Background(), sampleEntry(test, nil))
	sink.LogOperation(context.Background(), sampleEntry(test, ledger.WrapError("store", "account", "version_conflict", ledger.ErrConcurrentUpdate)))

	entries := observed.All()
	if len(entries) != 2 {
		test.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "debit" || fields["user_id"] != "11" || fields["balance"] != "20.00" {
		test.Fatalf("unexpected fields %v", fields)
	}
	if entries[1].Level != zapcore.WarnLevel {
		test.Fatalf("expected failed operation at warn level, got %s", entries[1].Level)
	}
	if code := entries[1].ContextMap()["error_code"]; code != "store.account.version_conflict" {
		test.Fatalf("expected error code field, got %v", code)
	}
}

func TestKafkaPublisherSendsKeyedRecord(test *testing.T) {
	test.Parallel()
	producer := mocks.NewSyncProducer(test, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(message *sarama.ProducerMessage) error {
		key, err := message.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "11" {
			return errors.New("message must be keyed by user id")
		}
		value, err := message.Value.Encode()
		if err != nil {
			return err
		}
		var record Record
		if err := json.Unmarshal(value, &record); err != nil {
			return err
		}
		if record.Operation != "debit" || record.Amount != "10.00" || !record.RecordedAt.Equal(recordedAt) {
			return errors.New("unexpected record payload")
		}
		return nil
	})
	publisher, err := NewKafkaPublisher(producer, "ledger-operations", nil, func() time.Time { return recordedAt })
	if err != nil {
		test.Fatalf("publisher: %v", err)
	}

	publisher.LogOperation(context.Background(), sampleEntry(test, nil))
	if err := publisher.Close(); err != nil {
		test.Fatalf("close: %v", err)
	}
}

func TestKafkaPublisherSwallowsSendFailure(test *testing.T) {
	test.Parallel()
	producer := mocks.NewSyncProducer(test, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	core, observed := observer.New(zapcore.WarnLevel)
	publisher, err := NewKafkaPublisher(producer, "ledger-operations", zap.New(core), nil)
	if err != nil {
		test.Fatalf("publisher: %v", err)
	}

	publisher.LogOperation(context.Background(), sampleEntry(test, nil))
	if observed.Len() != 1 {
		test.Fatalf("expected the failure to be logged once, got %d", observed.Len())
	}
	_ = publisher.Close()
}

func TestNewKafkaPublisherValidatesConfig(test *testing.T) {
	test.Parallel()
	if _, err := NewKafkaPublisher(nil, "topic", nil, nil); !errors.Is(err, ErrInvalidPublisherConfig) {
		test.Fatalf("expected ErrInvalidPublisherConfig, got %v", err)
	}
	if _, err := NewKafkaProducer(nil); !errors.Is(err, ErrInvalidPublisherConfig) {
		test.Fatalf("expected ErrInvalidPublisherConfig, got %v", err)
	}
}

func TestFanoutForwardsToEverySink(test *testing.T) {
	test.Parallel()
	first := &countingSink{}
	second := &countingSink{}
	fanout := Fanout{first, nil, second}

	fanout.LogOperation(context.Background(), sampleEntry(test, nil))
	if first.calls != 1 || second.calls != 1 {
		test.Fatalf("expected each sink called once, got %d and %d", first.calls, second.calls)
	}
}

type countingSink struct {
	calls int
}

func (sink *countingSink) LogOperation(context.Context, ledger.OperationLog) {
	sink.calls++
}

func sampleEntry(test *testing.T, failure error) ledger.OperationLog {
	test.Helper()
	userID, err := ledger.NewUserID("11")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	amount, err := ledger.ParseAmount("10")
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	previous, err := ledger.ParseAmount("30")
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	balance, err := ledger.ParseAmount("20")
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	status := "ok"
	if failure != nil {
		status = "error"
	}
	return ledger.OperationLog{
		Operation:       "debit",
		UserID:          userID,
		Amount:          amount,
		PreviousBalance: previous,
		Balance:         balance,
		Status:          status,
		Error:           failure,
	}
}
