package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
	"github.com/mattjoyce/pwgo-agent/internal/events"
	"github.com/mattjoyce/pwgo-agent/internal/log"
	"github.com/mattjoyce/pwgo-agent/internal/metrics"
)

// KafkaConfig names the topic carrying message rows.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// kafkaMessage is the record value: one row of the message table.
type kafkaMessage struct {
	MessageType string          `json:"message_type"`
	Message     json.RawMessage `json:"message"`
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka consumes message rows relayed to a topic. Offsets are committed only
// after the row is queued.
type Kafka struct {
	cfg       KafkaConfig
	hub       *events.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	newReader func() kafkaReader
}

func NewKafka(cfg KafkaConfig, deps Deps) *Kafka {
	k := &Kafka{
		cfg:     cfg,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		logger:  log.WithComponent("source.kafka"),
	}
	k.newReader = func() kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: k.cfg.Brokers,
			Topic:   k.cfg.Topic,
			GroupID: k.cfg.GroupID,
		})
	}
	return k
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Run(ctx context.Context, sink Sink) error {
	reader := k.newReader()
	defer func() {
		if err := reader.Close(); err != nil {
			k.logger.Warn("failed to close kafka reader", "error", err)
		}
	}()
	k.logger.Info("consuming change messages", "topic", k.cfg.Topic, "group_id", k.cfg.GroupID)
	k.hub.Publish(events.TypeSourceConnected, map[string]any{"source": k.Name(), "topic": k.cfg.Topic})

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.hub.Publish(events.TypeSourceDisconnect, map[string]any{"source": k.Name(), "error": err.Error()})
			return fmt.Errorf("fetch kafka message: %w", err)
		}
		k.metrics.SourceRow(k.Name())

		var km kafkaMessage
		if err := json.Unmarshal(msg.Value, &km); err != nil {
			k.logger.Warn("skipping undecodable record", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		} else if err := deliver(sink, dbevent.RawRow{MessageType: km.MessageType, Message: km.Message}, k.logger); err != nil {
			if errors.Is(err, ErrSinkClosed) {
				return err
			}
			return fmt.Errorf("queue kafka record at offset %d: %w", msg.Offset, err)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit kafka offset %d: %w", msg.Offset, err)
		}
	}
}
