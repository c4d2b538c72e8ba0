// Package events publishes job outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"wamator/internal/model"
)

// JobOutcome is emitted once a job reached a terminal status.
type JobOutcome struct {
	BatchID    string            `json:"batch_id"`
	Recipient  string            `json:"recipient"`
	TenantID   int64             `json:"api_consumer_id"`
	UserID     int64             `json:"user_id"`
	Type       model.MessageType `json:"type"`
	Status     model.JobStatus   `json:"status"`
	Error      string            `json:"error,omitempty"`
	OccurredAt int64             `json:"occurred_at"`
}

type Emitter interface {
	Emit(ctx context.Context, o JobOutcome) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, JobOutcome) error { return nil }
func (Nop) Close() error                           { return nil }

const writeTimeout = 5 * time.Second

// KafkaEmitter writes outcomes as JSON keyed by batch id, so one batch stays on one partition.
type KafkaEmitter struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

// New returns a Kafka emitter, or Nop when no brokers or topic are configured.
func New(brokers []string, topic string, log zerolog.Logger) Emitter {
	if len(brokers) == 0 || topic == "" {
		return Nop{}
	}
	e := &KafkaEmitter{log: log.With().Str("component", "events").Str("topic", topic).Logger()}
	// Writes are async; failures surface in Completion.
	e.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				e.log.Warn().Err(err).Int("messages", len(messages)).Msg("emit job outcomes")
			}
		},
	}
	return e
}

func (e *KafkaEmitter) Emit(ctx context.Context, o JobOutcome) error {
	msg, err := encode(o)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := e.writer.WriteMessages(writeCtx, msg); err != nil {
		e.log.Warn().Err(err).Str("batch_id", o.BatchID).Msg("emit job outcome")
		return err
	}
	return nil
}

func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}

func encode(o JobOutcome) (kafka.Message, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(o.BatchID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(o.Status)},
		},
	}, nil
}
