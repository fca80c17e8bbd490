package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// DefaultTopic receives audit events when no topic is configured.
const DefaultTopic = "vcqueue.audit"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by guild so a guild's events stay
// ordered within one partition. The writer runs in async mode; delivery
// failures are reported through the completion callback and logged.
type KafkaSink struct {
	w     messageWriter
	topic string
	log   zerolog.Logger
}

// NewKafkaSink builds a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, log zerolog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("audit: at least one kafka broker is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	l := log.With().Str("component", "audit_kafka").Logger()
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				l.Warn().Err(err).Int("count", len(msgs)).Msg("audit delivery failed")
			}
		},
	}
	l.Info().Strs("brokers", brokers).Str("topic", topic).Msg("kafka audit sink initialized")
	return &KafkaSink{w: w, topic: topic, log: l}, nil
}

func (s *KafkaSink) Emit(ctx context.Context, ev Event) {
	stamp(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", ev.Kind).Msg("audit marshal failed")
		return
	}
	if err := s.w.WriteMessages(ctx, kafka.Message{Key: []byte(ev.GuildID), Value: data}); err != nil {
		s.log.Warn().Err(err).Str("kind", ev.Kind).Msg("audit publish failed")
	}
}

// Close flushes pending messages.
func (s *KafkaSink) Close() error { return s.w.Close() }
