package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const DefaultTopic = "cart-notifications"

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes notifications for the push-delivery service.
// Publishing never blocks the caller and failures are only logged.
type KafkaSink struct {
	sessionID string
	writer    MessageWriter
	timeout   time.Duration
	log       *zap.Logger
}

// NewKafkaWriter builds the shared writer used by every session's sink.
func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaSink(sessionID string, writer MessageWriter, log *zap.Logger) *KafkaSink {
	return &KafkaSink{
		sessionID: sessionID,
		writer:    writer,
		timeout:   5 * time.Second,
		log:       log.Named("notify.kafka"),
	}
}

func (s *KafkaSink) Success(_ context.Context, message string) {
	s.publish(KindSuccess, message)
}

func (s *KafkaSink) Error(_ context.Context, message string) {
	s.publish(KindError, message)
}

func (s *KafkaSink) publish(kind Kind, message string) {
	n := Notification{SessionID: s.sessionID, Kind: kind, Message: message, At: time.Now()}
	payload, err := json.Marshal(n)
	if err != nil {
		s.log.Error("marshal notification failed", zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(s.sessionID), // session id keeps per-session ordering
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.writer.WriteMessages(ctx, msg); err != nil {
			s.log.Warn("publish notification failed", zap.String("session_id", s.sessionID), zap.Error(err))
		}
	}()
}
