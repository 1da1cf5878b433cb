package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"
)

const (
	TypeFollow   = "follow"
	TypeUnfollow = "unfollow"
	TypeMessage  = "message"

	kafkaWriteTimeout = 10 * time.Second
	kafkaBatchTimeout = 10 * time.Millisecond
	publishTimeout    = 3 * time.Second
)

// Event is a domain fact published for downstream consumers (feeds, notifications, analytics).
// Delivery is best-effort: the stores remain the source of truth.
type Event struct {
	Type           string `json:"type"`
	Actor          string `json:"actor"`
	Target         string `json:"target,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Time           int64  `json:"time"`
}

// Publisher publishes events. Implementations never block callers for long.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Nop discards events, used when no kafka brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }

// KafkaPublisher writes events as JSON values, keyed by actor so that one user's
// events keep their order within a partition.
type KafkaPublisher struct {
	writer IKafkaWriter
	limit  int
}

// NewKafkaPublisher returns an async publisher: Publish enqueues and returns, and
// delivery failures are logged from the writer's completion callback.
func NewKafkaPublisher(brokers []string, topic string, maxBytes int) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: kafkaBatchTimeout,
		Async:        true,
		ErrorLogger:  kafka.LoggerFunc(glog.Errorf),
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
	w.Completion = logCompletion
	return newKafkaPublisher(w, maxBytes)
}

func logCompletion(msgs []kafka.Message, err error) {
	if err != nil {
		glog.Errorf("events: %d event(s) not delivered: %v", len(msgs), err)
	}
}

func newKafkaPublisher(w IKafkaWriter, maxBytes int) *KafkaPublisher {
	return &KafkaPublisher{writer: w, limit: maxBytes}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e *Event) error {
	if e.Time == 0 {
		e.Time = time.Now().UnixMilli()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("error marshal event: %+v, err: %v", e, err)
	}
	if len(value) > p.limit {
		return fmt.Errorf("event exceeds max limit: %d bytes", p.limit)
	}

	km := kafka.Message{
		Key:   []byte(e.Actor),
		Value: value,
	}

	ctx2, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %s", err)
	}
	glog.V(5).Infof("events: published %s by %s", e.Type, e.Actor)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// PublishQuietly publishes e and logs failures.
func PublishQuietly(ctx context.Context, p Publisher, e *Event) {
	if err := p.Publish(ctx, e); err != nil {
		glog.Errorf("events: publish %s error: %v", e.Type, err)
	}
}
