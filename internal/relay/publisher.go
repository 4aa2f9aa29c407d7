package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/fathima-sithara/chatsync/internal/models"
)

const (
	SubjectMessageSent = "message.sent"
	SubjectMessageRead = "message.read"
)

// MessageReadEvent is published when a participant reads a conversation.
type MessageReadEvent struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	Count          int       `json:"count"`
	ReadAt         time.Time `json:"read_at"`
}

// Publisher forwards relay activity to downstream consumers.
type Publisher interface {
	PublishMessageSent(ctx context.Context, m models.Message) error
	PublishMessageRead(ctx context.Context, ev MessageReadEvent) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) PublishMessageSent(context.Context, models.Message) error   { return nil }
func (NopPublisher) PublishMessageRead(context.Context, MessageReadEvent) error { return nil }
func (NopPublisher) Close() error                                               { return nil }

type KafkaPublisher struct {
	sent *kafkago.Writer
	read *kafkago.Writer
}

func NewKafkaPublisher(brokers []string, topicSent, topicRead string) *KafkaPublisher {
	return &KafkaPublisher{sent: newWriter(brokers, topicSent), read: newWriter(brokers, topicRead)}
}

func newWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
}

func (p *KafkaPublisher) PublishMessageSent(ctx context.Context, m models.Message) error {
	return write(ctx, p.sent, m.ConversationID, m)
}

func (p *KafkaPublisher) PublishMessageRead(ctx context.Context, ev MessageReadEvent) error {
	return write(ctx, p.read, ev.ConversationID, ev)
}

// write keys records by conversation so one conversation stays ordered
// within a partition.
func write(ctx context.Context, w *kafkago.Writer, key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, kafkago.Message{Key: []byte(key), Value: b, Time: time.Now()})
}

func (p *KafkaPublisher) Close() error {
	err := p.sent.Close()
	if rerr := p.read.Close(); err == nil {
		err = rerr
	}
	return err
}

type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(natsURL string) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsURL, nats.Name("chatrelay"))
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) PublishMessageSent(_ context.Context, m models.Message) error {
	return p.publish(SubjectMessageSent, m)
}

func (p *NATSPublisher) PublishMessageRead(_ context.Context, ev MessageReadEvent) error {
	return p.publish(SubjectMessageRead, ev)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject, b)
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
