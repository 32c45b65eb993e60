// Package events publishes chat domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"socialchat/models"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TypeMessageSent         = "message.sent"
	TypeConversationDeleted = "conversation.deleted"
)

type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	OccurredAt     time.Time       `json:"occurredAt"`
	ConversationID string          `json:"conversationId"`
	Participants   []string        `json:"participants,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes one event per message sent or conversation deleted, keyed
// by conversation id so a conversation's events stay in order.
type Publisher struct {
	w   writer
	log *zap.SugaredLogger
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.SugaredLogger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafkago.Message, err error) {
			if err != nil {
				log.Warnw("kafka write failed", "count", len(messages), "error", err)
			}
		},
	}
	return &Publisher{w: w, log: log}
}

func newPublisher(w writer, log *zap.SugaredLogger) *Publisher {
	return &Publisher{w: w, log: log}
}

func (p *Publisher) MessageCreated(ctx context.Context, msg *models.Message) {
	p.publish(ctx, Event{
		Type:           TypeMessageSent,
		ConversationID: msg.ConversationID.Hex(),
		Participants:   []string{msg.SenderID, msg.ReceiverID},
		Message:        msg,
	})
}

func (p *Publisher) ConversationDeleted(ctx context.Context, conv *models.Conversation) {
	p.publish(ctx, Event{
		Type:           TypeConversationDeleted,
		ConversationID: conv.ID.Hex(),
		Participants:   conv.Participants,
	})
}

func (p *Publisher) publish(ctx context.Context, ev Event) {
	ev.ID = uuid.NewString()
	ev.OccurredAt = time.Now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Errorw("marshal event", "type", ev.Type, "error", err)
		return
	}
	err = p.w.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(ev.ConversationID),
		Value: b,
		Time:  ev.OccurredAt,
		Headers: []kafkago.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		p.log.Warnw("publish event", "type", ev.Type, "error", err)
	}
}

func (p *Publisher) Close() error {
	return p.w.Close()
}
