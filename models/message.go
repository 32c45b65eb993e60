package models

import (
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Message struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ConversationID primitive.ObjectID `bson:"conversationId" json:"conversationId"`
	SenderID       string             `bson:"senderId" json:"senderId"`
	ReceiverID     string             `bson:"receiverId" json:"receiverId"`
	Text           string             `bson:"text" json:"text"`
	IdempotencyKey string             `bson:"idempotencyKey,omitempty" json:"-"`
	CreatedAt      time.Time          `bson:"createdAt" json:"createdAt"`
}

// Before orders messages by createdAt, falling back to id for equal timestamps.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID.Hex() < other.ID.Hex()
}

// BelongsTo reports whether the message was exchanged between a and b.
func (m *Message) BelongsTo(a, b string) bool {
	return PairKey(m.SenderID, m.ReceiverID) == PairKey(a, b)
}

// SortMessages sorts msgs in display order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(&msgs[j])
	})
}
