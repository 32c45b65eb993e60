package models

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Conversation is the single 1:1 thread between two participants.
type Conversation struct {
	ID            primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	Participants  []string             `bson:"participants" json:"participants"`
	PairKey       string               `bson:"pairKey" json:"-"`
	Messages      []primitive.ObjectID `bson:"messages" json:"messages"`
	LastMessageAt *time.Time           `bson:"lastMessageAt,omitempty" json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time            `bson:"createdAt" json:"createdAt"`
}

// ConversationSummary is computed per request, never stored.
type ConversationSummary struct {
	ConversationID primitive.ObjectID `json:"conversationId"`
	LastMessage    *Message           `json:"lastMessage"`
	ChatPartner    PublicProfile      `json:"chatPartner"`
}

// ConversationWithLast is what the store hands back for conversation listings.
type ConversationWithLast struct {
	Conversation Conversation
	LastMessage  *Message
}

var participantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidParticipantID reports whether id is a syntactically valid participant id.
func ValidParticipantID(id string) bool {
	return participantIDPattern.MatchString(id)
}

// PairKey normalizes an unordered participant pair. The separator cannot
// occur inside a valid participant id.
func PairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// Partner returns the participant that is not userID. For a conversation a
// user has with themselves it returns userID.
func (c *Conversation) Partner(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return userID
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
