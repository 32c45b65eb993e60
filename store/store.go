// Package store persists conversations and their messages.
package store

import (
	"context"
	"errors"

	"socialchat/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConversationGone is returned by AppendMessage when the conversation
	// was deleted between resolving it and appending to it.
	ErrConversationGone = errors.New("store: conversation no longer exists")
	// ErrDuplicateKey is returned by AppendMessage when a message with the
	// same idempotency key already exists in the conversation.
	ErrDuplicateKey = errors.New("store: idempotency key already used")
)

type Store interface {
	// FindOrCreateConversation returns the conversation for the unordered pair
	// {a, b}, creating it when absent. created reports whether this call
	// created it. Concurrent calls for one pair yield one conversation.
	FindOrCreateConversation(ctx context.Context, a, b string) (conv *models.Conversation, created bool, err error)

	// FindConversation returns ErrNotFound when the pair has no conversation.
	FindConversation(ctx context.Context, a, b string) (*models.Conversation, error)

	// AppendMessage inserts msg and appends its id to the owning conversation
	// as one unit: either both happen or neither does. A zero msg.ID is
	// filled in.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// FindMessageByKey looks up a message by its idempotency key digest.
	FindMessageByKey(ctx context.Context, conversationID primitive.ObjectID, key string) (*models.Message, error)

	// ListMessages returns the conversation's messages by createdAt then id.
	ListMessages(ctx context.Context, conversationID primitive.ObjectID) ([]models.Message, error)

	// DeleteConversation removes the messages and then the conversation.
	DeleteConversation(ctx context.Context, conversationID primitive.ObjectID) error

	// ListConversations returns the user's conversations with their latest
	// message, most recent first and empty conversations last.
	ListConversations(ctx context.Context, userID string) ([]models.ConversationWithLast, error)
}
