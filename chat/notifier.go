package chat

import (
	"context"

	"socialchat/models"
)

// Notifier is told about changes after they are durably persisted. Notifiers
// must not block the caller for long and must not fail the operation.
type Notifier interface {
	MessageCreated(ctx context.Context, msg *models.Message)
	ConversationDeleted(ctx context.Context, conv *models.Conversation)
}

// Notifiers fans out to every notifier in order.
type Notifiers []Notifier

func (ns Notifiers) MessageCreated(ctx context.Context, msg *models.Message) {
	for _, n := range ns {
		n.MessageCreated(ctx, msg)
	}
}

func (ns Notifiers) ConversationDeleted(ctx context.Context, conv *models.Conversation) {
	for _, n := range ns {
		n.ConversationDeleted(ctx, conv)
	}
}
