// Package realtime delivers row-insert notifications for messages so clients
// can refresh a conversation view without polling. Delivery is at-least-once
// and may duplicate; subscribers are expected to coalesce refreshes.
package realtime

import (
	"context"

	"github.com/google/uuid"
)

// InsertEvent announces a new message row in a conversation.
type InsertEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
}

// Publisher is the write side, invoked by the backend after a successful
// message insert.
type Publisher interface {
	PublishInsert(ctx context.Context, ev InsertEvent) error
}

// Notifier is the subscribe side. Subscribe returns a channel of events
// scoped to one conversation id plus an unsubscribe func. Unsubscribing
// closes the channel; it is safe to call more than once.
type Notifier interface {
	Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan InsertEvent, func(), error)
}

// Bus combines both sides of the notification stream.
type Bus interface {
	Publisher
	Notifier
	Close() error
}
