package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LocalBus is an in-process Bus for tests and single-node deployments.
// Events fan out to every subscriber of the matching conversation; slow
// subscribers drop events rather than block the publisher, which the
// at-least-once contract permits because a refresh is already pending.
type LocalBus struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[int]chan InsertEvent
	next int
}

var _ Bus = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[uuid.UUID]map[int]chan InsertEvent)}
}

func (b *LocalBus) PublishInsert(_ context.Context, ev InsertEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, conversationID uuid.UUID) (<-chan InsertEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan InsertEvent, 16)
	id := b.next
	b.next++
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[int]chan InsertEvent)
	}
	b.subs[conversationID][id] = ch

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[conversationID], id)
			close(ch)
		})
	}
	return ch, stop, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bySub := range b.subs {
		for id, ch := range bySub {
			close(ch)
			delete(bySub, id)
		}
	}
	return nil
}
