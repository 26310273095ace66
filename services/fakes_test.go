package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echosec/echosec/db"
	apiError "github.com/echosec/echosec/errors"
	"github.com/echosec/echosec/models"
	"github.com/echosec/echosec/realtime"
)

// fakeBackend implements both repository interfaces over mutex-guarded maps,
// mirroring the backend's semantics: conditional key publish, compound
// id+conversation+sender predicates reporting affected rows, history in
// (created_at, id) order. Hooks allow tests to pin down race interleavings and inject write
// failures.
type fakeBackend struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*models.Conversation
	messages      map[uuid.UUID]*models.Message
	participants  map[uuid.UUID][]uuid.UUID

	publisher realtime.Publisher

	listCalls     map[uuid.UUID]int
	saveErr       error
	getErr        error
	beforePublish func()
}

var (
	_ db.ConversationRepository = (*fakeBackend)(nil)
	_ db.MessageRepository      = (*fakeBackend)(nil)
)

func newFakeBackend(publisher realtime.Publisher) *fakeBackend {
	return &fakeBackend{
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[uuid.UUID]*models.Message),
		participants:  make(map[uuid.UUID][]uuid.UUID),
		publisher:     publisher,
		listCalls:     make(map[uuid.UUID]int),
	}
}

func (f *fakeBackend) CreateConversation(_ context.Context, conversation *models.Conversation, participantIDs []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conversation.ID == uuid.Nil {
		conversation.ID = uuid.New()
	}
	conversation.CreatedAt = time.Now().UTC()
	conversation.UpdatedAt = conversation.CreatedAt
	cp := *conversation
	f.conversations[conversation.ID] = &cp
	f.participants[conversation.ID] = participantIDs
	return nil
}

func (f *fakeBackend) GetConversation(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return nil, apiError.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeBackend) SetEncryptionKeyIfEmpty(_ context.Context, id uuid.UUID, keyB64 string) (bool, error) {
	if f.beforePublish != nil {
		f.beforePublish()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok || c.EncryptionKey != "" {
		return false, nil
	}
	c.EncryptionKey = keyB64
	return true, nil
}

func (f *fakeBackend) DeleteConversation(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conversations, id)
	delete(f.participants, id)
	for msgID, msg := range f.messages {
		if msg.ConversationID == id {
			delete(f.messages, msgID)
		}
	}
	return nil
}

func (f *fakeBackend) IsParticipant(_ context.Context, conversationID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.participants[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBackend) ListConversations(_ context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Conversation
	for convID, members := range f.participants {
		for _, id := range members {
			if id == userID {
				out = append(out, *f.conversations[convID])
			}
		}
	}
	return out, nil
}

func (f *fakeBackend) SaveMessage(ctx context.Context, message *models.Message) error {
	f.mu.Lock()
	if f.saveErr != nil {
		err := f.saveErr
		f.mu.Unlock()
		return err
	}
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	message.CreatedAt = time.Now().UTC()
	cp := *message
	f.messages[message.ID] = &cp
	f.mu.Unlock()

	_ = f.publisher.PublishInsert(ctx, realtime.InsertEvent{
		ConversationID: message.ConversationID,
		MessageID:      message.ID,
	})
	return nil
}

func (f *fakeBackend) ListMessages(_ context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls[conversationID]++
	var out []models.Message
	for _, msg := range f.messages {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (f *fakeBackend) GetMessage(_ context.Context, id uuid.UUID) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, apiError.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (f *fakeBackend) UpdateMessage(_ context.Context, conversationID, id, senderID uuid.UUID, encryptedContent, iv string, editedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok || msg.ConversationID != conversationID || msg.SenderID != senderID {
		return 0, nil
	}
	msg.EncryptedContent = encryptedContent
	msg.IV = iv
	msg.EditedAt = &editedAt
	return 1, nil
}

func (f *fakeBackend) DeleteMessage(_ context.Context, conversationID, id, senderID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok || msg.ConversationID != conversationID || msg.SenderID != senderID {
		return 0, nil
	}
	delete(f.messages, id)
	return 1, nil
}

func (f *fakeBackend) listCallCount(conversationID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[conversationID]
}

func (f *fakeBackend) setSaveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

func (f *fakeBackend) setGetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}
