package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	apiError "github.com/echosec/echosec/errors"
	"github.com/echosec/echosec/models"
	"github.com/echosec/echosec/realtime"
)

// MessageRepository persists ciphertext rows. Edit and delete take the
// caller's sender id and conversation id and apply a compound predicate,
// reporting the affected row count so the service can distinguish a missing
// row from a foreign one. Scoping by conversation keeps a row from being
// re-encrypted under another conversation's key through a mismatched route.
type MessageRepository interface {
	SaveMessage(ctx context.Context, message *models.Message) error
	// ListMessages returns the conversation's history ordered by creation
	// time ascending, ties broken by id, a stable total order across fetches.
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error)
	UpdateMessage(ctx context.Context, conversationID, id, senderID uuid.UUID, encryptedContent, iv string, editedAt time.Time) (int64, error)
	DeleteMessage(ctx context.Context, conversationID, id, senderID uuid.UUID) (int64, error)
}

type messageRepo struct {
	DB        *gorm.DB
	publisher realtime.Publisher
}

// NewMessageRepo wires the repository to the realtime publisher so every
// successful insert is announced to subscribed clients.
func NewMessageRepo(db *GormDB, publisher realtime.Publisher) MessageRepository {
	return &messageRepo{DB: db.DB, publisher: publisher}
}

func (r *messageRepo) SaveMessage(ctx context.Context, message *models.Message) error {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	if err := r.DB.WithContext(ctx).Create(message).Error; err != nil {
		return errors.Wrap(err, "save message")
	}
	// Notification delivery is best-effort; the row is already durable and
	// the next explicit fetch will pick it up.
	_ = r.publisher.PublishInsert(ctx, realtime.InsertEvent{
		ConversationID: message.ConversationID,
		MessageID:      message.ID,
	})
	return nil
}

func (r *messageRepo) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	var msgs []models.Message
	err := r.DB.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	return msgs, nil
}

func (r *messageRepo) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := r.DB.WithContext(ctx).First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apiError.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get message")
	}
	return &msg, nil
}

func (r *messageRepo) UpdateMessage(ctx context.Context, conversationID, id, senderID uuid.UUID, encryptedContent, iv string, editedAt time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND conversation_id = ? AND sender_id = ?", id, conversationID, senderID).
		Updates(map[string]interface{}{
			"encrypted_content": encryptedContent,
			"iv":                iv,
			"edited_at":         editedAt,
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "update message")
	}
	return res.RowsAffected, nil
}

func (r *messageRepo) DeleteMessage(ctx context.Context, conversationID, id, senderID uuid.UUID) (int64, error) {
	res := r.DB.WithContext(ctx).
		Where("id = ? AND conversation_id = ? AND sender_id = ?", id, conversationID, senderID).
		Delete(&models.Message{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "delete message")
	}
	return res.RowsAffected, nil
}
