package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	apiError "github.com/echosec/echosec/errors"
	"github.com/echosec/echosec/models"
)

// ConversationRepository is the backend surface the key bootstrap and chat
// service depend on. The key column is contended by racing participants, so
// publication is a conditional update and readers must treat a follow-up
// GetConversation as authoritative.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conversation *models.Conversation, participantIDs []uuid.UUID) error
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	// SetEncryptionKeyIfEmpty publishes keyB64 only when no key is stored yet.
	// It reports whether this caller's write landed. Losers must re-read and
	// adopt the stored key.
	SetEncryptionKeyIfEmpty(ctx context.Context, id uuid.UUID, keyB64 string) (bool, error)
	DeleteConversation(ctx context.Context, id uuid.UUID) error
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)
}

type conversationRepo struct {
	DB *gorm.DB
}

func NewConversationRepo(db *GormDB) ConversationRepository {
	return &conversationRepo{db.DB}
}

func (r *conversationRepo) CreateConversation(ctx context.Context, conversation *models.Conversation, participantIDs []uuid.UUID) error {
	if conversation.ID == uuid.Nil {
		conversation.ID = uuid.New()
	}
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Participants").Create(conversation).Error; err != nil {
			return errors.Wrap(err, "create conversation")
		}
		for _, userID := range participantIDs {
			link := models.Participant{ConversationID: conversation.ID, UserID: userID}
			if err := tx.Create(&link).Error; err != nil {
				return errors.Wrap(err, "create participant link")
			}
		}
		return nil
	})
}

func (r *conversationRepo) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.DB.WithContext(ctx).First(&conversation, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apiError.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get conversation")
	}
	return &conversation, nil
}

func (r *conversationRepo) SetEncryptionKeyIfEmpty(ctx context.Context, id uuid.UUID, keyB64 string) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND (encryption_key IS NULL OR encryption_key = '')", id).
		Update("encryption_key", keyB64)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "publish encryption key")
	}
	return res.RowsAffected == 1, nil
}

func (r *conversationRepo) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return errors.Wrap(err, "delete conversation messages")
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Participant{}).Error; err != nil {
			return errors.Wrap(err, "delete conversation participants")
		}
		if err := tx.Delete(&models.Conversation{}, "id = ?", id).Error; err != nil {
			return errors.Wrap(err, "delete conversation")
		}
		return nil
	})
}

func (r *conversationRepo) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "participant check")
	}
	return count > 0, nil
}

func (r *conversationRepo) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := r.DB.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON cp.conversation_id = conversations.id").
		Where("cp.user_id = ?", userID).
		Order("conversations.updated_at DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return conversations, nil
}
