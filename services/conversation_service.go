package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/echosec/echosec/db"
	apiError "github.com/echosec/echosec/errors"
	"github.com/echosec/echosec/models"
)

// ConversationService manages conversation lifecycle. Key attachment is
// lazy: creation stores no key, the first participant to open the chat
// bootstraps one through the KeyService.
type ConversationService interface {
	CreateConversation(ctx context.Context, creatorID uuid.UUID, participantIDs []uuid.UUID) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID, callerID uuid.UUID) error
}

type conversationService struct {
	conversationRepo db.ConversationRepository
	keys             KeyService
	chat             ChatService
	log              zerolog.Logger
}

func NewConversationService(conversationRepo db.ConversationRepository, keys KeyService, chat ChatService, log zerolog.Logger) ConversationService {
	return &conversationService{
		conversationRepo: conversationRepo,
		keys:             keys,
		chat:             chat,
		log:              log.With().Str("component", "conversations").Logger(),
	}
}

func (s *conversationService) CreateConversation(ctx context.Context, creatorID uuid.UUID, participantIDs []uuid.UUID) (*models.Conversation, error) {
	if creatorID == uuid.Nil {
		return nil, apiError.ErrUnauthorized
	}
	ids := append([]uuid.UUID{creatorID}, participantIDs...)
	seen := make(map[uuid.UUID]struct{}, len(ids))
	unique := ids[:0]
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == uuid.Nil {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	conversation := &models.Conversation{}
	if err := s.conversationRepo.CreateConversation(ctx, conversation, unique); err != nil {
		return nil, apiError.Persist(err)
	}
	return conversation, nil
}

func (s *conversationService) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	return s.conversationRepo.ListConversations(ctx, userID)
}

func (s *conversationService) DeleteConversation(ctx context.Context, conversationID, callerID uuid.UUID) error {
	member, err := s.conversationRepo.IsParticipant(ctx, conversationID, callerID)
	if err != nil {
		return err
	}
	if !member {
		return apiError.ErrNotAuthorized
	}

	s.chat.CloseConversation(conversationID)
	if err := s.conversationRepo.DeleteConversation(ctx, conversationID); err != nil {
		return apiError.Persist(err)
	}
	if err := s.keys.ForgetKey(ctx, conversationID); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID.String()).
			Msg("failed to drop cached key")
	}
	return nil
}
