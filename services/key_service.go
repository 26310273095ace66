package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/echosec/echosec/crypto"
	"github.com/echosec/echosec/db"
	apiError "github.com/echosec/echosec/errors"
	"github.com/echosec/echosec/keystore"
)

// KeyService resolves the single shared symmetric key of a conversation.
// Two participants may race to initialize the same conversation; whichever
// conditional publish lands first wins, and both sides adopt the stored key
// on the mandatory re-read. This is best-effort convergence over the backend
// record, not a linearizable compare-and-swap.
type KeyService interface {
	// ResolveKey returns the conversation's key material, creating and
	// publishing a key when none exists yet.
	ResolveKey(ctx context.Context, conversationID uuid.UUID) ([]byte, error)
	// ForgetKey drops the local cache entry, used when a conversation is
	// deleted.
	ForgetKey(ctx context.Context, conversationID uuid.UUID) error
}

type keyService struct {
	conversationRepo db.ConversationRepository
	cache            keystore.Store
	log              zerolog.Logger
}

func NewKeyService(conversationRepo db.ConversationRepository, cache keystore.Store, log zerolog.Logger) KeyService {
	return &keyService{
		conversationRepo: conversationRepo,
		cache:            cache,
		log:              log.With().Str("component", "keys").Logger(),
	}
}

func (s *keyService) ResolveKey(ctx context.Context, conversationID uuid.UUID) ([]byte, error) {
	conversation, err := s.conversationRepo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	// Common race-free path: another participant already published.
	if conversation.HasKey() {
		return s.adopt(ctx, conversationID, conversation.EncryptionKey)
	}

	// No published key. Reuse a locally generated key that never made it to
	// the backend (the originator re-entering before publish completed),
	// otherwise mint a fresh one.
	encoded, err := s.cache.Get(ctx, conversationID)
	if err == keystore.ErrMiss {
		key, genErr := crypto.GenerateKey()
		if genErr != nil {
			return nil, genErr
		}
		encoded = crypto.ExportKey(key)
	} else if err != nil {
		return nil, err
	}

	won, err := s.conversationRepo.SetEncryptionKeyIfEmpty(ctx, conversationID, encoded)
	if err != nil {
		return nil, apiError.Persist(err)
	}
	if !won {
		s.log.Debug().Str("conversation_id", conversationID.String()).
			Msg("lost key publish race, adopting stored key")
	}

	// Re-read and adopt whatever the backend holds now. A participant that
	// lost the publish race must take the winner's key here or the two sides
	// end up unable to decrypt each other.
	stored, err := s.conversationRepo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !stored.HasKey() {
		return nil, apiError.Persist(fmt.Errorf("conversation %s has no key after publish", conversationID))
	}
	return s.adopt(ctx, conversationID, stored.EncryptionKey)
}

// adopt imports the authoritative encoded key and mirrors it into the local
// cache. Invalid stored material is surfaced, never silently regenerated.
func (s *keyService) adopt(ctx context.Context, conversationID uuid.UUID, encoded string) ([]byte, error) {
	key, err := crypto.ImportKey(encoded)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Put(ctx, conversationID, encoded); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID.String()).
			Msg("failed to cache conversation key")
	}
	return key, nil
}

func (s *keyService) ForgetKey(ctx context.Context, conversationID uuid.UUID) error {
	return s.cache.Remove(ctx, conversationID)
}
