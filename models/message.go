package models

import (
	"time"

	"github.com/google/uuid"
)

// Message stores only ciphertext. EncryptedContent and IV are base64 strings
// produced by the crypto package; plaintext never reaches the backend.
type Message struct {
	ID               uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4()" json:"id"`
	ConversationID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"conversation_id"`
	SenderID         uuid.UUID  `gorm:"type:uuid;not null" json:"sender_id"`
	EncryptedContent string     `gorm:"type:text;not null" json:"encrypted_content"`
	IV               string     `gorm:"type:text;not null" json:"iv"`
	CreatedAt        time.Time  `json:"created_at"`
	EditedAt         *time.Time `json:"edited_at,omitempty"`
}

// DecryptedMessage is the view handed to the UI: the persisted row plus the
// plaintext derived per-fetch. It is never written back to the backend.
type DecryptedMessage struct {
	Message
	DecryptedContent string `json:"decrypted_content"`
}
