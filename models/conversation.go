package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is the backend record an encrypted chat hangs off. The
// EncryptionKey column holds the base64-encoded shared symmetric key; it is
// empty until one participant publishes a key and is never rotated afterward.
type Conversation struct {
	ID            uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4()" json:"id"`
	Participants  []User    `gorm:"many2many:conversation_participants;" json:"participants"`
	EncryptionKey string    `gorm:"type:text" json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasKey reports whether a shared key has been published for the conversation.
func (c *Conversation) HasKey() bool {
	return c.EncryptionKey != ""
}
