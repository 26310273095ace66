package models

import "github.com/google/uuid"

// Participant maps the conversation_participants join table so repositories
// can run membership checks without loading the full association.
type Participant struct {
	ConversationID uuid.UUID `gorm:"type:uuid;primaryKey" json:"conversation_id"`
	UserID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`
}

func (Participant) TableName() string { return "conversation_participants" }
