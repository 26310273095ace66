package models

import (
	"time"

	"github.com/google/uuid"
)

// User carries just enough identity for participant links and sender checks.
// Account management lives in a separate service; this table mirrors it.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex" json:"username"`
	CreatedAt time.Time `json:"created_at"`
}
