package database

import (
	"time"

	"gorm.io/gorm"
)

// ConnectionRecord is one websocket session as seen by the relay. It holds
// no message content.
type ConnectionRecord struct {
	ID             uint   `gorm:"primaryKey"`
	RoomID         string `gorm:"index;not null"`
	UserID         string `gorm:"index;not null"`
	RemoteAddr     string
	ConnectedAt    time.Time `gorm:"not null"`
	DisconnectedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

// Open reports whether the session has not been closed yet.
func (r ConnectionRecord) Open() bool {
	return r.DisconnectedAt == nil
}
