package session

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is one recorded terminal. A session with a RemoteID is recorded on
// another server and relayed from there.
type Session struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID  `gorm:"type:uuid;index;not null"`
	Name          string     `gorm:"not null"`
	RecordingPath string     `gorm:"column:recording_path"`
	RemoteID      *uuid.UUID `gorm:"type:uuid;index"`
	ClearOffset   int64      `gorm:"column:clear_offset;not null;default:0"`
	ClearCols     int        `gorm:"column:clear_cols;not null;default:0"`
	ClearRows     int        `gorm:"column:clear_rows;not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Remote is a peer server whose sessions can be viewed through this one.
type Remote struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"not null"`
	URL       string    `gorm:"not null"` // ws(s):// URL of the peer's /buffers endpoint
	Token     string    `gorm:"column:token"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Remote) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
