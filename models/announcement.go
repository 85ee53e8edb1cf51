package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	AnnouncementStatusDraft = "draft"
	AnnouncementStatusSent  = "sent"
)

const (
	RecipientStatusPending = "pending"
	RecipientStatusSent    = "sent"
	RecipientStatusFailed  = "failed"
)

// Announcement is a one-off broadcast to a filtered set of contacts
type Announcement struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Title   string     `gorm:"not null" json:"title"`
	Channel string     `gorm:"not null;default:'email'" json:"channel"` // email, sms, push
	Content string     `gorm:"type:text" json:"content"`
	Status  string     `gorm:"not null;default:'draft'" json:"status"` // draft, sent
	SentAt  *time.Time `json:"sent_at,omitempty"`

	Recipients []AnnouncementRecipient `gorm:"foreignKey:AnnouncementID" json:"recipients,omitempty"`
}

type AnnouncementRecipient struct {
	gorm.Model
	AnnouncementID uint `gorm:"not null;index;uniqueIndex:idx_recipient_contact,priority:1" json:"announcement_id"`
	ContactID      uint `gorm:"not null;index;uniqueIndex:idx_recipient_contact,priority:2" json:"contact_id"`

	Status   string     `gorm:"not null;default:'pending'" json:"status"` // pending, sent, failed
	SentAt   *time.Time `json:"sent_at,omitempty"`
	ViewedAt *time.Time `json:"viewed_at,omitempty"`
	Error    *string    `json:"error,omitempty"`
}
